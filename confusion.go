// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	confusionHeaderStyle = lipgloss.NewStyle().Reverse(true).
				Padding(0, 1, 0, 1).Align(lipgloss.Center)
	confusionOddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
				PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	confusionEvenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
				PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
)

// newReportTable returns a bordered table with a header row, used for the
// confusion matrix and the hard-example report.
func newReportTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 1 {
				return confusionHeaderStyle
			}
			if row%2 == 0 {
				return confusionEvenRowStyle
			}
			return confusionOddRowStyle
		})
}

// RenderConfusion renders the confusion matrix (indexed [actual][predicted])
// as a terminal table. Rows are the true grades, columns the predictions.
func RenderConfusion(matrix [NumGrades][NumGrades]float64) string {
	table := newReportTable()

	header := make([]string, NumGrades+1)
	header[0] = "actual \\ predicted"
	for j := 0; j < NumGrades; j++ {
		header[j+1] = fmt.Sprintf("%d %s", j, GradeNames[j])
	}
	table.Row(header...)
	for i := 0; i < NumGrades; i++ {
		row := make([]string, NumGrades+1)
		row[0] = fmt.Sprintf("%d %s", i, GradeNames[i])
		for j := 0; j < NumGrades; j++ {
			row[j+1] = humanize.Comma(int64(matrix[i][j]))
		}
		table.Row(row...)
	}
	return table.Render()
}