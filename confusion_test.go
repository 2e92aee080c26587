// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderConfusion(t *testing.T) {
	var matrix [NumGrades][NumGrades]float64
	matrix[0][0] = 1234
	matrix[4][2] = 7

	rendered := RenderConfusion(matrix)
	for grade, name := range GradeNames {
		assert.Containsf(t, rendered, name, "grade %d name", grade)
	}
	// Counts are rendered with thousand separators.
	assert.Contains(t, rendered, "1,234")
	assert.Contains(t, rendered, "7")
}
