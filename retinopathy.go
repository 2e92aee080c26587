// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package retinopathy trains and cross-validates diabetic retinopathy grading
// models on fundus photographs, using GoMLX.
//
// The package provides the data pipeline (see Dataset), the model graphs (see
// ModelsFns), the per-fold training driver (see TrainFold) and the
// cross-validation aggregation used to report the final score (see
// AggregateCV).
//
// The two command-line entry points live under cmd/retina_train and
// cmd/retina_cv.
package retinopathy

import (
	"encoding/csv"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
)

// NumGrades is the number of retinopathy severity grades.
const NumGrades = 5

// GradeNames indexed by grade, following the standard clinical scale.
var GradeNames = [NumGrades]string{
	"No DR",
	"Mild",
	"Moderate",
	"Severe",
	"Proliferative DR",
}

// Source identifies the dataset a sample comes from. Aptos2019 is the primary
// dataset: it is the only one split into folds and used for validation. The
// others are auxiliary train-only datasets.
type Source int

const (
	Aptos2019 Source = iota
	Aptos2015
	Idrid
	Messidor
	numSources
)

// String implements fmt.Stringer, returning the dataset directory name.
func (s Source) String() string {
	switch s {
	case Aptos2019:
		return "aptos2019"
	case Aptos2015:
		return "aptos2015"
	case Idrid:
		return "idrid"
	case Messidor:
		return "messidor"
	}
	return "invalid"
}

// Sample is one labeled fundus photograph.
type Sample struct {
	Source Source
	ID     string
	Path   string // Absolute path to the image file.
	Grade  int32  // In [0, NumGrades).
}

// LoadIndex reads the `train.csv` index of the given source under dataDir and
// returns the listed samples. The CSV has a header row and two columns:
// image id and diagnosis grade. A malformed row is an error: a truncated
// index silently dropping examples is worse than failing.
func LoadIndex(dataDir string, source Source) ([]Sample, error) {
	sourceDir := path.Join(dataDir, source.String())
	csvPath := path.Join(sourceDir, "train.csv")
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index for dataset %s", source)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2
	var samples []Sample
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "malformed row %d in %s", row, csvPath)
		}
		row++
		if row == 1 {
			// Header row.
			continue
		}
		grade, err := strconv.Atoi(record[1])
		if err != nil || grade < 0 || grade >= NumGrades {
			return nil, errors.Errorf("row %d in %s: invalid diagnosis %q, want an integer in [0, %d)",
				row, csvPath, record[1], NumGrades)
		}
		samples = append(samples, Sample{
			Source: source,
			ID:     record[0],
			Path:   path.Join(sourceDir, "train_images", record[0]+".png"),
			Grade:  int32(grade),
		})
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("index %s has no samples", csvPath)
	}
	return samples, nil
}