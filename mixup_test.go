// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDataset yields the same batch forever, mimicking the training dataset's
// inputs/labels layout.
type stubDataset struct {
	images, indices, grades *tensors.Tensor
}

func (s *stubDataset) Name() string { return "stub" }
func (s *stubDataset) Reset()       {}
func (s *stubDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return s, []*tensors.Tensor{s.images, s.indices}, []*tensors.Tensor{s.grades}, nil
}

func TestMixupDataset(t *testing.T) {
	const batchSize = 8
	const exampleSize = 2 * 2 * 3
	flat := make([]float32, batchSize*exampleSize)
	var total float64
	for i := range flat {
		flat[i] = float32(i)
		total += float64(i)
	}
	indices := make([]int32, batchSize)
	grades := make([]int32, batchSize)
	for i := range grades {
		indices[i] = int32(i)
		grades[i] = int32(i % NumGrades)
	}
	stub := &stubDataset{
		images:  tensors.FromFlatDataAndDimensions(flat, batchSize, 2, 2, 3),
		indices: tensors.FromValue(indices),
		grades:  tensors.FromValue(grades),
	}

	mixup := NewMixupDataset(stub, 42)
	assert.Equal(t, "stub-mixup", mixup.Name())

	_, inputs, labels, err := mixup.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 3)

	// labels[0] is the dominant grade: lambda is reflected into [0.5, 1].
	lambda := float64(tensors.ToScalar[float32](labels[2]))
	assert.GreaterOrEqual(t, lambda, 0.5)
	assert.LessOrEqual(t, lambda, 1.0)
	assert.Equal(t, grades, labels[0].Value().([]int32))

	// labels[1] is a permutation of the grades.
	permGrades := labels[1].Value().([]int32)
	require.Len(t, permGrades, batchSize)

	// Mixing with a within-batch permutation preserves the total intensity.
	var mixedTotal float64
	tensors.MustConstFlatData[float32](inputs[0], func(mixed []float32) {
		require.Len(t, mixed, batchSize*exampleSize)
		for _, v := range mixed {
			mixedTotal += float64(v)
		}
	})
	assert.InDelta(t, total, mixedTotal, 1e-2)
}

func TestMixupDatasetBadBatch(t *testing.T) {
	stub := &stubDataset{
		images:  tensors.FromFlatDataAndDimensions(make([]float32, 4*12), 4, 2, 2, 3),
		indices: tensors.FromValue([]int32{0, 1}),
		grades:  tensors.FromValue([]int32{0, 1}),
	}
	mixup := NewMixupDataset(stub, 42)
	_, _, _, err := mixup.Yield()
	assert.Error(t, err, "batch size mismatch between images and labels")
}