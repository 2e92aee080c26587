// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func TestQuadraticWeightedKappa(t *testing.T) {
	// Perfect agreement over varied grades.
	labels := []int32{0, 1, 2, 3, 4, 2, 1}
	assert.InDelta(t, 1.0, QuadraticWeightedKappa(labels, labels), 1e-9)

	// Systematic total disagreement between two grades: kappa = -1.
	assert.InDelta(t, -1.0,
		QuadraticWeightedKappa([]int32{0, 0, 1, 1}, []int32{1, 1, 0, 0}), 1e-9)

	// Hand-computed small case: confusion c[0][1]=1, c[2][2]=1.
	// observed = 1/16, expected = 3/16, kappa = 1 - 1/3.
	assert.InDelta(t, 2.0/3.0,
		QuadraticWeightedKappa([]int32{0, 2}, []int32{1, 2}), 1e-9)

	// Degenerate inputs.
	assert.Equal(t, 0.0, QuadraticWeightedKappa(nil, nil))
	assert.Equal(t, 0.0, QuadraticWeightedKappa([]int32{1}, []int32{1, 2}))
}

func TestKappaFromConfusion(t *testing.T) {
	var confusion [NumGrades][NumGrades]float64
	assert.Equal(t, 0.0, KappaFromConfusion(confusion), "empty matrix")

	// Diagonal matrix over several grades: perfect agreement.
	confusion[0][0] = 10
	confusion[2][2] = 5
	confusion[4][4] = 3
	assert.InDelta(t, 1.0, KappaFromConfusion(confusion), 1e-9)

	// Worse-than-chance extreme predictions.
	confusion = [NumGrades][NumGrades]float64{}
	confusion[0][4] = 5
	confusion[4][0] = 5
	assert.Less(t, KappaFromConfusion(confusion), 0.0)
}

// gradeLogits builds a [batch, NumGrades] logits tensor whose argmax is the
// given prediction per example.
func gradeLogits(preds []int32) *tensors.Tensor {
	rows := make([][]float32, len(preds))
	for i, pred := range preds {
		rows[i] = make([]float32, NumGrades)
		rows[i][pred] = 10
	}
	return tensors.FromValue(rows)
}

func TestKappaMetricGraph(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	metric := NewKappaMetric()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return metric.UpdateGraph(ctx, inputs[:1], inputs[1:])
	})
	require.NoError(t, err)

	// The first batch agrees perfectly, so the accumulated kappa is 1.
	labels1, preds1 := []int32{0, 1, 2, 3, 4}, []int32{0, 1, 2, 3, 4}
	results, err := exec.Exec(tensors.FromValue(labels1), gradeLogits(preds1))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tensors.ToScalar[float64](results[0]), 1e-9)

	// The second batch disagrees. The metric must return the kappa of both
	// batches together, matching the host implementation.
	labels2, preds2 := []int32{0, 0, 4, 2, 1}, []int32{4, 1, 3, 2, 1}
	results, err = exec.Exec(tensors.FromValue(labels2), gradeLogits(preds2))
	require.NoError(t, err)
	want := QuadraticWeightedKappa(
		append(slices.Clone(labels1), labels2...),
		append(slices.Clone(preds1), preds2...))
	got := tensors.ToScalar[float64](results[0])
	assert.InDelta(t, want, got, 1e-9)
	assert.Less(t, got, 1.0)

	// The accumulated confusion matrix agrees with the returned kappa.
	confusion, found := metric.ReadConfusion(ctx)
	require.True(t, found)
	assert.Equal(t, 1.0, confusion[0][4], "grade 0 predicted as 4 once")
	assert.Equal(t, 2.0, confusion[2][2], "grade 2 correct in both batches")
	assert.InDelta(t, want, KappaFromConfusion(confusion), 1e-9)

	// Reset zeroes the accumulator.
	metric.Reset(ctx)
	confusion, found = metric.ReadConfusion(ctx)
	require.True(t, found)
	assert.Equal(t, [NumGrades][NumGrades]float64{}, confusion)
}