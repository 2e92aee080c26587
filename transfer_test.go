// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveDonor writes a checkpoint holding the given variables (scope -> name ->
// value) and returns its directory.
func saveDonor(t *testing.T, vars map[string]map[string]any) string {
	t.Helper()
	ctx := context.New()
	for scope, byName := range vars {
		scoped := ctx.InAbsPath(scope)
		for name, value := range byName {
			scoped.VariableWithValue(name, value)
		}
	}
	dir := path.Join(t.TempDir(), "donor")
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	return dir
}

func TestTransferWeightsPartial(t *testing.T) {
	donorDir := saveDonor(t, map[string]map[string]any{
		"/model/encoder": {"weights": []float32{1, 2, 3}},
	})

	target := context.New()
	matched := target.InAbsPath("/model/encoder").VariableWithValue("weights", []float32{0, 0, 0})
	unmatched := target.InAbsPath("/model/head").VariableWithValue("bias", []float32{9})

	report, err := TransferWeights(target, donorDir)
	require.NoError(t, err)
	assert.Equal(t, TransferPartial, report.Status)
	assert.Equal(t, 1, report.Matched)
	require.Len(t, report.Unmatched, 1)
	assert.Equal(t, unmatched.ParameterName(), report.Unmatched[0])

	// The matched variable carries the donor value, the unmatched one keeps
	// its initial value.
	assert.Equal(t, []float32{1, 2, 3}, matched.MustValue().Value().([]float32))
	assert.Equal(t, []float32{9}, unmatched.MustValue().Value().([]float32))
}

func TestTransferWeightsComplete(t *testing.T) {
	donorDir := saveDonor(t, map[string]map[string]any{
		"/model/encoder": {"weights": []float32{1, 2, 3}, "bias": []float32{4}},
	})

	target := context.New()
	target.InAbsPath("/model/encoder").VariableWithValue("weights", []float32{0, 0, 0})
	target.InAbsPath("/model/encoder").VariableWithValue("bias", []float32{0})

	report, err := TransferWeights(target, donorDir)
	require.NoError(t, err)
	assert.Equal(t, TransferComplete, report.Status)
	assert.Equal(t, 2, report.Matched)
	assert.Empty(t, report.Unmatched)
}

func TestTransferWeightsShapeMismatch(t *testing.T) {
	donorDir := saveDonor(t, map[string]map[string]any{
		"/model/encoder": {"weights": []float32{1, 2, 3}},
	})

	target := context.New()
	mismatched := target.InAbsPath("/model/encoder").VariableWithValue("weights", []float32{0, 0})

	report, err := TransferWeights(target, donorDir)
	require.NoError(t, err)
	assert.Equal(t, TransferFailed, report.Status)
	assert.Equal(t, 0, report.Matched)
	require.Len(t, report.Unmatched, 1)
	// Mismatched shape: variable keeps its initial value.
	assert.Equal(t, []float32{0, 0}, mismatched.MustValue().Value().([]float32))
}

func TestTransferWeightsMissingDonor(t *testing.T) {
	target := context.New()
	target.InAbsPath("/model/encoder").VariableWithValue("weights", []float32{0})
	_, err := TransferWeights(target, path.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestTransferStatusString(t *testing.T) {
	assert.Equal(t, "complete", TransferComplete.String())
	assert.Equal(t, "partial", TransferPartial.String())
	assert.Equal(t, "failed", TransferFailed.String())
}