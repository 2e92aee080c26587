// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopOptimizer leaves the weights alone, isolating the averaging.
type nopOptimizer struct{}

func (nopOptimizer) UpdateGraph(*context.Context, *graph.Graph, *graph.Node) {}
func (nopOptimizer) Clear(*context.Context) error                           { return nil }

func TestSWA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	weights := ctx.In("model").VariableWithValue("w", []float32{1, 2})
	stepVar := optimizers.GetGlobalStepVar(ctx)

	swa := NewSWA(nopOptimizer{}, 2, 2)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		loss := graph.Scalar(g, dtypes.Float32, 0)
		swa.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.NoError(t, err)

	runAt := func(step int64, w []float32) {
		require.NoError(t, weights.SetValue(tensors.FromValue(w)))
		require.NoError(t, stepVar.SetValue(tensors.FromValue(step)))
		_, err := exec.Exec()
		require.NoErrorf(t, err, "step %d", step)
	}

	// Before startStep nothing is folded in.
	runAt(0, []float32{1, 2})
	assert.Equal(t, 0, swa.UpdateCount(ctx))

	// At startStep and then every frequency steps the average is updated.
	runAt(2, []float32{2, 4})
	assert.Equal(t, 1, swa.UpdateCount(ctx))
	runAt(3, []float32{8, 8}) // Off-frequency step, ignored.
	assert.Equal(t, 1, swa.UpdateCount(ctx))
	runAt(4, []float32{4, 8})
	assert.Equal(t, 2, swa.UpdateCount(ctx))

	// Apply replaces the weights with the running average of the two updates.
	replaced, err := swa.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replaced)
	assert.Equal(t, []float32{3, 6}, weights.MustValue().Value().([]float32))

	// Clear drops the shadow state.
	require.NoError(t, swa.Clear(ctx))
	assert.Equal(t, 0, swa.UpdateCount(ctx))
}
