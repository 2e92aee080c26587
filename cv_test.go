// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"math"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveFoldCheckpoint writes a minimal checkpoint whose params carry the given
// validation kappa score.
func saveFoldCheckpoint(t *testing.T, dir string, kappa float64) {
	t.Helper()
	ctx := context.New()
	SetEpochMetrics(ctx, "valid", kappa, 0.9, 0.5)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
}

func TestAggregateCV(t *testing.T) {
	kappas := []float64{0.89, 0.91, 0.85, 0.93}
	baseDir := t.TempDir()
	dirs := make([]string, len(kappas))
	for i, kappa := range kappas {
		dirs[i] = path.Join(baseDir, BestCheckpointName("cnn", "testrun", i))
		saveFoldCheckpoint(t, dirs[i], kappa)
	}

	scores, mean, std, err := AggregateCV(dirs)
	require.NoError(t, err)
	assert.Equal(t, kappas, scores)

	// Mean and population standard deviation, computed directly.
	wantMean := (0.89 + 0.91 + 0.85 + 0.93) / 4
	var sumSq float64
	for _, kappa := range kappas {
		sumSq += (kappa - wantMean) * (kappa - wantMean)
	}
	wantStd := math.Sqrt(sumSq / float64(len(kappas)))
	assert.InDelta(t, wantMean, mean, 1e-12)
	assert.InDelta(t, wantStd, std, 1e-12)
}

func TestAggregateCVErrors(t *testing.T) {
	_, _, _, err := AggregateCV(nil)
	assert.Error(t, err, "empty directory list")

	_, _, _, err = AggregateCV([]string{path.Join(t.TempDir(), "does-not-exist")})
	assert.Error(t, err, "missing checkpoint directory")

	// A checkpoint without the validation kappa metric is an error too.
	dir := path.Join(t.TempDir(), "no-metric")
	ctx := context.New()
	ctx.SetParam("unrelated", 1.0)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	_, _, _, err = AggregateCV([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), KappaMetricName)
}