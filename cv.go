// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// AggregateCV reads the persisted validation kappa score from each fold's
// checkpoint directory and returns the per-fold scores with their mean and
// population standard deviation. A missing directory or a checkpoint without
// the metric is an error: the cross-validation summary must never silently
// skip a fold.
func AggregateCV(dirs []string) (scores []float64, mean, std float64, err error) {
	if len(dirs) == 0 {
		err = errors.New("no checkpoint directories to aggregate")
		return
	}
	scores = make([]float64, 0, len(dirs))
	for _, dir := range dirs {
		ctx := context.New()
		if _, err = checkpoints.Load(ctx).Dir(dir).Done(); err != nil {
			err = errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
			return
		}
		scoped := ctx.In(epochMetricsScope).In("valid")
		kappa := context.GetParamOr(scoped, KappaMetricName, math.NaN())
		if math.IsNaN(kappa) {
			err = errors.Errorf("checkpoint %q carries no validation %s metric", dir, KappaMetricName)
			return
		}
		scores = append(scores, kappa)
	}
	mean = stat.Mean(scores, nil)
	std = stat.PopStdDev(scores, nil)
	return
}