// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// CleanCheckpoint copies the checkpoint at srcDir to dstDir, stripping the
// optimizer and metric state. The result holds only the model variables and
// the hyperparameters (epoch metrics included), ready for inference or as a
// transfer donor.
func CleanCheckpoint(srcDir, dstDir string) error {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(srcDir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", srcDir)
	}

	prefixes := []string{
		path.Join(context.RootScope, optimizers.Scope),
		path.Join(context.RootScope, metrics.Scope),
	}
	var toDelete []*context.Variable
	for v := range ctx.IterVariables() {
		for _, prefix := range prefixes {
			if strings.HasPrefix(v.Scope(), prefix) {
				toDelete = append(toDelete, v)
				break
			}
		}
	}
	for _, v := range toDelete {
		if err := ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return errors.WithMessagef(err, "failed to drop %s/%s", v.Scope(), v.Name())
		}
	}

	handler, err := checkpoints.Build(ctx).Dir(dstDir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create clean checkpoint at %q", dstDir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save clean checkpoint at %q", dstDir)
	}
	return nil
}