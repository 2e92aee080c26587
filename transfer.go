// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TransferStatus is the outcome of a weight transfer.
type TransferStatus int

const (
	// TransferComplete: every target variable received a donor value.
	TransferComplete TransferStatus = iota
	// TransferPartial: some target variables had no matching donor value (or
	// mismatched shapes) and keep their initializer values.
	TransferPartial
	// TransferFailed: no variable matched at all.
	TransferFailed
)

// String returns a short human-readable status.
func (s TransferStatus) String() string {
	switch s {
	case TransferComplete:
		return "complete"
	case TransferPartial:
		return "partial"
	case TransferFailed:
		return "failed"
	}
	return "invalid"
}

// TransferReport describes what a TransferWeights call did.
type TransferReport struct {
	Status  TransferStatus
	Matched int
	// Unmatched lists the parameter names of target variables that did not
	// receive a donor value, sorted.
	Unmatched []string
}

// TransferWeights copies variables from the donor checkpoint into the target
// context, matching per variable by scope, name and shape. Target variables
// must already exist (materialize them with a warm-up step or a checkpoint
// load first). Mismatches are logged and skipped, never fatal: a partial
// transfer from a related model is the point of the operation.
func TransferWeights(ctx *context.Context, donorDir string) (TransferReport, error) {
	report := TransferReport{}
	// Lazy load: the donor values stay in the handler's map, keyed by
	// parameter name, without materializing donor variables.
	donorCtx := context.New()
	handler, err := checkpoints.Load(donorCtx).Dir(donorDir).ExcludeAllParams().Done()
	if err != nil {
		return report, errors.WithMessagef(err, "failed to load donor checkpoint from %q", donorDir)
	}
	donorValues := handler.LoadedVariables()

	for v := range ctx.IterVariables() {
		paramName := v.ParameterName()
		donorValue, found := donorValues[paramName]
		if !found {
			report.Unmatched = append(report.Unmatched, paramName)
			klog.Warningf("transfer: no donor value for %s, keeping initializer", paramName)
			continue
		}
		if !donorValue.Shape().Equal(v.Shape()) {
			report.Unmatched = append(report.Unmatched, paramName)
			klog.Warningf("transfer: shape mismatch for %s: donor %s vs target %s, keeping initializer",
				paramName, donorValue.Shape(), v.Shape())
			continue
		}
		if err := v.SetValue(donorValue); err != nil {
			report.Unmatched = append(report.Unmatched, paramName)
			klog.Warningf("transfer: failed to set %s: %v, keeping initializer", paramName, err)
			continue
		}
		report.Matched++
	}
	sort.Strings(report.Unmatched)
	switch {
	case report.Matched == 0:
		report.Status = TransferFailed
	case len(report.Unmatched) > 0:
		report.Status = TransferPartial
	default:
		report.Status = TransferComplete
	}
	return report, nil
}