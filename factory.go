// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// ParamScheduler selects the learning rate schedule: "constant", "cosine"
	// or "multistep".
	ParamScheduler = "scheduler"

	// ParamTrainSteps is the total number of training steps of the run, set
	// by the driver. Schedules are computed relative to it.
	ParamTrainSteps = "train_steps"
)

// focalGamma is the focusing exponent of the focal loss.
const focalGamma = 2.0

// labelSmoothing used by the "smooth-ce" criterion.
const labelSmoothing = 0.1

// BuildLoss returns the loss function registered under the given criterion
// name: "ce", "focal" or "smooth-ce".
func BuildLoss(name string) (losses.LossFn, error) {
	switch name {
	case "ce":
		return losses.SparseCategoricalCrossEntropyLogits, nil
	case "focal":
		return FocalLoss, nil
	case "smooth-ce":
		return SmoothCrossEntropyLoss, nil
	}
	return nil, errors.Errorf("unknown criterion %q, valid values are %q", name,
		[]string{"ce", "focal", "smooth-ce"})
}

// FocalLoss is a sparse categorical focal loss (gamma=2): cross-entropy
// down-weighted on examples the model already classifies confidently.
// It returns the per-example losses.
func FocalLoss(labels, predictions []*graph.Node) *graph.Node {
	logits := predictions[0]
	logProbs := graph.LogSoftmax(logits, -1)
	oneHot := graph.OneHot(labels[0], NumGrades, logits.DType())
	logPt := graph.ReduceSum(graph.Mul(oneHot, logProbs), -1)
	pt := graph.Exp(logPt)
	oneMinusPt := graph.AddScalar(graph.Neg(pt), 1)
	focusing := graph.Pow(oneMinusPt, graph.Scalar(logits.Graph(), logits.DType(), focalGamma))
	return graph.Neg(graph.Mul(focusing, logPt))
}

// SmoothCrossEntropyLoss is sparse categorical cross-entropy against
// label-smoothed targets. It returns the per-example losses.
func SmoothCrossEntropyLoss(labels, predictions []*graph.Node) *graph.Node {
	logits := predictions[0]
	logProbs := graph.LogSoftmax(logits, -1)
	oneHot := graph.OneHot(labels[0], NumGrades, logits.DType())
	smoothed := graph.AddScalar(graph.MulScalar(oneHot, 1-labelSmoothing), labelSmoothing/NumGrades)
	return graph.Neg(graph.ReduceSum(graph.Mul(smoothed, logProbs), -1))
}

// ValidOptimizerNames lists the optimizer registry keys, sorted.
func ValidOptimizerNames() []string {
	names := maps.Keys(optimizers.KnownOptimizers)
	slices.Sort(names)
	return names
}

// BuildOptimizer returns the named optimizer configured from the context
// hyperparameters.
func BuildOptimizer(ctx *context.Context, name string) (optimizers.Interface, error) {
	if _, found := optimizers.KnownOptimizers[name]; !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %v", name, ValidOptimizerNames())
	}
	return optimizers.ByName(ctx, name), nil
}

// ValidateScheduler checks the scheduler name at configuration time, before
// any graph is built.
func ValidateScheduler(name string) error {
	switch name {
	case "constant", "cosine", "multistep":
		return nil
	}
	return errors.Errorf("unknown scheduler %q, valid values are %q", name,
		[]string{"constant", "cosine", "multistep"})
}

// applyScheduleGraph adds the configured learning rate schedule to the model
// graph. No-op outside training.
func applyScheduleGraph(ctx *context.Context, g *graph.Graph, dtype dtypes.DType) {
	name := context.GetParamOr(ctx, ParamScheduler, "constant")
	switch name {
	case "constant", "":
		return
	case "cosine":
		totalSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
		cosineschedule.New(ctx, g, dtype).FromContext().PeriodInSteps(totalSteps).Done()
	case "multistep":
		multistepScheduleGraph(ctx, g, dtype)
	default:
		exceptions.Panicf("unknown scheduler %q, valid values are \"constant\", \"cosine\" and \"multistep\"", name)
	}
}

// multistepScheduleGraph decays the learning rate by 10x at 50% and 75% of
// the total training steps.
func multistepScheduleGraph(ctx *context.Context, g *graph.Graph, dtype dtypes.DType) {
	ctx = ctx.Checked(false)
	if !ctx.IsTraining(g) {
		return
	}
	totalSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	if totalSteps <= 0 {
		return
	}
	base := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	if base == 0 {
		exceptions.Panicf("learning rate not set in the context as parameter %q, required by the multistep scheduler",
			optimizers.ParamLearningRate)
	}

	step := graph.ConvertDType(optimizers.GetGlobalStepVar(ctx).ValueGraph(g), dtype)
	lr := graph.Scalar(g, dtype, base)
	for _, fraction := range []float64{0.5, 0.75} {
		milestone := graph.Scalar(g, dtype, float64(totalSteps)*fraction)
		decay := graph.Where(graph.GreaterOrEqual(step, milestone),
			graph.Scalar(g, dtype, 0.1), graph.Scalar(g, dtype, 1.0))
		lr = graph.Mul(lr, decay)
	}
	optimizers.LearningRateVarWithValue(ctx, dtype, base).SetValueGraph(lr)
}