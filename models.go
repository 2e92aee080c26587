// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"golang.org/x/exp/maps"
)

// Hyperparameter keys consumed by the model graphs.
const (
	// ParamModel selects the model graph from ModelsFns.
	ParamModel = "model"

	// ParamFP16 makes the model compute in float16. Inputs and logits stay
	// float32.
	ParamFP16 = "fp16"

	// ParamDropoutRate is the dropout applied in the classification head.
	ParamDropoutRate = "dropout_rate"
)

// EncoderScope is the context scope (under the model root scope) holding the
// convolutional encoder variables. FreezeEncoder and TransferWeights key off
// it.
const EncoderScope = "encoder"

// ModelsFns maps a model name to its graph building function.
// Models are selected with the ParamModel hyperparameter.
var ModelsFns = map[string]train.ModelFn{
	"cnn":  CnnModelGraph,
	"wide": WideCnnModelGraph,
}

// SelectModelFn returns the model graph function for the model configured in
// the context, panicking with the valid names on an unknown model.
func SelectModelFn(ctx *context.Context) train.ModelFn {
	modelType := context.GetParamOr(ctx, ParamModel, "cnn")
	modelFn, found := ModelsFns[modelType]
	if !found {
		exceptions.Panicf("unknown model %q, valid values are %v", modelType, maps.Keys(ModelsFns))
	}
	return modelFn
}

// CnnModelGraph implements train.ModelFn: a plain CNN grading model. It
// returns the 5-grade logits for the batch of images in inputs[0].
func CnnModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return cnnGraph(ctx, inputs, 32)
}

// WideCnnModelGraph is CnnModelGraph with doubled channels, a drop-in larger
// capacity variant.
func WideCnnModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return cnnGraph(ctx, inputs, 64)
}

func cnnGraph(ctx *context.Context, inputs []*graph.Node, baseChannels int) []*graph.Node {
	batchedImages := inputs[0]
	g := batchedImages.Graph()
	batchSize := batchedImages.Shape().Dimensions[0]

	dtype := batchedImages.DType()
	if context.GetParamOr(ctx, ParamFP16, false) {
		dtype = dtypes.Float16
	}

	// Learning rate schedule is generated as part of the model graph.
	applyScheduleGraph(ctx, g, dtypes.Float32)

	logits := graph.ConvertDType(batchedImages, dtype)
	ctx = ctx.In("model")

	layerIdx := 0
	nextCtx := func(parent *context.Context, name string) *context.Context {
		newCtx := parent.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	encoderCtx := ctx.In(EncoderScope)
	channels := baseChannels
	for blockIdx := 0; blockIdx < 4; blockIdx++ {
		logits = layers.Convolution(nextCtx(encoderCtx, "conv"), logits).
			Channels(channels).KernelSize(3).PadSame().Done()
		logits = activations.Relu(logits)
		logits = batchnorm.New(nextCtx(encoderCtx, "norm"), logits, -1).Done()
		logits = layers.Convolution(nextCtx(encoderCtx, "conv"), logits).
			Channels(channels).KernelSize(3).PadSame().Done()
		logits = activations.Relu(logits)
		logits = batchnorm.New(nextCtx(encoderCtx, "norm"), logits, -1).Done()
		logits = graph.MaxPool(logits).Window(2).Done()
		channels *= 2
	}

	// Global average pooling over the spatial axes.
	logits = graph.ReduceMean(logits, 1, 2)

	headCtx := ctx.In("head")
	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, 0.3)
	if dropoutRate > 0 {
		logits = layers.DropoutNormalize(nextCtx(headCtx, "dropout"), logits,
			graph.Scalar(g, dtype, dropoutRate), true)
	}
	logits = layers.Dense(nextCtx(headCtx, "dense"), logits, true, channels/2)
	logits = activations.Relu(logits)
	logits = layers.Dense(nextCtx(headCtx, "dense"), logits, true, NumGrades)

	logits = graph.ConvertDType(logits, dtypes.Float32)
	logits.AssertDims(batchSize, NumGrades)
	return []*graph.Node{logits}
}

// FreezeEncoder marks every encoder variable as non-trainable. Variables must
// already exist (after a transfer, a checkpoint load or a warm-up step). It
// returns the number of variables frozen.
func FreezeEncoder(ctx *context.Context) int {
	marker := "/" + EncoderScope
	frozen := 0
	for v := range ctx.IterVariables() {
		if strings.Contains(v.Scope(), marker) {
			v.SetTrainable(false)
			frozen++
		}
	}
	return frozen
}