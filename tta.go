// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"image"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// EvaluateTTA computes the quadratic weighted kappa of the model over the
// (finite) dataset with test-time augmentation: each image is scored as the
// mean of the predicted grade distributions over `variants` deterministic
// augmentations (see TTAVariant). variants <= 1 means plain evaluation.
func EvaluateTTA(
	backend backends.Backend,
	ctx *context.Context,
	modelFn train.ModelFn,
	ds *Dataset,
	variants int,
) (float64, error) {
	if variants < 1 {
		variants = 1
	}
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *graph.Node) *graph.Node {
		logits := modelFn(ctx, nil, []*graph.Node{images})[0]
		return graph.Softmax(logits, -1)
	})

	numSamples := ds.NumSamples()
	batchSize := ds.config.EvalBatchSize
	labels := make([]int32, numSamples)
	preds := make([]int32, numSamples)
	probs := make([]float64, numSamples*NumGrades)

	for start := 0; start < numSamples; start += batchSize {
		end := start + batchSize
		if end > numSamples {
			end = numSamples
		}
		baseImages := make([]image.Image, end-start)
		for i := start; i < end; i++ {
			img, err := ds.ImageAt(i)
			if err != nil {
				return 0, err
			}
			baseImages[i-start] = img
			labels[i] = ds.SampleAt(i).Grade
		}
		for variant := 0; variant < variants; variant++ {
			images := make([]image.Image, len(baseImages))
			for i, img := range baseImages {
				img = TTAVariant(img, variant)
				images[i] = ResizeWithPadding(img, ds.config.ImageSize, ds.config.ImageSize)
			}
			batch := ds.toTensor.Batch(images)
			results, err := exec.Exec(batch)
			if err != nil {
				return 0, err
			}
			tensors.MustConstFlatData[float32](results[0], func(flat []float32) {
				for i := range flat {
					probs[start*NumGrades+i] += float64(flat[i])
				}
			})
		}
	}

	for i := 0; i < numSamples; i++ {
		best := 0
		for grade := 1; grade < NumGrades; grade++ {
			if probs[i*NumGrades+grade] > probs[i*NumGrades+best] {
				best = grade
			}
		}
		preds[i] = int32(best)
	}
	return QuadraticWeightedKappa(labels, preds), nil
}