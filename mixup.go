// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// mixupAlpha is the Beta distribution parameter for sampling the mixing
// coefficient.
const mixupAlpha = 0.2

// MixupDataset wraps a training dataset and mixes each batch with a shuffled
// copy of itself: images become convex combinations, and the labels carry
// both grades plus the mixing coefficient for MixupLoss.
//
// Yield returns labels = [gradesA, gradesB, lambda], where lambda is a
// float32 scalar.
type MixupDataset struct {
	ds   train.Dataset
	mu   sync.Mutex // Protects beta and rng: Yield may be called concurrently.
	beta distuv.Beta
	rng  *rand.Rand
}

// NewMixupDataset wraps the training dataset with mixup augmentation.
func NewMixupDataset(ds train.Dataset, seed int64) *MixupDataset {
	return &MixupDataset{
		ds: ds,
		beta: distuv.Beta{
			Alpha: mixupAlpha,
			Beta:  mixupAlpha,
			Src:   rand.NewPCG(uint64(seed), 0),
		},
		rng: rand.New(rand.NewPCG(uint64(seed), 1)),
	}
}

// Name implements train.Dataset.
func (m *MixupDataset) Name() string { return m.ds.Name() + "-mixup" }

// Reset implements train.Dataset.
func (m *MixupDataset) Reset() { m.ds.Reset() }

// Yield implements train.Dataset.
func (m *MixupDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = m.ds.Yield()
	if err != nil {
		return
	}
	images := inputs[0]
	grades := labels[0]
	batchSize := images.Shape().Dimensions[0]
	if grades.Shape().Size() != batchSize {
		err = errors.Errorf("mixup: images batch size %d does not match %d labels",
			batchSize, grades.Shape().Size())
		return
	}

	m.mu.Lock()
	lambda := m.beta.Rand()
	perm := m.rng.Perm(batchSize)
	m.mu.Unlock()
	if lambda < 0.5 {
		// Keep the yielded example dominant so labels[0] stays the majority
		// grade of the mixed image.
		lambda = 1 - lambda
	}

	exampleSize := images.Shape().Size() / batchSize
	mixed := make([]float32, images.Shape().Size())
	tensors.MustConstFlatData[float32](images, func(flat []float32) {
		lam := float32(lambda)
		for i := 0; i < batchSize; i++ {
			a := flat[i*exampleSize : (i+1)*exampleSize]
			b := flat[perm[i]*exampleSize : (perm[i]+1)*exampleSize]
			out := mixed[i*exampleSize : (i+1)*exampleSize]
			for k := range out {
				out[k] = lam*a[k] + (1-lam)*b[k]
			}
		}
	})
	permGrades := make([]int32, batchSize)
	tensors.MustConstFlatData[int32](grades, func(flat []int32) {
		for i := 0; i < batchSize; i++ {
			permGrades[i] = flat[perm[i]]
		}
	})

	inputs[0] = tensors.FromFlatDataAndDimensions(mixed, images.Shape().Dimensions...)
	labels = []*tensors.Tensor{
		grades,
		tensors.FromValue(permGrades),
		tensors.FromValue(float32(lambda)),
	}
	return
}

// MixupLoss wraps a base loss so it understands mixup batches: with labels
// [gradesA, gradesB, lambda] it returns lambda*loss(A) + (1-lambda)*loss(B).
// Plain batches (eval) fall through to the base loss unchanged.
func MixupLoss(base losses.LossFn) losses.LossFn {
	return func(labels, predictions []*graph.Node) *graph.Node {
		if len(labels) < 3 {
			return base(labels, predictions)
		}
		lossA := base(labels[0:1], predictions)
		lossB := base(labels[1:2], predictions)
		lambda := graph.ConvertDType(labels[2], lossA.DType())
		oneMinusLambda := graph.AddScalar(graph.Neg(lambda), 1)
		return graph.Add(graph.Mul(lambda, lossA), graph.Mul(oneMinusLambda, lossB))
	}
}