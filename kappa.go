// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// KappaMetricName is the canonical name of the main metric of a training run.
// It is maximized: higher kappa is better.
const KappaMetricName = "kappa_score"

// KappaMetric is a stateful metric computing the quadratic weighted Cohen's
// kappa over all batches seen since the last Reset. It accumulates a
// NumGrades x NumGrades confusion matrix in a context variable and derives
// kappa from it, so the value after the last batch is the kappa of the whole
// dataset, not a mean of per-batch kappas.
type KappaMetric struct{}

// NewKappaMetric returns the quadratic weighted kappa metric.
func NewKappaMetric() *KappaMetric { return &KappaMetric{} }

// Compile-time check that KappaMetric is a valid metric.
var _ metrics.Interface = (*KappaMetric)(nil)

// Name implements metrics.Interface.
func (m *KappaMetric) Name() string { return KappaMetricName }

// ShortName implements metrics.Interface.
func (m *KappaMetric) ShortName() string { return "kappa" }

// MetricType implements metrics.Interface.
func (m *KappaMetric) MetricType() string { return "kappa" }

// ScopeName implements metrics.Interface.
func (m *KappaMetric) ScopeName() string { return "quadratic_kappa" }

const confusionVarName = "confusion"

// UpdateGraph implements metrics.Interface: it adds the batch to the
// accumulated confusion matrix and returns the kappa of the accumulated
// matrix.
func (m *KappaMetric) UpdateGraph(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
	g := predictions[0].Graph()
	preds := graph.ArgMax(predictions[0], -1, dtypes.Int32)
	dtype := dtypes.Float64
	oneHotLabels := graph.OneHot(labels[0], NumGrades, dtype)
	oneHotPreds := graph.OneHot(preds, NumGrades, dtype)
	batchConfusion := graph.Einsum("bi,bj->ij", oneHotLabels, oneHotPreds)

	ctx = ctx.Checked(false).In(metrics.Scope).In(m.ScopeName())
	confusionVar := ctx.VariableWithValue(confusionVarName, zeroConfusion()).SetTrainable(false)
	confusion := graph.Add(confusionVar.ValueGraph(g), batchConfusion)
	confusionVar.SetValueGraph(confusion)
	return kappaFromConfusionGraph(confusion)
}

func zeroConfusion() *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float64, NumGrades, NumGrades))
}

// kappaWeightsGraph builds the quadratic disagreement weights
// w[i][j] = (i-j)^2 / (K-1)^2.
func kappaWeightsGraph(g *graph.Graph, dtype dtypes.DType) *graph.Node {
	shape := shapes.Make(dtype, NumGrades, NumGrades)
	rows := graph.Iota(g, shape, 0)
	cols := graph.Iota(g, shape, 1)
	return graph.DivScalar(graph.Square(graph.Sub(rows, cols)), float64((NumGrades-1)*(NumGrades-1)))
}

func kappaFromConfusionGraph(confusion *graph.Node) *graph.Node {
	g := confusion.Graph()
	dtype := confusion.DType()
	w := kappaWeightsGraph(g, dtype)

	total := graph.MaxScalar(graph.ReduceAllSum(confusion), 1)
	actualMarginals := graph.ReduceSum(confusion, 1)
	predictedMarginals := graph.ReduceSum(confusion, 0)
	expected := graph.Div(graph.Einsum("i,j->ij", actualMarginals, predictedMarginals), total)

	observedDisagreement := graph.ReduceAllSum(graph.Mul(w, confusion))
	expectedDisagreement := graph.MaxScalar(graph.ReduceAllSum(graph.Mul(w, expected)), 1e-12)
	return graph.AddScalar(graph.Neg(graph.Div(observedDisagreement, expectedDisagreement)), 1)
}

// PrettyPrint implements metrics.Interface.
func (m *KappaMetric) PrettyPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", tensors.ToScalar[float64](value))
}

// Reset implements metrics.Interface: zeroes the accumulated confusion matrix.
func (m *KappaMetric) Reset(ctx *context.Context) {
	ctx = ctx.Reuse().In(metrics.Scope).In(m.ScopeName())
	confusionVar := ctx.GetVariableByScopeAndName(ctx.Scope(), confusionVarName)
	if confusionVar == nil {
		// Called before the first graph build, nothing to reset yet.
		return
	}
	confusionVar.MustSetValue(zeroConfusion())
}

// ReadConfusion returns the confusion matrix accumulated since the last
// Reset, indexed [actual][predicted]. The second result is false if the
// metric has not run yet.
func (m *KappaMetric) ReadConfusion(ctx *context.Context) (matrix [NumGrades][NumGrades]float64, found bool) {
	scopedCtx := ctx.Reuse().In(metrics.Scope).In(m.ScopeName())
	confusionVar := scopedCtx.GetVariableByScopeAndName(scopedCtx.Scope(), confusionVarName)
	if confusionVar == nil {
		return matrix, false
	}
	tensors.MustConstFlatData[float64](confusionVar.MustValue(), func(flat []float64) {
		for i := 0; i < NumGrades; i++ {
			for j := 0; j < NumGrades; j++ {
				matrix[i][j] = flat[i*NumGrades+j]
			}
		}
	})
	return matrix, true
}

// QuadraticWeightedKappa computes the quadratic weighted Cohen's kappa of the
// given label/prediction pairs on the host. Both slices must have the same
// length; entries must be in [0, NumGrades).
func QuadraticWeightedKappa(labels, preds []int32) float64 {
	if len(labels) != len(preds) || len(labels) == 0 {
		return 0
	}
	var confusion [NumGrades][NumGrades]float64
	for i := range labels {
		confusion[labels[i]][preds[i]]++
	}
	return KappaFromConfusion(confusion)
}

// KappaFromConfusion computes the quadratic weighted kappa from a confusion
// matrix indexed [actual][predicted].
func KappaFromConfusion(confusion [NumGrades][NumGrades]float64) float64 {
	var total float64
	var actual, predicted [NumGrades]float64
	for i := 0; i < NumGrades; i++ {
		for j := 0; j < NumGrades; j++ {
			total += confusion[i][j]
			actual[i] += confusion[i][j]
			predicted[j] += confusion[i][j]
		}
	}
	if total == 0 {
		return 0
	}
	var observed, expected float64
	for i := 0; i < NumGrades; i++ {
		for j := 0; j < NumGrades; j++ {
			w := float64((i-j)*(i-j)) / float64((NumGrades-1)*(NumGrades-1))
			observed += w * confusion[i][j]
			expected += w * actual[i] * predicted[j] / total
		}
	}
	if expected == 0 {
		return 0
	}
	return 1 - observed/expected
}