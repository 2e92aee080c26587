// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// swaScope under the optimizers scope holds the shadow averages.
const swaScope = "swa"

const swaCountVarName = "count"

// SWA decorates an optimizer with stochastic weight averaging: after each
// base optimizer update, once startStep is reached and then every frequency
// steps, it folds the current model weights into running averages kept as
// shadow variables. Apply swaps the averages into the model at the end of
// training.
type SWA struct {
	base      optimizers.Interface
	startStep int
	frequency int
}

var _ optimizers.Interface = (*SWA)(nil)

// NewSWA wraps the base optimizer. startStep is typically one epoch worth of
// steps; frequency the number of steps between average updates.
func NewSWA(base optimizers.Interface, startStep, frequency int) *SWA {
	if frequency < 1 {
		frequency = 1
	}
	return &SWA{base: base, startStep: startStep, frequency: frequency}
}

// UpdateGraph implements optimizers.Interface.
func (s *SWA) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	s.base.UpdateGraph(ctx, g, loss)

	// Snapshot the model variables before creating shadow ones, so the
	// iteration set doesn't change under us.
	var modelVars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && strings.HasPrefix(v.Scope(), "/model") {
			modelVars = append(modelVars, v)
		}
	}

	swaCtx := ctx.Checked(false).In(optimizers.Scope).In(swaScope)
	step := optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
	offset := graph.Sub(step, graph.Const(g, int64(s.startStep)))
	shouldUpdate := graph.LogicalAnd(
		graph.GreaterOrEqual(offset, graph.Const(g, int64(0))),
		graph.Equal(graph.Mod(offset, graph.Const(g, int64(s.frequency))), graph.Const(g, int64(0))))

	countVar := swaCtx.VariableWithValue(swaCountVarName, float64(0)).SetTrainable(false)
	count := countVar.ValueGraph(g)
	newCount := graph.Where(shouldUpdate, graph.OnePlus(count), count)
	countVar.SetValueGraph(newCount)

	for _, v := range modelVars {
		avgCtx := ctx.Checked(false).InAbsPath(path.Join(swaCtx.Scope(), v.Scope()))
		avgVar := avgCtx.VariableWithValue(v.Name(), tensors.FromShape(v.Shape())).SetTrainable(false)
		avg := avgVar.ValueGraph(g)
		value := v.ValueGraph(g)
		n := graph.MaxScalar(graph.ConvertDType(newCount, value.DType()), 1)
		updated := graph.Add(avg, graph.Div(graph.Sub(value, avg), n))
		avgVar.SetValueGraph(graph.Where(shouldUpdate, updated, avg))
	}
}

// Clear implements optimizers.Interface: it removes the shadow averages and
// clears the base optimizer state.
func (s *SWA) Clear(ctx *context.Context) error {
	prefix := swaScopePrefix()
	var toDelete []*context.Variable
	for v := range ctx.IterVariables() {
		if strings.HasPrefix(v.Scope(), prefix) {
			toDelete = append(toDelete, v)
		}
	}
	for _, v := range toDelete {
		if err := ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return err
		}
	}
	return s.base.Clear(ctx)
}

func swaScopePrefix() string {
	return path.Join(context.RootScope, optimizers.Scope, swaScope)
}

// UpdateCount returns how many times the averages have been folded so far.
func (s *SWA) UpdateCount(ctx *context.Context) int {
	countVar := ctx.GetVariableByScopeAndName(swaScopePrefix(), swaCountVarName)
	if countVar == nil {
		return 0
	}
	return int(tensors.ToScalar[float64](countVar.MustValue()))
}

// Apply copies the shadow averages over the model weights and returns the
// number of variables replaced. A no-op (0, nil) if training never reached
// startStep.
func (s *SWA) Apply(ctx *context.Context) (int, error) {
	if s.UpdateCount(ctx) == 0 {
		return 0, nil
	}
	prefix := swaScopePrefix()
	replaced := 0
	for v := range ctx.IterVariables() {
		if !strings.HasPrefix(v.Scope(), prefix) || v.Name() == swaCountVarName {
			continue
		}
		targetScope := strings.TrimPrefix(v.Scope(), prefix)
		target := ctx.GetVariableByScopeAndName(targetScope, v.Name())
		if target == nil {
			klog.Warningf("SWA average %s/%s has no matching model variable, skipping", v.Scope(), v.Name())
			continue
		}
		if err := target.SetValue(v.MustValue()); err != nil {
			return replaced, err
		}
		replaced++
	}
	return replaced, nil
}