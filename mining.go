// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// HardExample is one validation sample the model gets most wrong.
type HardExample struct {
	SampleIdx int
	Sample    Sample
	Grade     int32
	Pred      int32
	Loss      float64
}

// MineHardExamples runs the model over the (finite) dataset and returns the
// topK examples with the highest per-example loss, hardest first. The model
// runs in inference mode.
func MineHardExamples(
	backend backends.Backend,
	ctx *context.Context,
	modelFn train.ModelFn,
	lossFn losses.LossFn,
	ds *Dataset,
	topK int,
) ([]HardExample, error) {
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		images, grades := inputs[0], inputs[1]
		logits := modelFn(ctx, nil, []*graph.Node{images})[0]
		perExample := lossFn([]*graph.Node{grades}, []*graph.Node{logits})
		if perExample.Shape().IsScalar() {
			// Some losses reduce to the batch mean; the mean is useless for
			// ranking, so broadcast it (degenerate but well-defined).
			perExample = graph.BroadcastToDims(perExample, images.Shape().Dimensions[0])
		}
		perExample = graph.ConvertDType(perExample, dtypes.Float64)
		preds := graph.ArgMax(logits, -1, dtypes.Int32)
		return []*graph.Node{perExample, preds}
	})

	var hard []HardExample
	ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		results, err := exec.Exec(inputs[0], labels[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to run mining graph on %s", ds.Name())
		}
		lossesT, predsT := results[0], results[1]
		var batch []HardExample
		tensors.MustConstFlatData[int32](inputs[1], func(indices []int32) {
			batch = make([]HardExample, len(indices))
			for i, sampleIdx := range indices {
				batch[i].SampleIdx = int(sampleIdx)
				batch[i].Sample = ds.SampleAt(int(sampleIdx))
			}
		})
		tensors.MustConstFlatData[float64](lossesT, func(flat []float64) {
			for i := range batch {
				batch[i].Loss = flat[i]
			}
		})
		tensors.MustConstFlatData[int32](predsT, func(flat []int32) {
			for i := range batch {
				batch[i].Pred = flat[i]
			}
		})
		tensors.MustConstFlatData[int32](labels[0], func(flat []int32) {
			for i := range batch {
				batch[i].Grade = flat[i]
			}
		})
		hard = append(hard, batch...)
	}
	ds.Reset()

	sort.Slice(hard, func(i, j int) bool { return hard[i].Loss > hard[j].Loss })
	if topK > 0 && len(hard) > topK {
		hard = hard[:topK]
	}
	return hard, nil
}

// RenderHardExamples formats the mined examples as a terminal table.
func RenderHardExamples(hard []HardExample) string {
	table := newReportTable()
	table.Row("rank", "sample", "actual", "predicted", "loss")
	for rank, h := range hard {
		table.Row(
			fmt.Sprintf("%d", rank+1),
			fmt.Sprintf("%s/%s", h.Sample.Source, h.Sample.ID),
			fmt.Sprintf("%d %s", h.Grade, GradeNames[h.Grade]),
			fmt.Sprintf("%d %s", h.Pred, GradeNames[h.Pred]),
			fmt.Sprintf("%.4f", h.Loss),
		)
	}
	return table.Render()
}

// SaveHardExamples writes the mined images as PNGs under dir, named by rank,
// sample id, actual and predicted grade.
func SaveHardExamples(ds *Dataset, hard []HardExample, dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create hard-examples directory %q", dir)
	}
	for rank, h := range hard {
		img, err := ds.ImageAt(h.SampleIdx)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("rank%02d_%s_actual%d_pred%d.png", rank+1, h.Sample.ID, h.Grade, h.Pred)
		if err := imaging.Save(img, path.Join(dir, name)); err != nil {
			return errors.Wrapf(err, "failed to save hard example %q", name)
		}
	}
	return nil
}