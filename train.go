// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"fmt"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RunConfig collects every knob of one training run. One value is shared by
// all folds of the run; per-fold state lives in TrainFold.
type RunConfig struct {
	Data Config

	// Model name, a key of ModelsFns.
	Model string

	Epochs int

	// EarlyStopping is the number of epochs without kappa improvement on the
	// validation fold before training stops. 0 disables early stopping.
	EarlyStopping int

	// Fast caps steps-per-epoch and epochs for a smoke run.
	Fast bool

	Mixup         bool
	SWA           bool
	FreezeEncoder bool

	// Show saves the hardest validation examples as PNG files under the run
	// directory.
	Show bool

	LearningRate float64
	WeightDecay  float64
	Criterion    string
	Optimizer    string
	Scheduler    string
	FP16         bool

	// TTA is the number of test-time augmentation variants averaged for the
	// final validation kappa. Values <= 1 disable it.
	TTA int

	// AccumulationSteps > 1 enables gradient accumulation on the trainer.
	AccumulationSteps int

	// CheckpointDir resumes training from an existing checkpoint directory.
	CheckpointDir string

	// TransferDir initializes matching variables from a donor checkpoint.
	TransferDir string

	// RunsDir/classification/<Model>/<RunID>/fold<k>/ is the fold directory.
	RunsDir string
	RunID   string

	// Settings are extra "scope/param=value" hyperparameter overrides, parsed
	// by commandline.ParseContextSettings. They are applied last.
	Settings string
}

// DefaultRunConfig returns the defaults used by cmd/retina_train.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Data:              DefaultConfig(),
		Model:             "cnn",
		Epochs:            30,
		EarlyStopping:     8,
		LearningRate:      1e-3,
		WeightDecay:       1e-4,
		Criterion:         "ce",
		Optimizer:         "adamw",
		Scheduler:         "constant",
		AccumulationSteps: 1,
		RunsDir:           "runs",
	}
}

// Validate fails fast on configuration errors, before any data is touched.
func (r *RunConfig) Validate() error {
	if _, found := ModelsFns[r.Model]; !found {
		return errors.Errorf("unknown model %q, valid values are %v", r.Model, ModelNames())
	}
	if _, err := BuildLoss(r.Criterion); err != nil {
		return err
	}
	if _, found := optimizers.KnownOptimizers[r.Optimizer]; !found {
		return errors.Errorf("unknown optimizer %q, valid values are %v", r.Optimizer, ValidOptimizerNames())
	}
	if err := ValidateScheduler(r.Scheduler); err != nil {
		return err
	}
	if r.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", r.Epochs)
	}
	if r.Data.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", r.Data.BatchSize)
	}
	if r.Data.DataDir == "" {
		return errors.New("data directory not set")
	}
	return nil
}

// NewRunID returns the default run identifier, derived from the current time.
func NewRunID() string {
	return time.Now().Format("20060102-150405")
}

// ParamsExcludedFromSaving are hyperparameters that should not be saved along
// the model checkpoints, so they can be overridden on later sessions.
var ParamsExcludedFromSaving = []string{ParamTrainSteps}

// createContext builds the fresh, seeded context of one fold run: defaults,
// then the run configuration, then the --set overrides.
func (r *RunConfig) createContext() (*context.Context, error) {
	ctx := context.New()
	ctx.SetRNGStateFromSeed(r.Data.Seed)
	ctx.SetParams(map[string]any{
		ParamModel:                      r.Model,
		ParamFP16:                       r.FP16,
		ParamScheduler:                  r.Scheduler,
		optimizers.ParamOptimizer:       r.Optimizer,
		optimizers.ParamLearningRate:    r.LearningRate,
		optimizers.ParamAdamWeightDecay: r.WeightDecay,
	})
	if r.Settings != "" {
		if _, err := commandline.ParseContextSettings(ctx, r.Settings); err != nil {
			return nil, errors.WithMessagef(err, "failed to parse settings %q", r.Settings)
		}
	}
	return ctx, nil
}

// Scopes and parameter names under which the end-of-epoch metrics are
// persisted. They live in the context parameters, so checkpoints carry them.
const (
	epochMetricsScope  = "epoch_metrics"
	epochParamName     = "epoch"
	accuracyMetricName = "accuracy01"
	lossMetricName     = "loss"
)

// SetEpochMetrics stores the end-of-epoch metrics of one split ("train" or
// "valid") as context parameters.
func SetEpochMetrics(ctx *context.Context, split string, kappa, accuracy, loss float64) {
	scoped := ctx.In(epochMetricsScope).In(split)
	scoped.SetParam(KappaMetricName, kappa)
	scoped.SetParam(accuracyMetricName, accuracy)
	scoped.SetParam(lossMetricName, loss)
}

// EpochMetrics reads back the persisted end-of-epoch metrics of a split.
// found is false if no epoch completed yet.
func EpochMetrics(ctx *context.Context, split string) (kappa, accuracy, loss float64, found bool) {
	scoped := ctx.In(epochMetricsScope).In(split)
	kappa = context.GetParamOr(scoped, KappaMetricName, math.NaN())
	accuracy = context.GetParamOr(scoped, accuracyMetricName, math.NaN())
	loss = context.GetParamOr(scoped, lossMetricName, math.NaN())
	found = !math.IsNaN(kappa)
	return
}

// SetEpoch / CurrentEpoch persist the number of completed epochs.
func SetEpoch(ctx *context.Context, epoch int) {
	ctx.In(epochMetricsScope).SetParam(epochParamName, epoch)
}

// CurrentEpoch returns the number of completed epochs, 0 on a fresh run.
func CurrentEpoch(ctx *context.Context) int {
	return context.GetParamOr(ctx.In(epochMetricsScope), epochParamName, 0)
}

// ResumeSummary formats the stored epoch and per-split metrics of a loaded
// checkpoint, exactly as persisted.
func ResumeSummary(ctx *context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resuming after epoch %d (global step %d)\n",
		CurrentEpoch(ctx), optimizers.GetGlobalStep(ctx))
	for _, split := range []string{"train", "valid"} {
		kappa, accuracy, loss, found := EpochMetrics(ctx, split)
		if !found {
			continue
		}
		fmt.Fprintf(&b, "\t%s: %s=%v %s=%v %s=%v\n", split,
			KappaMetricName, kappa, accuracyMetricName, accuracy, lossMetricName, loss)
	}
	return b.String()
}

// ModelNames lists the model registry keys, sorted.
func ModelNames() []string {
	names := maps.Keys(ModelsFns)
	slices.Sort(names)
	return names
}

// BestCheckpointName is the directory name of the cleaned best checkpoint of
// a fold, under the run directory.
func BestCheckpointName(model, runID string, fold int) string {
	return fmt.Sprintf("%s_%s_fold%d_best", model, runID, fold)
}

// errEarlyStopped aborts the training loop from the epoch-end hook.
var errEarlyStopped = errors.New("early stopped")

// scalarToFloat64 converts any scalar metric tensor to float64.
func scalarToFloat64(t *tensors.Tensor) float64 {
	return shapes.ConvertTo[float64](t.Value())
}

// evalSplit evaluates the dataset with the trainer's eval metrics, returning
// the kappa, accuracy and mean loss values. The dataset is reset afterwards
// so it can be reused.
func evalSplit(trainer *train.Trainer, ds train.Dataset) (kappa, accuracy, loss float64, err error) {
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, 0, 0, errors.WithMessagef(err, "failed to evaluate on %s", ds.Name())
	}
	for i, desc := range trainer.EvalMetrics() {
		value := scalarToFloat64(values[i])
		switch {
		case desc.Name() == KappaMetricName:
			kappa = value
		case desc.Name() == accuracyMetricName:
			accuracy = value
		case desc.MetricType() == metrics.LossMetricType:
			loss = value
		}
	}
	ds.Reset()
	return
}

// materializeModelVariables runs one forward pass on a dummy batch so every
// model variable exists. TransferWeights and FreezeEncoder need the variables
// before the training loop builds its graph.
func materializeModelVariables(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, imageSize int) error {
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return modelFn(ctx, nil, []*graph.Node{images})[0]
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to build warm-up graph")
	}
	dummy := tensors.FromShape(shapes.Make(dtypes.Float32, 1, imageSize, imageSize, 3))
	if _, err := exec.Exec(dummy); err != nil {
		return errors.WithMessagef(err, "failed to run warm-up step")
	}
	return nil
}

// TrainFold trains the model on one cross-validation fold, per the run
// configuration: it builds the datasets, optionally transfers or resumes,
// runs the training loop with end-of-epoch evaluation, early stopping and
// checkpointing, and finally exports a cleaned copy of the best checkpoint.
func TrainFold(backend backends.Backend, cfg *RunConfig, fold int) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, err := cfg.createContext()
	if err != nil {
		return err
	}

	trainDS, trainEvalDS, validEvalDS, err := CreateDatasets(&cfg.Data, fold)
	if err != nil {
		return err
	}
	stepsPerEpoch := trainDS.StepsPerEpoch()
	epochs := cfg.Epochs
	if cfg.Fast {
		if stepsPerEpoch > 10 {
			stepsPerEpoch = 10
		}
		if epochs > 2 {
			epochs = 2
		}
	}
	totalSteps := stepsPerEpoch * epochs
	ctx.SetParam(ParamTrainSteps, totalSteps)

	runDir := path.Join(cfg.RunsDir, "classification", cfg.Model, cfg.RunID)
	foldDir := path.Join(runDir, fmt.Sprintf("fold%d", fold))
	fmt.Printf("Training %q on fold %d: %d epochs x %d steps, run directory %q\n",
		cfg.Model, fold, epochs, stepsPerEpoch, foldDir)

	if cfg.Data.CacheImages {
		if err := trainDS.Warm(); err != nil {
			return err
		}
		if err := validEvalDS.Warm(); err != nil {
			return err
		}
	}

	// Checkpointing: resume from an existing directory, or create the fold's.
	resuming := cfg.CheckpointDir != ""
	ckptBuilder := checkpoints.Build(ctx).Dir(path.Join(foldDir, "checkpoints"))
	if resuming {
		ckptBuilder = checkpoints.Load(ctx).Dir(cfg.CheckpointDir).Immediate()
	}
	checkpoint, err := ckptBuilder.Keep(3).ExcludeParams(ParamsExcludedFromSaving...).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to set up checkpointing for fold %d", fold)
	}
	if resuming {
		fmt.Print(ResumeSummary(ctx))
		// The resumed run keeps its total step target.
		ctx.SetParam(ParamTrainSteps, totalSteps)
	}

	modelFn := SelectModelFn(ctx)
	materialized := resuming

	if cfg.TransferDir != "" && !resuming {
		if err := materializeModelVariables(backend, ctx, modelFn, cfg.Data.ImageSize); err != nil {
			return err
		}
		materialized = true
		report, err := TransferWeights(ctx, cfg.TransferDir)
		if err != nil {
			return err
		}
		fmt.Printf("Transfer from %q: %s, %d matched, %d unmatched\n",
			cfg.TransferDir, report.Status, report.Matched, len(report.Unmatched))
		for _, name := range report.Unmatched {
			fmt.Printf("\tunmatched: %s\n", name)
		}
		if report.Status == TransferFailed {
			return errors.Errorf("transfer from %q matched no variable", cfg.TransferDir)
		}
	}

	if cfg.FreezeEncoder {
		if !materialized {
			if err := materializeModelVariables(backend, ctx, modelFn, cfg.Data.ImageSize); err != nil {
				return err
			}
			materialized = true
		}
		frozen := FreezeEncoder(ctx)
		if frozen == 0 {
			return errors.New("freeze-encoder found no encoder variables")
		}
		fmt.Printf("Froze %d encoder variables\n", frozen)
	}

	lossFn, err := BuildLoss(cfg.Criterion)
	if err != nil {
		return err
	}
	trainLossFn := lossFn
	var trainData train.Dataset = trainDS
	if cfg.Mixup {
		trainData = NewMixupDataset(trainDS, cfg.Data.Seed)
		trainLossFn = MixupLoss(lossFn)
	}
	if cfg.Data.Workers > 1 {
		parallelData := parallelBatches(trainData, cfg.Data.Workers)
		defer parallelData.Done()
		trainData = parallelData
	}

	optimizer, err := BuildOptimizer(ctx, cfg.Optimizer)
	if err != nil {
		return err
	}
	var swa *SWA
	if cfg.SWA {
		swa = NewSWA(optimizer, stepsPerEpoch, 512)
		optimizer = swa
	}

	kappaMetric := NewKappaMetric()
	accuracyMetric := metrics.NewSparseCategoricalAccuracy(accuracyMetricName, "acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy(
		"Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(backend, ctx, modelFn, trainLossFn, optimizer,
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{kappaMetric, accuracyMetric})
	if cfg.AccumulationSteps > 1 {
		if err := trainer.AccumulateGradients(cfg.AccumulationSteps); err != nil {
			return errors.WithMessagef(err, "failed to enable gradient accumulation")
		}
	}
	if materialized {
		trainer.SetContext(ctx.Reuse())
	}

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	train.PeriodicCallback(loop, time.Minute*3, true, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return checkpoint.Save()
		})

	pointsChan, pointsErrChan := plots.CreatePointsWriter(
		path.Join(checkpoint.Dir(), plots.TrainingPlotFileName))
	closePoints := onceClose(pointsChan)
	defer closePoints()
	emitPoint := func(split, name, short, metricType string, value float64) {
		pointsChan <- plots.Point{
			MetricName: fmt.Sprintf("%s on %s", name, split),
			Short:      fmt.Sprintf("%s(%s)", short, split),
			MetricType: metricType,
			Step:       float64(optimizers.GetGlobalStep(ctx)),
			Value:      value,
		}
	}

	epoch := CurrentEpoch(ctx)
	bestKappa := math.Inf(-1)
	if kappa, _, _, found := EpochMetrics(ctx, "valid"); found {
		bestKappa = kappa
	}
	badEpochs := 0
	train.EveryNSteps(loop, stepsPerEpoch, "end of epoch evaluation", 120,
		func(loop *train.Loop, _ []*tensors.Tensor) error {
			epoch++
			trainKappa, trainAccuracy, trainLoss, err := evalSplit(trainer, trainEvalDS)
			if err != nil {
				return err
			}
			validKappa, validAccuracy, validLoss, err := evalSplit(trainer, validEvalDS)
			if err != nil {
				return err
			}
			// The kappa metric still holds the validation confusion matrix.
			confusion, haveConfusion := kappaMetric.ReadConfusion(ctx)

			SetEpoch(ctx, epoch)
			SetEpochMetrics(ctx, "train", trainKappa, trainAccuracy, trainLoss)
			SetEpochMetrics(ctx, "valid", validKappa, validAccuracy, validLoss)
			emitPoint("train", KappaMetricName, "kappa", kappaMetric.MetricType(), trainKappa)
			emitPoint("train", accuracyMetricName, "acc", accuracyMetric.MetricType(), trainAccuracy)
			emitPoint("train", lossMetricName, "loss", metrics.LossMetricType, trainLoss)
			emitPoint("valid", KappaMetricName, "kappa", kappaMetric.MetricType(), validKappa)
			emitPoint("valid", accuracyMetricName, "acc", accuracyMetric.MetricType(), validAccuracy)
			emitPoint("valid", lossMetricName, "loss", metrics.LossMetricType, validLoss)

			fmt.Printf("Epoch %d: train kappa=%.4f acc=%.4f loss=%.4f | valid kappa=%.4f acc=%.4f loss=%.4f\n",
				epoch, trainKappa, trainAccuracy, trainLoss, validKappa, validAccuracy, validLoss)
			if haveConfusion {
				fmt.Println(RenderConfusion(confusion))
			}

			if validKappa > bestKappa {
				bestKappa = validKappa
				badEpochs = 0
				if err := checkpoint.Save(); err != nil {
					return err
				}
				if err := checkpoint.Backup(); err != nil {
					return errors.WithMessagef(err, "failed to back up best checkpoint")
				}
				fmt.Printf("\tnew best validation %s: %.4f\n", KappaMetricName, bestKappa)
			} else {
				badEpochs++
				if cfg.EarlyStopping > 0 && badEpochs >= cfg.EarlyStopping {
					fmt.Printf("\tno improvement for %d epochs, stopping early\n", badEpochs)
					return errEarlyStopped
				}
			}
			return nil
		})

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < totalSteps {
		_, err = loop.RunSteps(trainData, totalSteps-globalStep)
		if err != nil && !errors.Is(err, errEarlyStopped) {
			return errors.WithMessagef(err, "training failed on fold %d", fold)
		}
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	} else {
		fmt.Printf("\ttarget train steps (%d) already reached at global step %d\n",
			totalSteps, globalStep)
	}

	if swa != nil {
		replaced, err := swa.Apply(ctx)
		if err != nil {
			return errors.WithMessagef(err, "failed to apply weight averages")
		}
		if replaced > 0 {
			fmt.Printf("Applied weight averages to %d variables (%d updates)\n",
				replaced, swa.UpdateCount(ctx))
		}
	}
	if err := checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save final checkpoint")
	}
	closePoints()
	if err := <-pointsErrChan; err != nil {
		return errors.WithMessagef(err, "failed to write training plot points")
	}

	fmt.Println()
	if err := commandline.ReportEval(trainer, validEvalDS, trainEvalDS); err != nil {
		return err
	}

	if cfg.TTA > 1 {
		ttaKappa, err := EvaluateTTA(backend, ctx, modelFn, validEvalDS, cfg.TTA)
		if err != nil {
			return errors.WithMessagef(err, "test-time augmentation evaluation failed")
		}
		fmt.Printf("Validation %s with %d-variant TTA: %.4f\n", KappaMetricName, cfg.TTA, ttaKappa)
	}

	hard, err := MineHardExamples(backend, ctx, modelFn, lossFn, validEvalDS, 10)
	if err != nil {
		return errors.WithMessagef(err, "hard-example mining failed")
	}
	if len(hard) > 0 {
		fmt.Println("Hardest validation examples:")
		fmt.Println(RenderHardExamples(hard))
		if cfg.Show {
			hardDir := path.Join(foldDir, "hard_examples")
			if err := SaveHardExamples(validEvalDS, hard, hardDir); err != nil {
				return err
			}
			fmt.Printf("Saved hardest examples under %q\n", hardDir)
		}
	}

	// Export a cleaned copy of the best checkpoint seen during training.
	bestSrc := path.Join(checkpoint.Dir(), checkpoints.BackupDir)
	if _, err := os.Stat(bestSrc); err != nil {
		bestSrc = checkpoint.Dir()
	}
	bestDst := path.Join(runDir, BestCheckpointName(cfg.Model, cfg.RunID, fold))
	if err := CleanCheckpoint(bestSrc, bestDst); err != nil {
		return err
	}
	fmt.Printf("Exported best checkpoint to %q (validation %s %.4f)\n",
		bestDst, KappaMetricName, bestKappa)
	return nil
}

// parallelBatches yields batches from ds using workers goroutines. Callers
// must call Done on the returned dataset to release the goroutines.
func parallelBatches(ds train.Dataset, workers int) *datasets.ParallelDataset {
	return datasets.CustomParallel(ds).Parallelism(workers).Buffer(workers).Start()
}

// onceClose returns a function that closes ch the first time it is called
// and is a no-op afterwards, so it is safe both deferred and on the happy
// path.
func onceClose[T any](ch chan<- T) func() {
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}