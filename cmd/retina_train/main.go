// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// retina_train trains one diabetic-retinopathy grading model per
// cross-validation fold.
//
// Example:
//
//	retina_train --data-dir=~/data/retinopathy --model=cnn --epochs=30 \
//	    --fold=0 --fold=1 --mixup --swa
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/retinopathy"
	"github.com/janpfeifer/must"
)

// foldsFlag collects the repeatable --fold flag.
type foldsFlag []int

func (f *foldsFlag) String() string {
	parts := make([]string, len(*f))
	for i, fold := range *f {
		parts[i] = strconv.Itoa(fold)
	}
	return strings.Join(parts, ",")
}

func (f *foldsFlag) Set(value string) error {
	fold, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*f = append(*f, fold)
	return nil
}

var (
	flagDataDir   = flag.String("data-dir", "", "Directory holding the datasets (required).")
	flagModel     = flag.String("model", "cnn", fmt.Sprintf("Model to train, one of %v.", retinopathy.ModelNames()))
	flagImageSize = flag.Int("image-size", 256, "Width and height images are resized to.")
	flagBatchSize = flag.Int("batch-size", 32, "Training batch size.")
	flagEpochs    = flag.Int("epochs", 30, "Number of training epochs.")
	flagSeed      = flag.Int64("seed", 42, "Seed for initialization and sampling randomness.")
	flagWorkers   = flag.Int("workers", 4, "Parallel dataset workers (<=1 disables).")

	flagLearningRate = flag.Float64("learning-rate", 1e-3, "Initial learning rate.")
	flagWeightDecay  = flag.Float64("weight-decay", 1e-4, "Weight decay (adamw).")
	flagCriterion    = flag.String("criterion", "ce", "Loss: \"ce\", \"focal\" or \"smooth-ce\".")
	flagOptimizer    = flag.String("optimizer", "adamw", "Optimizer name, from the gomlx registry.")
	flagScheduler    = flag.String("scheduler", "constant", "Learning rate schedule: \"constant\", \"cosine\" or \"multistep\".")

	flagAugmentations = flag.String("augmentations", "medium",
		"Augmentation profile: \"none\", \"light\", \"medium\" or \"hard\".")
	flagBalance     = flag.Bool("balance", false, "Class-balance the training batches.")
	flagMixup       = flag.Bool("mixup", false, "Mixup augmentation on training batches.")
	flagUse2015     = flag.Bool("use-aptos2015", false, "Include the aptos2015 auxiliary dataset.")
	flagUseIdrid    = flag.Bool("use-idrid", false, "Include the idrid auxiliary dataset.")
	flagUseMessidor = flag.Bool("use-messidor", false, "Include the messidor auxiliary dataset.")

	flagEarlyStopping = flag.Int("early-stopping", 8,
		"Epochs without validation kappa improvement before stopping. 0 disables.")
	flagSWA           = flag.Bool("swa", false, "Stochastic weight averaging.")
	flagFP16          = flag.Bool("fp16", false, "Compute the model in float16.")
	flagTTA           = flag.Int("tta", 0, "Test-time augmentation variants for the final evaluation (<=1 disables).")
	flagAccumulation  = flag.Int("accumulation-steps", 1, "Gradient accumulation steps (1 disables).")
	flagFreezeEncoder = flag.Bool("freeze-encoder", false, "Freeze the encoder variables (useful with --transfer).")

	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory to resume training from.")
	flagTransfer   = flag.String("transfer", "", "Donor checkpoint directory to transfer weights from.")
	flagRunsDir    = flag.String("runs-dir", "runs", "Base directory for run outputs.")
	flagRun        = flag.String("run", "", "Run identifier. Defaults to a timestamp.")

	flagFast = flag.Bool("fast", false, "Smoke run: caps steps per epoch and epochs.")
	flagShow = flag.Bool("show", false, "Save the hardest validation examples as PNGs.")
	flagSet  = flag.String("set", "",
		"Extra hyperparameter overrides, as \"param=value\" pairs separated by \";\".")

	flagFolds foldsFlag
)

func main() {
	flag.Var(&flagFolds, "fold", "Fold to train, repeatable. Defaults to all folds.")
	flag.Parse()

	cfg := retinopathy.DefaultRunConfig()
	cfg.Data.DataDir = *flagDataDir
	cfg.Data.ImageSize = *flagImageSize
	cfg.Data.BatchSize = *flagBatchSize
	cfg.Data.Seed = *flagSeed
	cfg.Data.Workers = *flagWorkers
	cfg.Data.Balance = *flagBalance
	cfg.Data.UseAptos2015 = *flagUse2015
	cfg.Data.UseIdrid = *flagUseIdrid
	cfg.Data.UseMessidor = *flagUseMessidor
	cfg.Data.Augmentation = must.M1(retinopathy.ParseAugmentation(*flagAugmentations))

	cfg.Model = *flagModel
	cfg.Epochs = *flagEpochs
	cfg.EarlyStopping = *flagEarlyStopping
	cfg.Fast = *flagFast
	cfg.Mixup = *flagMixup
	cfg.SWA = *flagSWA
	cfg.Show = *flagShow
	cfg.FreezeEncoder = *flagFreezeEncoder
	cfg.LearningRate = *flagLearningRate
	cfg.WeightDecay = *flagWeightDecay
	cfg.Criterion = *flagCriterion
	cfg.Optimizer = *flagOptimizer
	cfg.Scheduler = *flagScheduler
	cfg.FP16 = *flagFP16
	cfg.TTA = *flagTTA
	cfg.AccumulationSteps = *flagAccumulation
	cfg.CheckpointDir = *flagCheckpoint
	cfg.TransferDir = *flagTransfer
	cfg.RunsDir = *flagRunsDir
	cfg.RunID = *flagRun
	cfg.Settings = *flagSet
	if cfg.RunID == "" {
		cfg.RunID = retinopathy.NewRunID()
	}
	must.M(cfg.Validate())

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	fmt.Printf("Run %q\n", cfg.RunID)

	folds := []int(flagFolds)
	if len(folds) == 0 {
		for fold := 0; fold < retinopathy.NumFolds; fold++ {
			folds = append(folds, fold)
		}
	}
	for _, fold := range folds {
		must.M(retinopathy.TrainFold(backend, &cfg, fold))
	}
}