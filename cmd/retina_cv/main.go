// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// retina_cv summarizes the validation kappa scores of a set of per-fold best
// checkpoints: one score per fold, plus their mean and population standard
// deviation.
//
// Edit bestCheckpoints below for the run to summarize, or pass the
// checkpoint directories as arguments.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/retinopathy"
	"github.com/janpfeifer/must"
)

// bestCheckpoints lists the per-fold best checkpoint directories of the run
// to summarize.
var bestCheckpoints = []string{
	"runs/classification/cnn/baseline/cnn_baseline_fold0_best",
	"runs/classification/cnn/baseline/cnn_baseline_fold1_best",
	"runs/classification/cnn/baseline/cnn_baseline_fold2_best",
	"runs/classification/cnn/baseline/cnn_baseline_fold3_best",
}

func main() {
	flag.Parse()
	dirs := bestCheckpoints
	if flag.NArg() > 0 {
		dirs = flag.Args()
	}

	scores, mean, std, err := retinopathy.AggregateCV(dirs)
	must.M(err)
	for i, dir := range dirs {
		fmt.Printf("%s: %.4f\n", dir, scores[i])
	}
	fmt.Printf("mean %s: %.4f\n", retinopathy.KappaMetricName, mean)
	fmt.Printf("std (population): %.4f\n", std)
}