// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/internal/synth"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
)

func genCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigml gen", flag.ExitOnError)
		url     = flags.String("store", "", "store url; defaults to the bigml/store profile instance")
		kind    = flags.String("kind", "linear", "dataset kind: linear, logistic, blobs, or crescents")
		n       = flags.Int("n", 1000, "number of rows")
		dims    = flags.Int("d", 3, "number of features (logistic)")
		weights = flags.String("weights", "1.5,-2,0.7", "comma-separated true weights (linear)")
		bias    = flags.Float64("bias", 0.25, "true bias (linear)")
		noise   = flags.Float64("noise", 0.1, "noise level (linear, crescents), or label flip rate (logistic)")
		k       = flags.Int("k", 3, "number of clusters (blobs)")
		std     = flags.Float64("std", 1, "cluster standard deviation (blobs)")
		seed    = flags.Int64("seed", 1, "random seed")
	)
	flags.Usage = commandUsage(flags, `usage: bigml gen [flags] key

Command gen writes a seeded synthetic dataset under key. Linear and
logistic datasets are labeled; blob and crescent datasets are written
unlabeled, with their true cluster assignments under key.labels.`)
	flags.Parse(args)
	if flags.NArg() != 1 || *n < 1 {
		flags.Usage()
	}
	key := flags.Arg(0)

	var (
		store *storage.Store
		err   error
	)
	if *url != "" {
		if store, err = storage.Open(*url); err != nil {
			exit(err)
		}
	} else {
		config.Must("bigml/store", &store)
	}
	ctx := context.Background()
	var (
		x      *tensor.Matrix
		y      *tensor.Vector
		labels []int
	)
	switch *kind {
	case "linear":
		var w []float64
		for _, s := range strings.Split(*weights, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				exit(bigml.E(bigml.Validation, "-weights", err))
			}
			w = append(w, v)
		}
		x, y = synth.Linear(*n, w, *bias, *noise, *seed)
	case "logistic":
		x, y, _ = synth.Logistic(*n, *dims, *noise, *seed)
	case "blobs":
		centers := make([][]float64, *k)
		for i := range centers {
			theta := 2 * math.Pi * float64(i) / float64(*k)
			centers[i] = []float64{10 * math.Cos(theta), 10 * math.Sin(theta)}
		}
		x, labels = synth.Blobs(*n, centers, *std, *seed)
	case "crescents":
		x, labels = synth.Crescents(*n, *noise, *seed)
	default:
		exit(bigml.E(bigml.Validation, fmt.Sprintf("unknown dataset kind %q", *kind)))
	}
	if y != nil {
		err = store.WriteDataset(ctx, key, x, y)
	} else {
		err = store.WriteMatrix(ctx, key, x)
		if err == nil {
			err = store.WriteVector(ctx, key+".labels", synth.Labels(labels))
		}
	}
	if err != nil {
		exit(err)
	}
	log.Printf("wrote %s dataset of %d rows and %d columns to %s", *kind, x.Rows(), x.Cols(), key)
}
