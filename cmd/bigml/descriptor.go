// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"os"
	"time"

	"github.com/grailbio/bigml"
	"gopkg.in/yaml.v3"
)

// descriptorFile is the YAML (or JSON) representation of a job
// descriptor:
//
//	kind: kmeans
//	input: data/blobs
//	output: models/blobs
//	ranks: 3
//	max_iterations: 100
//	tolerance: 1e-4
//	params:
//	  k: "3"
type descriptorFile struct {
	Kind           string  `yaml:"kind"`
	Input          string  `yaml:"input"`
	Output         string  `yaml:"output"`
	Partitioning   string  `yaml:"partitioning"`
	Ranks          int     `yaml:"ranks"`
	MaxIterations  int     `yaml:"max_iterations"`
	Tolerance      float64 `yaml:"tolerance"`
	LearningRate   float64 `yaml:"learning_rate"`
	Regularization struct {
		Type   string  `yaml:"type"`
		Lambda float64 `yaml:"lambda"`
	} `yaml:"regularization"`
	Params             map[string]string `yaml:"params"`
	CheckpointInterval int               `yaml:"checkpoint_interval"`
	IterationTimeout   string            `yaml:"iteration_timeout"`
	Cores              int               `yaml:"cores"`
	MemoryBytes        int64             `yaml:"memory_bytes"`
}

// readDescriptor decodes and validates a descriptor.
func readDescriptor(r io.Reader) (bigml.Descriptor, error) {
	var (
		f   descriptorFile
		d   bigml.Descriptor
		err error
	)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err = dec.Decode(&f); err != nil {
		return d, bigml.E(bigml.Validation, "decoding descriptor", err)
	}
	if d.Kind, err = bigml.ParseJobKind(f.Kind); err != nil {
		return d, err
	}
	if f.Partitioning != "" {
		if d.Partitioning, err = bigml.ParseStrategy(f.Partitioning); err != nil {
			return d, err
		}
	}
	if d.Regularization.Type, err = bigml.ParseRegularizer(f.Regularization.Type); err != nil {
		return d, err
	}
	d.Regularization.Lambda = f.Regularization.Lambda
	if f.IterationTimeout != "" {
		if d.IterationTimeout, err = time.ParseDuration(f.IterationTimeout); err != nil {
			return d, bigml.E(bigml.Validation, "iteration_timeout", err)
		}
	}
	d.Input, d.Output = f.Input, f.Output
	d.Ranks = f.Ranks
	d.MaxIterations = f.MaxIterations
	d.Tolerance = f.Tolerance
	d.LearningRate = f.LearningRate
	d.Params = f.Params
	d.CheckpointInterval = f.CheckpointInterval
	d.Cores, d.MemoryBytes = f.Cores, f.MemoryBytes
	return d, d.Validate()
}

func readDescriptorFile(path string) (bigml.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bigml.Descriptor{}, bigml.E(bigml.NotFound, err)
		}
		return bigml.Descriptor{}, err
	}
	defer f.Close()
	return readDescriptor(f)
}
