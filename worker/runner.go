// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
)

// A Job is a job as handed to a Runner.
type Job struct {
	ID   string
	Desc bigml.Descriptor
	// Options are passed to the kernel driver of the job's rank 0.
	Options kernel.Options
}

// A Runner runs every rank of a job and returns the outcome at rank
// 0. Runners return when the job completes, is cancelled or paused
// through the job's signal, fails, or the context is done.
type Runner interface {
	Run(ctx context.Context, job Job) (kernel.Outcome, error)
}

// LocalRunner runs a job's ranks as goroutines of the current
// process, connected by an in-process communicator.
type LocalRunner struct {
	Store *storage.Store
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, job Job) (kernel.Outcome, error) {
	return kernel.RunLocal(ctx, r.Store, job.ID, job.Desc, job.Options)
}
