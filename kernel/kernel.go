// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel defines the capability set implemented by bigml's
// learners and provides the bulk-synchronous driver that runs them.
// Each learner registers a factory for its job kind; Fit drives an
// instance through initialization, iteration, checkpointing and
// finalization on every rank of a communicator.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
)

// Env is the environment of one rank of a job.
type Env struct {
	JobID string
	Desc  bigml.Descriptor
	Comm  *comm.Comm
	Store *storage.Store

	// Partition describes the rank's piece of the input, and
	// Features and Labels hold its rows. Labels is nil for
	// unlabeled inputs.
	Partition storage.Partition
	Features  *tensor.Matrix
	Labels    *tensor.Vector
	// RowIndex holds the dataset row index of each local row.
	RowIndex []int
	// TotalRows is the number of rows across all ranks.
	TotalRows int
}

// Rank returns the env's rank.
func (e *Env) Rank() int { return e.Comm.Rank() }

// Progress reports the outcome of a single iteration. It must be
// identical at every rank.
type Progress struct {
	// Loss is the global training loss (inertia for k-means) of the
	// iteration.
	Loss float64
	// Norm is a kind-specific magnitude: ‖w‖ for gradient learners,
	// the largest centroid shift for k-means.
	Norm float64
	// Converged is set when the kernel has converged.
	Converged bool
	// Budget is the job's cap on iterations. It is set by Fit.
	Budget int
}

// Kernel is the capability set of a learner. A kernel instance
// serves a single rank of a single job. Kernels communicate only
// through env.Comm, and must call the same sequence of collectives
// at every rank. Errors that depend on reduced values, such as
// numerical instability, must therefore be detected identically at
// every rank.
type Kernel interface {
	// Init initializes the kernel's model state.
	Init(ctx context.Context, env *Env) error
	// Step runs a single iteration.
	Step(ctx context.Context, env *Env, iter int) (Progress, error)
	// Snapshot serializes the kernel's replicated model state.
	Snapshot() ([]byte, error)
	// Restore restores state produced by Snapshot.
	Restore(state []byte) error
	// Finalize computes the job's result: the final model and its
	// quality metrics. Finalize may perform collectives; only the
	// result returned at rank 0 is used.
	Finalize(ctx context.Context, env *Env) (*bigml.Result, error)
}

// A RateScaler is a kernel whose learning rate can be scaled. The
// driver halves the learning rate before retrying an iteration that
// failed with a numerical error.
type RateScaler interface {
	ScaleLearningRate(f float64)
}

// A Budgeted kernel may run more than the descriptor's
// MaxIterations steps; Budget returns its cap on the total number of
// steps.
type Budgeted interface {
	Budget() int
}

// Factory creates a kernel instance for the provided descriptor.
type Factory func(d bigml.Descriptor) (Kernel, error)

var (
	mu        sync.RWMutex
	factories = map[bigml.JobKind]Factory{}
)

// Register associates the provided factory with a job kind. It
// panics if the kind already has a factory.
func Register(kind bigml.JobKind, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[kind]; ok {
		panic(fmt.Sprintf("kernel.Register: kind %s registered twice", kind))
	}
	factories[kind] = f
}

// Lookup returns the factory registered for kind.
func Lookup(kind bigml.JobKind) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}

// New returns a kernel for descriptor d. It fails with a protocol
// error if no kernel is registered for d's kind.
func New(d bigml.Descriptor) (Kernel, error) {
	f, ok := Lookup(d.Kind)
	if !ok {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("kernel: no kernel registered for %s", d.Kind))
	}
	return f(d)
}
