// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"

	"github.com/google/uuid"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/storage"
)

// RunLocal runs job jobID on d.NumRanks() goroutines connected by
// a new in-process communicator, and returns rank 0's outcome. The
// hooks of opts are installed at rank 0 only. If the job fails,
// RunLocal returns the error that caused the failure rather than
// the aborts it induced at the other ranks.
func RunLocal(ctx context.Context, store *storage.Store, jobID string, d bigml.Descriptor, opts Options) (Outcome, error) {
	n := d.NumRanks()
	group := comm.LocalGroup(jobID+"/"+uuid.New().String(), n)
	defer func() {
		for _, c := range group {
			c.Close()
		}
	}()
	var (
		outs = make([]Outcome, n)
		errs = make([]error, n)
	)
	// Every rank must run concurrently: they meet in collectives.
	err := traverse.Limit(n).Each(n, func(i int) error {
		rankOpts := opts
		if i != 0 {
			rankOpts.Signal, rankOpts.Progress, rankOpts.Checkpoint = nil, nil, nil
		}
		outs[i], errs[i] = RunRank(ctx, store, jobID, d, group[i], rankOpts)
		return errs[i]
	})
	if err != nil {
		return outs[0], Cause(group, errs)
	}
	return outs[0], nil
}

// RunRank instantiates the kernel for d and runs it at the rank of
// c, holding the rank's partition for the duration of the run.
func RunRank(ctx context.Context, store *storage.Store, jobID string, d bigml.Descriptor, c *comm.Comm, opts Options) (Outcome, error) {
	k, err := New(d)
	if err != nil {
		c.Abort(err)
		return Outcome{}, err
	}
	env, release, err := Load(ctx, store, jobID, d, c)
	if err != nil {
		c.Abort(err)
		return Outcome{}, err
	}
	defer release()
	return Fit(ctx, k, env, opts)
}

// Cause returns the root cause among the per-rank errors of a
// failed job: the first error that is not the abort of the rank's
// communicator. If there is no such error, Cause returns the first
// non-nil error.
func Cause(group []*comm.Comm, errs []error) error {
	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if err != group[i].Err() {
			return err
		}
	}
	return first
}
