// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/storage"
)

// Load prepares the environment of rank c.Rank() of job jobID: it
// partitions the job's input, acquires read-only access to the
// rank's partition, and reads its rows (and labels, for supervised
// jobs). The returned release function gives up the partition.
func Load(ctx context.Context, store *storage.Store, jobID string, d bigml.Descriptor, c *comm.Comm) (env *Env, release func(), err error) {
	parts, err := store.Partition(ctx, d.Input, d.Partitioning, c.Size())
	if err != nil {
		return nil, nil, err
	}
	part := parts[c.Rank()]
	release, err = store.Acquire(part.ID, storage.ReadOnly)
	if err != nil {
		return nil, nil, err
	}
	env = &Env{
		JobID:     jobID,
		Desc:      d,
		Comm:      c,
		Store:     store,
		Partition: part,
	}
	if d.Supervised() {
		env.Features, env.Labels, err = store.ReadLabeledPartition(ctx, part)
		if err == nil && env.Labels == nil {
			err = bigml.E(bigml.Validation, fmt.Sprintf("kernel: %s requires a labeled dataset at %s", d.Kind, d.Input))
		}
	} else {
		env.Features, err = store.ReadPartition(ctx, part)
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	env.RowIndex = make([]int, part.Rows)
	for i := range env.RowIndex {
		if part.Strategy == bigml.RoundRobin {
			env.RowIndex[i] = part.RowOffset + i*part.Count
		} else {
			env.RowIndex[i] = part.RowOffset + i
		}
	}
	log.Debug.Printf("job %s rank %d: loaded %v", jobID, c.Rank(), part)
	return env, release, nil
}
