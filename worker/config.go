// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/sched"
	"github.com/grailbio/bigml/storage"
)

// Config is the value of the bigml/worker configuration instance. It
// creates workers that share a store and a runner.
type Config struct {
	// Options are the options of every worker. IDs are assigned by
	// New.
	Options Options
	Store   *storage.Store
	Runner  Runner
	// Machines is the bigmachine runner, if workers run their ranks
	// on machines.
	Machines *MachineRunner
}

// New returns the i'th worker of the configuration, reporting to
// coord.
func (c *Config) New(coord sched.Coordinator, i int, st *status.Status) *Worker {
	opts := c.Options
	opts.Rank = i
	opts.Status = st
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("w%d", i)
	} else {
		opts.ID = fmt.Sprintf("%s%d", opts.ID, i)
	}
	if c.Machines != nil {
		opts.Sampler = Combine(new(SystemSampler), c.Machines)
	}
	return New(coord, c.Runner, opts)
}

func init() {
	config.Register("bigml/worker", func(inst *config.Constructor) {
		var (
			opts      = DefaultOptions
			heartbeat = opts.HeartbeatInterval.String()
			sample    = opts.SampleInterval.String()
			steal     = opts.StealInterval.String()
			runner    = "local"
			store     *storage.Store
			system    bigmachine.System
		)
		inst.StringVar(&opts.ID, "id", "", "prefix of worker IDs; workers are numbered from 0")
		inst.IntVar(&opts.MaxJobs, "max-jobs", opts.MaxJobs, "number of jobs a worker runs concurrently")
		inst.StringVar(&heartbeat, "heartbeat-interval", heartbeat, "interval between worker heartbeats")
		inst.StringVar(&sample, "sample-interval", sample, "interval between resource samples")
		inst.IntVar(&opts.CacheCapacity, "cache-capacity", opts.CacheCapacity,
			"number of resident partitions a worker reports")
		inst.BoolVar(&opts.WorkStealing, "work-stealing", opts.WorkStealing, "ask the scheduler for queued jobs when idle")
		inst.StringVar(&steal, "steal-interval", steal, "interval between steal requests of an idle worker")
		inst.StringVar(&opts.CheckpointPrefix, "checkpoint-prefix", opts.CheckpointPrefix, "store prefix of job checkpoints")
		inst.InstanceVar(&store, "store", "bigml/store", "the store used by jobs")
		inst.StringVar(&runner, "runner", runner, "how job ranks are run: local or bigmachine")
		inst.InstanceVar(&system, "system", "", "the bigmachine system used by the bigmachine runner")
		inst.Doc = "bigml/worker configures bigml workers"
		inst.New = func() (interface{}, error) {
			var err error
			for _, d := range []struct {
				name  string
				value string
				ptr   *time.Duration
			}{
				{"heartbeat-interval", heartbeat, &opts.HeartbeatInterval},
				{"sample-interval", sample, &opts.SampleInterval},
				{"steal-interval", steal, &opts.StealInterval},
			} {
				if *d.ptr, err = time.ParseDuration(d.value); err != nil {
					return nil, bigml.E(bigml.Validation, "bigml/worker: "+d.name, err)
				}
			}
			if store == nil {
				return nil, bigml.E(bigml.Validation, "bigml/worker: no store configured")
			}
			c := &Config{Options: opts, Store: store}
			switch runner {
			case "local":
				c.Runner = &LocalRunner{Store: store}
			case "bigmachine":
				if system == nil {
					return nil, bigml.E(bigml.Validation, "bigml/worker: the bigmachine runner requires a system")
				}
				if store.URL() == "" || strings.HasPrefix(store.URL(), "mem://") {
					return nil, bigml.E(bigml.Validation, "bigml/worker: the bigmachine runner requires a store reachable from machines")
				}
				c.Machines = NewMachineRunner(bigmachine.Start(system), store.URL(), nil)
				c.Runner = c.Machines
			default:
				return nil, bigml.E(bigml.Validation, fmt.Sprintf("bigml/worker: unknown runner %q", runner))
			}
			return c, nil
		}
	})
}
