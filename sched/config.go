// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigml"
)

func init() {
	config.Register("bigml/scheduler", func(inst *config.Constructor) {
		var (
			opts      = DefaultOptions
			policy    = opts.Policy.String()
			heartbeat = opts.HeartbeatInterval.String()
			steal     = opts.StealThreshold.String()
			probation = opts.Probation.String()
		)
		inst.StringVar(&policy, "policy", policy,
			"placement policy: round-robin, least-loaded, resource-aware, affinity, or adaptive")
		inst.IntVar(&opts.MaxConcurrent, "max-concurrent", opts.MaxConcurrent, "maximum number of jobs placed at a time")
		inst.StringVar(&heartbeat, "heartbeat-interval", heartbeat, "expected interval between worker heartbeats")
		inst.IntVar(&opts.HeartbeatMultiple, "heartbeat-multiple", opts.HeartbeatMultiple,
			"number of heartbeat intervals after which a silent worker is failed")
		inst.BoolVar(&opts.WorkStealing, "work-stealing", opts.WorkStealing, "allow idle workers to steal queued jobs")
		inst.StringVar(&steal, "steal-threshold", steal, "queueing time after which any idle worker may steal a job")
		inst.StringVar(&probation, "probation", probation, "time a misbehaving worker is excluded from placement")
		inst.FloatVar(&opts.Weights.CPU, "w-cpu", opts.Weights.CPU, "weight of CPU utilisation in load scores")
		inst.FloatVar(&opts.Weights.Mem, "w-mem", opts.Weights.Mem, "weight of memory utilisation in load scores")
		inst.FloatVar(&opts.Weights.Net, "w-net", opts.Weights.Net, "weight of network utilisation in load scores")
		inst.FloatVar(&opts.EMAAlpha, "ema-alpha", opts.EMAAlpha, "smoothing factor of completion time averages")
		inst.IntVar(&opts.AffinityCapacity, "affinity-capacity", opts.AffinityCapacity,
			"number of partitions remembered per worker by the affinity policy")
		inst.Doc = "bigml/scheduler configures the bigml job scheduler"
		inst.New = func() (interface{}, error) {
			var err error
			if opts.Policy, err = ParsePolicy(policy); err != nil {
				return nil, err
			}
			for _, d := range []struct {
				name  string
				value string
				ptr   *time.Duration
			}{
				{"heartbeat-interval", heartbeat, &opts.HeartbeatInterval},
				{"steal-threshold", steal, &opts.StealThreshold},
				{"probation", probation, &opts.Probation},
			} {
				if *d.ptr, err = time.ParseDuration(d.value); err != nil {
					return nil, bigml.E(bigml.Validation, "bigml/scheduler: "+d.name, err)
				}
			}
			return New(opts), nil
		}
	})
}
