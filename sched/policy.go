// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"
	"strings"

	"github.com/grailbio/bigml"
)

// Policy selects the worker on which a job is placed.
type Policy int

const (
	// RoundRobin cycles through the registered workers.
	RoundRobin Policy = iota
	// LeastLoaded picks the worker with the lowest weighted
	// utilisation.
	LeastLoaded
	// ResourceAware is LeastLoaded restricted to workers that meet
	// the job's core and memory demand.
	ResourceAware
	// Affinity prefers workers that hold the job's partitions in
	// their caches, and falls back to LeastLoaded.
	Affinity
	// Adaptive is LeastLoaded with scores scaled by each worker's
	// moving average of job completion times.
	Adaptive

	maxPolicy
)

var policyNames = [...]string{
	RoundRobin:    "round-robin",
	LeastLoaded:   "least-loaded",
	ResourceAware: "resource-aware",
	Affinity:      "affinity",
	Adaptive:      "adaptive",
}

func (p Policy) String() string {
	if p < 0 || p >= maxPolicy {
		return fmt.Sprintf("Policy(%d)", int(p))
	}
	return policyNames[p]
}

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(name, s) {
			return Policy(i), nil
		}
	}
	return 0, bigml.E(bigml.Validation, fmt.Sprintf("unknown scheduling policy %q", s))
}

// Weights weigh CPU, memory, and network utilisation in the
// load score of a worker.
type Weights struct {
	CPU, Mem, Net float64
}

// DefaultWeights are the default load weights.
var DefaultWeights = Weights{CPU: 0.5, Mem: 0.3, Net: 0.2}

// score returns w's weighted utilisation.
func (w Weights) score(r bigml.WorkerRecord) float64 {
	return r.CPU*w.CPU + r.Mem*w.Mem + r.Net*w.Net
}

// eligible tells whether a worker can accept a job at all.
func (w *workerState) eligible() bool {
	return w.rec.Available && !w.rec.Failed && !w.rec.Probation &&
		(w.rec.MaxJobs <= 0 || len(w.rec.Jobs) < w.rec.MaxJobs)
}

// fits tells whether the worker meets the job's resource demand.
func (w *workerState) fits(d bigml.Descriptor) bool {
	if d.Cores > 0 && w.rec.Cores < d.Cores {
		return false
	}
	if d.MemoryBytes > 0 && w.rec.FreeMemory < uint64(d.MemoryBytes) {
		return false
	}
	return true
}

// pick returns the worker on which the scheduler's policy places a
// job with descriptor d, or nil if no worker is eligible. It does
// not advance the round-robin cursor; see commit. pick must be
// called with s.mu held.
func (s *Scheduler) pick(d bigml.Descriptor) *workerState {
	var candidates []*workerState
	for _, id := range s.order {
		if w := s.workers[id]; w.eligible() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	switch s.opts.Policy {
	case RoundRobin:
		n := len(s.order)
		for i := 0; i < n; i++ {
			w := s.workers[s.order[(s.next+i)%n]]
			if w.eligible() {
				return w
			}
		}
		return nil
	case ResourceAware:
		var fit []*workerState
		for _, w := range candidates {
			if w.fits(d) {
				fit = append(fit, w)
			}
		}
		return s.leastLoaded(fit, nil)
	case Affinity:
		var (
			best    []*workerState
			matches int
		)
		ids := d.PartitionIDs()
		for _, w := range candidates {
			n := 0
			for _, id := range ids {
				if w.resident.Contains(id) {
					n++
				}
			}
			switch {
			case n == 0:
			case n > matches:
				best, matches = []*workerState{w}, n
			case n == matches:
				best = append(best, w)
			}
		}
		if len(best) > 0 {
			return s.leastLoaded(best, nil)
		}
		return s.leastLoaded(candidates, nil)
	case Adaptive:
		return s.leastLoaded(candidates, s.adaptiveFactors(candidates))
	default:
		return s.leastLoaded(candidates, nil)
	}
}

// leastLoaded returns the worker among ws with the lowest score. If
// factors is non-nil, the score is 1 plus the weighted utilisation,
// multiplied by the worker's factor, so that factors also separate
// idle workers. Ties go to the worker with the fewest jobs relative
// to capacity, then to the earliest registered.
func (s *Scheduler) leastLoaded(ws []*workerState, factors map[*workerState]float64) *workerState {
	var (
		best      *workerState
		bestScore float64
	)
	for _, w := range ws {
		score := s.opts.Weights.score(w.rec)
		if factors != nil {
			score = (1 + score) * factors[w]
		}
		switch {
		case best == nil, score < bestScore:
		case score == bestScore && w.rec.Load() < best.rec.Load():
		default:
			continue
		}
		best, bestScore = w, score
	}
	return best
}

// adaptiveFactors scales each worker by its moving average
// completion time relative to the mean over the workers that have
// completed jobs. Workers without history get a neutral factor.
func (s *Scheduler) adaptiveFactors(ws []*workerState) map[*workerState]float64 {
	var (
		sum float64
		n   int
	)
	for _, w := range ws {
		if w.rec.Completed > 0 {
			sum += float64(w.rec.AvgCompletion)
			n++
		}
	}
	factors := make(map[*workerState]float64, len(ws))
	for _, w := range ws {
		factors[w] = 1
		if n > 0 && sum > 0 && w.rec.Completed > 0 {
			factors[w] = float64(w.rec.AvgCompletion) / (sum / float64(n))
		}
	}
	return factors
}

// commit records the placement of a job on w, advancing the
// round-robin cursor past it.
func (s *Scheduler) commit(w *workerState) {
	for i, id := range s.order {
		if id == w.rec.ID {
			s.next = i + 1
			return
		}
	}
}
