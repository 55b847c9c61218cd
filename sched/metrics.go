// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/stats"
)

// Metrics is a snapshot of the scheduler's counters.
type Metrics struct {
	// States counts the jobs currently in each state.
	States map[bigml.State]int
	// Counters holds cumulative event counts: submitted, placed,
	// redistributed, stolen, workers-lost, and one per terminal
	// state.
	Counters stats.Values
	// Queued is the number of jobs awaiting placement, and Running
	// the number placed on workers.
	Queued, Running int
	// MeanCompletion is the mean wall-clock duration of completed
	// jobs.
	MeanCompletion time.Duration
	// Workers maps each worker to its moving average completion
	// time.
	Workers map[string]time.Duration
}

// Metrics returns a snapshot of the scheduler's metrics.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		States:   make(map[bigml.State]int),
		Counters: make(stats.Values),
		Queued:   len(s.queue),
		Running:  s.running,
		Workers:  make(map[string]time.Duration),
	}
	for _, j := range s.jobs {
		m.States[j.status.State]++
	}
	s.stats.AddAll(m.Counters)
	m.MeanCompletion = s.stats.Timer("completion").Value().Mean()
	for id, w := range s.workers {
		m.Workers[id] = w.rec.AvgCompletion
	}
	return m
}

// WriteTo writes a human-readable rendering of the metrics to w.
func (m Metrics) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	var states []bigml.State
	for st := range m.States {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, st := range states {
		fmt.Fprintf(tw, "jobs %s:\t%d\n", st, m.States[st])
	}
	fmt.Fprintf(tw, "queued:\t%d\n", m.Queued)
	fmt.Fprintf(tw, "running:\t%d\n", m.Running)
	fmt.Fprintf(tw, "counters:\t%s\n", m.Counters)
	fmt.Fprintf(tw, "mean completion:\t%s\n", m.MeanCompletion)
	var ids []string
	for id := range m.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(tw, "worker %s completion avg:\t%s\n", id, m.Workers[id])
	}
	if err := tw.Flush(); err != nil {
		return 0, err
	}
	return b.WriteTo(w)
}
