// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/testutil/assert"
)

func startSystem(t *testing.T) (*bigmachine.B, func()) {
	t.Helper()
	system := testsystem.New()
	system.Machineprocs = 2
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	b := bigmachine.Start(system)
	return b, b.Shutdown
}

func TestMachineRunner(t *testing.T) {
	b, shutdown := startSystem(t)
	defer shutdown()
	const url = "mem://worker-machine-runner"
	store, err := storage.Open(url)
	assert.NoError(t, err)
	writeLinear(t, store)
	d := linearDesc()
	d.MaxIterations = 40
	d.CheckpointInterval = 10
	want := reference(t, store, d)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r := NewMachineRunner(b, url, nil)
	var (
		mu          sync.Mutex
		iters       []int
		checkpoints []bigml.Checkpoint
	)
	job := Job{
		ID:   "machine-linear",
		Desc: d,
		Options: kernel.Options{
			Progress: func(iter int, p kernel.Progress) {
				mu.Lock()
				iters = append(iters, iter)
				mu.Unlock()
			},
			Checkpoint: func(ck bigml.Checkpoint) {
				mu.Lock()
				checkpoints = append(checkpoints, ck)
				mu.Unlock()
			},
		},
	}
	out, err := r.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.State, bigml.Completed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	checkModel(t, bigml.Status{Result: out.Result}, want)
	mu.Lock()
	if got, want := len(iters), d.MaxIterations; got != want {
		t.Errorf("got %v progress events, want %v", got, want)
	}
	for i, iter := range iters {
		if iter != i+1 {
			t.Errorf("event %d: iteration %d", i, iter)
			break
		}
	}
	if got, want := len(checkpoints), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	} else if got, want := checkpoints[3].Key, storage.CheckpointKey(kernel.DefaultCheckpointPrefix, job.ID, 40); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	mu.Unlock()
	if got, want := r.Machines(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Machines are reused, and a cancellation signal reaches rank 0.
	d.MaxIterations = 100000
	d.CheckpointInterval = 0
	job = Job{
		ID:   "machine-cancel",
		Desc: d,
		Options: kernel.Options{
			Signal: func() kernel.Signal { return kernel.Cancel },
		},
	}
	out, err = r.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.State, bigml.Cancelled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if out.Iteration >= d.MaxIterations {
		t.Errorf("job ran to completion")
	}
	if got, want := r.Machines(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	sample, err := r.Sample(ctx)
	assert.NoError(t, err)
	if sample.Mem < 0 || sample.Mem > 100 || sample.CPU < 0 || sample.CPU > 100 {
		t.Errorf("bad sample %v", sample)
	}
}

func TestMachineRunnerFailure(t *testing.T) {
	b, shutdown := startSystem(t)
	defer shutdown()
	const url = "mem://worker-machine-failure"
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r := NewMachineRunner(b, url, nil)
	d := linearDesc()
	d.Input = "missing"
	_, err := r.Run(ctx, Job{ID: "missing-input", Desc: d})
	if err == nil {
		t.Fatal("expected error")
	}
	// The failure is the job's, not the machines'.
	if got, want := r.Machines(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCause(t *testing.T) {
	root := bigml.E(bigml.Numerical, "diverged")
	errs := []error{bigml.E(bigml.Transport, "aborted"), nil, root}
	if got := cause(errs); got != root {
		t.Errorf("got %v, want %v", got, root)
	}
	first := errors.New("first")
	if got := cause([]error{nil, first}); got != first {
		t.Errorf("got %v, want %v", got, first)
	}
}
