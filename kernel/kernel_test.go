// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
	"github.com/grailbio/testutil/assert"
	"golang.org/x/sync/errgroup"
)

// counter sums the global row count into its state at every step,
// scaled by its rate. It converges once its state reaches target.
type counter struct {
	rate   float64
	state  float64
	target float64
	// failAt makes the given iteration fail with a numerical error,
	// once unless failAlways is set.
	failAt     int
	failAlways bool
	failed     bool
	// sleep delays each step.
	sleep time.Duration
}

func (c *counter) Init(ctx context.Context, env *Env) error {
	c.rate = 1
	return nil
}

func (c *counter) Step(ctx context.Context, env *Env, iter int) (Progress, error) {
	if c.sleep > 0 {
		select {
		case <-time.After(c.sleep):
		case <-ctx.Done():
			return Progress{}, ctx.Err()
		}
	}
	n, err := env.Comm.AllReduceScalar(ctx, float64(env.Features.Rows()), comm.Sum)
	if err != nil {
		return Progress{}, err
	}
	if iter == c.failAt && (c.failAlways || !c.failed) {
		c.failed = true
		return Progress{}, bigml.E(bigml.Numerical, "counter: overflow")
	}
	c.state += c.rate * n
	return Progress{Loss: c.state, Converged: c.target > 0 && c.state >= c.target}, nil
}

func (c *counter) Snapshot() ([]byte, error) {
	w := wire.NewWriter(16)
	w.PutFloat64(c.rate)
	w.PutFloat64(c.state)
	return w.Bytes(), nil
}

func (c *counter) Restore(state []byte) error {
	r := wire.NewReader(state)
	rate, s := r.Float64(), r.Float64()
	if err := r.Done(); err != nil {
		return err
	}
	c.rate, c.state = rate, s
	return nil
}

func (c *counter) ScaleLearningRate(f float64) { c.rate *= f }

func (c *counter) Finalize(ctx context.Context, env *Env) (*bigml.Result, error) {
	return &bigml.Result{Model: wire.EncodeFloat64s([]float64{c.state}), Loss: c.state}, nil
}

func testStore(t *testing.T, rows int) *storage.Store {
	t.Helper()
	store := storage.New(storage.NewMemory())
	assert.NoError(t, store.WriteMatrix(context.Background(), "input", tensor.Ones(rows, 2)))
	return store
}

func testDesc(ranks, iters int) bigml.Descriptor {
	return bigml.Descriptor{
		Kind:          bigml.KMeans,
		Input:         "input",
		Output:        "output",
		Ranks:         ranks,
		MaxIterations: iters,
	}
}

// fit runs a counter kernel made by mk at every rank.
func fit(t *testing.T, store *storage.Store, jobID string, d bigml.Descriptor, mk func() *counter, opts Options) ([]Outcome, []error) {
	t.Helper()
	outs, errs, _ := fitGroup(t, store, jobID, d, mk, opts)
	return outs, errs
}

// fitGroup is fit, also returning the group's communicators.
func fitGroup(t *testing.T, store *storage.Store, jobID string, d bigml.Descriptor, mk func() *counter, opts Options) ([]Outcome, []error, []*comm.Comm) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var (
		group = comm.LocalGroup(jobID, d.NumRanks())
		outs  = make([]Outcome, len(group))
		errs  = make([]error, len(group))
		g     errgroup.Group
	)
	for i := range group {
		i := i
		g.Go(func() error {
			env, release, err := Load(ctx, store, jobID, d, group[i])
			if err != nil {
				errs[i] = err
				group[i].Abort(err)
				return nil
			}
			defer release()
			outs[i], errs[i] = Fit(ctx, mk(), env, opts)
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	return outs, errs, group
}

func noErrors(t *testing.T, errs []error) {
	t.Helper()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", i, err)
		}
	}
}

func TestFitBudget(t *testing.T) {
	store := testStore(t, 10)
	outs, errs := fit(t, store, "budget", testDesc(3, 5), func() *counter { return new(counter) }, Options{})
	noErrors(t, errs)
	for i, out := range outs {
		if got, want := out.State, bigml.Completed; got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
		if got, want := out.Iteration, 5; got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
		if i > 0 && out.Result != nil {
			t.Errorf("rank %d: unexpected result", i)
		}
	}
	res := outs[0].Result
	if got, want := res.Loss, 50.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Converged {
		t.Error("converged")
	}
	if got, want := len(res.History), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b, err := store.ReadModel(context.Background(), "output")
	assert.NoError(t, err)
	vs, err := wire.DecodeFloat64s(b)
	assert.NoError(t, err)
	if got, want := vs[0], 50.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// budgeted is a counter that runs for a fixed number of steps
// regardless of MaxIterations.
type budgeted struct {
	counter
	budget int
}

func (b *budgeted) Budget() int { return b.budget }

func TestFitKernelBudget(t *testing.T) {
	store := testStore(t, 4)
	d := testDesc(1, 5)
	c := comm.LocalGroup("kernel-budget", 1)[0]
	env, release, err := Load(context.Background(), store, "kernel-budget", d, c)
	assert.NoError(t, err)
	defer release()
	var budgets []int
	out, err := Fit(context.Background(), &budgeted{budget: 8}, env, Options{
		Progress: func(iter int, p Progress) { budgets = append(budgets, p.Budget) },
	})
	assert.NoError(t, err)
	if got, want := out.Iteration, 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(budgets), 8; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, b := range budgets {
		if b != 8 {
			t.Errorf("got budget %d, want 8", b)
		}
	}
}

func TestFitConverged(t *testing.T) {
	store := testStore(t, 10)
	outs, errs := fit(t, store, "converged", testDesc(2, 100), func() *counter { return &counter{target: 30} }, Options{})
	noErrors(t, errs)
	if got, want := outs[0].Iteration, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !outs[0].Result.Converged {
		t.Error("not converged")
	}
}

func TestFitCancel(t *testing.T) {
	store := testStore(t, 10)
	var last int
	opts := Options{
		Progress: func(iter int, _ Progress) { last = iter },
		Signal: func() Signal {
			if last >= 4 {
				return Cancel
			}
			return None
		},
	}
	outs, errs := fit(t, store, "cancel", testDesc(3, 1000), func() *counter { return new(counter) }, opts)
	noErrors(t, errs)
	for i, out := range outs {
		if got, want := out.State, bigml.Cancelled; got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
		if got, want := out.Iteration, 4; got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
	}
	if ok, err := store.Exists(context.Background(), "output"); err != nil || ok {
		t.Errorf("output written after cancel: %v %v", ok, err)
	}
}

func TestFitPauseResume(t *testing.T) {
	ctx := context.Background()
	store := testStore(t, 10)
	d := testDesc(2, 10)
	var (
		last        int
		checkpoints []int
	)
	opts := Options{
		Progress: func(iter int, _ Progress) { last = iter },
		Signal: func() Signal {
			if last == 6 {
				return Pause
			}
			return None
		},
		Checkpoint: func(ck bigml.Checkpoint) { checkpoints = append(checkpoints, ck.Iteration) },
	}
	outs, errs := fit(t, store, "pause", d, func() *counter { return new(counter) }, opts)
	noErrors(t, errs)
	if got, want := outs[0].State, bigml.Paused; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := fmt.Sprint(checkpoints), "[6]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	key := outs[0].Checkpoint
	ck, err := store.LoadCheckpoint(ctx, key)
	assert.NoError(t, err)
	if got, want := ck.Iteration, 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	outs, errs = fit(t, store, "pause", d, func() *counter { return new(counter) }, Options{Recovery: key})
	noErrors(t, errs)
	if got, want := outs[0].Result.Loss, 100.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(outs[0].Result.History), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFitCheckpointCadence(t *testing.T) {
	ctx := context.Background()
	store := testStore(t, 4)
	d := testDesc(2, 25)
	d.CheckpointInterval = 10
	_, errs := fit(t, store, "cadence", d, func() *counter { return new(counter) }, Options{CheckpointPrefix: "ck"})
	noErrors(t, errs)
	keys, err := store.List(ctx, "ck/cadence/")
	assert.NoError(t, err)
	if got, want := fmt.Sprint(keys), "[ck/cadence/iter-00000010 ck/cadence/iter-00000020]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// A recovery from iteration 10 uses the newer checkpoint at 20.
	outs, errs := fit(t, store, "cadence", d, func() *counter { return new(counter) },
		Options{CheckpointPrefix: "ck", Recovery: "ck/cadence/iter-00000010"})
	noErrors(t, errs)
	if got, want := len(outs[0].Result.History), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := outs[0].Result.Loss, 100.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Checkpoints of another job are rejected.
	_, errs = fit(t, store, "other", d, func() *counter { return new(counter) },
		Options{CheckpointPrefix: "ck", Recovery: "ck/cadence/iter-00000010"})
	for i, err := range errs {
		if err == nil {
			t.Errorf("rank %d: expected error", i)
		}
	}
	if !bigml.Is(bigml.Validation, errs[0]) {
		t.Errorf("got %v, want validation error", errs[0])
	}
}

func TestFitNumericalRetry(t *testing.T) {
	store := testStore(t, 10)
	d := testDesc(2, 10)
	d.CheckpointInterval = 5
	outs, errs := fit(t, store, "retry", d, func() *counter { return &counter{failAt: 7} }, Options{})
	noErrors(t, errs)
	// Iterations 1-5 run at rate 1; 6-10 are rerun at rate 1/2.
	if got, want := outs[0].Result.Loss, 75.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	h := outs[0].Result.History
	if got, want := len(h), 10; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, e := range h {
		if got, want := e.Iteration, i+1; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}

	// Without checkpoints, the retry restarts from the initial state.
	d.CheckpointInterval = 0
	outs, errs = fit(t, store, "retry0", d, func() *counter { return &counter{failAt: 3} }, Options{})
	noErrors(t, errs)
	if got, want := outs[0].Result.Loss, 50.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFitNumericalFailure(t *testing.T) {
	store := testStore(t, 10)
	d := testDesc(2, 10)
	_, errs, group := fitGroup(t, store, "fail", d, func() *counter { return &counter{failAt: 3, failAlways: true} }, Options{})
	// The rank that fails first aborts the group, so the others may
	// observe the abort instead of their own numerical error.
	for i, err := range errs {
		if err == nil {
			t.Errorf("rank %d: expected error", i)
		} else if !bigml.Is(bigml.Numerical, err) && err != group[i].Err() {
			t.Errorf("rank %d: got %v, want numerical error or abort", i, err)
		}
	}
	if err := Cause(group, errs); !bigml.Is(bigml.Numerical, err) {
		t.Errorf("got %v, want numerical error", err)
	}
}

func TestFitTimeout(t *testing.T) {
	store := testStore(t, 4)
	d := testDesc(2, 3)
	d.IterationTimeout = 10 * time.Millisecond
	_, errs := fit(t, store, "timeout", d, func() *counter { return &counter{sleep: time.Second} }, Options{})
	for i, err := range errs {
		if err == nil {
			t.Errorf("rank %d: expected error", i)
		}
	}
	var timeout bool
	for _, err := range errs {
		if bigml.Is(bigml.Timeout, err) {
			timeout = true
		}
	}
	if !timeout {
		t.Errorf("no timeout in %v", errs)
	}
}

func TestFitRequiresStore(t *testing.T) {
	store := testStore(t, 4)
	d := testDesc(1, 3)
	d.CheckpointInterval = 1
	c := comm.LocalGroup("nostore", 1)[0]
	env, release, err := Load(context.Background(), store, "nostore", d, c)
	assert.NoError(t, err)
	defer release()
	env.Store = nil
	if _, err := Fit(context.Background(), new(counter), env, Options{}); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestLoadHoldsPartition(t *testing.T) {
	store := testStore(t, 10)
	d := testDesc(2, 1)
	d.Partitioning = bigml.RoundRobin
	group := comm.LocalGroup("load", 2)
	env, release, err := Load(context.Background(), store, "load", d, group[1])
	assert.NoError(t, err)
	if got, want := fmt.Sprint(env.RowIndex), "[1 3 5 7 9]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if n, exclusive := store.Holders(env.Partition.ID); n != 1 || exclusive {
		t.Errorf("got %d holders (exclusive %v)", n, exclusive)
	}
	release()
	if n, _ := store.Holders(env.Partition.ID); n != 0 {
		t.Errorf("got %d holders after release", n)
	}
}

func TestRegistry(t *testing.T) {
	if _, err := New(bigml.Descriptor{Kind: bigml.DBSCAN}); !bigml.Is(bigml.Protocol, err) {
		t.Errorf("got %v, want protocol error", err)
	}
	Register(bigml.DBSCAN, func(bigml.Descriptor) (Kernel, error) { return new(counter), nil })
	defer func() {
		mu.Lock()
		delete(factories, bigml.DBSCAN)
		mu.Unlock()
	}()
	k, err := New(bigml.Descriptor{Kind: bigml.DBSCAN})
	assert.NoError(t, err)
	if _, ok := k.(*counter); !ok {
		t.Errorf("got %T", k)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Register(bigml.DBSCAN, nil)
}

func TestRunLocalCause(t *testing.T) {
	store := testStore(t, 10)
	d := testDesc(3, 1)
	d.Input = "missing"
	_, err := RunLocal(context.Background(), store, "cause", d, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	// No kernel is registered for k-means in this package, so the
	// cause is a protocol error at every rank.
	if !bigml.Is(bigml.Protocol, err) {
		t.Errorf("got %v, want protocol error", err)
	}
}
