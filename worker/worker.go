// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements bigml's worker node. A Worker registers
// with a scheduler, accepts job assignments, and runs each job's
// kernel through a Runner, reporting progress, checkpoints, and
// outcomes back to the scheduler. It heartbeats the scheduler with
// periodic resource samples and the partitions it holds.
package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/internal/lru"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/sched"
	"github.com/grailbio/bigml/stats"
)

// Options configures a Worker.
type Options struct {
	// ID is the worker's identifier. If empty, a random one is
	// chosen.
	ID   string
	Rank int
	Host string
	// MaxJobs is the number of jobs the worker runs concurrently.
	MaxJobs int
	// HeartbeatInterval is the interval between heartbeats, and
	// SampleInterval the interval between resource samples.
	HeartbeatInterval time.Duration
	SampleInterval    time.Duration
	// CacheCapacity is the number of partitions the worker
	// remembers holding.
	CacheCapacity int
	// CheckpointPrefix is the storage prefix of job checkpoints.
	CheckpointPrefix string
	// WorkStealing makes an idle worker ask the scheduler for queued
	// jobs every StealInterval.
	WorkStealing  bool
	StealInterval time.Duration
	// Sampler measures the worker's resources. If nil, the host is
	// sampled.
	Sampler Sampler
	// Status, if not nil, receives a status group for the worker.
	Status *status.Status
}

// DefaultOptions are the default worker options.
var DefaultOptions = Options{
	MaxJobs:           2,
	HeartbeatInterval: time.Second,
	SampleInterval:    5 * time.Second,
	CacheCapacity:     64,
	CheckpointPrefix:  kernel.DefaultCheckpointPrefix,
	StealInterval:     time.Second,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Host == "" {
		o.Host, _ = os.Hostname()
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = d.MaxJobs
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = d.SampleInterval
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = d.CacheCapacity
	}
	if o.CheckpointPrefix == "" {
		o.CheckpointPrefix = d.CheckpointPrefix
	}
	if o.StealInterval <= 0 {
		o.StealInterval = d.StealInterval
	}
	if o.Sampler == nil {
		o.Sampler = new(SystemSampler)
	}
	return o
}

type task struct {
	a      bigml.Assignment
	signal int32
	cancel func()
	// gen is the registration generation under which the task was
	// assigned.
	gen    int
	status *status.Task
}

// Worker is a worker node. It implements sched.Conn: the scheduler
// delivers assignments and stop requests through Deliver.
type Worker struct {
	opts     Options
	coord    sched.Coordinator
	runner   Runner
	limiter  *limiter.Limiter
	resident *lru.Set
	stats    *stats.Map

	mu       sync.Mutex
	jobs     map[string]*task
	recovery map[string]string
	sample   Sample
	crashed  bool
	gen      int

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	group *status.Group
	line  *status.Task
}

var _ sched.Conn = (*Worker)(nil)

// New returns a worker that runs jobs with runner and reports to
// coord. The worker does not register until Start is called.
func New(coord sched.Coordinator, runner Runner, opts Options) *Worker {
	opts = opts.withDefaults()
	w := &Worker{
		opts:     opts,
		coord:    coord,
		runner:   runner,
		limiter:  limiter.New(),
		resident: lru.New(opts.CacheCapacity),
		stats:    stats.NewMap(),
		jobs:     make(map[string]*task),
		recovery: make(map[string]string),
	}
	w.limiter.Release(opts.MaxJobs)
	if opts.Status != nil {
		w.group = opts.Status.Group("worker " + opts.ID)
		w.line = w.group.Start("resources")
	}
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.opts.ID }

// Start samples the worker's resources, registers it with the
// scheduler, and starts its heartbeat, sampling and (if enabled)
// stealing loops. They run until the context is done, Close is
// called, or the worker crashes.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.resample(ctx)
	if err := w.register(ctx); err != nil {
		w.cancel()
		return err
	}
	w.wg.Add(2)
	go w.heartbeats()
	go w.sampling()
	if w.opts.WorkStealing {
		w.wg.Add(1)
		go w.steal()
	}
	return nil
}

// Close stops the worker and waits for its jobs to unwind. Jobs
// that are still running are abandoned without being reported.
func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.line != nil {
		w.line.Done()
	}
}

// Crash simulates the failure of the worker: it stops heartbeats,
// refuses further work, and abandons its jobs without reporting
// them.
func (w *Worker) Crash() {
	w.mu.Lock()
	w.crashed = true
	for _, t := range w.jobs {
		t.cancel()
	}
	w.mu.Unlock()
	log.Error.Printf("worker %s: crashed", w.opts.ID)
	if w.cancel != nil {
		w.cancel()
	}
}

// Jobs returns the IDs of the jobs the worker is running.
func (w *Worker) Jobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.jobs))
	for id := range w.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the worker's counters.
func (w *Worker) Stats() stats.Values {
	vals := make(stats.Values)
	w.stats.AddAll(vals)
	return vals
}

func (w *Worker) register(ctx context.Context) error {
	w.mu.Lock()
	info := bigml.WorkerInfo{
		ID:         w.opts.ID,
		Rank:       w.opts.Rank,
		Host:       w.opts.Host,
		Cores:      w.sample.Cores,
		FreeMemory: w.sample.FreeMemory,
		MaxJobs:    w.opts.MaxJobs,
	}
	w.mu.Unlock()
	if err := w.coord.Register(ctx, info, w); err != nil {
		return err
	}
	log.Printf("worker %s: registered (%d jobs at a time)", w.opts.ID, w.opts.MaxJobs)
	return nil
}

// Deliver implements sched.Conn.
func (w *Worker) Deliver(ctx context.Context, msg interface{}) error {
	switch m := msg.(type) {
	case bigml.Assignment:
		return w.assign(ctx, m)
	case bigml.StatusUpdate:
		return w.signal(m)
	case bigml.Recovery:
		return w.recover(m)
	default:
		return bigml.E(bigml.Protocol, fmt.Sprintf("worker %s: unexpected %T message", w.opts.ID, msg))
	}
}

// assign starts a job. Jobs whose descriptor is invalid, or whose
// kind no kernel implements, are reported failed.
func (w *Worker) assign(ctx context.Context, a bigml.Assignment) error {
	err := a.Descriptor.Validate()
	if err == nil {
		if _, ok := kernel.Lookup(a.Descriptor.Kind); !ok {
			err = bigml.E(bigml.Protocol, fmt.Sprintf("worker %s: no kernel for %s", w.opts.ID, a.Descriptor.Kind))
		}
	}
	if err != nil {
		log.Error.Printf("worker %s: rejecting job %s: %v", w.opts.ID, a.JobID, err)
		u := bigml.StatusUpdate{
			JobID:    a.JobID,
			WorkerID: w.opts.ID,
			State:    bigml.Failed,
			Err:      err.Error(),
			ErrKind:  bigml.Classify(err),
		}
		if rerr := w.coord.Report(ctx, u); rerr != nil {
			log.Error.Printf("worker %s: job %s: report rejection: %v", w.opts.ID, a.JobID, rerr)
		}
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.crashed || w.ctx == nil || w.ctx.Err() != nil {
		return bigml.E(bigml.Transport, fmt.Sprintf("worker %s is down", w.opts.ID))
	}
	if _, ok := w.jobs[a.JobID]; ok {
		return bigml.E(bigml.Protocol, fmt.Sprintf("worker %s: job %s is already running", w.opts.ID, a.JobID))
	}
	if a.Recovery == "" {
		a.Recovery = w.recovery[a.JobID]
	}
	delete(w.recovery, a.JobID)
	jctx, cancel := context.WithCancel(w.ctx)
	t := &task{a: a, cancel: cancel, gen: w.gen}
	if w.group != nil {
		t.status = w.group.Start(a.JobID)
		t.status.Printf("%s: waiting", a.Descriptor)
	}
	w.jobs[a.JobID] = t
	ids := a.Descriptor.PartitionIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		w.resident.Add(ids[i])
	}
	w.wg.Add(1)
	go w.run(jctx, t)
	return nil
}

func (w *Worker) signal(u bigml.StatusUpdate) error {
	w.mu.Lock()
	t := w.jobs[u.JobID]
	w.mu.Unlock()
	if t == nil {
		return bigml.E(bigml.Protocol, fmt.Sprintf("worker %s: job %s is not running", w.opts.ID, u.JobID))
	}
	switch u.State {
	case bigml.Cancelling:
		atomic.StoreInt32(&t.signal, int32(kernel.Cancel))
	case bigml.Paused:
		atomic.CompareAndSwapInt32(&t.signal, int32(kernel.None), int32(kernel.Pause))
	default:
		return bigml.E(bigml.Protocol, fmt.Sprintf("worker %s: job %s: unexpected %s request", w.opts.ID, u.JobID, u.State))
	}
	log.Printf("worker %s: job %s: %s requested", w.opts.ID, u.JobID, u.State)
	return nil
}

// recover records the checkpoint from which a job is to be resumed
// when it is next assigned to the worker.
func (w *Worker) recover(r bigml.Recovery) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.jobs[r.JobID]; ok {
		log.Error.Printf("worker %s: job %s: ignoring recovery from %s: job is running", w.opts.ID, r.JobID, r.Key)
		return nil
	}
	w.recovery[r.JobID] = r.Key
	return nil
}

// abandoned tells whether the outcome of t must not be reported:
// the worker crashed, closed, or registered anew since t was
// assigned.
func (w *Worker) abandoned(t *task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.crashed || w.ctx.Err() != nil || t.gen != w.gen
}

func (w *Worker) run(ctx context.Context, t *task) {
	defer w.wg.Done()
	defer w.finish(t)
	id := t.a.JobID
	if err := w.limiter.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.limiter.Release(1)
	d := t.a.Descriptor
	msg := fmt.Sprintf("running on worker %s (attempt %d)", w.opts.ID, t.a.Attempt)
	if t.a.Recovery != "" {
		msg = fmt.Sprintf("resuming from %s on worker %s (attempt %d)", t.a.Recovery, w.opts.ID, t.a.Attempt)
	}
	log.Printf("job %s: %s", id, msg)
	w.report(t, bigml.StatusUpdate{State: bigml.Running, Message: msg})
	job := Job{
		ID:   id,
		Desc: d,
		Options: kernel.Options{
			CheckpointPrefix: w.opts.CheckpointPrefix,
			Recovery:         t.a.Recovery,
			Signal: func() kernel.Signal {
				return kernel.Signal(atomic.LoadInt32(&t.signal))
			},
			Progress: func(iter int, p kernel.Progress) {
				w.progress(t, iter, p)
			},
			Checkpoint: func(ck bigml.Checkpoint) {
				w.checkpoint(t, ck)
			},
		},
	}
	start := time.Now()
	out, err := w.runner.Run(ctx, job)
	if w.abandoned(t) {
		log.Printf("job %s: abandoned by worker %s", id, w.opts.ID)
		return
	}
	// The job may be assigned again as soon as its outcome is
	// reported.
	w.remove(t)
	switch {
	case err != nil:
		log.Error.Printf("job %s: failed on worker %s: %v", id, w.opts.ID, err)
		w.stats.Int("failed").Add(1)
		w.report(t, bigml.StatusUpdate{State: bigml.Failed, Err: err.Error(), ErrKind: bigml.Classify(err)})
	case out.State == bigml.Completed:
		w.stats.Int("completed").Add(1)
		res := *out.Result
		res.WorkerID = w.opts.ID
		res.Elapsed = time.Since(start)
		if err := w.coord.Complete(w.ctx, res); err != nil {
			log.Error.Printf("job %s: reporting result: %v", id, err)
		}
	case out.State == bigml.Cancelled:
		w.stats.Int("cancelled").Add(1)
		w.report(t, bigml.StatusUpdate{State: bigml.Cancelled, Iteration: out.Iteration,
			Message: fmt.Sprintf("cancelled at iteration %d", out.Iteration)})
	case out.State == bigml.Paused:
		w.stats.Int("paused").Add(1)
		w.report(t, bigml.StatusUpdate{State: bigml.Paused, Iteration: out.Iteration,
			Message: fmt.Sprintf("paused at iteration %d (checkpoint %s)", out.Iteration, out.Checkpoint)})
	default:
		log.Panicf("job %s: unexpected outcome %s", id, out.State)
	}
}

func (w *Worker) finish(t *task) {
	t.cancel()
	if t.status != nil {
		t.status.Done()
	}
	w.remove(t)
}

func (w *Worker) remove(t *task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobs[t.a.JobID] == t {
		delete(w.jobs, t.a.JobID)
	}
}

func (w *Worker) report(t *task, u bigml.StatusUpdate) {
	if w.abandoned(t) {
		return
	}
	u.JobID, u.WorkerID = t.a.JobID, w.opts.ID
	if err := w.coord.Report(w.ctx, u); err != nil {
		log.Error.Printf("job %s: reporting %s: %v", t.a.JobID, u.State, err)
	}
}

func (w *Worker) progress(t *task, iter int, p kernel.Progress) {
	d := t.a.Descriptor
	budget := p.Budget
	if budget <= 0 {
		budget = d.MaxIterations
	}
	frac := float64(iter) / float64(budget)
	if frac > 0.99 {
		frac = 0.99
	}
	if t.status != nil {
		t.status.Printf("%s: iteration %d loss %.6g", d, iter, p.Loss)
	}
	w.report(t, bigml.StatusUpdate{State: bigml.Running, Iteration: iter, Progress: frac})
}

func (w *Worker) checkpoint(t *task, ck bigml.Checkpoint) {
	if w.abandoned(t) {
		return
	}
	n := bigml.CheckpointNotice{JobID: ck.JobID, Iteration: ck.Iteration, Key: ck.Key}
	if err := w.coord.Checkpoint(w.ctx, n); err != nil {
		log.Error.Printf("job %s: reporting checkpoint %s: %v", ck.JobID, ck.Key, err)
	}
}

func (w *Worker) heartbeat() bigml.Heartbeat {
	w.mu.Lock()
	defer w.mu.Unlock()
	hb := bigml.Heartbeat{
		WorkerID:   w.opts.ID,
		CPU:        w.sample.CPU,
		Mem:        w.sample.Mem,
		Net:        w.sample.Net,
		Cores:      w.sample.Cores,
		FreeMemory: w.sample.FreeMemory,
		Resident:   w.resident.Keys(),
		Time:       time.Now(),
	}
	for id := range w.jobs {
		hb.Jobs = append(hb.Jobs, id)
	}
	sort.Strings(hb.Jobs)
	return hb
}

func (w *Worker) heartbeats() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-w.ctx.Done():
			return
		}
		err := w.coord.Heartbeat(w.ctx, w.heartbeat())
		switch {
		case err == nil:
		case w.ctx.Err() != nil:
			return
		case bigml.Is(bigml.Protocol, err):
			// The scheduler considers this worker failed and has
			// redistributed its jobs.
			log.Error.Printf("worker %s: heartbeat rejected: %v; registering again", w.opts.ID, err)
			w.reset()
			if err := w.register(w.ctx); err != nil {
				log.Error.Printf("worker %s: register: %v", w.opts.ID, err)
			}
		default:
			log.Error.Printf("worker %s: heartbeat: %v", w.opts.ID, err)
		}
	}
}

// reset abandons the worker's jobs.
func (w *Worker) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	for _, t := range w.jobs {
		t.cancel()
	}
}

func (w *Worker) resample(ctx context.Context) {
	sample, err := w.opts.Sampler.Sample(ctx)
	if err != nil {
		log.Error.Printf("worker %s: sampling resources: %v", w.opts.ID, err)
		return
	}
	w.mu.Lock()
	w.sample = sample
	w.mu.Unlock()
	if w.line != nil {
		w.line.Print(sample)
	}
	log.Debug.Printf("worker %s: %s", w.opts.ID, sample)
}

func (w *Worker) sampling() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.resample(w.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs) == 0 && !w.crashed
}

// steal asks the scheduler for queued work while the worker is
// idle.
func (w *Worker) steal() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.StealInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-w.ctx.Done():
			return
		}
		if !w.idle() {
			continue
		}
		resp, err := w.coord.Steal(w.ctx, bigml.StealRequest{WorkerID: w.opts.ID})
		if err != nil {
			if w.ctx.Err() == nil {
				log.Error.Printf("worker %s: steal: %v", w.opts.ID, err)
			}
			continue
		}
		if !resp.OK {
			continue
		}
		log.Printf("worker %s: stole job %s", w.opts.ID, resp.Assignment.JobID)
		w.stats.Int("stolen").Add(1)
		if err := w.assign(w.ctx, resp.Assignment); err != nil {
			log.Error.Printf("worker %s: stolen job %s: %v", w.opts.ID, resp.Assignment.JobID, err)
		}
	}
}
