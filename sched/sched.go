// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sched implements the job scheduler: a FIFO queue of jobs,
// a registry of workers, and a placement loop that assigns the job
// at the head of the queue to a worker chosen by a Policy.
//
// Workers talk to the scheduler through the Coordinator interface,
// which *Scheduler implements directly for in-process workers. The
// scheduler talks to workers through their Conn. ServeComm and
// CommCoordinator carry both directions over a communicator, and
// Service exposes the administrative API over bigmachine's RPC.
//
// Workers that miss heartbeats for HeartbeatInterval ×
// HeartbeatMultiple are considered failed. Their jobs are
// redistributed: they are requeued at the head of the queue and, if
// they have reported a checkpoint, resumed from it on their next
// placement. Redistributed jobs remain Running.
package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/ctxsync"
	"github.com/grailbio/bigml/internal/lru"
	"github.com/grailbio/bigml/stats"
)

// A Conn delivers control messages to a worker. Messages are
// bigml.Assignment (run a job), bigml.StatusUpdate with state
// Cancelling or Paused (stop a job), and bigml.Recovery.
type Conn interface {
	Deliver(ctx context.Context, msg interface{}) error
}

// Coordinator is the scheduler as seen by workers.
type Coordinator interface {
	// Register announces a worker, reachable through conn.
	Register(ctx context.Context, info bigml.WorkerInfo, conn Conn) error
	Heartbeat(ctx context.Context, hb bigml.Heartbeat) error
	// Report reports the progress or the end of a job.
	Report(ctx context.Context, u bigml.StatusUpdate) error
	// Complete reports the result of a completed job.
	Complete(ctx context.Context, r bigml.Result) error
	Checkpoint(ctx context.Context, n bigml.CheckpointNotice) error
	// Steal asks for queued work on behalf of an idle worker.
	Steal(ctx context.Context, req bigml.StealRequest) (bigml.StealResponse, error)
	// NodeFailure reports that a worker has failed.
	NodeFailure(ctx context.Context, f bigml.NodeFailure) error
}

// Options configures a Scheduler.
type Options struct {
	Policy Policy
	// MaxConcurrent is the number of jobs that may be placed at a
	// time; zero means no limit.
	MaxConcurrent int
	// HeartbeatInterval is the interval at which workers are
	// expected to send heartbeats, and at which the scheduler checks
	// them. A worker is failed after HeartbeatMultiple intervals
	// without one.
	HeartbeatInterval time.Duration
	HeartbeatMultiple int
	// WorkStealing permits idle workers to steal queued jobs. A
	// steal is granted if the policy would place the job on the
	// stealing worker anyway, or if the job has been queued for at
	// least StealThreshold.
	WorkStealing   bool
	StealThreshold time.Duration
	// Probation is the time for which a worker that failed to
	// accept work, or reported a transport failure, is excluded
	// from placement.
	Probation time.Duration
	Weights   Weights
	// EMAAlpha is the smoothing factor of the per-worker moving
	// average of completion times used by the adaptive policy.
	EMAAlpha float64
	// AffinityCapacity is the number of partitions remembered per
	// worker for the affinity policy.
	AffinityCapacity int
	// Status, if not nil, receives a status group with a task per
	// job.
	Status *status.Status
}

// DefaultOptions are the default scheduler options.
var DefaultOptions = Options{
	Policy:            RoundRobin,
	MaxConcurrent:     16,
	HeartbeatInterval: time.Second,
	HeartbeatMultiple: 3,
	StealThreshold:    5 * time.Second,
	Probation:         30 * time.Second,
	Weights:           DefaultWeights,
	EMAAlpha:          0.3,
	AffinityCapacity:  64,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatMultiple <= 0 {
		o.HeartbeatMultiple = d.HeartbeatMultiple
	}
	if o.StealThreshold <= 0 {
		o.StealThreshold = d.StealThreshold
	}
	if o.Probation <= 0 {
		o.Probation = d.Probation
	}
	if o.Weights == (Weights{}) {
		o.Weights = d.Weights
	}
	if o.EMAAlpha <= 0 || o.EMAAlpha > 1 {
		o.EMAAlpha = d.EMAAlpha
	}
	if o.AffinityCapacity <= 0 {
		o.AffinityCapacity = d.AffinityCapacity
	}
	return o
}

// A Listener is called with a copy of a job's status after each
// change. Listeners are called in order from a single goroutine.
type Listener func(bigml.Status)

type job struct {
	status bigml.Status
	// worker is the ID of the worker running the job, or empty if
	// the job is not placed.
	worker string
	queued bool
	// enqueued is when the job last entered the queue.
	enqueued time.Time
	// recovery is the checkpoint from which the job resumes on its
	// next placement.
	recovery string
	pausing  bool
	task     *status.Task
}

type workerState struct {
	rec      bigml.WorkerRecord
	conn     Conn
	resident *lru.Set
	// since is when the worker was put on probation.
	since time.Time
}

type listener struct {
	id int
	fn Listener
}

// Scheduler is the job scheduler. Its methods are safe for
// concurrent use. Jobs are placed only while Run is active.
type Scheduler struct {
	opts Options

	mu      sync.Mutex
	cond    *ctxsync.Cond
	jobs    map[string]*job
	queue   []*job
	workers map[string]*workerState
	// order lists worker IDs in registration order.
	order   []string
	next    int
	running int
	paused  int
	events  []bigml.Status

	listenMu     sync.Mutex
	listeners    []listener
	nextListener int

	eventc chan struct{}
	stopc  chan struct{}
	once   sync.Once

	stats *stats.Map
	group *status.Group
}

// New returns a new scheduler with the provided options. Zero
// fields take their values from DefaultOptions, except for
// MaxConcurrent, WorkStealing and Policy.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		opts:    opts.withDefaults(),
		jobs:    make(map[string]*job),
		workers: make(map[string]*workerState),
		eventc:  make(chan struct{}, 1),
		stopc:   make(chan struct{}),
		stats:   stats.NewMap(),
	}
	s.cond = ctxsync.NewCond(&s.mu)
	if s.opts.Status != nil {
		s.group = s.opts.Status.Group("bigml jobs")
	}
	go s.dispatch()
	return s
}

// Options returns the scheduler's options.
func (s *Scheduler) Options() Options { return s.opts }

// Close stops the delivery of events to listeners.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.stopc) })
}

// Run places jobs and monitors worker health until the context is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.monitor(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for {
			j, w := s.nextPlacement()
			if j == nil {
				break
			}
			a := s.place(j, w)
			s.mu.Unlock()
			err := w.conn.Deliver(ctx, a)
			s.mu.Lock()
			if err != nil {
				s.deliveryFailed(j, w, err)
			}
		}
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
}

// nextPlacement returns the job at the head of the queue and the
// worker on which to place it, or nil if the queue is empty, the
// scheduler is at capacity, or no worker can take the job.
func (s *Scheduler) nextPlacement() (*job, *workerState) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	if s.opts.MaxConcurrent > 0 && s.running >= s.opts.MaxConcurrent {
		return nil, nil
	}
	j := s.queue[0]
	w := s.pick(j.status.Descriptor)
	if w == nil {
		return nil, nil
	}
	return j, w
}

// place assigns the job at the head of the queue to w and returns
// the assignment to deliver.
func (s *Scheduler) place(j *job, w *workerState) bigml.Assignment {
	s.dequeue(j)
	s.commit(w)
	j.worker = w.rec.ID
	j.status.WorkerIDs = []string{w.rec.ID}
	j.status.Attempt++
	if j.status.Started.IsZero() {
		j.status.Started = time.Now()
	}
	if j.status.State != bigml.Running {
		s.setState(j, bigml.Running)
	}
	w.rec.Jobs = append(w.rec.Jobs, j.status.JobID)
	for _, id := range j.status.Descriptor.PartitionIDs() {
		w.resident.Add(id)
	}
	s.running++
	s.stats.Int("placed").Add(1)
	if j.status.Attempt > 1 {
		s.stats.Int("redistributed").Add(1)
	}
	a := bigml.Assignment{
		JobID:      j.status.JobID,
		Descriptor: j.status.Descriptor,
		Recovery:   j.recovery,
		Attempt:    j.status.Attempt,
	}
	j.recovery = ""
	log.Printf("job %s: placed on worker %s (attempt %d, policy %s)", a.JobID, w.rec.ID, a.Attempt, s.opts.Policy)
	s.emit(j)
	return a
}

// deliveryFailed handles a failure to deliver an assignment: the
// worker is put on probation and the job returns to the head of
// the queue.
func (s *Scheduler) deliveryFailed(j *job, w *workerState, err error) {
	log.Error.Printf("job %s: delivering assignment to worker %s: %v", j.status.JobID, w.rec.ID, err)
	s.probation(w)
	if j.worker != w.rec.ID {
		return
	}
	s.release(j)
	// The job never ran, so it does not count as an attempt.
	j.status.Attempt--
	if j.status.State == bigml.Running {
		s.requeue(j, true)
	}
}

// Submit validates and enqueues a job, returning its ID. A
// descriptor that fails validation is never enqueued.
func (s *Scheduler) Submit(ctx context.Context, d bigml.Descriptor) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	j := &job{status: bigml.Status{
		JobID:      id,
		Descriptor: d,
		State:      bigml.Pending,
		Submitted:  time.Now(),
	}}
	if s.group != nil {
		j.task = s.group.Start(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = j
	s.requeue(j, false)
	s.stats.Int("submitted").Add(1)
	log.Printf("job %s: submitted %s", id, d)
	s.emit(j)
	return id, nil
}

// requeue adds j to the queue, at its head if front is set.
func (s *Scheduler) requeue(j *job, front bool) {
	if j.queued {
		return
	}
	j.queued = true
	j.enqueued = time.Now()
	if front {
		s.queue = append([]*job{j}, s.queue...)
	} else {
		s.queue = append(s.queue, j)
	}
	s.cond.Broadcast()
}

func (s *Scheduler) dequeue(j *job) {
	if !j.queued {
		return
	}
	j.queued = false
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// release detaches j from the worker running it.
func (s *Scheduler) release(j *job) {
	if j.worker == "" {
		return
	}
	if w := s.workers[j.worker]; w != nil {
		for i, id := range w.rec.Jobs {
			if id == j.status.JobID {
				w.rec.Jobs = append(w.rec.Jobs[:i], w.rec.Jobs[i+1:]...)
				break
			}
		}
	}
	j.worker = ""
	s.running--
	s.cond.Broadcast()
}

// setState transitions j to state to. Illegal transitions are
// logged and dropped.
func (s *Scheduler) setState(j *job, to bigml.State) error {
	from := j.status.State
	if err := bigml.CheckTransition(j.status.JobID, from, to); err != nil {
		log.Error.Printf("%v; dropping", err)
		return err
	}
	j.status.State = to
	if from == bigml.Paused {
		s.paused--
	}
	if to == bigml.Paused {
		s.paused++
	}
	if to.Terminal() {
		j.status.Ended = time.Now()
		j.pausing = false
		s.dequeue(j)
		s.release(j)
		s.stats.Int(to.String()).Add(1)
		if j.task != nil {
			j.task.Done()
		}
	}
	log.Printf("job %s: %s -> %s", j.status.JobID, from, to)
	return nil
}

// emit records a change to j for listeners and waiters.
func (s *Scheduler) emit(j *job) {
	s.events = append(s.events, j.status.Copy())
	s.cond.Broadcast()
	select {
	case s.eventc <- struct{}{}:
	default:
	}
	if j.task != nil {
		j.task.Printf("%s %s: %.0f%% iteration %d", j.status.Descriptor.Kind, j.status.State,
			100*j.status.Progress, j.status.Iteration)
	}
}

func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.eventc:
		case <-s.stopc:
			return
		}
		s.mu.Lock()
		events := s.events
		s.events = nil
		s.mu.Unlock()
		s.listenMu.Lock()
		ls := append([]listener(nil), s.listeners...)
		s.listenMu.Unlock()
		for _, e := range events {
			for _, l := range ls {
				l.fn(e)
			}
		}
	}
}

// Listen registers a listener for job status changes. The returned
// function unregisters it.
func (s *Scheduler) Listen(fn Listener) (cancel func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, listener{id, fn})
	return func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Scheduler) lookup(jobID string) (*job, error) {
	j := s.jobs[jobID]
	if j == nil {
		return nil, bigml.E(bigml.NotFound, fmt.Sprintf("job %s does not exist", jobID))
	}
	return j, nil
}

// Status returns the status of a job.
func (s *Scheduler) Status(jobID string) (bigml.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(jobID)
	if err != nil {
		return bigml.Status{}, err
	}
	return j.status.Copy(), nil
}

// Jobs returns the status of every job, in order of submission.
func (s *Scheduler) Jobs() []bigml.Status {
	s.mu.Lock()
	statuses := make([]bigml.Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, j.status.Copy())
	}
	s.mu.Unlock()
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Submitted.Before(statuses[j].Submitted)
	})
	return statuses
}

// Wait waits for a job to reach a terminal state and returns its
// status.
func (s *Scheduler) Wait(ctx context.Context, jobID string) (bigml.Status, error) {
	return s.WaitFor(ctx, jobID, func(st bigml.Status) bool { return st.State.Terminal() })
}

// WaitFor waits until the status of a job satisfies cond, and
// returns it.
func (s *Scheduler) WaitFor(ctx context.Context, jobID string, cond func(bigml.Status) bool) (bigml.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		j         *job
		lookupErr error
	)
	err := s.cond.Until(ctx, func() bool {
		j, lookupErr = s.lookup(jobID)
		return lookupErr != nil || cond(j.status)
	})
	switch {
	case lookupErr != nil:
		return bigml.Status{}, lookupErr
	case err != nil:
		return j.status.Copy(), bigml.E(bigml.Timeout, fmt.Sprintf("job %s: wait in state %s", jobID, j.status.State), err)
	}
	return j.status.Copy(), nil
}

// Cancel cancels a job. Jobs that are not running are cancelled
// immediately; running jobs move to Cancelling and are cancelled
// when their worker stops them at an iteration boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, err := s.lookup(jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var (
		conn Conn
		msg  bigml.StatusUpdate
	)
	switch st := j.status.State; {
	case st == bigml.Cancelling:
	case st == bigml.Pending, st == bigml.Paused, st == bigml.Running && j.worker == "":
		j.status.Message = "cancelled before placement"
		s.setState(j, bigml.Cancelled)
		s.emit(j)
	case st == bigml.Running:
		s.setState(j, bigml.Cancelling)
		s.emit(j)
		conn = s.workers[j.worker].conn
		msg = bigml.StatusUpdate{JobID: jobID, WorkerID: j.worker, State: bigml.Cancelling}
	default:
		err = bigml.E(bigml.Protocol, fmt.Sprintf("job %s: cannot cancel %s job", jobID, st))
	}
	s.mu.Unlock()
	if conn != nil {
		if derr := conn.Deliver(ctx, msg); derr != nil {
			log.Error.Printf("job %s: delivering cancellation to worker %s: %v", jobID, msg.WorkerID, derr)
		}
	}
	return err
}

// Pause pauses a running job: its worker checkpoints it, releases
// its partitions, and reports it Paused. Paused jobs are resumed by
// Resume.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, err := s.lookup(jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var conn Conn
	switch st := j.status.State; {
	case st == bigml.Paused:
	case st == bigml.Running && j.worker == "":
		s.dequeue(j)
		j.recovery = j.status.Checkpoint
		s.setState(j, bigml.Paused)
		s.emit(j)
	case st == bigml.Running:
		j.pausing = true
		conn = s.workers[j.worker].conn
	default:
		err = bigml.E(bigml.Protocol, fmt.Sprintf("job %s: cannot pause %s job", jobID, st))
	}
	worker := j.worker
	s.mu.Unlock()
	if conn != nil {
		msg := bigml.StatusUpdate{JobID: jobID, WorkerID: worker, State: bigml.Paused}
		if derr := conn.Deliver(ctx, msg); derr != nil {
			log.Error.Printf("job %s: delivering pause to worker %s: %v", jobID, worker, derr)
		}
	}
	return err
}

// Resume requeues a paused job, to be resumed from its latest
// checkpoint.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	if j.status.State != bigml.Paused {
		return bigml.E(bigml.Protocol, fmt.Sprintf("job %s: cannot resume %s job", jobID, j.status.State))
	}
	if j.recovery == "" {
		j.recovery = j.status.Checkpoint
	}
	s.requeue(j, true)
	return nil
}
