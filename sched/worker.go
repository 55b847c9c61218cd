// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/internal/lru"
)

var _ Coordinator = (*Scheduler)(nil)

// Register implements Coordinator. A worker that registers again
// replaces its previous registration; a failed worker that
// registers again is readmitted.
func (s *Scheduler) Register(ctx context.Context, info bigml.WorkerInfo, conn Conn) error {
	if info.ID == "" {
		return bigml.E(bigml.Validation, "register: missing worker ID")
	}
	if conn == nil {
		return bigml.E(bigml.Validation, fmt.Sprintf("register %s: missing connection", info.ID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[info.ID]
	if w == nil {
		w = &workerState{resident: lru.New(s.opts.AffinityCapacity)}
		s.workers[info.ID] = w
		s.order = append(s.order, info.ID)
	} else if len(w.rec.Jobs) > 0 {
		// A worker that registers again has lost its jobs.
		s.fail(w, "worker re-registered")
	}
	w.rec = bigml.WorkerRecord{
		WorkerInfo:    info,
		Available:     true,
		LastHeartbeat: time.Now(),
		Completed:     w.rec.Completed,
		AvgCompletion: w.rec.AvgCompletion,
	}
	w.conn = conn
	log.Printf("worker %s registered: rank %d host %s cores %d max jobs %d", info.ID, info.Rank, info.Host, info.Cores, info.MaxJobs)
	s.cond.Broadcast()
	return nil
}

func (s *Scheduler) worker(id string) (*workerState, error) {
	w := s.workers[id]
	if w == nil {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("worker %s is not registered", id))
	}
	if w.rec.Failed {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("worker %s has failed", id))
	}
	return w, nil
}

// Heartbeat implements Coordinator.
func (s *Scheduler) Heartbeat(ctx context.Context, hb bigml.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.worker(hb.WorkerID)
	if err != nil {
		return err
	}
	w.rec.LastHeartbeat = time.Now()
	w.rec.CPU, w.rec.Mem, w.rec.Net = hb.CPU, hb.Mem, hb.Net
	if hb.Cores > 0 {
		w.rec.Cores = hb.Cores
	}
	if hb.FreeMemory > 0 {
		w.rec.FreeMemory = hb.FreeMemory
	}
	for i := len(hb.Resident) - 1; i >= 0; i-- {
		w.resident.Add(hb.Resident[i])
	}
	s.cond.Broadcast()
	return nil
}

// monitor fails workers whose heartbeats have lapsed and lifts
// expired probations, once per heartbeat interval.
func (s *Scheduler) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	timeout := s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMultiple)
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		now := time.Now()
		s.mu.Lock()
		for _, id := range s.order {
			w := s.workers[id]
			if w.rec.Failed {
				continue
			}
			if since := now.Sub(w.rec.LastHeartbeat); since > timeout {
				s.fail(w, fmt.Sprintf("no heartbeat for %s", since.Round(time.Millisecond)))
				continue
			}
			if w.rec.Probation && now.Sub(w.since) >= s.opts.Probation {
				log.Printf("removing worker %s from probation", id)
				w.rec.Probation = false
				s.cond.Broadcast()
			}
		}
		s.mu.Unlock()
	}
}

// probation excludes w from placement for the probation period.
func (s *Scheduler) probation(w *workerState) {
	if !w.rec.Probation {
		log.Error.Printf("putting worker %s on probation", w.rec.ID)
	}
	w.rec.Probation = true
	w.since = time.Now()
}

// fail marks w as failed and redistributes its jobs.
func (s *Scheduler) fail(w *workerState, reason string) {
	log.Error.Printf("worker %s failed (%s): redistributing %d jobs", w.rec.ID, reason, len(w.rec.Jobs))
	w.rec.Failed = true
	w.rec.Available = false
	s.stats.Int("workers-lost").Add(1)
	for _, id := range append([]string(nil), w.rec.Jobs...) {
		if j := s.jobs[id]; j != nil {
			s.redistribute(j, reason)
		}
	}
	w.rec.Jobs = nil
	s.cond.Broadcast()
}

// redistribute handles the loss of j's worker.
func (s *Scheduler) redistribute(j *job, reason string) {
	lost := j.worker
	s.release(j)
	j.status.WorkerIDs = nil
	j.recovery = j.status.Checkpoint
	switch {
	case j.status.State == bigml.Cancelling:
		j.status.Message = fmt.Sprintf("worker %s lost while cancelling", lost)
		s.setState(j, bigml.Cancelled)
	case j.pausing:
		j.pausing = false
		j.status.Message = fmt.Sprintf("worker %s lost while pausing", lost)
		s.setState(j, bigml.Paused)
	case j.status.State == bigml.Running:
		if j.recovery != "" {
			j.status.Message = fmt.Sprintf("worker %s lost (%s); resuming from %s", lost, reason, j.recovery)
		} else {
			j.status.Message = fmt.Sprintf("worker %s lost (%s); restarting", lost, reason)
		}
		s.requeue(j, true)
	}
	log.Printf("job %s: %s", j.status.JobID, j.status.Message)
	s.emit(j)
}

// assigned returns the job reported on by worker workerID, which
// must be the worker running it.
func (s *Scheduler) assigned(jobID, workerID string) (*job, error) {
	j := s.jobs[jobID]
	if j == nil {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("job %s does not exist", jobID))
	}
	if j.worker == "" || j.worker != workerID {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("job %s: report from worker %s, which is not running it", jobID, workerID))
	}
	return j, nil
}

// Report implements Coordinator.
func (s *Scheduler) Report(ctx context.Context, u bigml.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.assigned(u.JobID, u.WorkerID)
	if err != nil {
		log.Error.Printf("dropping status update: %v", err)
		return err
	}
	if u.Message != "" {
		j.status.Message = u.Message
	}
	switch u.State {
	case bigml.Running:
		if u.Iteration > j.status.Iteration {
			j.status.Iteration = u.Iteration
		}
		if u.Progress > j.status.Progress {
			j.status.Progress = u.Progress
		}
	case bigml.Paused:
		if j.status.State != bigml.Running {
			return bigml.CheckTransition(u.JobID, j.status.State, u.State)
		}
		j.pausing = false
		s.release(j)
		j.recovery = j.status.Checkpoint
		if u.Iteration > j.status.Iteration {
			j.status.Iteration = u.Iteration
		}
		err = s.setState(j, bigml.Paused)
	case bigml.Cancelled, bigml.Completed:
		if u.Iteration > j.status.Iteration {
			j.status.Iteration = u.Iteration
		}
		err = s.setState(j, u.State)
	case bigml.Failed:
		j.status.Err, j.status.ErrKind = u.Err, u.ErrKind
		if u.ErrKind == bigml.Transport {
			s.probation(s.workers[u.WorkerID])
		}
		err = s.setState(j, bigml.Failed)
	default:
		err = bigml.E(bigml.Protocol, fmt.Sprintf("job %s: unexpected %s report", u.JobID, u.State))
	}
	if err == nil {
		s.emit(j)
	}
	return err
}

// Complete implements Coordinator. Completion takes precedence over
// a pending cancellation.
func (s *Scheduler) Complete(ctx context.Context, r bigml.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.assigned(r.JobID, r.WorkerID)
	if err != nil {
		log.Error.Printf("dropping result: %v", err)
		return err
	}
	w := s.workers[r.WorkerID]
	elapsed := time.Since(j.status.Started)
	j.status.Result = &r
	j.status.Iteration = r.Iteration
	j.status.Progress = 1
	if err := s.setState(j, bigml.Completed); err != nil {
		j.status.Result = nil
		return err
	}
	w.rec.Completed++
	if w.rec.Completed == 1 {
		w.rec.AvgCompletion = elapsed
	} else {
		a := s.opts.EMAAlpha
		w.rec.AvgCompletion = time.Duration(a*float64(elapsed) + (1-a)*float64(w.rec.AvgCompletion))
	}
	if w.rec.Probation {
		log.Printf("worker %s returned a result; removing probation", w.rec.ID)
		w.rec.Probation = false
	}
	s.stats.Timer("completion").Observe(elapsed, len(r.Model), nil)
	s.emit(j)
	return nil
}

// Checkpoint implements Coordinator. Only checkpoints newer than the
// job's latest are recorded.
func (s *Scheduler) Checkpoint(ctx context.Context, n bigml.CheckpointNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(n.JobID)
	if err != nil {
		return bigml.E(bigml.Protocol, err)
	}
	if n.Key == "" || (j.status.Checkpoint != "" && n.Iteration <= j.status.CheckpointIteration) {
		return nil
	}
	j.status.Checkpoint, j.status.CheckpointIteration = n.Key, n.Iteration
	s.emit(j)
	return nil
}

// Steal implements Coordinator. Stealing is refused while any job is
// paused.
func (s *Scheduler) Steal(ctx context.Context, req bigml.StealRequest) (bigml.StealResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.worker(req.WorkerID)
	switch {
	case err != nil:
		return bigml.StealResponse{}, err
	case !s.opts.WorkStealing, s.paused > 0, len(s.queue) == 0, !w.eligible():
		return bigml.StealResponse{}, nil
	case s.opts.MaxConcurrent > 0 && s.running >= s.opts.MaxConcurrent:
		return bigml.StealResponse{}, nil
	}
	j := s.queue[0]
	if s.pick(j.status.Descriptor) != w && time.Since(j.enqueued) < s.opts.StealThreshold {
		return bigml.StealResponse{}, nil
	}
	a := s.place(j, w)
	s.stats.Int("stolen").Add(1)
	log.Printf("job %s: stolen by worker %s", a.JobID, w.rec.ID)
	return bigml.StealResponse{OK: true, Assignment: a}, nil
}

// NodeFailure implements Coordinator.
func (s *Scheduler) NodeFailure(ctx context.Context, f bigml.NodeFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.worker(f.WorkerID)
	if err != nil {
		return err
	}
	s.fail(w, "reported failed")
	return nil
}

// Workers returns the records of every registered worker, in order
// of registration.
func (s *Scheduler) Workers() []bigml.WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]bigml.WorkerRecord, len(s.order))
	for i, id := range s.order {
		recs[i] = s.workers[id].rec
		recs[i].Jobs = append([]string(nil), recs[i].Jobs...)
	}
	return recs
}
