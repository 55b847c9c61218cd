// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigml

import "time"

// Assignment is the payload of a job-submit message sent from the
// scheduler to a worker.
type Assignment struct {
	JobID      string
	Descriptor Descriptor
	// Recovery, if not empty, is the key of the checkpoint from
	// which the job is resumed.
	Recovery string
	Attempt  int
}

// StatusUpdate is the payload of a job-status message. Workers send
// it to report progress and outcomes; the scheduler sends it to
// request cancellation (State == Cancelling) or a pause
// (State == Paused).
type StatusUpdate struct {
	JobID     string
	WorkerID  string
	State     State
	Progress  float64
	Iteration int
	Message   string
	Err       string
	ErrKind   Kind
}

// Heartbeat is the payload of a heartbeat message.
type Heartbeat struct {
	WorkerID string
	// CPU, Mem, and Net are utilisation percentages in [0, 100].
	CPU, Mem, Net float64
	Jobs          []string
	// Resident lists the partition identifiers held in the worker's
	// cache (see PartitionID).
	Resident   []string
	Cores      int
	FreeMemory uint64
	Time       time.Time
}

// CheckpointNotice is the payload of a checkpoint message: rank 0
// of a job reports each persisted checkpoint.
type CheckpointNotice struct {
	JobID     string
	Iteration int
	Key       string
}

// Recovery is the payload of a recovery message: the receiving
// worker resumes JobID from the checkpoint at Key.
type Recovery struct {
	JobID string
	Key   string
}

// NodeFailure is the payload of a node-failure message.
type NodeFailure struct {
	WorkerID string
}

// StealRequest is the payload of a sync-request message: an idle
// worker asks the scheduler for queued work.
type StealRequest struct {
	WorkerID string
}

// StealResponse is the payload of a sync-response message. OK is
// false if the steal was refused.
type StealResponse struct {
	OK         bool
	Assignment Assignment
}

// WorkerInfo identifies a worker at registration.
type WorkerInfo struct {
	ID         string
	Rank       int
	Host       string
	Cores      int
	FreeMemory uint64
	// MaxJobs is the number of jobs the worker runs concurrently.
	MaxJobs int
}

// WorkerRecord is the scheduler's view of a worker.
type WorkerRecord struct {
	WorkerInfo
	Available     bool
	Failed        bool
	Probation     bool
	Jobs          []string
	CPU, Mem, Net float64
	LastHeartbeat time.Time
	// Completed counts the jobs the worker finished, and
	// AvgCompletion is the exponential moving average of their
	// durations.
	Completed     int
	AvgCompletion time.Duration
}

// Load returns the number of jobs assigned to the worker relative
// to its capacity.
func (w WorkerRecord) Load() float64 {
	if w.MaxJobs <= 0 {
		return float64(len(w.Jobs))
	}
	return float64(len(w.Jobs)) / float64(w.MaxJobs)
}
