// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigml

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// State is the state of a job. A job starts out Pending, is
// Running while a worker executes it, may be Paused and resumed,
// and ends in exactly one of Completed, Failed, or Cancelled.
// Cancelling is the transitional state between a cancel request
// and the worker's acknowledgement.
type State int

const (
	// Pending jobs are queued, awaiting placement.
	Pending State = iota
	// Running jobs are assigned to a worker.
	Running
	// Paused jobs have been checkpointed and released by their worker.
	Paused
	// Cancelling jobs have been asked to stop at their next
	// iteration boundary.
	Cancelling
	// Completed jobs ran to convergence or their iteration cap.
	Completed
	// Failed jobs stopped with an error.
	Failed
	// Cancelled jobs were stopped by request.
	Cancelled

	maxState
)

var stateNames = [...]string{
	Pending:    "pending",
	Running:    "running",
	Paused:     "paused",
	Cancelling: "cancelling",
	Completed:  "completed",
	Failed:     "failed",
	Cancelled:  "cancelled",
}

func (s State) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, E(Validation, fmt.Sprintf("unknown job state %q", s))
}

// Terminal tells whether no transition leaves state s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// transitions is the table of permitted state transitions.
var transitions = map[State][]State{
	Pending:    {Running, Cancelled, Failed},
	Running:    {Paused, Cancelling, Cancelled, Completed, Failed},
	Paused:     {Running, Cancelled, Failed},
	Cancelling: {Cancelled, Completed, Failed},
}

// CanTransition tells whether a job in state s may move to state to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a protocol error if the transition from
// -> to is not permitted.
func CheckTransition(jobID string, from, to State) error {
	if from.CanTransition(to) {
		return nil
	}
	return E(Protocol, fmt.Sprintf("job %s: illegal transition %s -> %s", jobID, from, to))
}

// HistoryEntry records the state of a training run after an
// iteration.
type HistoryEntry struct {
	Iteration int
	Loss      float64
	// Norm is ‖w‖ for gradient learners, the largest centroid shift
	// for k-means.
	Norm float64
}

// Result is the outcome of a completed job, as reported by the
// worker that ran it.
type Result struct {
	JobID    string
	WorkerID string
	Kind     JobKind
	// Iteration is the last iteration executed.
	Iteration int
	Converged bool
	// Model is the serialized final model state.
	Model []byte
	// Loss is the final training loss (inertia for k-means).
	Loss float64
	// Accuracy is a kind-specific quality metric: R² for linear
	// regression, accuracy for logistic regression, and the
	// fraction of clustered points for DBSCAN.
	Accuracy float64
	Elapsed  time.Duration
	History  []HistoryEntry
	// Metrics holds additional kind-specific measurements.
	Metrics map[string]float64
}

// Status is the scheduler's view of a job.
type Status struct {
	JobID      string
	Descriptor Descriptor
	State      State
	// Progress is in [0, 1].
	Progress  float64
	Iteration int
	WorkerIDs []string
	// Attempt counts placements; it is incremented when the job is
	// redistributed after a worker failure.
	Attempt   int
	Message   string
	Submitted time.Time
	Started   time.Time
	Ended     time.Time
	// Err is the failure cause of a Failed job, and ErrKind its
	// classification.
	Err     string
	ErrKind Kind
	Result  *Result
	// Checkpoint is the key of the latest checkpoint reported for the
	// job, taken at CheckpointIteration.
	Checkpoint          string
	CheckpointIteration int
}

// Copy returns a deep copy of the status.
func (s Status) Copy() Status {
	s.WorkerIDs = append([]string(nil), s.WorkerIDs...)
	if s.Descriptor.Params != nil {
		params := make(map[string]string, len(s.Descriptor.Params))
		for k, v := range s.Descriptor.Params {
			params[k] = v
		}
		s.Descriptor.Params = params
	}
	if s.Result != nil {
		r := *s.Result
		r.History = append([]HistoryEntry(nil), r.History...)
		r.Model = append([]byte(nil), r.Model...)
		s.Result = &r
	}
	return s
}

// WriteTo writes a human-readable rendering of the status to w.
func (s Status) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "job:\t%s\n", s.JobID)
	fmt.Fprintf(tw, "kind:\t%s\n", s.Descriptor.Kind)
	fmt.Fprintf(tw, "state:\t%s\n", s.State)
	fmt.Fprintf(tw, "progress:\t%.1f%% (iteration %d)\n", 100*s.Progress, s.Iteration)
	if len(s.WorkerIDs) > 0 {
		fmt.Fprintf(tw, "workers:\t%v\n", s.WorkerIDs)
	}
	if s.Attempt > 1 {
		fmt.Fprintf(tw, "attempt:\t%d\n", s.Attempt)
	}
	if s.Message != "" {
		fmt.Fprintf(tw, "message:\t%s\n", s.Message)
	}
	if s.Checkpoint != "" {
		fmt.Fprintf(tw, "checkpoint:\t%s (iteration %d)\n", s.Checkpoint, s.CheckpointIteration)
	}
	if s.Err != "" {
		fmt.Fprintf(tw, "error:\t%s (%s)\n", s.Err, s.ErrKind)
	}
	if r := s.Result; r != nil {
		fmt.Fprintf(tw, "loss:\t%g\n", r.Loss)
		fmt.Fprintf(tw, "accuracy:\t%g\n", r.Accuracy)
		fmt.Fprintf(tw, "converged:\t%v\n", r.Converged)
		fmt.Fprintf(tw, "elapsed:\t%s\n", r.Elapsed)
	}
	if err := tw.Flush(); err != nil {
		return 0, err
	}
	return b.WriteTo(w)
}

// Checkpoint is a persistent snapshot of a job's model state,
// sufficient to resume the job at the iteration after Iteration.
type Checkpoint struct {
	JobID     string
	Iteration int
	State     []byte
	Timestamp time.Time
	// Key is the storage key at which the checkpoint is stored.
	Key string
}
