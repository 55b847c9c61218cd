// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/wire"
)

// DefaultCheckpointPrefix is the storage prefix under which
// checkpoints are written when Options.CheckpointPrefix is empty.
const DefaultCheckpointPrefix = "checkpoints"

// Signal is an external request observed by the driver at
// iteration boundaries.
type Signal int

const (
	// None requests nothing.
	None Signal = iota
	// Cancel requests that the job stop without output.
	Cancel
	// Pause requests that the job checkpoint and stop.
	Pause
)

// control is the per-iteration decision broadcast by rank 0.
type control uint8

const (
	ctlContinue control = iota
	ctlDone
	ctlCancel
	ctlPause
	ctlFail
)

// Options configures a run of Fit.
type Options struct {
	// CheckpointPrefix is the storage prefix of the job's
	// checkpoints.
	CheckpointPrefix string
	// Recovery is the key of a checkpoint from which the job is
	// resumed. If a newer checkpoint of the job exists under
	// CheckpointPrefix, the newer one is used.
	Recovery string
	// Signal is consulted by rank 0 after each iteration.
	Signal func() Signal
	// Progress is called by rank 0 after each iteration.
	Progress func(iter int, p Progress)
	// Checkpoint is called by rank 0 after each persisted
	// checkpoint.
	Checkpoint func(ck bigml.Checkpoint)
}

func (o Options) prefix() string {
	if o.CheckpointPrefix == "" {
		return DefaultCheckpointPrefix
	}
	return o.CheckpointPrefix
}

// Outcome is the outcome of Fit at one rank.
type Outcome struct {
	// State is Completed, Cancelled, or Paused.
	State bigml.State
	// Iteration is the last iteration executed.
	Iteration int
	// Result is the job's result. It is set only at rank 0 of a
	// completed job.
	Result *bigml.Result
	// Checkpoint is the key of the checkpoint written when the job
	// was paused.
	Checkpoint string
}

type snapshot struct {
	iter  int
	state []byte
}

// Fit runs kernel k at the rank described by env. Every rank of
// env.Comm must call Fit concurrently with the same descriptor.
//
// Each iteration begins with a barrier. After the kernel's step,
// rank 0 decides whether to continue, stop (on convergence or when
// the iteration budget is exhausted), cancel, or pause, and
// broadcasts its decision. Every CheckpointInterval iterations, rank
// 0 persists the kernel's state. An iteration that fails with a
// numerical error is retried once from the last checkpointed state,
// at half the learning rate. On completion, rank 0 writes the final
// model to the descriptor's output key.
//
// If Fit fails, the communicator is aborted so that no rank remains
// blocked in a collective.
func Fit(ctx context.Context, k Kernel, env *Env, opts Options) (out Outcome, err error) {
	c := env.Comm
	d := env.Desc
	defer func() {
		if err != nil {
			c.Abort(err)
		}
	}()
	if env.Store == nil && (d.CheckpointInterval > 0 || opts.Recovery != "") {
		return out, bigml.E(bigml.Validation, "kernel: checkpoints require a store")
	}
	start := time.Now()
	total, err := c.AllReduceScalar(ctx, float64(env.Features.Rows()), comm.Sum)
	if err != nil {
		return out, err
	}
	env.TotalRows = int(total)
	if err = k.Init(ctx, env); err != nil {
		return out, err
	}
	iter := 0
	if opts.Recovery != "" {
		if iter, err = resume(ctx, k, env, opts); err != nil {
			return out, err
		}
	}
	budget := d.MaxIterations
	if b, ok := k.(Budgeted); ok {
		budget = b.Budget()
	}
	state, err := k.Snapshot()
	if err != nil {
		return out, err
	}
	var (
		good    = snapshot{iter, state}
		retried bool
		history []bigml.HistoryEntry
		last    Progress
	)
	for iter < budget {
		iter++
		if err = c.Barrier(ctx); err != nil {
			return out, err
		}
		var p Progress
		p, err = step(ctx, k, env, iter)
		if err != nil {
			if retried || c.Err() != nil || !(bigml.Is(bigml.Numerical, err) || bigml.Is(bigml.ShapeMismatch, err)) {
				return out, err
			}
			retried = true
			log.Error.Printf("job %s rank %d: iteration %d: %v; retrying from iteration %d", env.JobID, c.Rank(), iter, err, good.iter)
			if err = k.Restore(good.state); err != nil {
				return out, err
			}
			if rs, ok := k.(RateScaler); ok {
				rs.ScaleLearningRate(0.5)
			}
			iter = good.iter
			for len(history) > 0 && history[len(history)-1].Iteration > iter {
				history = history[:len(history)-1]
			}
			continue
		}
		p.Budget = budget
		last = p
		if c.IsMaster() {
			history = append(history, bigml.HistoryEntry{Iteration: iter, Loss: p.Loss, Norm: p.Norm})
			if opts.Progress != nil {
				opts.Progress(iter, p)
			}
		}
		log.Debug.Printf("job %s rank %d: iteration %d: loss %g norm %g", env.JobID, c.Rank(), iter, p.Loss, p.Norm)

		var saveErr error
		if d.CheckpointInterval > 0 && iter%d.CheckpointInterval == 0 {
			if state, err = k.Snapshot(); err != nil {
				return out, err
			}
			good = snapshot{iter, state}
			if c.IsMaster() {
				_, saveErr = save(ctx, env, opts, iter, state)
			}
		}
		ctl := ctlContinue
		if c.IsMaster() {
			signal := None
			if opts.Signal != nil {
				signal = opts.Signal()
			}
			switch {
			case saveErr != nil:
				ctl = ctlFail
			case p.Converged || iter >= budget:
				ctl = ctlDone
			case signal == Cancel:
				ctl = ctlCancel
			case signal == Pause:
				ctl = ctlPause
			}
		}
		var b []byte
		if b, err = c.Broadcast(ctx, []byte{byte(ctl)}, 0); err != nil {
			return out, err
		}
		if len(b) != 1 {
			return out, bigml.E(bigml.Protocol, fmt.Sprintf("kernel: control message of %d bytes", len(b)))
		}
		switch control(b[0]) {
		case ctlContinue:
			continue
		case ctlDone:
		case ctlFail:
			if saveErr != nil {
				return out, saveErr
			}
			return out, bigml.E(bigml.Storage, fmt.Sprintf("kernel: job %s: checkpoint at iteration %d failed at rank 0", env.JobID, iter))
		case ctlCancel:
			log.Printf("job %s rank %d: cancelled at iteration %d", env.JobID, c.Rank(), iter)
			return Outcome{State: bigml.Cancelled, Iteration: iter}, nil
		case ctlPause:
			out = Outcome{State: bigml.Paused, Iteration: iter}
			if c.IsMaster() {
				if state, err = k.Snapshot(); err != nil {
					return out, err
				}
				if out.Checkpoint, err = save(ctx, env, opts, iter, state); err != nil {
					return out, err
				}
			}
			log.Printf("job %s rank %d: paused at iteration %d", env.JobID, c.Rank(), iter)
			return out, nil
		default:
			return out, bigml.E(bigml.Protocol, fmt.Sprintf("kernel: unknown control %d", b[0]))
		}
		break
	}

	res, err := k.Finalize(ctx, env)
	if err != nil {
		return out, err
	}
	out = Outcome{State: bigml.Completed, Iteration: iter}
	if !c.IsMaster() {
		return out, nil
	}
	res.JobID = env.JobID
	res.Kind = d.Kind
	res.Iteration = iter
	res.Converged = last.Converged
	res.History = history
	res.Elapsed = time.Since(start)
	if env.Store != nil && d.Output != "" {
		if err = env.Store.WriteModel(ctx, d.Output, res.Model); err != nil {
			return out, err
		}
	}
	out.Result = res
	log.Printf("job %s: %s completed after %d iterations (converged %v) in %s",
		env.JobID, d.Kind, iter, res.Converged, res.Elapsed)
	return out, nil
}

func step(ctx context.Context, k Kernel, env *Env, iter int) (Progress, error) {
	timeout := env.Desc.IterationTimeout
	if timeout <= 0 {
		return k.Step(ctx, env, iter)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p, err := k.Step(ctx, env, iter)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = bigml.E(bigml.Timeout, fmt.Sprintf("kernel: iteration %d exceeded %s", iter, timeout), err)
	}
	return p, err
}

// save persists a checkpoint of the job at iteration iter and
// returns its key.
func save(ctx context.Context, env *Env, opts Options, iter int, state []byte) (string, error) {
	ck := bigml.Checkpoint{
		JobID:     env.JobID,
		Iteration: iter,
		State:     state,
		Timestamp: time.Now(),
		Key:       storage.CheckpointKey(opts.prefix(), env.JobID, iter),
	}
	if err := env.Store.SaveCheckpoint(ctx, ck.Key, ck); err != nil {
		log.Error.Printf("job %s: checkpoint at iteration %d: %v", env.JobID, iter, err)
		return "", err
	}
	if opts.Checkpoint != nil {
		opts.Checkpoint(ck)
	}
	return ck.Key, nil
}

// resume restores the kernel from the recovery checkpoint. Rank 0
// loads the checkpoint, preferring a newer one if it exists, and
// broadcasts it to the other ranks.
func resume(ctx context.Context, k Kernel, env *Env, opts Options) (int, error) {
	c := env.Comm
	var msg []byte
	if c.IsMaster() {
		ck, err := loadRecovery(ctx, env, opts)
		w := wire.NewWriter(32 + len(ck.State))
		w.PutBool(err == nil)
		if err == nil {
			w.PutInt64(int64(ck.Iteration))
			w.PutBytes(ck.State)
		} else {
			w.PutInt32(int32(bigml.Classify(err)))
			w.PutString(err.Error())
		}
		msg = w.Bytes()
	}
	msg, err := c.Broadcast(ctx, msg, 0)
	if err != nil {
		return 0, err
	}
	r := wire.NewReader(msg)
	if !r.Bool() {
		kind := bigml.Kind(r.Int32())
		text := r.Str()
		if err := r.Err(); err != nil {
			return 0, err
		}
		return 0, bigml.E(kind, text)
	}
	iter := int(r.Int64())
	state := r.Bytes()
	if err := r.Done(); err != nil {
		return 0, err
	}
	if err := k.Restore(state); err != nil {
		return 0, err
	}
	log.Printf("job %s rank %d: resumed from iteration %d", env.JobID, c.Rank(), iter)
	return iter, nil
}

func loadRecovery(ctx context.Context, env *Env, opts Options) (bigml.Checkpoint, error) {
	ck, err := env.Store.LoadCheckpoint(ctx, opts.Recovery)
	if err != nil {
		return ck, err
	}
	if ck.JobID != env.JobID {
		return ck, bigml.E(bigml.Validation, fmt.Sprintf("kernel: checkpoint %s belongs to job %s, not %s", opts.Recovery, ck.JobID, env.JobID))
	}
	key, iter, err := env.Store.LatestCheckpoint(ctx, opts.prefix(), env.JobID)
	if err != nil || iter <= ck.Iteration {
		return ck, nil
	}
	newer, err := env.Store.LoadCheckpoint(ctx, key)
	if err != nil {
		log.Error.Printf("job %s: newer checkpoint %s: %v; using %s", env.JobID, key, err, opts.Recovery)
		return ck, nil
	}
	log.Printf("job %s: checkpoint %s (iteration %d) supersedes %s", env.JobID, key, iter, opts.Recovery)
	return newer, nil
}
