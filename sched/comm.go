// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"fmt"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/wire"
)

// ControlTag is the communicator tag carrying control messages
// between the scheduler and its workers.
const ControlTag = 0

// send encodes a control message and sends it to rank dest.
func send(ctx context.Context, c *comm.Comm, msg interface{}, dest int) error {
	kind, payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, wire.Message{Kind: kind, Tag: ControlTag, Payload: payload}, dest)
}

// commConn is a Conn to the worker at a rank of the scheduler's
// communicator.
type commConn struct {
	c    *comm.Comm
	rank int
}

func (c *commConn) Deliver(ctx context.Context, msg interface{}) error {
	return send(ctx, c.c, msg, c.rank)
}

// ServeComm serves the scheduler's worker protocol on communicator
// c, whose other ranks are workers using a CommCoordinator. It
// installs handlers for register, heartbeat, job-status,
// computation-result, checkpoint, node-failure and sync-request
// messages, and starts c's message loop. Malformed messages are
// logged and dropped by the loop.
func ServeComm(ctx context.Context, s Coordinator, c *comm.Comm) error {
	handle := func(kind wire.Kind, fn func(ctx context.Context, src int, v interface{}) error) {
		c.SetHandler(kind, func(ctx context.Context, m wire.Message) error {
			v, err := wire.Decode(m.Kind, m.Payload)
			if err != nil {
				return err
			}
			return fn(ctx, m.Source, v)
		})
	}
	handle(wire.KindRegister, func(ctx context.Context, src int, v interface{}) error {
		return s.Register(ctx, v.(bigml.WorkerInfo), &commConn{c, src})
	})
	handle(wire.KindHeartbeat, func(ctx context.Context, src int, v interface{}) error {
		return s.Heartbeat(ctx, v.(bigml.Heartbeat))
	})
	handle(wire.KindJobStatus, func(ctx context.Context, src int, v interface{}) error {
		return s.Report(ctx, v.(bigml.StatusUpdate))
	})
	handle(wire.KindComputationResult, func(ctx context.Context, src int, v interface{}) error {
		return s.Complete(ctx, v.(bigml.Result))
	})
	handle(wire.KindCheckpoint, func(ctx context.Context, src int, v interface{}) error {
		return s.Checkpoint(ctx, v.(bigml.CheckpointNotice))
	})
	handle(wire.KindNodeFailure, func(ctx context.Context, src int, v interface{}) error {
		return s.NodeFailure(ctx, v.(bigml.NodeFailure))
	})
	handle(wire.KindSyncRequest, func(ctx context.Context, src int, v interface{}) error {
		resp, err := s.Steal(ctx, v.(bigml.StealRequest))
		if err != nil {
			resp = bigml.StealResponse{}
		}
		if serr := send(ctx, c, resp, src); serr != nil {
			return serr
		}
		return err
	})
	return c.StartLoop(ctx)
}

// CommCoordinator is a Coordinator that reaches a scheduler served
// by ServeComm at rank 0 of a communicator.
type CommCoordinator struct {
	c      *comm.Comm
	steals chan bigml.StealResponse
}

var _ Coordinator = (*CommCoordinator)(nil)

// NewCommCoordinator returns a coordinator that communicates through
// c, which must not be rank 0.
func NewCommCoordinator(c *comm.Comm) *CommCoordinator {
	return &CommCoordinator{c: c, steals: make(chan bigml.StealResponse, 1)}
}

// Register installs handlers that deliver the scheduler's
// job-submit, job-status and recovery messages to conn, starts the
// communicator's message loop, and registers the worker.
func (cc *CommCoordinator) Register(ctx context.Context, info bigml.WorkerInfo, conn Conn) error {
	if cc.c.IsMaster() {
		return bigml.E(bigml.Validation, "comm coordinator: rank 0 is the scheduler")
	}
	deliver := func(ctx context.Context, m wire.Message) error {
		if m.Source != 0 {
			return bigml.E(bigml.Protocol, fmt.Sprintf("control message from rank %d", m.Source))
		}
		v, err := wire.Decode(m.Kind, m.Payload)
		if err != nil {
			return err
		}
		return conn.Deliver(ctx, v)
	}
	cc.c.SetHandler(wire.KindJobSubmit, deliver)
	cc.c.SetHandler(wire.KindJobStatus, deliver)
	cc.c.SetHandler(wire.KindRecovery, deliver)
	cc.c.SetHandler(wire.KindSyncResponse, func(ctx context.Context, m wire.Message) error {
		v, err := wire.Decode(m.Kind, m.Payload)
		if err != nil {
			return err
		}
		select {
		case cc.steals <- v.(bigml.StealResponse):
			return nil
		default:
			return bigml.E(bigml.Protocol, "unsolicited steal response")
		}
	})
	if err := cc.c.StartLoop(context.Background()); err != nil {
		return err
	}
	if info.Rank == 0 {
		info.Rank = cc.c.Rank()
	}
	return send(ctx, cc.c, info, 0)
}

// Close stops the coordinator's message loop.
func (cc *CommCoordinator) Close() {
	cc.c.StopLoop()
}

// Heartbeat implements Coordinator.
func (cc *CommCoordinator) Heartbeat(ctx context.Context, hb bigml.Heartbeat) error {
	return send(ctx, cc.c, hb, 0)
}

// Report implements Coordinator.
func (cc *CommCoordinator) Report(ctx context.Context, u bigml.StatusUpdate) error {
	return send(ctx, cc.c, u, 0)
}

// Complete implements Coordinator.
func (cc *CommCoordinator) Complete(ctx context.Context, r bigml.Result) error {
	return send(ctx, cc.c, r, 0)
}

// Checkpoint implements Coordinator.
func (cc *CommCoordinator) Checkpoint(ctx context.Context, n bigml.CheckpointNotice) error {
	return send(ctx, cc.c, n, 0)
}

// NodeFailure implements Coordinator.
func (cc *CommCoordinator) NodeFailure(ctx context.Context, f bigml.NodeFailure) error {
	return send(ctx, cc.c, f, 0)
}

// Steal implements Coordinator. At most one steal may be
// outstanding.
func (cc *CommCoordinator) Steal(ctx context.Context, req bigml.StealRequest) (bigml.StealResponse, error) {
	if err := send(ctx, cc.c, req, 0); err != nil {
		return bigml.StealResponse{}, err
	}
	select {
	case resp := <-cc.steals:
		return resp, nil
	case <-ctx.Done():
		return bigml.StealResponse{}, bigml.E(bigml.Timeout, "steal: no response", ctx.Err())
	}
}
