// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/wire"
)

func init() {
	gob.Register(&Service{})
}

// ServiceName is the name under which Service must be registered
// with bigmachine.
const ServiceName = "Comm"

type memberKey struct {
	group string
	rank  int
}

// members holds the communicators hosted by this process, keyed by
// group and rank. Members are created on first use, so that frames
// arriving before a member joins are buffered.
var members = struct {
	sync.Mutex
	m map[memberKey]*Comm
}{m: make(map[memberKey]*Comm)}

func member(group string, rank int) *Comm {
	members.Lock()
	defer members.Unlock()
	k := memberKey{group, rank}
	c := members.m[k]
	if c == nil {
		c = newComm(group)
		c.rank = rank
		members.m[k] = c
	}
	return c
}

// Join binds the process-hosted member of group at rank to the
// provided transport and returns it. Frames delivered to the member
// before it joined are retained.
func Join(group string, rank, size int, t Transport) *Comm {
	c := member(group, rank)
	c.mu.Lock()
	c.size, c.transport = size, t
	c.mu.Unlock()
	return c
}

// Leave closes the process-hosted member of group at rank and
// forgets it.
func Leave(group string, rank int) error {
	members.Lock()
	k := memberKey{group, rank}
	c := members.m[k]
	delete(members.m, k)
	members.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Service is the bigmachine service that receives frames addressed
// to the communicators hosted by a machine.
type Service struct {
	// Exported satisfies gob, which requires an exported field.
	Exported struct{}
}

// Init implements bigmachine's service initialization.
func (*Service) Init(b *bigmachine.B) error {
	return nil
}

// DeliverRequest carries serialized frames to a machine.
type DeliverRequest struct {
	Group  string
	Frames [][]byte
}

// Deliver hands each frame of the request to its destination member.
func (*Service) Deliver(ctx context.Context, req DeliverRequest, _ *struct{}) error {
	for _, b := range req.Frames {
		m, err := wire.Unmarshal(b)
		if err != nil {
			log.Error.Printf("comm %s: dropping frame: %v", req.Group, err)
			return err
		}
		member(req.Group, m.Dest).deliver(m)
	}
	return nil
}

// Abort aborts the named member hosted by the machine.
func (*Service) Abort(ctx context.Context, req AbortRequest, _ *struct{}) error {
	members.Lock()
	c := members.m[memberKey{req.Group, req.Rank}]
	members.Unlock()
	if c != nil {
		c.abort(bigml.E(bigml.Transport, req.Message))
	}
	return nil
}

// AbortRequest names a member to abort.
type AbortRequest struct {
	Group   string
	Rank    int
	Message string
}

// MachineTransport delivers frames to members hosted on bigmachine
// machines: the member of rank r is hosted by the machine at
// address addrs[r].
type MachineTransport struct {
	b     *bigmachine.B
	group string
	addrs []string
	rank  int

	mu       sync.Mutex
	machines map[int]*bigmachine.Machine
}

// NewMachineTransport returns a transport for the member of group at
// rank, whose peers are hosted at addrs.
func NewMachineTransport(b *bigmachine.B, group string, rank int, addrs []string) *MachineTransport {
	return &MachineTransport{
		b:        b,
		group:    group,
		addrs:    addrs,
		rank:     rank,
		machines: make(map[int]*bigmachine.Machine),
	}
}

func (t *MachineTransport) machine(ctx context.Context, rank int) (*bigmachine.Machine, error) {
	if rank < 0 || rank >= len(t.addrs) {
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("comm %s: no rank %d", t.group, rank))
	}
	t.mu.Lock()
	m := t.machines[rank]
	t.mu.Unlock()
	if m != nil {
		return m, nil
	}
	m, err := t.b.Dial(ctx, t.addrs[rank])
	if err != nil {
		return nil, bigml.E(bigml.Transport, fmt.Sprintf("comm %s: dial rank %d at %s", t.group, rank, t.addrs[rank]), err)
	}
	t.mu.Lock()
	t.machines[rank] = m
	t.mu.Unlock()
	return m, nil
}

// Deliver implements Transport.
func (t *MachineTransport) Deliver(ctx context.Context, frames ...wire.Message) error {
	if len(frames) == 0 {
		return nil
	}
	m, err := t.machine(ctx, frames[0].Dest)
	if err != nil {
		return err
	}
	req := DeliverRequest{Group: t.group, Frames: make([][]byte, len(frames))}
	for i, f := range frames {
		req.Frames[i] = wire.Marshal(f)
	}
	if err := m.Call(ctx, ServiceName+".Deliver", req, nil); err != nil {
		kind := bigml.Transport
		if errors.Is(errors.Integrity, err) {
			kind = bigml.Decode
		}
		return bigml.E(kind, fmt.Sprintf("comm %s: deliver to rank %d", t.group, frames[0].Dest), err)
	}
	return nil
}

// Abort makes a best-effort attempt to abort every peer.
func (t *MachineTransport) Abort(err error) {
	ctx := context.Background()
	for rank := range t.addrs {
		if rank == t.rank {
			continue
		}
		m, merr := t.machine(ctx, rank)
		if merr != nil {
			continue
		}
		req := AbortRequest{Group: t.group, Rank: rank, Message: err.Error()}
		if cerr := m.Call(ctx, ServiceName+".Abort", req, nil); cerr != nil {
			log.Error.Printf("comm %s: abort rank %d: %v", t.group, rank, cerr)
		}
	}
}

// Close implements Transport.
func (t *MachineTransport) Close() error { return nil }
