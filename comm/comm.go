// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the message-passing communicator: a
// process group of N ranked peers exchanging typed messages
// point-to-point and through collectives (barrier, broadcast,
// reduce, all-reduce, gather, scatter, all-gather).
//
// Each logical send is carried by two frames: a length frame on the
// message's tag followed by the payload frame on tag+1. Receivers pair
// the frames as they arrive and expose the logical message; unpaired
// or inconsistent frames are logged and dropped. Delivery is FIFO per
// (source, tag) stream.
//
// Collectives must be called by every rank of the group in the same
// order. They use a reserved, negative tag space sequenced per
// communicator and are never observed by receives that use AnyTag.
package comm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/ctxsync"
	"github.com/grailbio/bigml/stats"
	"github.com/grailbio/bigml/wire"
)

const (
	// AnySource matches messages from any rank.
	AnySource = -1
	// AnyTag matches messages with any user tag. Tags of
	// collective traffic are never matched.
	AnyTag = -1
	// MaxTag is the largest user tag.
	MaxTag = math.MaxInt32 - 1
)

// DefaultRetryPolicy is the policy used to retry failed frame
// deliveries.
var DefaultRetryPolicy = retry.MaxTries(retry.Backoff(10*time.Millisecond, time.Second, 2), 5)

// A Transport delivers frames to peers. All frames passed to a
// single call to Deliver have the same destination, and must be
// delivered in order.
type Transport interface {
	Deliver(ctx context.Context, frames ...wire.Message) error
	Close() error
}

// Aborter is implemented by transports that tie the fate of a group
// together: when a member aborts, every member is aborted.
type Aborter interface {
	Abort(err error)
}

type streamKey struct{ src, tag int }

// Comm is a communicator: a member of a process group. Its methods
// are safe for concurrent use, but collectives must be issued in the
// same order on every rank, so at most one goroutine per rank should
// issue them.
type Comm struct {
	// Group names the process group, for diagnostics.
	Group string

	// RetryPolicy governs redelivery of frames that failed with
	// retryable errors.
	RetryPolicy retry.Policy

	mu        sync.Mutex
	cond      *ctxsync.Cond
	rank      int
	size      int
	transport Transport
	queue     []wire.Message
	lengths   map[streamKey][]int
	err       error
	seq       int

	handlers map[wire.Kind]Handler
	loop     *loop

	stats *stats.Map
}

// New returns a communicator for the given rank of a group of the
// provided size, sending through transport t.
func New(group string, rank, size int, t Transport) *Comm {
	c := newComm(group)
	c.rank, c.size, c.transport = rank, size, t
	return c
}

func newComm(group string) *Comm {
	c := &Comm{
		Group:       group,
		RetryPolicy: DefaultRetryPolicy,
		lengths:     make(map[streamKey][]int),
		handlers:    make(map[wire.Kind]Handler),
		stats:       stats.NewMap(),
	}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// Rank returns the rank of this member.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of members in the group.
func (c *Comm) Size() int { return c.size }

// IsMaster tells whether this member is rank 0.
func (c *Comm) IsMaster() bool { return c.rank == 0 }

func (c *Comm) String() string {
	return fmt.Sprintf("%s[%d/%d]", c.Group, c.rank, c.size)
}

// Err returns the error with which the communicator was aborted, if
// any.
func (c *Comm) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Abort crash-stops the communicator: every blocked and future
// operation fails with a transport error wrapping err. If the
// transport ties the group together, every member is aborted.
func (c *Comm) Abort(err error) {
	if err == nil {
		err = bigml.E(bigml.Unknown, "aborted")
	}
	if !c.abort(err) {
		return
	}
	if a, ok := c.transport.(Aborter); ok {
		a.Abort(err)
	}
}

// abort aborts only this member. It returns false if the member was
// already aborted.
func (c *Comm) abort(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	if err == nil {
		err = bigml.E(bigml.Unknown, "aborted")
	}
	c.err = bigml.E(bigml.Transport, fmt.Sprintf("comm %s: aborted", c), err)
	c.queue = nil
	c.cond.Broadcast()
	return true
}

// Close stops the async loop, aborts the member and closes its
// transport.
func (c *Comm) Close() error {
	c.StopLoop()
	c.abort(bigml.E(bigml.Canceled, "communicator closed"))
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// deliver is called by transports for each frame addressed to this
// member.
func (c *Comm) deliver(m wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if m.Kind == wire.KindLength {
		n, err := wire.DecodeLength(m.Payload)
		if err != nil {
			log.Error.Printf("comm %s: dropping corrupt length frame from rank %d: %v", c.Group, m.Source, err)
			return
		}
		k := streamKey{m.Source, m.Tag + 1}
		c.lengths[k] = append(c.lengths[k], n)
		return
	}
	k := streamKey{m.Source, m.Tag}
	lens := c.lengths[k]
	if len(lens) == 0 {
		log.Error.Printf("comm %s: dropping unannounced %s frame from rank %d on tag %d", c.Group, m.Kind, m.Source, m.Tag)
		return
	}
	n := lens[0]
	if len(lens) == 1 {
		delete(c.lengths, k)
	} else {
		c.lengths[k] = lens[1:]
	}
	if n != len(m.Payload) {
		log.Error.Printf("comm %s: dropping %s frame from rank %d on tag %d: announced %d bytes, got %d",
			c.Group, m.Kind, m.Source, m.Tag, n, len(m.Payload))
		return
	}
	m.Tag--
	c.queue = append(c.queue, m)
	c.cond.Broadcast()
}

// Send sends message m to rank dest. The message's kind, tag and
// payload are transmitted; its source and destination are set by
// the communicator. User tags must be in [0, MaxTag].
func (c *Comm) Send(ctx context.Context, m wire.Message, dest int) error {
	if m.Tag < 0 || m.Tag > MaxTag {
		return bigml.E(bigml.Validation, fmt.Sprintf("comm %s: send: invalid tag %d", c, m.Tag))
	}
	return c.send(ctx, m, dest)
}

func (c *Comm) send(ctx context.Context, m wire.Message, dest int) (err error) {
	done := c.stats.Timer("send").Start()
	defer func() { done(len(m.Payload), err) }()
	if dest < 0 || dest >= c.size {
		return bigml.E(bigml.Validation, fmt.Sprintf("comm %s: send: invalid destination rank %d", c, dest))
	}
	if m.Kind == wire.KindLength || !m.Kind.Valid() {
		return bigml.E(bigml.Validation, fmt.Sprintf("comm %s: send: invalid message kind %s", c, m.Kind))
	}
	if len(m.Payload) > wire.MaxPayload {
		return bigml.E(bigml.Validation, fmt.Sprintf("comm %s: send: payload of %d bytes exceeds limit", c, len(m.Payload)))
	}
	if err := c.Err(); err != nil {
		return err
	}
	m.Source, m.Dest = c.rank, dest
	frames := []wire.Message{
		{Kind: wire.KindLength, Source: c.rank, Dest: dest, Tag: m.Tag, Payload: wire.EncodeLength(len(m.Payload))},
		{Kind: m.Kind, Source: c.rank, Dest: dest, Tag: m.Tag + 1, Payload: m.Payload},
	}
	if dest == c.rank {
		for _, f := range frames {
			c.deliver(f)
		}
		return nil
	}
	if c.transport == nil {
		return bigml.E(bigml.Transport, fmt.Sprintf("comm %s: send: communicator is not bound to a transport", c))
	}
	for retries := 0; ; retries++ {
		err = c.transport.Deliver(ctx, frames...)
		if err == nil || !bigml.Retryable(err) || c.Err() != nil {
			break
		}
		log.Error.Printf("comm %s: delivery to rank %d failed (attempt %d): %v", c, dest, retries+1, err)
		if werr := retry.Wait(ctx, c.RetryPolicy, retries); werr != nil {
			break
		}
	}
	if err != nil {
		return bigml.E(bigml.Transport, fmt.Sprintf("comm %s: send to rank %d", c, dest), err)
	}
	return nil
}

// Recv receives the next message from rank src (or AnySource) on
// tag (or AnyTag). Recv blocks until a matching message arrives,
// the context is done, or the communicator is aborted.
func (c *Comm) Recv(ctx context.Context, src, tag int) (wire.Message, error) {
	if tag != AnyTag && (tag < 0 || tag > MaxTag) {
		return wire.Message{}, bigml.E(bigml.Validation, fmt.Sprintf("comm %s: recv: invalid tag %d", c, tag))
	}
	return c.recv(ctx, src, tag)
}

func (c *Comm) recv(ctx context.Context, src, tag int) (m wire.Message, err error) {
	done := c.stats.Timer("recv").Start()
	defer func() { done(len(m.Payload), err) }()
	if src != AnySource && (src < 0 || src >= c.size) {
		return m, bigml.E(bigml.Validation, fmt.Sprintf("comm %s: recv: invalid source rank %d", c, src))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.err != nil {
			return m, c.err
		}
		for i, q := range c.queue {
			if !match(q, src, tag) {
				continue
			}
			copy(c.queue[i:], c.queue[i+1:])
			c.queue[len(c.queue)-1] = wire.Message{}
			c.queue = c.queue[:len(c.queue)-1]
			return q, nil
		}
		if err := c.cond.Wait(ctx); err != nil {
			kind := bigml.Canceled
			if err == context.DeadlineExceeded {
				kind = bigml.Timeout
			}
			return m, bigml.E(kind, fmt.Sprintf("comm %s: recv from %d tag %d", c, src, tag), err)
		}
	}
}

func match(m wire.Message, src, tag int) bool {
	if src != AnySource && m.Source != src {
		return false
	}
	if tag == AnyTag {
		return m.Tag >= 0
	}
	return m.Tag == tag
}

// PerformanceMetrics holds the accounting of a communicator's
// operations, keyed by operation name (send, recv, barrier,
// broadcast, reduce, allreduce, gather, scatter, allgather).
type PerformanceMetrics map[string]stats.TimerValue

// Total returns the sum over all operations.
func (p PerformanceMetrics) Total() stats.TimerValue {
	var total stats.TimerValue
	for _, v := range p {
		total.Merge(v)
	}
	return total
}

// Metrics returns a snapshot of the communicator's accounting.
func (c *Comm) Metrics() PerformanceMetrics {
	return PerformanceMetrics(c.stats.Timers())
}

// ResetMetrics zeroes the communicator's accounting.
func (c *Comm) ResetMetrics() {
	c.stats.Reset()
}
