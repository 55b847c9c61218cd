// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
)

// Collective traffic uses tags -(collectiveBase+2s) and their
// payload tags, for sequence numbers s in [0, collectiveRange).
const (
	collectiveBase  = 4
	collectiveRange = 1 << 24
)

// Op is a reduction operator.
type Op int

const (
	// Sum adds elements.
	Sum Op = iota
	// Max takes the element-wise maximum.
	Max
	// Min takes the element-wise minimum.
	Min
	// Prod multiplies elements.
	Prod
)

func (o Op) String() string {
	switch o {
	case Sum:
		return "SUM"
	case Max:
		return "MAX"
	case Min:
		return "MIN"
	case Prod:
		return "PROD"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// apply combines x into acc.
func (o Op) apply(acc, x []float64) {
	switch o {
	case Sum:
		for i := range acc {
			acc[i] += x[i]
		}
	case Max:
		for i := range acc {
			acc[i] = math.Max(acc[i], x[i])
		}
	case Min:
		for i := range acc {
			acc[i] = math.Min(acc[i], x[i])
		}
	case Prod:
		for i := range acc {
			acc[i] *= x[i]
		}
	default:
		panic(o)
	}
}

func (c *Comm) nextTag() int {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()
	return -(collectiveBase + 2*(seq%collectiveRange))
}

func (c *Comm) checkRoot(op string, root int) error {
	if root < 0 || root >= c.size {
		return bigml.E(bigml.Validation, fmt.Sprintf("comm %s: %s: invalid root %d", c, op, root))
	}
	return nil
}

// fatal aborts the group with err, which is returned.
func (c *Comm) fatal(err error) error {
	c.Abort(err)
	return err
}

// Barrier blocks until every rank of the group has entered the
// barrier.
func (c *Comm) Barrier(ctx context.Context) (err error) {
	done := c.stats.Timer("barrier").Start()
	defer func() { done(0, err) }()
	if c.size == 1 {
		return c.Err()
	}
	if _, err = c.gather(ctx, wire.KindSyncRequest, nil, 0, c.nextTag()); err != nil {
		return err
	}
	_, err = c.broadcast(ctx, wire.KindSyncResponse, nil, 0, c.nextTag())
	return err
}

// Broadcast distributes buf from root to every rank along a
// binomial tree. Every rank returns root's bytes; the buf argument
// is ignored on non-root ranks.
func (c *Comm) Broadcast(ctx context.Context, buf []byte, root int) (out []byte, err error) {
	done := c.stats.Timer("broadcast").Start()
	defer func() { done(len(out), err) }()
	if err = c.checkRoot("broadcast", root); err != nil {
		return nil, err
	}
	return c.broadcast(ctx, wire.KindData, buf, root, c.nextTag())
}

func (c *Comm) broadcast(ctx context.Context, kind wire.Kind, buf []byte, root, tag int) ([]byte, error) {
	size := c.size
	vr := (c.rank - root + size) % size
	mask := 1
	for mask < size {
		if vr&mask != 0 {
			m, err := c.recv(ctx, (vr-mask+root)%size, tag)
			if err != nil {
				return nil, err
			}
			buf = m.Payload
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < size {
			if err := c.send(ctx, wire.Message{Kind: kind, Tag: tag, Payload: buf}, (vr+mask+root)%size); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

// Reduce combines data element-wise across ranks with op along a
// binomial tree. The root returns the reduced values; other ranks
// return nil. Ranks contributing different element counts fail the
// group with a shape mismatch.
func (c *Comm) Reduce(ctx context.Context, data []float64, op Op, root int) (out []float64, err error) {
	done := c.stats.Timer("reduce").Start()
	defer func() { done(8*len(data), err) }()
	if err = c.checkRoot("reduce", root); err != nil {
		return nil, err
	}
	return c.reduce(ctx, data, op, root, c.nextTag())
}

func (c *Comm) reduce(ctx context.Context, data []float64, op Op, root, tag int) ([]float64, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	var (
		size = c.size
		vr   = (c.rank - root + size) % size
		acc  = append([]float64(nil), data...)
	)
	for mask := 1; mask < size; mask <<= 1 {
		if vr&mask != 0 {
			m := wire.Message{Kind: wire.KindComputationResult, Tag: tag, Payload: wire.EncodeFloat64s(acc)}
			return nil, c.send(ctx, m, (vr-mask+root)%size)
		}
		peer := vr | mask
		if peer >= size {
			continue
		}
		m, err := c.recv(ctx, (peer+root)%size, tag)
		if err != nil {
			return nil, err
		}
		x, err := wire.DecodeFloat64s(m.Payload)
		if err != nil {
			return nil, c.fatal(err)
		}
		if len(x) != len(acc) {
			return nil, c.fatal(bigml.E(bigml.ShapeMismatch,
				fmt.Sprintf("comm %s: reduce %s: rank %d contributed %d elements, want %d", c, op, m.Source, len(x), len(acc))))
		}
		op.apply(acc, x)
	}
	return acc, nil
}

// AllReduce combines data element-wise across ranks with op; every
// rank returns the same reduced values. The reduction is performed
// once, at rank 0, and its result broadcast, so every rank observes
// identical bytes.
func (c *Comm) AllReduce(ctx context.Context, data []float64, op Op) (out []float64, err error) {
	done := c.stats.Timer("allreduce").Start()
	defer func() { done(8*len(data), err) }()
	acc, err := c.reduce(ctx, data, op, 0, c.nextTag())
	if err != nil {
		return nil, err
	}
	var buf []byte
	if c.rank == 0 {
		buf = wire.EncodeFloat64s(acc)
	}
	if buf, err = c.broadcast(ctx, wire.KindComputationResult, buf, 0, c.nextTag()); err != nil {
		return nil, err
	}
	if out, err = wire.DecodeFloat64s(buf); err != nil {
		return nil, c.fatal(err)
	}
	return out, nil
}

// Gather collects buf from every rank at root, which returns them
// indexed by rank. Other ranks return nil.
func (c *Comm) Gather(ctx context.Context, buf []byte, root int) (out [][]byte, err error) {
	done := c.stats.Timer("gather").Start()
	defer func() { done(len(buf), err) }()
	if err = c.checkRoot("gather", root); err != nil {
		return nil, err
	}
	return c.gather(ctx, wire.KindData, buf, root, c.nextTag())
}

func (c *Comm) gather(ctx context.Context, kind wire.Kind, buf []byte, root, tag int) ([][]byte, error) {
	if c.rank != root {
		return nil, c.send(ctx, wire.Message{Kind: kind, Tag: tag, Payload: buf}, root)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	out := make([][]byte, c.size)
	out[root] = buf
	for r := 0; r < c.size; r++ {
		if r == root {
			continue
		}
		m, err := c.recv(ctx, r, tag)
		if err != nil {
			return nil, err
		}
		out[r] = m.Payload
	}
	return out, nil
}

// Scatter sends bufs[r] from root to each rank r. Every rank
// returns its own piece; bufs is ignored on non-root ranks.
func (c *Comm) Scatter(ctx context.Context, bufs [][]byte, root int) (out []byte, err error) {
	done := c.stats.Timer("scatter").Start()
	defer func() { done(len(out), err) }()
	if err = c.checkRoot("scatter", root); err != nil {
		return nil, err
	}
	tag := c.nextTag()
	if c.rank != root {
		m, err := c.recv(ctx, root, tag)
		if err != nil {
			return nil, err
		}
		return m.Payload, nil
	}
	if len(bufs) != c.size {
		return nil, c.fatal(bigml.E(bigml.ShapeMismatch, fmt.Sprintf("comm %s: scatter: %d pieces for %d ranks", c, len(bufs), c.size)))
	}
	for r, buf := range bufs {
		if r == root {
			continue
		}
		if err := c.send(ctx, wire.Message{Kind: wire.KindDataPartition, Tag: tag, Payload: buf}, r); err != nil {
			return nil, err
		}
	}
	return bufs[root], nil
}

// AllGather collects buf from every rank at every rank, indexed by
// rank.
func (c *Comm) AllGather(ctx context.Context, buf []byte) (out [][]byte, err error) {
	done := c.stats.Timer("allgather").Start()
	defer func() { done(len(buf), err) }()
	parts, err := c.gather(ctx, wire.KindData, buf, 0, c.nextTag())
	if err != nil {
		return nil, err
	}
	var enc []byte
	if c.rank == 0 {
		w := wire.NewWriter(0)
		w.PutUint32(uint32(len(parts)))
		for _, p := range parts {
			w.PutBytes(p)
		}
		enc = w.Bytes()
	}
	if enc, err = c.broadcast(ctx, wire.KindData, enc, 0, c.nextTag()); err != nil {
		return nil, err
	}
	r := wire.NewReader(enc)
	n := int(r.Uint32())
	if r.Err() == nil && n != c.size {
		r.Fail("all-gather of %d parts in a group of %d", n, c.size)
	}
	if r.Err() == nil {
		out = make([][]byte, n)
		for i := range out {
			out[i] = r.Bytes()
		}
	}
	if err := r.Done(); err != nil {
		return nil, c.fatal(err)
	}
	return out, nil
}

// AllReduceMatrix reduces identically shaped matrices element-wise.
func (c *Comm) AllReduceMatrix(ctx context.Context, m *tensor.Matrix, op Op) (*tensor.Matrix, error) {
	data, err := c.AllReduce(ctx, m.Data(), op)
	if err != nil {
		return nil, err
	}
	return tensor.NewMatrix(m.Rows(), m.Cols(), data)
}

// AllReduceVector reduces identically sized vectors element-wise.
func (c *Comm) AllReduceVector(ctx context.Context, v *tensor.Vector, op Op) (*tensor.Vector, error) {
	data, err := c.AllReduce(ctx, v.Data(), op)
	if err != nil {
		return nil, err
	}
	return tensor.NewVector(data), nil
}

// AllReduceScalar reduces a single value.
func (c *Comm) AllReduceScalar(ctx context.Context, x float64, op Op) (float64, error) {
	data, err := c.AllReduce(ctx, []float64{x}, op)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// BroadcastMatrix distributes root's matrix to every rank.
func (c *Comm) BroadcastMatrix(ctx context.Context, m *tensor.Matrix, root int) (*tensor.Matrix, error) {
	var buf []byte
	if c.rank == root {
		buf = wire.EncodeMatrix(m)
	}
	buf, err := c.Broadcast(ctx, buf, root)
	if err != nil {
		return nil, err
	}
	return wire.DecodeMatrix(buf)
}

// BroadcastVector distributes root's vector to every rank.
func (c *Comm) BroadcastVector(ctx context.Context, v *tensor.Vector, root int) (*tensor.Vector, error) {
	var buf []byte
	if c.rank == root {
		buf = wire.EncodeVector(v)
	}
	buf, err := c.Broadcast(ctx, buf, root)
	if err != nil {
		return nil, err
	}
	return wire.DecodeVector(buf)
}

// BroadcastFloat64s distributes root's values to every rank.
func (c *Comm) BroadcastFloat64s(ctx context.Context, data []float64, root int) ([]float64, error) {
	var buf []byte
	if c.rank == root {
		buf = wire.EncodeFloat64s(data)
	}
	buf, err := c.Broadcast(ctx, buf, root)
	if err != nil {
		return nil, err
	}
	return wire.DecodeFloat64s(buf)
}
