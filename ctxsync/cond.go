// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a condition variable whose waits can be
// abandoned through a context. It backs the communicator's mailbox
// and the scheduler's job queue.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable that implements a context-aware
// Wait. The zero value is not usable; use NewCond.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all waiters. Broadcast must only be called while
// the cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or when the
// context is done, in which case the context's error is returned.
// The cond's lock must be held when calling Wait; it is held again
// when Wait returns.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// Until waits until cond returns true. Cond is evaluated with the
// lock held, once on entry and after each Broadcast.
func (c *Cond) Until(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
