// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/wire"
)

// A Handler is invoked by the async loop for each message of the
// kind for which it is registered. Handlers are invoked
// sequentially, from a single goroutine; a handler that needs to
// issue collectives must hand the work off to another goroutine.
type Handler func(ctx context.Context, m wire.Message) error

type loop struct {
	cancel func()
	done   chan struct{}
}

// SetHandler registers h for messages of the provided kind,
// replacing any previous handler. A nil handler removes the
// registration.
func (c *Comm) SetHandler(kind wire.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, kind)
		return
	}
	c.handlers[kind] = h
}

func (c *Comm) handler(kind wire.Kind) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[kind]
}

// StartLoop starts the async message loop: a goroutine that
// receives messages from any source on any user tag and dispatches
// them to the handler registered for their kind. Messages without a
// handler are logged and dropped. Handlers are called with ctx.
func (c *Comm) StartLoop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return bigml.E(bigml.Protocol, "comm "+c.String()+": loop already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	c.loop = l
	go func() {
		defer close(l.done)
		for {
			m, err := c.recv(loopCtx, AnySource, AnyTag)
			if err != nil {
				if loopCtx.Err() == nil {
					log.Error.Printf("comm %s: message loop exiting: %v", c, err)
				}
				return
			}
			h := c.handler(m.Kind)
			if h == nil {
				log.Error.Printf("comm %s: no handler for %s message from rank %d; dropping", c, m.Kind, m.Source)
				continue
			}
			if err := h(ctx, m); err != nil {
				log.Error.Printf("comm %s: handling %s message from rank %d: %v", c, m.Kind, m.Source, err)
			}
		}
	}()
	return nil
}

// StopLoop stops the async loop and waits for it to exit. The loop
// finishes dispatching the current message first. StopLoop is a
// no-op if the loop is not running.
func (c *Comm) StopLoop() {
	c.mu.Lock()
	l := c.loop
	c.loop = nil
	c.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
