// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/wire"
)

// localTransport connects the members of an in-process group.
type localTransport struct {
	mu      sync.Mutex
	members []*Comm
	closed  bool
}

// LocalGroup returns the n members of a new in-process group named
// group. Frames are delivered synchronously; the members share their
// fate, so that aborting any member aborts the group.
func LocalGroup(group string, n int) []*Comm {
	t := &localTransport{members: make([]*Comm, n)}
	for i := range t.members {
		t.members[i] = New(group, i, n, t)
	}
	return append([]*Comm(nil), t.members...)
}

func (t *localTransport) Deliver(ctx context.Context, frames ...wire.Message) error {
	if err := ctx.Err(); err != nil {
		return bigml.E(bigml.Canceled, err)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return bigml.E(bigml.Canceled, "local group closed")
	}
	for _, f := range frames {
		if f.Dest < 0 || f.Dest >= len(t.members) {
			return bigml.E(bigml.Validation, fmt.Sprintf("local group: no rank %d", f.Dest))
		}
		t.members[f.Dest].deliver(f)
	}
	return nil
}

// Close closes the group's transport once every member is closed.
func (t *localTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.members {
		if m.Err() == nil {
			return nil
		}
	}
	t.closed = true
	return nil
}

func (t *localTransport) Abort(err error) {
	for _, m := range t.members {
		m.abort(err)
	}
}
