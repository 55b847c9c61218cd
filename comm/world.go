// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"sync"

	"github.com/grailbio/bigml"
)

var world struct {
	sync.Mutex
	comm      *Comm
	finalized bool
}

// Initialize installs c as the process-wide communicator. It may be
// called once per process: re-initialization, including after
// Finalize, fails with a protocol error.
func Initialize(c *Comm) error {
	world.Lock()
	defer world.Unlock()
	if world.comm != nil || world.finalized {
		return bigml.E(bigml.Protocol, "comm: world communicator already initialized")
	}
	world.comm = c
	return nil
}

// World returns the process-wide communicator, or nil if none has
// been initialized.
func World() *Comm {
	world.Lock()
	defer world.Unlock()
	return world.comm
}

// Finalize closes the process-wide communicator.
func Finalize() error {
	world.Lock()
	c := world.comm
	world.comm = nil
	world.finalized = true
	world.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
