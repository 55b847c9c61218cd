// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigml

import (
	"bytes"
	"strings"
	"testing"
)

func TestTransitions(t *testing.T) {
	for _, c := range []struct {
		from, to State
		ok       bool
	}{
		{Pending, Running, true},
		{Running, Paused, true},
		{Paused, Running, true},
		{Running, Cancelling, true},
		{Cancelling, Cancelled, true},
		{Running, Completed, true},
		{Pending, Cancelled, true},
		{Completed, Running, false},
		{Failed, Running, false},
		{Cancelled, Pending, false},
		{Running, Pending, false},
		{Paused, Completed, false},
	} {
		if got, want := c.from.CanTransition(c.to), c.ok; got != want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, want)
		}
		err := CheckTransition("job", c.from, c.to)
		if c.ok != (err == nil) {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if err != nil && !Is(Protocol, err) {
			t.Errorf("got %v, want protocol error", err)
		}
	}
	for s := Pending; s < maxState; s++ {
		if s.Terminal() && len(transitions[s]) != 0 {
			t.Errorf("terminal state %s has transitions", s)
		}
	}
}

func TestStatusCopy(t *testing.T) {
	s := Status{
		JobID:      "x",
		WorkerIDs:  []string{"a"},
		Descriptor: Descriptor{Params: map[string]string{"k": "3"}},
		Result:     &Result{History: []HistoryEntry{{1, 2, 3}}},
	}
	c := s.Copy()
	c.WorkerIDs[0] = "b"
	c.Descriptor.Params["k"] = "4"
	c.Result.History[0].Loss = 0
	if got, want := s.WorkerIDs[0], "a"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Descriptor.Params["k"], "3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Result.History[0].Loss, 2.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b bytes.Buffer
	if _, err := s.WriteTo(&b); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "state:") {
		t.Errorf("unexpected rendering %q", b.String())
	}
}
