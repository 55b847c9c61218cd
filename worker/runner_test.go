// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"testing"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
)

func TestLocalRunner(t *testing.T) {
	store := storage.New(storage.NewMemory())
	writeLinear(t, store)
	d := linearDesc()
	d.MaxIterations = 30
	d.CheckpointInterval = 10
	want := reference(t, store, d)

	var (
		iters       []int
		checkpoints []int
	)
	r := &LocalRunner{Store: store}
	out, err := r.Run(context.Background(), Job{
		ID:   "local",
		Desc: d,
		Options: kernel.Options{
			Progress:   func(iter int, p kernel.Progress) { iters = append(iters, iter) },
			Checkpoint: func(ck bigml.Checkpoint) { checkpoints = append(checkpoints, ck.Iteration) },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.State, bigml.Completed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	checkModel(t, bigml.Status{Result: out.Result}, want)
	// Hooks run at rank 0 only.
	if got, want := len(iters), d.MaxIterations; got != want {
		t.Errorf("got %v progress events, want %v", got, want)
	}
	if got, want := len(checkpoints), 3; got != want {
		t.Errorf("got %v checkpoints, want %v", got, want)
	}

	d.Input = "missing"
	if _, err := r.Run(context.Background(), Job{ID: "local-missing", Desc: d}); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
}
