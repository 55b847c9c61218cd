// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/internal/synth"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/testutil/assert"
)

var centers = [][]float64{{0, 0}, {10, 0}, {5, 8.66}}

func blobStore(t *testing.T, n int) (*storage.Store, []int) {
	t.Helper()
	store := storage.New(storage.NewMemory())
	x, labels := synth.Blobs(n, centers, 1, 1)
	assert.NoError(t, store.WriteMatrix(context.Background(), "blobs", x))
	return store, labels
}

func desc(ranks, k int, init string, nInit int) bigml.Descriptor {
	return bigml.Descriptor{
		Kind:          bigml.KMeans,
		Input:         "blobs",
		Output:        "centroids",
		Ranks:         ranks,
		MaxIterations: 100,
		Tolerance:     1e-4,
		Params: map[string]string{
			bigml.ParamK:     strconv.Itoa(k),
			bigml.ParamInit:  init,
			bigml.ParamNInit: strconv.Itoa(nInit),
			bigml.ParamSeed:  "1",
		},
	}
}

func fit(t *testing.T, store *storage.Store, jobID string, d bigml.Descriptor) (kernel.Outcome, *Model) {
	t.Helper()
	assert.NoError(t, d.Validate())
	out, err := kernel.RunLocal(context.Background(), store, jobID, d, kernel.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result == nil {
		t.Fatalf("no result: %+v", out)
	}
	m, err := DecodeModel(out.Result.Model)
	assert.NoError(t, err)
	return out, m
}

func TestBlobs(t *testing.T) {
	for _, init := range []string{InitPlusPlus, InitFarthest} {
		t.Run(init, func(t *testing.T) {
			store, labels := blobStore(t, 5000)
			d := desc(3, 3, init, 5)
			out, m := fit(t, store, "blobs-"+init, d)
			for _, c := range centers {
				i, dist := m.Nearest(c)
				if math.Sqrt(dist) > 0.3 {
					t.Errorf("center %v: nearest centroid %v at distance %v", c, m.Centroids.Row(i), math.Sqrt(dist))
				}
			}
			x, err := store.ReadMatrix(context.Background(), "blobs")
			assert.NoError(t, err)
			a, err := m.Assign(x)
			assert.NoError(t, err)
			if ari := synth.AdjustedRand(labels, a); ari < 0.95 {
				t.Errorf("adjusted Rand index %v", ari)
			}
			if got, want := out.Result.Metrics["runs"], 5.0; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if out.Result.Loss <= 0 {
				t.Errorf("inertia %v", out.Result.Loss)
			}
		})
	}
}

func TestInertiaMonotone(t *testing.T) {
	store, _ := blobStore(t, 3000)
	d := desc(3, 5, InitRandom, 1)
	d.Tolerance = 0
	d.MaxIterations = 30
	out, _ := fit(t, store, "monotone", d)
	h := out.Result.History
	if len(h) < 2 {
		t.Fatalf("history %v", h)
	}
	for i := 1; i < len(h); i++ {
		if h[i].Loss > h[i-1].Loss*(1+1e-9) {
			t.Errorf("inertia increased at iteration %d: %v -> %v", h[i].Iteration, h[i-1].Loss, h[i].Loss)
		}
	}
}

func TestKEqualsN(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	x, err := tensor.FromRows([][]float64{{0, 0}, {1, 0}, {0, 1}, {5, 5}, {6, 5}, {9, 9}})
	assert.NoError(t, err)
	assert.NoError(t, store.WriteMatrix(ctx, "blobs", x))
	out, m := fit(t, store, "k-equals-n", desc(2, 6, InitPlusPlus, 1))
	if got, want := out.Result.Loss, 0.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a, err := m.Assign(x)
	assert.NoError(t, err)
	seen := make(map[int]bool)
	for _, c := range a {
		seen[c] = true
	}
	if got, want := len(seen), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTooManyClusters(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	assert.NoError(t, store.WriteMatrix(ctx, "blobs", tensor.Ones(3, 2)))
	_, err := kernel.RunLocal(ctx, store, "too-many", desc(2, 4, InitPlusPlus, 1), kernel.Options{})
	if !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestDeterministic(t *testing.T) {
	store, _ := blobStore(t, 1000)
	d := desc(2, 3, InitPlusPlus, 2)
	_, m1 := fit(t, store, "det1", d)
	_, m2 := fit(t, store, "det2", d)
	if !m1.Centroids.Equal(m2.Centroids) {
		t.Errorf("centroids differ: %v vs %v", m1.Centroids, m2.Centroids)
	}
}

func TestResume(t *testing.T) {
	store, _ := blobStore(t, 1200)
	d := desc(2, 3, InitPlusPlus, 3)
	d.Tolerance = 0
	d.MaxIterations = 8
	d.CheckpointInterval = 5
	_, want := fit(t, store, "resume", d)

	// Resume from the middle of the second run.
	key := storage.CheckpointKey(kernel.DefaultCheckpointPrefix, "resume", 10)
	assert.NoError(t, store.Delete(context.Background(), storage.CheckpointKey(kernel.DefaultCheckpointPrefix, "resume", 15)))
	assert.NoError(t, store.Delete(context.Background(), storage.CheckpointKey(kernel.DefaultCheckpointPrefix, "resume", 20)))
	out, err := kernel.RunLocal(context.Background(), store, "resume", d, kernel.Options{Recovery: key})
	assert.NoError(t, err)
	got, err := DecodeModel(out.Result.Model)
	assert.NoError(t, err)
	if !got.Centroids.EqualApprox(want.Centroids, 1e-9) {
		t.Errorf("got %v, want %v", got.Centroids, want.Centroids)
	}
	if got, want := out.Iteration, 24; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEmptyClusterReseed(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	x, err := tensor.FromRows([][]float64{{0, 0}, {0.1, 0}, {0, 0.1}, {10, 10}, {10.1, 10}, {10, 10.1}})
	assert.NoError(t, err)
	assert.NoError(t, store.WriteMatrix(ctx, "blobs", x))
	k := &KMeans{k: 2, d: 2, tol: 1e-9, maxIter: 10, nInit: 1, bestInertia: math.Inf(1)}
	// No point is nearest to the second centroid, so its cluster is
	// empty after the first assignment.
	k.centroids = []float64{0.05, 0.05, -1, -1}
	c := comm.LocalGroup("reseed", 1)[0]
	env, release, err := kernel.Load(ctx, store, "reseed", desc(1, 2, InitRandom, 1), c)
	assert.NoError(t, err)
	defer release()
	k.needInit = false
	if _, err := k.Step(ctx, env, 1); err != nil {
		t.Fatal(err)
	}
	far := k.centroids[2:]
	if far[0] < 9 || far[1] < 9 {
		t.Errorf("empty cluster not reseeded to the far group: %v", k.centroids)
	}
}

func TestModelCodec(t *testing.T) {
	c, err := tensor.FromRows([][]float64{{1, 2}, {3, 4}})
	assert.NoError(t, err)
	m := &Model{Centroids: c}
	got, err := DecodeModel(m.Encode())
	assert.NoError(t, err)
	if !got.Centroids.Equal(c) {
		t.Errorf("got %v, want %v", got.Centroids, c)
	}
	if _, err := DecodeModel(m.Encode()[:10]); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}
	if i, _ := m.Nearest([]float64{2, 3}); i != 0 {
		t.Errorf("tie broke to %d", i)
	}
}

func TestBestRunInertia(t *testing.T) {
	store, _ := blobStore(t, 2000)
	d := desc(1, 4, InitRandom, 4)
	d.Tolerance = 0
	d.MaxIterations = 2
	assert.NoError(t, d.Validate())
	k, err := New(d)
	assert.NoError(t, err)
	km := k.(*KMeans)
	c := comm.LocalGroup("best-run", 1)[0]
	env, release, err := kernel.Load(context.Background(), store, "best-run", d, c)
	assert.NoError(t, err)
	defer release()
	out, err := kernel.Fit(context.Background(), km, env, kernel.Options{})
	assert.NoError(t, err)
	if out.Result == nil {
		t.Fatalf("no result: %+v", out)
	}
	// Runs stop while the centroids still move, so the inertia the
	// best run is ranked by must be that of its stored centroids.
	if got, want := km.bestInertia, out.Result.Loss; math.Abs(got-want) > 1e-9*want {
		t.Errorf("got best inertia %v, want %v", got, want)
	}
	x, err := store.ReadMatrix(context.Background(), "blobs")
	assert.NoError(t, err)
	m, err := DecodeModel(out.Result.Model)
	assert.NoError(t, err)
	var want float64
	for i := 0; i < x.Rows(); i++ {
		_, dist := m.Nearest(x.Row(i))
		want += dist
	}
	if got := out.Result.Loss; math.Abs(got-want) > 1e-9*want {
		t.Errorf("got inertia %v, want %v", got, want)
	}
}
