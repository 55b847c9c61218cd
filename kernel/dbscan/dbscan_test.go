// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dbscan

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"testing"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/internal/synth"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/testutil/assert"
)

func desc(ranks int, eps float64, minPoints int) bigml.Descriptor {
	return bigml.Descriptor{
		Kind:          bigml.DBSCAN,
		Input:         "points",
		Output:        "labels",
		Ranks:         ranks,
		MaxIterations: 10,
		Params: map[string]string{
			bigml.ParamEps:       strconv.FormatFloat(eps, 'g', -1, 64),
			bigml.ParamMinPoints: strconv.Itoa(minPoints),
		},
	}
}

func pointStore(t *testing.T, x *tensor.Matrix) *storage.Store {
	t.Helper()
	store := storage.New(storage.NewMemory())
	assert.NoError(t, store.WriteMatrix(context.Background(), "points", x))
	return store
}

func fit(t *testing.T, store *storage.Store, jobID string, d bigml.Descriptor) (*bigml.Result, *Model) {
	t.Helper()
	assert.NoError(t, d.Validate())
	out, err := kernel.RunLocal(context.Background(), store, jobID, d, kernel.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.State, bigml.Completed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	m, err := DecodeModel(out.Result.Model)
	assert.NoError(t, err)
	return out.Result, m
}

func TestCrescents(t *testing.T) {
	x, truth := synth.Crescents(1000, 0.03, 1)
	store := pointStore(t, x)
	res, m := fit(t, store, "crescents", desc(2, 0.3, 5))
	if got, want := m.Clusters, 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if res.Accuracy < 0.95 {
		t.Errorf("only %v of points clustered", res.Accuracy)
	}
	if got, want := len(m.Labels), 1000; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if ari := synth.AdjustedRand(truth, m.Labels); ari < 0.9 {
		t.Errorf("adjusted Rand index against crescents %v", ari)
	}
	_, single := fit(t, store, "crescents-single", desc(1, 0.3, 5))
	if ari := synth.AdjustedRand(single.Labels, m.Labels); ari < 0.99 {
		t.Errorf("adjusted Rand index against single rank %v", ari)
	}
	for i := range m.Core {
		if m.Core[i] != single.Core[i] {
			t.Errorf("point %d: core %v, single rank core %v", i, m.Core[i], single.Core[i])
		}
	}
}

func TestApproximate(t *testing.T) {
	x, _ := synth.Crescents(1000, 0.03, 2)
	d := desc(3, 0.3, 5)
	d.Params[bigml.ParamApproximate] = "true"
	res, m := fit(t, pointStore(t, x), "approximate", d)
	if got, want := m.Clusters, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Accuracy < 0.9 {
		t.Errorf("only %v of points clustered", res.Accuracy)
	}
}

func TestHullStrip(t *testing.T) {
	// A dense strip, rows ordered along its length so that each rank
	// holds a contiguous piece.
	var rows [][]float64
	for i := 0; i <= 100; i++ {
		for j := 0; j <= 10; j++ {
			rows = append(rows, []float64{float64(i) / 10, float64(j) / 10})
		}
	}
	x, err := tensor.FromRows(rows)
	assert.NoError(t, err)
	d := desc(2, 0.15, 3)
	d.Params[bigml.ParamBoundary] = Hull
	res, m := fit(t, pointStore(t, x), "hull", d)
	if got, want := m.Clusters, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Accuracy, 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Metrics["noise"], 0.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDense(t *testing.T) {
	x, err := tensor.FromRows([][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1}, {0.05, 0.05}, {0.2, 0.1},
	})
	assert.NoError(t, err)
	res, m := fit(t, pointStore(t, x), "dense", desc(2, 1, 3))
	if got, want := m.Clusters, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, l := range m.Labels {
		if l != 1 || !m.Core[i] {
			t.Errorf("point %d: label %d core %v", i, l, m.Core[i])
		}
	}
	if got, want := res.Metrics["core"], 6.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSparse(t *testing.T) {
	var rows [][]float64
	for i := 0; i < 8; i++ {
		rows = append(rows, []float64{10 * float64(i), 0})
	}
	x, err := tensor.FromRows(rows)
	assert.NoError(t, err)
	res, m := fit(t, pointStore(t, x), "sparse", desc(2, 1, 2))
	if got, want := m.Clusters, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, l := range m.Labels {
		if l != 0 {
			t.Errorf("point %d: label %d", i, l)
		}
	}
	if got, want := res.Metrics["noise"], 8.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Loss, 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBorderAcrossRanks(t *testing.T) {
	// Rank 0 holds a dense group; rank 1 holds a single point within
	// eps of one of its core points, which is a border point.
	x, err := tensor.FromRows([][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{0.9, 0}, {5, 5}, {5, 5.1},
	})
	assert.NoError(t, err)
	_, m := fit(t, pointStore(t, x), "border", desc(2, 0.85, 3))
	if got, want := m.Labels, []int{1, 1, 1, 1, 0, 0}; !equalInts(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if m.Core[3] {
		t.Error("border point marked core")
	}
}

func TestInvalid(t *testing.T) {
	for _, params := range []map[string]string{
		{bigml.ParamEps: "0", bigml.ParamMinPoints: "3"},
		{bigml.ParamEps: "1", bigml.ParamMinPoints: "0"},
		{bigml.ParamEps: "1", bigml.ParamMinPoints: "3", bigml.ParamBoundary: "grid"},
		{bigml.ParamEps: "x", bigml.ParamMinPoints: "3"},
	} {
		d := desc(1, 1, 1)
		d.Params = params
		if _, err := New(d); !bigml.Is(bigml.Validation, err) {
			t.Errorf("%v: got %v, want validation error", params, err)
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bruteForce(points [][]float64, p []float64, eps float64) []int {
	var ns []int
	for i, q := range points {
		if tensor.SquaredDistance(p, q) <= eps*eps {
			ns = append(ns, i)
		}
	}
	return ns
}

func TestIndex(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, dim := range []int{1, 2, 3, 8} {
		points := make([][]float64, 500)
		for i := range points {
			points[i] = make([]float64, dim)
			for j := range points[i] {
				points[i][j] = 4*r.Float64() - 2
			}
		}
		const eps = 0.5
		exact := newIndex(points, eps, false)
		approx := newIndex(points, eps, true)
		for _, p := range points[:50] {
			want := bruteForce(points, p, eps)
			var got []int
			exact.neighbors(p, func(i int) { got = append(got, i) })
			sort.Ints(got)
			if !equalInts(got, want) {
				t.Errorf("dim %d: got %v, want %v", dim, got, want)
			}
			inExact := make(map[int]bool)
			for _, i := range want {
				inExact[i] = true
			}
			n := 0
			approx.neighbors(p, func(i int) {
				if !inExact[i] {
					t.Errorf("dim %d: approximate neighbor %d not within eps", dim, i)
				}
				n++
			})
			if n == 0 {
				t.Errorf("dim %d: approximate query missed the point itself", dim)
			}
		}
	}
}

func TestHull(t *testing.T) {
	points := [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0.5, 0.5}, {0.5, 0}}
	h := hull(points)
	if got, want := len(h), 4; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, h)
	}
	near := boundary(points, 0.1)
	if got, want := near, []bool{true, true, true, true, false, true}; len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	} else {
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("point %v: got %v, want %v", points[i], got[i], want[i])
			}
		}
	}
	line := [][]float64{{0, 0}, {1, 1}, {2, 2}}
	for i, b := range boundary(line, 0.1) {
		if !b {
			t.Errorf("collinear point %d not on boundary", i)
		}
	}
	cube := [][]float64{{0, 0, 0}, {1, 1, 1}, {0.5, 0.5, 0.5}}
	if got, want := boundary(cube, 0.1), []bool{true, true, false}; got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMerge(t *testing.T) {
	shipped := [][]labeled{
		{{1, []float64{0, 0}}, {2, []float64{5, 5}}},
		{{1, []float64{0.5, 0}}},
		{{1, []float64{9, 9}}, {2, []float64{5.5, 5}}},
	}
	mapping := merge(shipped, []int{2, 1, 2}, 1, false)
	want := [][]int{{0, 1, 2}, {0, 1}, {0, 3, 2}}
	for r := range want {
		if !equalInts(mapping[r], want[r]) {
			t.Errorf("rank %d: got %v, want %v", r, mapping[r], want[r])
		}
	}
	got, clusters, err := decodeMapping(encodeMapping(mapping), 3)
	assert.NoError(t, err)
	if clusters != 3 {
		t.Errorf("got %v, want 3", clusters)
	}
	for r := range want {
		if !equalInts(got[r], want[r]) {
			t.Errorf("rank %d: got %v, want %v", r, got[r], want[r])
		}
	}
	if _, _, err := decodeMapping(encodeMapping(mapping), 2); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(6)
	uf.union(4, 2)
	uf.union(5, 4)
	uf.union(1, 3)
	for _, c := range []struct{ i, root int }{{0, 0}, {1, 1}, {2, 2}, {3, 1}, {4, 2}, {5, 2}} {
		if got := uf.find(c.i); got != c.root {
			t.Errorf("find(%d): got %v, want %v", c.i, got, c.root)
		}
	}
}

func TestModelCodec(t *testing.T) {
	m := &Model{Labels: []int{1, 0, 2}, Core: []bool{true, false, true}, Clusters: 2}
	got, err := DecodeModel(m.Encode())
	assert.NoError(t, err)
	if !equalInts(got.Labels, m.Labels) || got.Clusters != 2 || !got.Core[0] || got.Core[1] {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if _, err := DecodeModel(m.Encode()[:9]); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}
}
