// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func testBackend(t *testing.T, b Backend) {
	t.Helper()
	fz := fuzz.NewWithSeed(1)
	fz.NumElements(1e3, 1e5)
	var data []byte
	fz.Fuzz(&data)
	ctx := context.Background()

	if _, err := b.Get(ctx, "a/b/c"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
	if err := b.Put(ctx, "a/b/c", data); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "a/b/c")
	assert.NoError(t, err)
	if !bytes.Equal(got, data) {
		t.Error("data do not match")
	}
	info, err := b.Stat(ctx, "a/b/c")
	assert.NoError(t, err)
	if got, want := info.Size, int64(len(data)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if info.ModTime.IsZero() {
		t.Error("zero modification time")
	}

	for _, key := range []string{"a/x", "a/b/d", "b/a", "a/b/a"} {
		if err := b.Put(ctx, key, []byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := b.List(ctx, "a/")
	assert.NoError(t, err)
	if got, want := keys, []string{"a/b/a", "a/b/c", "a/b/d", "a/x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	keys, err = b.List(ctx, "c/")
	assert.NoError(t, err)
	if len(keys) != 0 {
		t.Errorf("unexpected keys %v", keys)
	}

	if err := b.Rename(ctx, "a/x", "c/y"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "a/x"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
	got, err = b.Get(ctx, "c/y")
	assert.NoError(t, err)
	assert.EQ(t, string(got), "a/x")
	// Rename replaces existing values.
	assert.NoError(t, b.Rename(ctx, "c/y", "b/a"))
	got, err = b.Get(ctx, "b/a")
	assert.NoError(t, err)
	assert.EQ(t, string(got), "a/x")
	if err := b.Rename(ctx, "nonexistent", "c/z"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}

	assert.NoError(t, b.Delete(ctx, "a/b/c"))
	if err := b.Delete(ctx, "a/b/c"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
	for _, key := range []string{"", "/abs", "a//b", "a/../b", "dir/"} {
		if err := b.Put(ctx, key, nil); !bigml.Is(bigml.Validation, err) {
			t.Errorf("key %q: got %v, want validation error", key, err)
		}
	}
}

func TestMemory(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	testBackend(t, &File{Prefix: dir})
}

func TestBolt(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	b, err := OpenBolt(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	testBackend(t, b)
}

func TestOpenBackend(t *testing.T) {
	if _, err := OpenBackend(""); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	if _, err := OpenBackend("ftp://host/x"); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	b1, err := OpenBackend("mem://open-test")
	assert.NoError(t, err)
	b2, err := OpenBackend("mem://open-test")
	assert.NoError(t, err)
	if b1 != b2 {
		t.Error("named memory backends differ")
	}
	b, err := OpenBackend("file:///tmp/x/../bigml")
	assert.NoError(t, err)
	assert.EQ(t, b.(*File).Prefix, "/tmp/bigml")
}

func testMatrix(rows, cols int) *tensor.Matrix {
	m := tensor.Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, float64(i*cols+j))
		}
	}
	return m
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	m := tensor.Random(7, 3, -1, 1, 1)
	assert.NoError(t, s.WriteMatrix(ctx, "m", m))
	got, err := s.ReadMatrix(ctx, "m")
	assert.NoError(t, err)
	if !got.Equal(m) {
		t.Errorf("got %v, want %v", got, m)
	}
	v := tensor.RandomVec(5, 0, 1, 2)
	assert.NoError(t, s.WriteVector(ctx, "v", v))
	gotv, err := s.ReadVector(ctx, "v")
	assert.NoError(t, err)
	if !gotv.Equal(v) {
		t.Errorf("got %v, want %v", gotv, v)
	}
	if _, err := s.ReadVector(ctx, "m"); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}

	ok, err := s.Exists(ctx, "m")
	assert.NoError(t, err)
	if !ok {
		t.Error("m does not exist")
	}
	ok, err = s.Exists(ctx, "nope")
	assert.NoError(t, err)
	if ok {
		t.Error("nope exists")
	}
	if _, err := s.ReadMatrix(ctx, "nope"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}

	// Corrupt a byte of the stored artefact.
	b, err := s.Backend().Get(ctx, "m")
	assert.NoError(t, err)
	b[len(b)/2] ^= 0xff
	assert.NoError(t, s.Backend().Put(ctx, "m", b))
	if _, err := s.ReadMatrix(ctx, "m"); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}
}

func TestDataset(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	x := testMatrix(6, 2)
	y := tensor.NewVector([]float64{0, 1, 0, 1, 1, 0})
	assert.NoError(t, s.WriteDataset(ctx, "labeled", x, y))
	gotx, goty, err := s.ReadDataset(ctx, "labeled")
	assert.NoError(t, err)
	if !gotx.Equal(x) || !goty.Equal(y) {
		t.Errorf("got %v %v, want %v %v", gotx, goty, x, y)
	}
	// Datasets read as their features.
	m, err := s.ReadMatrix(ctx, "labeled")
	assert.NoError(t, err)
	if !m.Equal(x) {
		t.Errorf("got %v, want %v", m, x)
	}

	assert.NoError(t, s.WriteDataset(ctx, "unlabeled", x, nil))
	_, goty, err = s.ReadDataset(ctx, "unlabeled")
	assert.NoError(t, err)
	if goty != nil {
		t.Errorf("got labels %v", goty)
	}
	assert.NoError(t, s.WriteMatrix(ctx, "matrix", x))
	gotx, goty, err = s.ReadDataset(ctx, "matrix")
	assert.NoError(t, err)
	if !gotx.Equal(x) || goty != nil {
		t.Errorf("got %v %v", gotx, goty)
	}

	err = s.WriteDataset(ctx, "bad", x, tensor.NewVector([]float64{1}))
	if !bigml.Is(bigml.ShapeMismatch, err) {
		t.Errorf("got %v, want shape mismatch", err)
	}
}

func TestModel(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	assert.NoError(t, s.WriteModel(ctx, "out/model", []byte("weights")))
	p, err := s.ReadModel(ctx, "out/model")
	assert.NoError(t, err)
	assert.EQ(t, string(p), "weights")
}

// checkCover verifies that the partitions cover every element of a
// testMatrix exactly once.
func checkCover(t *testing.T, s *Store, parts []Partition, rows, cols int) {
	t.Helper()
	ctx := context.Background()
	seen := make(map[float64]int)
	for _, p := range parts {
		m, err := s.ReadPartition(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if r, c := m.Shape(); r != p.Rows || c != p.Cols {
			t.Errorf("%v: got shape %dx%d", p, r, c)
		}
		if got, want := p.Bytes, int64(8*p.Rows*p.Cols); got != want {
			t.Errorf("%v: got %v, want %v", p, got, want)
		}
		for _, v := range m.Data() {
			seen[v]++
		}
	}
	if got, want := len(seen), rows*cols; got != want {
		t.Errorf("got %v distinct elements, want %v", got, want)
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("element %v seen %d times", v, n)
		}
	}
}

func TestPartition(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	const rows, cols = 10, 4
	assert.NoError(t, s.WriteMatrix(ctx, "data", testMatrix(rows, cols)))
	for _, c := range []struct {
		strategy bigml.Strategy
		n        int
		sizes    []int
	}{
		{bigml.Row, 3, []int{3, 3, 4}},
		{bigml.Row, 1, []int{10}},
		{bigml.RoundRobin, 3, []int{4, 3, 3}},
		{bigml.RoundRobin, 12, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0}},
		{bigml.Column, 3, []int{1, 1, 2}},
		{bigml.Block, 4, []int{5 * 2, 5 * 2, 5 * 2, 5 * 2}},
		{bigml.Block, 9, []int{3, 3, 6, 3, 3, 6, 4, 4, 8}},
	} {
		parts, err := s.Partition(ctx, "data", c.strategy, c.n)
		if err != nil {
			t.Errorf("%v/%d: %v", c.strategy, c.n, err)
			continue
		}
		var sizes []int
		for i, p := range parts {
			switch c.strategy {
			case bigml.Row, bigml.RoundRobin:
				sizes = append(sizes, p.Rows)
			case bigml.Column:
				sizes = append(sizes, p.Cols)
			default:
				sizes = append(sizes, p.Rows*p.Cols)
			}
			if got, want := p.Owner, i; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if got, want := p.ID, bigml.PartitionID("data", c.strategy, i, c.n); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
		if !reflect.DeepEqual(sizes, c.sizes) {
			t.Errorf("%v/%d: got %v, want %v", c.strategy, c.n, sizes, c.sizes)
		}
		checkCover(t, s, parts, rows, cols)
	}
	if _, err := s.Partition(ctx, "data", bigml.Block, 3); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	if _, err := s.Partition(ctx, "data", bigml.Row, 0); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	if _, err := s.Partition(ctx, "missing", bigml.Row, 2); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestLabeledPartition(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	x := testMatrix(7, 2)
	labels := make([]float64, 7)
	for i := range labels {
		labels[i] = float64(i)
	}
	assert.NoError(t, s.WriteDataset(ctx, "ds", x, tensor.NewVector(labels)))
	for _, strategy := range []bigml.Strategy{bigml.Row, bigml.RoundRobin} {
		parts, err := s.Partition(ctx, "ds", strategy, 3)
		assert.NoError(t, err)
		var total int
		for _, p := range parts {
			features, y, err := s.ReadLabeledPartition(ctx, p)
			assert.NoError(t, err)
			if got, want := y.Len(), features.Rows(); got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
			// Row i of the dataset starts with 2*i and has label i.
			for i := 0; i < features.Rows(); i++ {
				if got, want := features.At(i, 0), 2*y.At(i); got != want {
					t.Errorf("%v row %d: got %v, want %v", p, i, got, want)
				}
			}
			total += features.Rows()
		}
		if got, want := total, 7; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	parts, err := s.Partition(ctx, "ds", bigml.Column, 2)
	assert.NoError(t, err)
	if _, _, err := s.ReadLabeledPartition(ctx, parts[0]); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestAcquire(t *testing.T) {
	s := New(NewMemory())
	r1, err := s.Acquire("p", ReadOnly)
	assert.NoError(t, err)
	r2, err := s.Acquire("p", ReadOnly)
	assert.NoError(t, err)
	if _, err := s.Acquire("p", Exclusive); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	if n, excl := s.Holders("p"); n != 2 || excl {
		t.Errorf("got %v %v", n, excl)
	}
	r1()
	r1()
	if n, _ := s.Holders("p"); n != 1 {
		t.Errorf("got %v, want 1", n)
	}
	r2()
	x, err := s.Acquire("p", Exclusive)
	assert.NoError(t, err)
	if _, err := s.Acquire("p", ReadOnly); !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
	if n, excl := s.Holders("p"); n != 1 || !excl {
		t.Errorf("got %v %v", n, excl)
	}
	// Other partitions are unaffected.
	r3, err := s.Acquire("q", Exclusive)
	assert.NoError(t, err)
	r3()
	x()
	if n, _ := s.Holders("p"); n != 0 {
		t.Errorf("got %v, want 0", n)
	}
}

func TestCheckpoint(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	bolt, err := OpenBolt(filepath.Join(dir, "ck.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer bolt.Close()
	for _, b := range []Backend{NewMemory(), &File{Prefix: dir}, bolt} {
		ctx := context.Background()
		s := New(b)
		if _, _, err := s.LatestCheckpoint(ctx, "ck", "job1"); !bigml.Is(bigml.NotFound, err) {
			t.Errorf("got %v, want not found", err)
		}
		now := time.Unix(0, time.Now().UnixNano())
		for _, iter := range []int{20, 40, 120, 100} {
			ck := bigml.Checkpoint{JobID: "job1", Iteration: iter, State: []byte{byte(iter)}, Timestamp: now}
			assert.NoError(t, s.SaveCheckpoint(ctx, CheckpointKey("ck", "job1", iter), ck))
		}
		key, iter, err := s.LatestCheckpoint(ctx, "ck", "job1")
		assert.NoError(t, err)
		assert.EQ(t, iter, 120)
		assert.EQ(t, key, "ck/job1/iter-00000120")
		ck, err := s.LoadCheckpoint(ctx, key)
		assert.NoError(t, err)
		if got, want := ck.Iteration, 120; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if !bytes.Equal(ck.State, []byte{120}) || ck.JobID != "job1" || ck.Key != key || !ck.Timestamp.Equal(now) {
			t.Errorf("bad checkpoint %+v", ck)
		}
		// No temporary keys remain.
		keys, err := s.List(ctx, "ck/")
		assert.NoError(t, err)
		for _, k := range keys {
			if strings.Contains(k, ".tmp") {
				t.Errorf("temporary key %s", k)
			}
		}
		if got, want := len(keys), 4; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		assert.NoError(t, s.DeleteCheckpoints(ctx, "ck", "job1"))
		if _, _, err := s.LatestCheckpoint(ctx, "ck", "job1"); !bigml.Is(bigml.NotFound, err) {
			t.Errorf("got %v, want not found", err)
		}
	}
}

// TestCheckpointReaders checks that concurrent readers of a
// checkpoint key observe only complete checkpoints.
func TestCheckpointReaders(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	key := CheckpointKey("", "job", 1)
	state := make([]byte, 1<<16)
	assert.NoError(t, s.SaveCheckpoint(ctx, key, bigml.Checkpoint{JobID: "job", Iteration: 0, State: state}))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i < 50; i++ {
			state[0] = byte(i)
			if err := s.SaveCheckpoint(ctx, key, bigml.Checkpoint{JobID: "job", Iteration: i, State: state}); err != nil {
				t.Error(err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			ck, err := s.LoadCheckpoint(ctx, key)
			if err != nil {
				t.Error(err)
				return
			}
			if got, want := int(ck.State[0]), ck.Iteration; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}()
	wg.Wait()
}

type flakyBackend struct {
	Backend
	mu    sync.Mutex
	fails int
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, bigml.E(bigml.Storage, "injected failure")
	}
	f.mu.Unlock()
	return f.Backend.Get(ctx, key)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	b := &flakyBackend{Backend: NewMemory()}
	s := New(b)
	s.RetryPolicy = retry.MaxTries(retry.Backoff(time.Millisecond, 10*time.Millisecond, 2), 3)
	v := tensor.NewVector([]float64{1, 2, 3})
	assert.NoError(t, s.WriteVector(ctx, "v", v))
	b.fails = 2
	got, err := s.ReadVector(ctx, "v")
	assert.NoError(t, err)
	if !got.Equal(v) {
		t.Errorf("got %v, want %v", got, v)
	}
	if got, want := s.Stats()["get"].Errors, int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.fails = 10
	if _, err := s.ReadVector(ctx, "v"); !bigml.Is(bigml.Storage, err) {
		t.Errorf("got %v, want storage error", err)
	}
	if got, want := s.Stats()["get"].Errors, int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestListSorted(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	var want []string
	for _, k := range []string{"z", "m/1", "a", "m/0"} {
		assert.NoError(t, s.WriteVector(ctx, k, tensor.ZerosVec(1)))
		want = append(want, k)
	}
	sort.Strings(want)
	keys, err := s.List(ctx, "")
	assert.NoError(t, err)
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}
	assert.NoError(t, s.Delete(ctx, "a"))
	if err := s.Delete(ctx, "a"); !bigml.Is(bigml.NotFound, err) {
		t.Errorf("got %v, want not found", err)
	}
}
