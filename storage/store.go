// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/stats"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
)

// DefaultRetryPolicy is the policy with which a Store retries
// failed backend operations.
var DefaultRetryPolicy = retry.MaxTries(retry.Backoff(50*time.Millisecond, 5*time.Second, 2), 4)

// Store is the storage adapter used by jobs. It gives typed meaning
// to the bytes held by a Backend: every value is an artefact
// container tagged with its type and protected by a checksum.
// Transient backend failures are retried with exponential backoff.
//
// Store also maintains the process's partition access table; see
// Acquire.
type Store struct {
	// RetryPolicy is the policy used to retry backend operations.
	RetryPolicy retry.Policy

	backend Backend
	url     string
	stats   *stats.Map

	mu    sync.Mutex
	locks map[string]*lockState
}

// New returns a Store over the provided backend.
func New(b Backend) *Store {
	return &Store{
		RetryPolicy: DefaultRetryPolicy,
		backend:     b,
		stats:       stats.NewMap(),
		locks:       make(map[string]*lockState),
	}
}

var opened = struct {
	sync.Mutex
	m map[string]*Store
}{m: make(map[string]*Store)}

// Open returns the store for the provided url (see OpenBackend).
// Stores are shared within a process: opening the same url twice
// returns the same Store, so that partition access locks are
// observed by every job in the process.
func Open(url string) (*Store, error) {
	opened.Lock()
	defer opened.Unlock()
	if s := opened.m[url]; s != nil {
		return s, nil
	}
	b, err := OpenBackend(url)
	if err != nil {
		return nil, err
	}
	s := New(b)
	s.url = url
	opened.m[url] = s
	return s, nil
}

// URL returns the url from which the store was opened, or an empty
// string if it was created with New.
func (s *Store) URL() string {
	return s.url
}

// Backend returns the store's backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Stats returns per-operation timing for the store.
func (s *Store) Stats() map[string]stats.TimerValue {
	return s.stats.Timers()
}

// do runs the backend operation fn, retrying it while it fails with
// a retryable error.
func (s *Store) do(ctx context.Context, op, key string, fn func() (int, error)) error {
	done := s.stats.Timer(op).Start()
	var (
		n   int
		err error
	)
	defer func() { done(n, err) }()
	for retries := 0; ; retries++ {
		n, err = fn()
		if err == nil || !bigml.Retryable(err) {
			return err
		}
		log.Error.Printf("storage: %s %s failed (attempt %d): %v", op, key, retries+1, err)
		if werr := retry.Wait(ctx, s.RetryPolicy, retries); werr != nil {
			return err
		}
	}
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var p []byte
	err := s.do(ctx, "get", key, func() (int, error) {
		var err error
		p, err = s.backend.Get(ctx, key)
		return len(p), err
	})
	return p, err
}

func (s *Store) put(ctx context.Context, key string, p []byte) error {
	return s.do(ctx, "put", key, func() (int, error) {
		return len(p), s.backend.Put(ctx, key, p)
	})
}

func (s *Store) readArtifact(ctx context.Context, key string, types ...wire.ArtifactType) (wire.ArtifactType, []byte, error) {
	b, err := s.get(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	typ, payload, err := wire.DecodeArtifact(b)
	if err != nil {
		return 0, nil, bigml.E(bigml.Decode, fmt.Sprintf("storage: read %s", key), err)
	}
	for _, t := range types {
		if t == typ {
			return typ, payload, nil
		}
	}
	return 0, nil, bigml.E(bigml.Decode, fmt.Sprintf("storage: %s holds a %s, not a %s", key, typ, types[0]))
}

func (s *Store) writeArtifact(ctx context.Context, key string, typ wire.ArtifactType, payload []byte) error {
	return s.put(ctx, key, wire.EncodeArtifact(typ, payload))
}

// Exists tells whether a value is stored at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case bigml.Is(bigml.NotFound, err):
		return false, nil
	default:
		return false, err
	}
}

// Stat returns metadata for the value at key.
func (s *Store) Stat(ctx context.Context, key string) (Info, error) {
	var info Info
	err := s.do(ctx, "stat", key, func() (int, error) {
		var err error
		info, err = s.backend.Stat(ctx, key)
		return 0, err
	})
	return info, err
}

// ReadMatrix reads the matrix stored at key. A labeled dataset reads
// as its feature matrix.
func (s *Store) ReadMatrix(ctx context.Context, key string) (*tensor.Matrix, error) {
	typ, payload, err := s.readArtifact(ctx, key, wire.ArtifactMatrix, wire.ArtifactDataset)
	if err != nil {
		return nil, err
	}
	if typ == wire.ArtifactDataset {
		m, _, err := decodeDataset(payload)
		return m, wrapDecode(key, err)
	}
	m, err := wire.DecodeMatrix(payload)
	return m, wrapDecode(key, err)
}

// WriteMatrix stores m at key.
func (s *Store) WriteMatrix(ctx context.Context, key string, m *tensor.Matrix) error {
	return s.writeArtifact(ctx, key, wire.ArtifactMatrix, wire.EncodeMatrix(m))
}

// ReadVector reads the vector stored at key.
func (s *Store) ReadVector(ctx context.Context, key string) (*tensor.Vector, error) {
	_, payload, err := s.readArtifact(ctx, key, wire.ArtifactVector)
	if err != nil {
		return nil, err
	}
	v, err := wire.DecodeVector(payload)
	return v, wrapDecode(key, err)
}

// WriteVector stores v at key.
func (s *Store) WriteVector(ctx context.Context, key string, v *tensor.Vector) error {
	return s.writeArtifact(ctx, key, wire.ArtifactVector, wire.EncodeVector(v))
}

// ReadDataset reads the dataset stored at key. A plain matrix reads
// as an unlabeled dataset, with nil labels.
func (s *Store) ReadDataset(ctx context.Context, key string) (features *tensor.Matrix, labels *tensor.Vector, err error) {
	typ, payload, err := s.readArtifact(ctx, key, wire.ArtifactDataset, wire.ArtifactMatrix)
	if err != nil {
		return nil, nil, err
	}
	if typ == wire.ArtifactMatrix {
		features, err = wire.DecodeMatrix(payload)
		return features, nil, wrapDecode(key, err)
	}
	features, labels, err = decodeDataset(payload)
	return features, labels, wrapDecode(key, err)
}

// WriteDataset stores a dataset at key. Labels may be nil; if not,
// there must be one label per feature row.
func (s *Store) WriteDataset(ctx context.Context, key string, features *tensor.Matrix, labels *tensor.Vector) error {
	if labels != nil && labels.Len() != features.Rows() {
		return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("storage: dataset %s has %d rows and %d labels", key, features.Rows(), labels.Len()))
	}
	w := wire.NewWriter(32 + 8*len(features.Data()) + 8*features.Rows())
	w.PutMatrix(features)
	w.PutBool(labels != nil)
	if labels != nil {
		w.PutVector(labels)
	}
	return s.writeArtifact(ctx, key, wire.ArtifactDataset, w.Bytes())
}

func decodeDataset(payload []byte) (*tensor.Matrix, *tensor.Vector, error) {
	r := wire.NewReader(payload)
	features := r.Matrix()
	var labels *tensor.Vector
	if r.Bool() {
		labels = r.Vector()
		if r.Err() == nil && labels.Len() != features.Rows() {
			r.Fail("dataset has %d rows and %d labels", features.Rows(), labels.Len())
		}
	}
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	return features, labels, nil
}

// WriteModel stores a serialized model at key.
func (s *Store) WriteModel(ctx context.Context, key string, model []byte) error {
	return s.writeArtifact(ctx, key, wire.ArtifactModel, model)
}

// ReadModel reads the serialized model stored at key.
func (s *Store) ReadModel(ctx context.Context, key string) ([]byte, error) {
	_, payload, err := s.readArtifact(ctx, key, wire.ArtifactModel)
	return payload, err
}

// List returns the keys with the provided prefix, in sorted order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "list", prefix, func() (int, error) {
		var err error
		keys, err = s.backend.List(ctx, prefix)
		return 0, err
	})
	return keys, err
}

// Delete removes the value at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.do(ctx, "delete", key, func() (int, error) {
		return 0, s.backend.Delete(ctx, key)
	})
}

func (s *Store) rename(ctx context.Context, from, to string) error {
	return s.do(ctx, "rename", from, func() (int, error) {
		return 0, s.backend.Rename(ctx, from, to)
	})
}

func wrapDecode(key string, err error) error {
	if err == nil {
		return nil
	}
	return bigml.E(bigml.Decode, fmt.Sprintf("storage: decode %s", key), err)
}
