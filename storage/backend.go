// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package storage implements the storage adapter through which jobs
// read their inputs and write models and checkpoints. A Store
// interprets keys as typed artefacts (matrices, vectors, labeled
// datasets, models and checkpoints) layered over a byte-level
// Backend. Backends are provided for process memory, grailbio files
// (local directories and S3), and bolt databases.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/bigml"
)

// Info describes a stored value.
type Info struct {
	Size    int64
	ModTime time.Time
}

// A Backend stores byte values under path-like keys. Put must be
// atomic from the point of view of readers: Get observes either
// the previous value or the complete new one. Operations on
// missing keys fail with errors of kind bigml.NotFound.
type Backend interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores p at key, replacing any previous value.
	Put(ctx context.Context, key string, p []byte) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// List returns the keys beginning with prefix, in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Rename moves the value at from to to, replacing any value at
	// to.
	Rename(ctx context.Context, from, to string) error
	// Stat returns metadata for the value at key.
	Stat(ctx context.Context, key string) (Info, error)
	// Close releases the backend's resources.
	Close() error
}

// OpenBackend opens the backend named by url:
//
//	mem://name        a process-global in-memory backend
//	bolt:///path      a bolt database file
//	s3://bucket/path  an S3 prefix
//	file:///path      a local directory (as does a bare path)
func OpenBackend(url string) (Backend, error) {
	switch {
	case url == "":
		return nil, bigml.E(bigml.Validation, "storage: empty store url")
	case strings.HasPrefix(url, "mem://"):
		return NamedMemory(strings.TrimPrefix(url, "mem://")), nil
	case strings.HasPrefix(url, "bolt://"):
		return OpenBolt(strings.TrimPrefix(url, "bolt://"))
	case strings.HasPrefix(url, "s3://"):
		registerS3()
		return &File{Prefix: url}, nil
	case strings.HasPrefix(url, "file://"):
		return &File{Prefix: filepath.Clean(strings.TrimPrefix(url, "file://"))}, nil
	case strings.Contains(url, "://"):
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: unsupported store url %q", url))
	}
	return &File{Prefix: filepath.Clean(url)}, nil
}

func notFound(op, key string) error {
	return bigml.E(bigml.NotFound, fmt.Sprintf("storage: %s %s: key does not exist", op, key))
}

func checkKey(op, key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return bigml.E(bigml.Validation, fmt.Sprintf("storage: %s: invalid key %q", op, key))
	}
	for _, elem := range strings.Split(key, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return bigml.E(bigml.Validation, fmt.Sprintf("storage: %s: invalid key %q", op, key))
		}
	}
	return nil
}
