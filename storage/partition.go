// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/tensor"
)

// Partition describes one piece of a stored matrix or dataset.
type Partition struct {
	// ID is the partition's canonical identifier; see
	// bigml.PartitionID.
	ID string
	// Owner is the rank that owns the partition.
	Owner int
	// Key is the storage key of the partitioned artefact.
	Key string
	// Strategy, Index, and Count determine which piece of the
	// artefact the partition is.
	Strategy     bigml.Strategy
	Index, Count int
	// RowOffset and ColOffset locate the partition's first element
	// in the artefact. They are not meaningful for round-robin
	// partitions, whose rows are RowOffset, RowOffset+Count, ...
	RowOffset, ColOffset int
	Rows, Cols           int
	Bytes                int64
	// Resident tells whether the partition is held in memory by its
	// owner.
	Resident bool
}

func (p Partition) String() string {
	return fmt.Sprintf("%s (%dx%d)", p.ID, p.Rows, p.Cols)
}

// span splits n items into count contiguous pieces and returns the
// offset and size of piece i. The last piece absorbs the remainder.
func span(n, count, i int) (off, size int) {
	base := n / count
	off = i * base
	size = base
	if i == count-1 {
		size = n - off
	}
	return
}

// Partition splits the artefact at key into n pieces according to
// strategy. Block partitioning requires n to be a perfect square;
// pieces are laid out row-major on the k×k grid.
func (s *Store) Partition(ctx context.Context, key string, strategy bigml.Strategy, n int) ([]Partition, error) {
	if n < 1 {
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: partition %s into %d pieces", key, n))
	}
	k := 0
	switch strategy {
	case bigml.Row, bigml.Column, bigml.RoundRobin:
	case bigml.Block:
		k = int(math.Round(math.Sqrt(float64(n))))
		if k*k != n {
			return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: block partitioning needs a square number of pieces, not %d", n))
		}
	default:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: unknown partitioning strategy %v", strategy))
	}
	m, err := s.ReadMatrix(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, cols := m.Shape()
	parts := make([]Partition, n)
	for i := range parts {
		p := Partition{
			ID:       bigml.PartitionID(key, strategy, i, n),
			Owner:    i,
			Key:      key,
			Strategy: strategy,
			Index:    i,
			Count:    n,
		}
		switch strategy {
		case bigml.Row:
			p.RowOffset, p.Rows = span(rows, n, i)
			p.Cols = cols
		case bigml.Column:
			p.ColOffset, p.Cols = span(cols, n, i)
			p.Rows = rows
		case bigml.Block:
			p.RowOffset, p.Rows = span(rows, k, i/k)
			p.ColOffset, p.Cols = span(cols, k, i%k)
		case bigml.RoundRobin:
			p.RowOffset = i
			if i < rows {
				p.Rows = (rows - i + n - 1) / n
			}
			p.Cols = cols
		}
		p.Bytes = int64(p.Rows) * int64(p.Cols) * 8
		parts[i] = p
	}
	return parts, nil
}

func (p Partition) rowIndex() []int {
	index := make([]int, p.Rows)
	for i := range index {
		index[i] = p.RowOffset + i*p.Count
	}
	return index
}

func (p Partition) extract(m *tensor.Matrix) (*tensor.Matrix, error) {
	if p.Strategy == bigml.RoundRobin {
		if p.Rows > 0 && p.RowOffset+(p.Rows-1)*p.Count >= m.Rows() {
			return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("storage: partition %s exceeds %d rows", p.ID, m.Rows()))
		}
		return m.SelectRows(p.rowIndex()), nil
	}
	return m.Slice(p.RowOffset, p.RowOffset+p.Rows, p.ColOffset, p.ColOffset+p.Cols)
}

// ReadPartition reads the piece of the artefact described by p.
func (s *Store) ReadPartition(ctx context.Context, p Partition) (*tensor.Matrix, error) {
	m, err := s.ReadMatrix(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	return p.extract(m)
}

// ReadLabeledPartition reads the features of partition p together
// with their labels. Only partitions of complete rows carry labels;
// labels is nil if the dataset is unlabeled.
func (s *Store) ReadLabeledPartition(ctx context.Context, p Partition) (features *tensor.Matrix, labels *tensor.Vector, err error) {
	if !p.Strategy.RowWise() {
		return nil, nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: %s partitions do not hold labels", p.Strategy))
	}
	m, y, err := s.ReadDataset(ctx, p.Key)
	if err != nil {
		return nil, nil, err
	}
	features, err = p.extract(m)
	if err != nil || y == nil {
		return features, nil, err
	}
	if p.Strategy == bigml.RoundRobin {
		return features, y.Select(p.rowIndex()), nil
	}
	index := make([]int, p.Rows)
	for i := range index {
		index[i] = p.RowOffset + i
	}
	return features, y.Select(index), nil
}

// Mode is a partition access mode.
type Mode int

const (
	// ReadOnly access may be shared among jobs.
	ReadOnly Mode = iota
	// Exclusive access excludes every other job.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type lockState struct {
	readers   int
	exclusive bool
}

// Acquire registers access to the partition with identifier id in
// the provided mode. Any number of ReadOnly holders may share a
// partition; an Exclusive holder excludes all others. Conflicting
// requests fail immediately with a validation error. The returned
// function releases the access; it may be called more than once.
func (s *Store) Acquire(id string, mode Mode) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[id]
	if l == nil {
		l = new(lockState)
		s.locks[id] = l
	}
	switch {
	case l.exclusive:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: partition %s is held exclusively", id))
	case mode == Exclusive && l.readers > 0:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("storage: partition %s is held by %d readers", id, l.readers))
	case mode == Exclusive:
		l.exclusive = true
	default:
		l.readers++
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if mode == Exclusive {
				l.exclusive = false
			} else {
				l.readers--
			}
			if !l.exclusive && l.readers == 0 {
				delete(s.locks, id)
			}
		})
	}, nil
}

// Holders returns the number of holders of partition id and whether
// it is held exclusively.
func (s *Store) Holders(id string) (n int, exclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[id]
	if l == nil {
		return 0, false
	}
	if l.exclusive {
		return 1, true
	}
	return l.readers, false
}
