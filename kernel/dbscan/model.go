// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dbscan

import (
	"github.com/grailbio/bigml/wire"
)

// Model is the labelling of a dataset: Labels holds the cluster
// (1..Clusters) of each row, or 0 for noise, and Core whether the
// row is a core point.
type Model struct {
	Labels   []int
	Core     []bool
	Clusters int
}

// Encode serializes the model.
func (m *Model) Encode() []byte {
	w := wire.NewWriter(8 + 5*len(m.Labels))
	w.PutUint32(uint32(m.Clusters))
	w.PutUint32(uint32(len(m.Labels)))
	for i, l := range m.Labels {
		w.PutInt32(int32(l))
		w.PutBool(m.Core[i])
	}
	return w.Bytes()
}

// DecodeModel decodes a model serialized by Encode.
func DecodeModel(b []byte) (*Model, error) {
	r := wire.NewReader(b)
	m := &Model{Clusters: int(r.Uint32())}
	n := int(r.Uint32())
	if r.Err() == nil && n > r.Len()/5 {
		r.Fail("dbscan: model of %d labels in %d bytes", n, r.Len())
	}
	if r.Err() == nil {
		m.Labels = make([]int, n)
		m.Core = make([]bool, n)
		for i := 0; i < n; i++ {
			m.Labels[i] = int(r.Int32())
			m.Core[i] = r.Bool()
		}
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// unionFind is a disjoint-set forest over 0..n-1. The root of a
// set is always its smallest element.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	root := i
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[i] != root {
		i, uf.parent[i] = uf.parent[i], root
	}
	return root
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	switch {
	case ri < rj:
		uf.parent[rj] = ri
	case rj < ri:
		uf.parent[ri] = rj
	}
}
