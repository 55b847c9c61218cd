// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dbscan

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/bigml/tensor"
	"github.com/spaolacci/murmur3"
)

// maxGridDim is the largest dimension for which exact queries probe
// the 3^d surrounding grid cells; above it, the index scans.
const maxGridDim = 6

// index answers ε-neighbourhood queries over a set of points. Points
// are bucketed into a grid of cell size ε; cells are keyed by the
// murmur3 hash of their coordinates. Colliding cells share a bucket,
// which costs only extra distance checks.
//
// An exact index probes every cell adjacent to the query's cell. An
// approximate index probes only the query's cell and its neighbours
// along a single axis (2d+1 cells), and so misses neighbours that
// lie across a cell corner.
type index struct {
	points [][]float64
	eps2   float64
	eps    float64
	cells  map[uint64][]int
	approx bool
	dim    int
}

func newIndex(points [][]float64, eps float64, approx bool) *index {
	ix := &index{points: points, eps: eps, eps2: eps * eps, approx: approx}
	if len(points) == 0 {
		return ix
	}
	ix.dim = len(points[0])
	if !approx && ix.dim > maxGridDim {
		return ix
	}
	ix.cells = make(map[uint64][]int)
	cell := make([]int64, ix.dim)
	for i, p := range points {
		ix.cell(p, cell)
		k := key(cell)
		ix.cells[k] = append(ix.cells[k], i)
	}
	return ix
}

func (ix *index) cell(p []float64, cell []int64) {
	for j, v := range p {
		cell[j] = int64(math.Floor(v / ix.eps))
	}
}

func key(cell []int64) uint64 {
	var b [8]byte
	h := murmur3.New64()
	for _, c := range cell {
		binary.LittleEndian.PutUint64(b[:], uint64(c))
		h.Write(b[:])
	}
	return h.Sum64()
}

// neighbors calls fn for each indexed point within ε of p,
// including p itself if it is indexed. Points are visited in
// increasing index order within a cell.
func (ix *index) neighbors(p []float64, fn func(i int)) {
	if ix.cells == nil {
		for i, q := range ix.points {
			if tensor.SquaredDistance(p, q) <= ix.eps2 {
				fn(i)
			}
		}
		return
	}
	center := make([]int64, ix.dim)
	ix.cell(p, center)
	var seen []uint64
	visit := func(cell []int64) {
		k := key(cell)
		for _, s := range seen {
			if s == k {
				return
			}
		}
		seen = append(seen, k)
		for _, i := range ix.cells[k] {
			if tensor.SquaredDistance(p, ix.points[i]) <= ix.eps2 {
				fn(i)
			}
		}
	}
	if ix.approx {
		visit(center)
		cell := append([]int64(nil), center...)
		for j := range cell {
			for _, delta := range []int64{-1, 1} {
				cell[j] = center[j] + delta
				visit(cell)
			}
			cell[j] = center[j]
		}
		return
	}
	// Enumerate the 3^d offsets in {-1, 0, 1}^d.
	cell := make([]int64, ix.dim)
	offset := make([]int64, ix.dim)
	for j := range offset {
		offset[j] = -1
	}
	for {
		for j := range cell {
			cell[j] = center[j] + offset[j]
		}
		visit(cell)
		j := 0
		for ; j < len(offset); j++ {
			if offset[j] < 1 {
				offset[j]++
				break
			}
			offset[j] = -1
		}
		if j == len(offset) {
			return
		}
	}
}

// count returns the number of indexed points within ε of p.
func (ix *index) count(p []float64) int {
	var n int
	ix.neighbors(p, func(int) { n++ })
	return n
}
