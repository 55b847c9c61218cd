// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dbscan implements distributed density-based clustering.
//
// The computation takes a single BSP step. Each rank classifies its
// points as core or not, expands clusters among its own points, and
// ships core points with their local cluster labels to every rank.
// Rank 0 merges local clusters that have core points within ε of
// each other across ranks, using a union-find over (rank, local
// cluster) pairs, and broadcasts the merged labelling. Points that
// are not reached by any local cluster join the cluster of a remote
// core point within ε, if there is one, and otherwise remain noise.
//
// In exact mode (the default), every point is gathered to classify
// core points against the whole dataset, and every core point is
// shipped for merging; the result matches a single-rank run up to
// the assignment of border points reachable from several clusters.
// In hull mode, core points are classified against the rank's own
// points, and only core points within ε of the boundary of the
// rank's points are shipped.
package dbscan

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/wire"
)

func init() {
	kernel.Register(bigml.DBSCAN, New)
}

// Boundary modes.
const (
	Exact = "exact"
	Hull  = "hull"
)

// DBSCAN is the density clustering kernel.
type DBSCAN struct {
	eps       float64
	minPoints int
	mode      string
	approx    bool

	done bool
	// labels and core hold the final cluster (0 for noise) and core
	// flag of each local point; clusters is the number of clusters.
	labels   []int
	core     []bool
	clusters int
}

// New returns a DBSCAN kernel for descriptor d.
func New(d bigml.Descriptor) (kernel.Kernel, error) {
	k := &DBSCAN{mode: d.Param(bigml.ParamBoundary, Exact)}
	var err error
	if k.eps, err = d.FloatParam(bigml.ParamEps, 0); err != nil {
		return nil, err
	}
	if k.minPoints, err = d.IntParam(bigml.ParamMinPoints, 0); err != nil {
		return nil, err
	}
	if k.approx, err = d.BoolParam(bigml.ParamApproximate, false); err != nil {
		return nil, err
	}
	switch {
	case k.eps <= 0:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("dbscan: eps must be positive, got %g", k.eps))
	case k.minPoints < 1:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("dbscan: min_points must be positive, got %d", k.minPoints))
	case k.mode != Exact && k.mode != Hull:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("dbscan: unknown boundary mode %q", k.mode))
	}
	return k, nil
}

// Budget returns 1: clustering completes in one step.
func (k *DBSCAN) Budget() int { return 1 }

// Init is a no-op.
func (k *DBSCAN) Init(ctx context.Context, env *kernel.Env) error { return nil }

// Step clusters the dataset.
func (k *DBSCAN) Step(ctx context.Context, env *kernel.Env, iter int) (kernel.Progress, error) {
	if err := k.cluster(ctx, env); err != nil {
		return kernel.Progress{}, err
	}
	var noise float64
	for _, l := range k.labels {
		if l == 0 {
			noise++
		}
	}
	noise, err := env.Comm.AllReduceScalar(ctx, noise, comm.Sum)
	if err != nil {
		return kernel.Progress{}, err
	}
	var p kernel.Progress
	if env.TotalRows > 0 {
		p.Loss = noise / float64(env.TotalRows)
	}
	p.Norm = float64(k.clusters)
	p.Converged = true
	return p, nil
}

func rows(env *kernel.Env) [][]float64 {
	x := env.Features
	points := make([][]float64, x.Rows())
	for i := range points {
		points[i] = x.Row(i)
	}
	return points
}

// cluster computes the labels of the local points.
func (k *DBSCAN) cluster(ctx context.Context, env *kernel.Env) error {
	var (
		c      = env.Comm
		points = rows(env)
		local  = newIndex(points, k.eps, k.approx)
		core   = make([]bool, len(points))
	)
	if k.mode == Exact {
		all, err := allPoints(ctx, c, points, env.Features.Cols())
		if err != nil {
			return err
		}
		global := newIndex(all, k.eps, k.approx)
		for i, p := range points {
			core[i] = global.count(p) >= k.minPoints
		}
	} else {
		for i, p := range points {
			core[i] = local.count(p) >= k.minPoints
		}
	}
	labels, n := expand(local, core)

	ship := core
	if k.mode == Hull {
		near := boundary(points, k.eps)
		ship = make([]bool, len(points))
		for i := range ship {
			ship[i] = core[i] && near[i]
		}
	}
	var shipped []labeled
	for i, p := range points {
		if ship[i] {
			shipped = append(shipped, labeled{label: labels[i], point: p})
		}
	}
	parts, err := c.AllGather(ctx, encodeLabeled(shipped))
	if err != nil {
		return err
	}
	remote := make([][]labeled, len(parts))
	for r, b := range parts {
		if remote[r], err = decodeLabeled(b); err != nil {
			return err
		}
	}
	counts, err := c.AllGather(ctx, wire.EncodeFloat64s([]float64{float64(n)}))
	if err != nil {
		return err
	}
	sizes := make([]int, len(counts))
	for r, b := range counts {
		vs, err := wire.DecodeFloat64s(b)
		if err != nil {
			return err
		}
		if len(vs) != 1 {
			return bigml.E(bigml.Decode, "dbscan: malformed cluster count")
		}
		sizes[r] = int(vs[0])
	}

	var mapping []byte
	if c.IsMaster() {
		mapping = encodeMapping(merge(remote, sizes, k.eps, k.approx))
	}
	if mapping, err = c.Broadcast(ctx, mapping, 0); err != nil {
		return err
	}
	global, clusters, err := decodeMapping(mapping, c.Size())
	if err != nil {
		return err
	}
	mine := global[c.Rank()]
	if len(mine) != n+1 {
		return bigml.E(bigml.Protocol, fmt.Sprintf("dbscan: mapping of %d clusters for %d local clusters", len(mine)-1, n))
	}
	for i := range labels {
		labels[i] = mine[labels[i]]
	}

	// Points left unlabelled join the cluster of a remote core point
	// within ε, if any.
	var (
		others [][]float64
		owners []int
	)
	for r, ls := range remote {
		if r == c.Rank() {
			continue
		}
		for _, l := range ls {
			if l.label < 1 || l.label >= len(global[r]) {
				continue
			}
			others = append(others, l.point)
			owners = append(owners, global[r][l.label])
		}
	}
	near := newIndex(others, k.eps, k.approx)
	for i, p := range points {
		if labels[i] != 0 {
			continue
		}
		best := -1
		near.neighbors(p, func(j int) {
			if best < 0 || j < best {
				best = j
			}
		})
		if best >= 0 {
			labels[i] = owners[best]
		}
	}
	k.labels, k.core, k.clusters, k.done = labels, core, clusters, true
	log.Debug.Printf("job %s rank %d: dbscan: %d local points, %d local clusters, %d clusters",
		env.JobID, c.Rank(), len(points), n, clusters)
	return nil
}

// allPoints all-gathers every rank's points.
func allPoints(ctx context.Context, c *comm.Comm, points [][]float64, d int) ([][]float64, error) {
	flat := make([]float64, 0, len(points)*d)
	for _, p := range points {
		flat = append(flat, p...)
	}
	parts, err := c.AllGather(ctx, wire.EncodeFloat64s(flat))
	if err != nil {
		return nil, err
	}
	var all [][]float64
	for _, b := range parts {
		vs, err := wire.DecodeFloat64s(b)
		if err != nil {
			return nil, err
		}
		if d == 0 || len(vs)%d != 0 {
			return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("dbscan: %d values do not form points of dimension %d", len(vs), d))
		}
		for i := 0; i < len(vs); i += d {
			all = append(all, vs[i:i+d])
		}
	}
	return all, nil
}

// expand labels the clusters formed by the points indexed by ix,
// given their core flags: core points within ε of each other share
// a cluster, and other points join the first cluster that reaches
// them. Labels are 1..n in order of each cluster's first core point;
// 0 is unlabelled.
func expand(ix *index, core []bool) (labels []int, n int) {
	labels = make([]int, len(core))
	var queue []int
	for i := range core {
		if !core[i] || labels[i] != 0 {
			continue
		}
		n++
		labels[i] = n
		queue = append(queue[:0], i)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			ix.neighbors(ix.points[j], func(q int) {
				if labels[q] != 0 {
					return
				}
				labels[q] = n
				if core[q] {
					queue = append(queue, q)
				}
			})
		}
	}
	return labels, n
}

// labeled is a core point with its local cluster label.
type labeled struct {
	label int
	point []float64
}

func encodeLabeled(ls []labeled) []byte {
	w := wire.NewWriter(64)
	w.PutUint32(uint32(len(ls)))
	for _, l := range ls {
		w.PutInt32(int32(l.label))
		w.PutUint32(uint32(len(l.point)))
		w.PutFloat64s(l.point)
	}
	return w.Bytes()
}

func decodeLabeled(b []byte) ([]labeled, error) {
	r := wire.NewReader(b)
	n := int(r.Uint32())
	if r.Err() == nil && n > r.Len()/8 {
		r.Fail("dbscan: %d labeled points in %d bytes", n, r.Len())
	}
	var ls []labeled
	for i := 0; i < n && r.Err() == nil; i++ {
		label := int(r.Int32())
		point := r.Float64s(int(r.Uint32()))
		ls = append(ls, labeled{label, point})
	}
	return ls, r.Done()
}

// merge computes the global cluster of every local cluster. Local
// cluster l of rank r is element offset[r]+l-1 of a union-find;
// clusters are unioned whenever two shipped core points of
// different ranks lie within ε of each other. Pairs are examined in
// rank order. The result maps each rank's local labels (index 0
// being noise) to global labels numbered 1..K in order of their
// smallest element.
func merge(shipped [][]labeled, sizes []int, eps float64, approx bool) [][]int {
	offset := make([]int, len(sizes)+1)
	for r, n := range sizes {
		offset[r+1] = offset[r] + n
	}
	uf := newUnionFind(offset[len(sizes)])
	var (
		points [][]float64
		ids    []int
		ranks  []int
	)
	for r, ls := range shipped {
		for _, l := range ls {
			if l.label < 1 || l.label > sizes[r] {
				log.Error.Printf("dbscan: dropping core point with label %d from rank %d of %d clusters", l.label, r, sizes[r])
				continue
			}
			points = append(points, l.point)
			ids = append(ids, offset[r]+l.label-1)
			ranks = append(ranks, r)
		}
	}
	ix := newIndex(points, eps, approx)
	for i, p := range points {
		ix.neighbors(p, func(j int) {
			if j > i && ranks[j] != ranks[i] {
				uf.union(ids[i], ids[j])
			}
		})
	}
	global := make(map[int]int)
	mapping := make([][]int, len(sizes))
	for r, n := range sizes {
		mapping[r] = make([]int, n+1)
		for l := 1; l <= n; l++ {
			root := uf.find(offset[r] + l - 1)
			id, ok := global[root]
			if !ok {
				id = len(global) + 1
				global[root] = id
			}
			mapping[r][l] = id
		}
	}
	return mapping
}

func encodeMapping(mapping [][]int) []byte {
	w := wire.NewWriter(64)
	w.PutUint32(uint32(len(mapping)))
	for _, m := range mapping {
		w.PutUint32(uint32(len(m)))
		for _, id := range m {
			w.PutInt32(int32(id))
		}
	}
	return w.Bytes()
}

func decodeMapping(b []byte, size int) (mapping [][]int, clusters int, err error) {
	r := wire.NewReader(b)
	n := int(r.Uint32())
	if r.Err() == nil && n != size {
		r.Fail("dbscan: mapping for %d ranks in a group of %d", n, size)
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := int(r.Uint32())
		if k > r.Len()/4 {
			r.Fail("dbscan: mapping of %d clusters in %d bytes", k, r.Len())
			break
		}
		m := make([]int, k)
		for j := range m {
			m[j] = int(r.Int32())
			if m[j] > clusters {
				clusters = m[j]
			}
		}
		mapping = append(mapping, m)
	}
	if err := r.Done(); err != nil {
		return nil, 0, err
	}
	return mapping, clusters, nil
}

// Snapshot records whether clustering is done. Labels are local to
// each rank; a restored kernel recomputes them.
func (k *DBSCAN) Snapshot() ([]byte, error) {
	w := wire.NewWriter(1)
	w.PutBool(k.done)
	return w.Bytes(), nil
}

// Restore restores a snapshot.
func (k *DBSCAN) Restore(state []byte) error {
	r := wire.NewReader(state)
	done := r.Bool()
	if err := r.Done(); err != nil {
		return err
	}
	k.done = done
	k.labels, k.core = nil, nil
	return nil
}

// Finalize gathers the labels of every point, in dataset row order,
// to rank 0.
func (k *DBSCAN) Finalize(ctx context.Context, env *kernel.Env) (*bigml.Result, error) {
	if k.labels == nil {
		if err := k.cluster(ctx, env); err != nil {
			return nil, err
		}
	}
	w := wire.NewWriter(16 * len(k.labels))
	w.PutUint32(uint32(len(k.labels)))
	for i, l := range k.labels {
		w.PutUint64(uint64(env.RowIndex[i]))
		w.PutInt32(int32(l))
		w.PutBool(k.core[i])
	}
	parts, err := env.Comm.Gather(ctx, w.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	res := &bigml.Result{Metrics: make(map[string]float64)}
	if !env.Comm.IsMaster() {
		return res, nil
	}
	m := &Model{
		Labels:   make([]int, env.TotalRows),
		Core:     make([]bool, env.TotalRows),
		Clusters: k.clusters,
	}
	for _, b := range parts {
		r := wire.NewReader(b)
		n := int(r.Uint32())
		for i := 0; i < n && r.Err() == nil; i++ {
			row := int(r.Uint64())
			label := int(r.Int32())
			core := r.Bool()
			if r.Err() == nil && (row < 0 || row >= len(m.Labels)) {
				r.Fail("dbscan: row %d out of range", row)
				break
			}
			if r.Err() == nil {
				m.Labels[row], m.Core[row] = label, core
			}
		}
		if err := r.Done(); err != nil {
			return nil, err
		}
	}
	var clustered, cores float64
	for i, l := range m.Labels {
		if l != 0 {
			clustered++
		}
		if m.Core[i] {
			cores++
		}
	}
	res.Model = m.Encode()
	if n := float64(len(m.Labels)); n > 0 {
		res.Accuracy = clustered / n
		res.Loss = 1 - res.Accuracy
	}
	res.Metrics["clusters"] = float64(m.Clusters)
	res.Metrics["noise"] = float64(len(m.Labels)) - clustered
	res.Metrics["core"] = cores
	return res, nil
}
