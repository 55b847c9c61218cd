// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeans implements distributed k-means clustering.
//
// Centroids are replicated at every rank. Each iteration, ranks
// assign their rows to the nearest centroid and all-reduce the
// per-cluster sums and counts, from which every rank computes the
// same new centroids; rank 0's centroids are then broadcast.
// Clusters that lose all their points are reseeded with the points
// farthest from their nearest centroid, drawn from candidates
// gathered from every rank.
//
// Initialization draws each centroid in two stages: every rank
// proposes a local candidate together with its total sampling
// weight, and a generator shared by all ranks picks a rank in
// proportion to those weights. The resulting draw has the same
// distribution as sampling from the whole dataset.
package kmeans

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
)

func init() {
	kernel.Register(bigml.KMeans, New)
}

// Initialization methods.
const (
	InitRandom   = "random"
	InitPlusPlus = "kmeans++"
	InitFarthest = "farthest"
)

// KMeans is the k-means kernel.
type KMeans struct {
	k, nInit  int
	init      string
	seed      int64
	tol       float64
	maxIter   int
	d         int
	centroids []float64

	// run is the index of the current initialization and runIter
	// the number of iterations it has executed. needInit is set
	// when the next step must initialize a new run.
	run, runIter int
	needInit     bool
	converged    int

	best        []float64
	bestInertia float64
}

// New returns a k-means kernel for the descriptor d.
func New(d bigml.Descriptor) (kernel.Kernel, error) {
	m := &KMeans{
		init:        d.Param(bigml.ParamInit, InitPlusPlus),
		tol:         d.Tolerance,
		maxIter:     d.MaxIterations,
		needInit:    true,
		bestInertia: math.Inf(1),
	}
	var err error
	if m.k, err = d.IntParam(bigml.ParamK, 0); err != nil {
		return nil, err
	}
	if m.k < 1 {
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("kmeans: k must be positive, got %d", m.k))
	}
	if m.nInit, err = d.IntParam(bigml.ParamNInit, 1); err != nil {
		return nil, err
	}
	if m.nInit < 1 {
		m.nInit = 1
	}
	seed, err := d.IntParam(bigml.ParamSeed, 0)
	if err != nil {
		return nil, err
	}
	m.seed = int64(seed)
	switch m.init {
	case InitRandom, InitPlusPlus, InitFarthest:
	default:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("kmeans: unknown initialization %q", m.init))
	}
	return m, nil
}

// Budget returns the iteration cap over all runs.
func (m *KMeans) Budget() int { return m.maxIter * m.nInit }

// Init checks that there are at least k rows.
func (m *KMeans) Init(ctx context.Context, env *kernel.Env) error {
	if m.k > env.TotalRows {
		return bigml.E(bigml.Validation, fmt.Sprintf("kmeans: k=%d exceeds the %d rows of %s", m.k, env.TotalRows, env.Desc.Input))
	}
	m.d = env.Features.Cols()
	return nil
}

// candidate is a rank's proposal for the next centroid.
type candidate struct {
	weight float64
	row    []float64
}

func encodeCandidates(cs []candidate) []byte {
	w := wire.NewWriter(64)
	w.PutUint32(uint32(len(cs)))
	for _, c := range cs {
		w.PutFloat64(c.weight)
		w.PutUint32(uint32(len(c.row)))
		w.PutFloat64s(c.row)
	}
	return w.Bytes()
}

func decodeCandidates(b []byte) ([]candidate, error) {
	r := wire.NewReader(b)
	cs := make([]candidate, r.Uint32())
	for i := range cs {
		cs[i].weight = r.Float64()
		cs[i].row = r.Float64s(int(r.Uint32()))
	}
	return cs, r.Done()
}

// gather all-gathers each rank's candidates.
func gather(ctx context.Context, c *comm.Comm, local []candidate) ([][]candidate, error) {
	parts, err := c.AllGather(ctx, encodeCandidates(local))
	if err != nil {
		return nil, err
	}
	all := make([][]candidate, len(parts))
	for i, p := range parts {
		if all[i], err = decodeCandidates(p); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// draw is the way a centroid candidate is drawn from the rows.
type draw int

const (
	uniform draw = iota
	// weighted draws in proportion to the squared distance to the
	// nearest chosen centroid.
	weighted
	// farthest takes the row farthest from the chosen centroids.
	farthest
)

// initialize chooses the centroids of the current run.
func (m *KMeans) initialize(ctx context.Context, env *kernel.Env) error {
	var (
		x      = env.Features
		shared = rand.New(rand.NewSource(m.seed*1000003 + int64(m.run)))
		local  = rand.New(rand.NewSource(m.seed*1000003 + int64(m.run)*7919 + int64(env.Rank()+1)*104729))
		chosen = make([]float64, 0, m.k*m.d)
		dist   = make([]float64, x.Rows())
	)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	for c := 0; c < m.k; c++ {
		how := uniform
		if c > 0 {
			last := chosen[(c-1)*m.d:]
			for i := range dist {
				dist[i] = math.Min(dist[i], tensor.SquaredDistance(last, x.Row(i)))
			}
			switch m.init {
			case InitPlusPlus:
				how = weighted
			case InitFarthest:
				how = farthest
			}
		}
		// The second proposal is uniform over the local rows; it is
		// used when no row has positive weight.
		props := []candidate{propose(local, x, dist, how), propose(local, x, dist, uniform)}
		all, err := gather(ctx, env.Comm, props)
		if err != nil {
			return err
		}
		j, pick := 0, choose(shared, all, 0, how == farthest)
		if pick < 0 {
			j, pick = 1, choose(shared, all, 1, false)
		}
		if pick < 0 {
			return bigml.E(bigml.Validation, "kmeans: no rows to draw centroids from")
		}
		row := all[pick][j].row
		if len(row) != m.d {
			return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("kmeans: candidate of dimension %d, want %d", len(row), m.d))
		}
		chosen = append(chosen, row...)
	}
	centroids, err := env.Comm.BroadcastFloat64s(ctx, chosen, 0)
	if err != nil {
		return err
	}
	m.centroids = centroids
	log.Debug.Printf("job %s rank %d: k-means run %d initialized (%s)", env.JobID, env.Rank(), m.run, m.init)
	return nil
}

// propose draws a local row. Uniform proposals carry the local row
// count as their weight, and weighted proposals the sum of the
// squared distances dist, so that a rank chosen in proportion to
// the weights yields a draw over the whole dataset. Farthest
// proposals carry the largest squared distance. A proposal of zero
// weight is void.
func propose(r *rand.Rand, x *tensor.Matrix, dist []float64, how draw) candidate {
	n := x.Rows()
	if n == 0 {
		return candidate{}
	}
	switch how {
	case uniform:
		return candidate{weight: float64(n), row: x.Row(r.Intn(n))}
	case farthest:
		best := 0
		for i, d := range dist {
			if d > dist[best] {
				best = i
			}
		}
		return candidate{weight: dist[best], row: x.Row(best)}
	}
	var total float64
	for _, d := range dist {
		total += d
	}
	if total == 0 {
		return candidate{}
	}
	u := r.Float64() * total
	last := -1
	for i, d := range dist {
		if d == 0 {
			continue
		}
		last = i
		if u < d {
			break
		}
		u -= d
	}
	return candidate{weight: total, row: x.Row(last)}
}

// choose picks a rank from the proposals at index j: the rank with
// the largest weight if max is set (ties break to the lowest rank),
// and otherwise a rank drawn in proportion to the weights by the
// shared generator. It returns -1 if all weights are zero.
func choose(r *rand.Rand, all [][]candidate, j int, max bool) int {
	if max {
		best := -1
		for rank, cs := range all {
			if cs[j].weight > 0 && (best < 0 || cs[j].weight > all[best][j].weight) {
				best = rank
			}
		}
		return best
	}
	var total float64
	for _, cs := range all {
		total += cs[j].weight
	}
	if total == 0 {
		return -1
	}
	u := r.Float64() * total
	last := -1
	for rank, cs := range all {
		if cs[j].weight == 0 {
			continue
		}
		last = rank
		if u < cs[j].weight {
			break
		}
		u -= cs[j].weight
	}
	return last
}

// Step runs one Lloyd iteration of the current run, initializing
// the run first if needed.
func (m *KMeans) Step(ctx context.Context, env *kernel.Env, iter int) (kernel.Progress, error) {
	if m.needInit {
		if err := m.initialize(ctx, env); err != nil {
			return kernel.Progress{}, err
		}
		m.needInit = false
		m.runIter = 0
	}
	m.runIter++
	var (
		x    = env.Features
		k, d = m.k, m.d
		buf  = make([]float64, k*d+k+1)
		sums = buf[:k*d]
		cnts = buf[k*d : k*d+k]
	)
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		c, dist := nearest(m.centroids, d, row)
		for j, v := range row {
			sums[c*d+j] += v
		}
		cnts[c]++
		buf[k*d+k] += dist
	}
	buf, err := env.Comm.AllReduce(ctx, buf, comm.Sum)
	if err != nil {
		return kernel.Progress{}, err
	}
	sums, cnts = buf[:k*d], buf[k*d:k*d+k]
	inertia := buf[k*d+k]
	if math.IsNaN(inertia) || math.IsInf(inertia, 0) {
		return kernel.Progress{}, bigml.E(bigml.Numerical, fmt.Sprintf("kmeans: non-finite inertia at iteration %d", iter))
	}

	next := make([]float64, k*d)
	var empty []int
	for c := 0; c < k; c++ {
		if cnts[c] == 0 {
			empty = append(empty, c)
			continue
		}
		for j := 0; j < d; j++ {
			next[c*d+j] = sums[c*d+j] / cnts[c]
		}
	}
	if len(empty) > 0 {
		if err := m.reseed(ctx, env, next, empty); err != nil {
			return kernel.Progress{}, err
		}
	}
	next, err = env.Comm.BroadcastFloat64s(ctx, next, 0)
	if err != nil {
		return kernel.Progress{}, err
	}
	var shift float64
	for c := 0; c < k; c++ {
		shift = math.Max(shift, math.Sqrt(tensor.SquaredDistance(next[c*d:(c+1)*d], m.centroids[c*d:(c+1)*d])))
	}
	m.centroids = next

	p := kernel.Progress{Loss: inertia, Norm: shift}
	if runConverged := shift < m.tol; runConverged || m.runIter >= m.maxIter {
		if runConverged {
			m.converged++
		}
		// The reduced inertia above is that of the centroids the
		// iteration started from; runs are ranked by their final ones.
		final, err := m.inertia(ctx, env, m.centroids)
		if err != nil {
			return kernel.Progress{}, err
		}
		log.Debug.Printf("job %s rank %d: k-means run %d ended after %d iterations: inertia %g", env.JobID, env.Rank(), m.run, m.runIter, final)
		if final < m.bestInertia {
			m.bestInertia = final
			m.best = append([]float64(nil), m.centroids...)
		}
		m.run++
		m.needInit = true
		p.Converged = m.run >= m.nInit
	}
	return p, nil
}

// inertia returns the global sum of squared distances from each
// row to its nearest centroid.
func (m *KMeans) inertia(ctx context.Context, env *kernel.Env, centroids []float64) (float64, error) {
	var sum float64
	for i := 0; i < env.Features.Rows(); i++ {
		_, dist := nearest(centroids, m.d, env.Features.Row(i))
		sum += dist
	}
	return env.Comm.AllReduceScalar(ctx, sum, comm.Sum)
}

// reseed places the empty clusters at the points farthest from
// their nearest centroid. Each rank contributes its len(empty)
// farthest points; every rank picks the same global farthest ones.
func (m *KMeans) reseed(ctx context.Context, env *kernel.Env, next []float64, empty []int) error {
	x, d := env.Features, m.d
	type far struct {
		dist float64
		i    int
	}
	fars := make([]far, x.Rows())
	for i := range fars {
		_, dist := nearest(m.centroids, d, x.Row(i))
		fars[i] = far{dist, i}
	}
	sort.SliceStable(fars, func(i, j int) bool { return fars[i].dist > fars[j].dist })
	if len(fars) > len(empty) {
		fars = fars[:len(empty)]
	}
	local := make([]candidate, len(fars))
	for i, f := range fars {
		local[i] = candidate{weight: f.dist, row: x.Row(f.i)}
	}
	all, err := gather(ctx, env.Comm, local)
	if err != nil {
		return err
	}
	var pool []candidate
	for _, cs := range all {
		pool = append(pool, cs...)
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].weight > pool[j].weight })
	for i, c := range empty {
		if i >= len(pool) {
			copy(next[c*d:(c+1)*d], m.centroids[c*d:(c+1)*d])
			continue
		}
		if len(pool[i].row) != d {
			return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("kmeans: reseed candidate of dimension %d, want %d", len(pool[i].row), d))
		}
		copy(next[c*d:(c+1)*d], pool[i].row)
	}
	log.Debug.Printf("job %s rank %d: reseeded %d empty clusters", env.JobID, env.Rank(), len(empty))
	return nil
}

// Snapshot serializes the replicated state: the current and best
// centroids and the position within the runs.
func (m *KMeans) Snapshot() ([]byte, error) {
	w := wire.NewWriter(64 + 16*len(m.centroids))
	w.PutInt64(int64(m.run))
	w.PutInt64(int64(m.runIter))
	w.PutBool(m.needInit)
	w.PutInt64(int64(m.converged))
	w.PutFloat64(m.bestInertia)
	putFloat64s(w, m.centroids)
	putFloat64s(w, m.best)
	return w.Bytes(), nil
}

// Restore restores a snapshot.
func (m *KMeans) Restore(state []byte) error {
	r := wire.NewReader(state)
	run := int(r.Int64())
	runIter := int(r.Int64())
	needInit := r.Bool()
	converged := int(r.Int64())
	bestInertia := r.Float64()
	centroids := getFloat64s(r)
	best := getFloat64s(r)
	if err := r.Done(); err != nil {
		return err
	}
	if len(centroids) != 0 && len(centroids) != m.k*m.d && m.d != 0 {
		return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("kmeans: snapshot of %d centroid values, want %d", len(centroids), m.k*m.d))
	}
	m.run, m.runIter, m.needInit, m.converged = run, runIter, needInit, converged
	m.bestInertia = bestInertia
	m.centroids, m.best = nilIfEmpty(centroids), nilIfEmpty(best)
	return nil
}

func putFloat64s(w *wire.Writer, vs []float64) {
	w.PutUint32(uint32(len(vs)))
	w.PutFloat64s(vs)
}

func getFloat64s(r *wire.Reader) []float64 {
	return r.Float64s(int(r.Uint32()))
}

func nilIfEmpty(vs []float64) []float64 {
	if len(vs) == 0 {
		return nil
	}
	return vs
}

// Model returns the best centroids found so far, or the current
// centroids if no run has finished.
func (m *KMeans) Model() (*Model, error) {
	c := m.best
	if c == nil {
		c = m.centroids
	}
	if c == nil {
		return nil, bigml.E(bigml.Validation, "kmeans: no centroids")
	}
	centroids, err := tensor.NewMatrix(m.k, m.d, append([]float64(nil), c...))
	if err != nil {
		return nil, err
	}
	return &Model{Centroids: centroids}, nil
}

// Finalize computes the exact inertia of the best centroids.
func (m *KMeans) Finalize(ctx context.Context, env *kernel.Env) (*bigml.Result, error) {
	model, err := m.Model()
	if err != nil {
		return nil, err
	}
	inertia, err := m.inertia(ctx, env, model.Centroids.Data())
	if err != nil {
		return nil, err
	}
	return &bigml.Result{
		Model: model.Encode(),
		Loss:  inertia,
		Metrics: map[string]float64{
			"inertia":        inertia,
			"k":              float64(m.k),
			"runs":           float64(m.run),
			"runs_converged": float64(m.converged),
		},
	}, nil
}
