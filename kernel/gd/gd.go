// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gd implements the distributed gradient learners: linear
// regression (squared or absolute error) and binary logistic
// regression, optimized by plain gradient descent, momentum, or
// Adam, with optional L1 or L2 regularization.
//
// Each iteration, every rank sums the per-sample gradients and
// losses of its rows (or of a seeded mini-batch of them); the sums
// are all-reduced and divided by the global sample count, yielding
// the mean gradient over the whole dataset. The regularization
// gradient is added, the gradient is clipped to a maximum L2 norm,
// and the optimizer step is applied identically at every rank.
// Rank 0 then broadcasts the updated parameters.
package gd

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/wire"
	"gonum.org/v1/gonum/floats"
)

func init() {
	kernel.Register(bigml.LinearRegression, New)
	kernel.Register(bigml.LogisticRegression, New)
}

// Learner is the gradient learner kernel.
type Learner struct {
	kind    bigml.JobKind
	loss    string
	optName string
	opt     optimizer
	lr      float64
	reg     bigml.Regularization
	clipMax float64
	batch   int
	seed    int64
	warm    string
	tol     float64

	// theta holds the weights followed by the bias.
	theta []float64
}

// New returns a learner for the descriptor d, which must be a
// linear or logistic regression job.
func New(d bigml.Descriptor) (kernel.Kernel, error) {
	if !d.Supervised() {
		return nil, bigml.E(bigml.Protocol, fmt.Sprintf("gd: cannot run %s", d.Kind))
	}
	l := &Learner{
		kind: d.Kind,
		lr:   d.LearningRate,
		reg:  d.Regularization,
		tol:  d.Tolerance,
		warm: d.Param(bigml.ParamWarmStart, ""),
	}
	if d.Kind == bigml.LogisticRegression {
		l.loss = d.Param(bigml.ParamLoss, "log")
	} else {
		l.loss = d.Param(bigml.ParamLoss, "mse")
	}
	var err error
	if l.clipMax, err = d.FloatParam(bigml.ParamClipMax, 1); err != nil {
		return nil, err
	}
	if l.batch, err = d.IntParam(bigml.ParamBatchSize, 0); err != nil {
		return nil, err
	}
	seed, err := d.IntParam(bigml.ParamSeed, 0)
	if err != nil {
		return nil, err
	}
	l.seed = int64(seed)
	l.optName = d.Param(bigml.ParamOptimizer, "sgd")
	switch l.optName {
	case "sgd":
		l.opt = sgd{}
	case "momentum":
		o := new(momentum)
		if o.mu, err = d.FloatParam(bigml.ParamMomentum, 0.9); err != nil {
			return nil, err
		}
		l.opt = o
	case "adam":
		o := new(adam)
		if o.beta1, err = d.FloatParam(bigml.ParamBeta1, 0.9); err != nil {
			return nil, err
		}
		if o.beta2, err = d.FloatParam(bigml.ParamBeta2, 0.999); err != nil {
			return nil, err
		}
		if o.eps, err = d.FloatParam(bigml.ParamEpsilon, 1e-8); err != nil {
			return nil, err
		}
		l.opt = o
	default:
		return nil, bigml.E(bigml.Validation, fmt.Sprintf("gd: unknown optimizer %q", l.optName))
	}
	return l, nil
}

// Init initializes the parameters to zero, or to the warm start
// vector (weights followed by an optional bias) if one is
// configured, and broadcasts rank 0's parameters.
func (l *Learner) Init(ctx context.Context, env *kernel.Env) error {
	if env.TotalRows == 0 {
		return bigml.E(bigml.Validation, fmt.Sprintf("gd: dataset %s is empty", env.Desc.Input))
	}
	d := env.Features.Cols()
	l.theta = make([]float64, d+1)
	if l.warm != "" {
		v, err := env.Store.ReadVector(ctx, l.warm)
		if err != nil {
			return err
		}
		if v.Len() != d && v.Len() != d+1 {
			return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("gd: warm start %s has %d values for %d features", l.warm, v.Len(), d))
		}
		copy(l.theta, v.Data())
	}
	theta, err := env.Comm.BroadcastFloat64s(ctx, l.theta, 0)
	if err != nil {
		return err
	}
	l.theta = theta
	return nil
}

// sample returns the indices of the local rows used in iteration
// iter. The generator is seeded by the seed, the rank, and the
// iteration, so that a resumed job samples the same batches.
func (l *Learner) sample(n, rank, iter int) []int {
	if l.batch <= 0 || l.batch >= n {
		index := make([]int, n)
		for i := range index {
			index[i] = i
		}
		return index
	}
	r := rand.New(rand.NewSource(l.seed*1000003 + int64(rank)*7919 + int64(iter)))
	return r.Perm(n)[:l.batch]
}

// gradient returns the loss of the prediction z for target y and
// its derivative with respect to z.
func (l *Learner) gradient(z, y float64) (loss, dz float64) {
	switch l.loss {
	case "mae":
		r := z - y
		switch {
		case r > 0:
			dz = 1
		case r < 0:
			dz = -1
		}
		return math.Abs(r), dz
	case "log":
		const eps = 1e-15
		p := sigmoid(z)
		pc := math.Min(math.Max(p, eps), 1-eps)
		return -(y*math.Log(pc) + (1-y)*math.Log(1-pc)), p - y
	default:
		r := z - y
		return 0.5 * r * r, r
	}
}

func (l *Learner) penalty() float64 {
	w := l.theta[:len(l.theta)-1]
	switch l.reg.Type {
	case bigml.L1:
		return l.reg.Lambda * floats.Norm(w, 1)
	case bigml.L2:
		return l.reg.Lambda * floats.Dot(w, w)
	}
	return 0
}

// Step runs one iteration of gradient descent.
func (l *Learner) Step(ctx context.Context, env *kernel.Env, iter int) (kernel.Progress, error) {
	var (
		x    = env.Features
		y    = env.Labels
		d    = len(l.theta) - 1
		w    = l.theta[:d]
		b    = l.theta[d]
		sums = make([]float64, d+3)
	)
	for _, i := range l.sample(x.Rows(), env.Rank(), iter) {
		row := x.Row(i)
		loss, dz := l.gradient(floats.Dot(w, row)+b, y.At(i))
		floats.AddScaled(sums[:d], dz, row)
		sums[d] += dz
		sums[d+1] += loss
		sums[d+2]++
	}
	sums, err := env.Comm.AllReduce(ctx, sums, comm.Sum)
	if err != nil {
		return kernel.Progress{}, err
	}
	n := sums[d+2]
	if n == 0 {
		return kernel.Progress{}, bigml.E(bigml.Numerical, "gd: empty batch")
	}
	g := sums[:d+1]
	floats.Scale(1/n, g)
	loss := sums[d+1]/n + l.penalty()
	if !finite(g) || math.IsNaN(loss) || math.IsInf(loss, 0) {
		return kernel.Progress{}, bigml.E(bigml.Numerical, fmt.Sprintf("gd: non-finite gradient at iteration %d", iter))
	}
	switch l.reg.Type {
	case bigml.L1:
		for j := 0; j < d; j++ {
			g[j] += l.reg.Lambda * sign(w[j])
		}
	case bigml.L2:
		for j := 0; j < d; j++ {
			g[j] += 2 * l.reg.Lambda * w[j]
		}
	}
	if norm := floats.Norm(g, 2); l.clipMax > 0 && norm > l.clipMax {
		floats.Scale(l.clipMax/norm, g)
	}
	prev := append([]float64(nil), l.theta...)
	l.opt.update(l.theta, g, l.lr)
	if !finite(l.theta) {
		return kernel.Progress{}, bigml.E(bigml.Numerical, fmt.Sprintf("gd: non-finite parameters at iteration %d", iter))
	}
	theta, err := env.Comm.BroadcastFloat64s(ctx, l.theta, 0)
	if err != nil {
		return kernel.Progress{}, err
	}
	l.theta = theta
	floats.Sub(prev, l.theta)
	delta := floats.Norm(prev, math.Inf(1))
	return kernel.Progress{
		Loss:      loss,
		Norm:      floats.Norm(l.theta[:d], 2),
		Converged: delta < l.tol,
	}, nil
}

// ScaleLearningRate scales the learner's learning rate by f.
func (l *Learner) ScaleLearningRate(f float64) {
	l.lr *= f
}

// Snapshot serializes the parameters, the learning rate and the
// optimizer state.
func (l *Learner) Snapshot() ([]byte, error) {
	w := wire.NewWriter(64 + 24*len(l.theta))
	w.PutString(l.optName)
	w.PutFloat64(l.lr)
	putFloat64s(w, l.theta)
	l.opt.encode(w)
	return w.Bytes(), nil
}

// Restore restores a snapshot.
func (l *Learner) Restore(state []byte) error {
	r := wire.NewReader(state)
	if name := r.Str(); r.Err() == nil && name != l.optName {
		r.Fail("snapshot of a %s learner restored into a %s learner", name, l.optName)
	}
	lr := r.Float64()
	theta := getFloat64s(r)
	if r.Err() == nil && l.theta != nil && len(theta) != len(l.theta) {
		r.Fail("snapshot has %d parameters, want %d", len(theta), len(l.theta))
	}
	l.opt.decode(r)
	if err := r.Done(); err != nil {
		return err
	}
	l.lr = lr
	l.theta = theta
	return nil
}

// Model returns the learner's current model.
func (l *Learner) Model() *Model {
	d := len(l.theta) - 1
	return &Model{
		Kind:    l.kind,
		Weights: append([]float64(nil), l.theta[:d]...),
		Bias:    l.theta[d],
	}
}

// Finalize evaluates the model on the training data: R² for linear
// models, and accuracy and ROC-AUC for logistic models.
func (l *Learner) Finalize(ctx context.Context, env *kernel.Env) (*bigml.Result, error) {
	m := l.Model()
	res := &bigml.Result{Model: m.Encode(), Metrics: make(map[string]float64)}
	x, y := env.Features, env.Labels
	if l.kind == bigml.LinearRegression {
		var s [5]float64
		for i := 0; i < x.Rows(); i++ {
			p, v := m.Predict(x.Row(i)), y.At(i)
			s[0] += v
			s[1] += v * v
			s[2] += (v - p) * (v - p)
			s[3] += math.Abs(v - p)
			s[4]++
		}
		sums, err := env.Comm.AllReduce(ctx, s[:], comm.Sum)
		if err != nil {
			return nil, err
		}
		n := sums[4]
		tot := sums[1] - sums[0]*sums[0]/n
		res.Metrics["mse"] = sums[2] / n
		res.Metrics["mae"] = sums[3] / n
		if tot > 0 {
			res.Accuracy = 1 - sums[2]/tot
		}
		res.Metrics["r2"] = res.Accuracy
		if l.loss == "mae" {
			res.Loss = res.Metrics["mae"] + l.penalty()
		} else {
			res.Loss = 0.5*res.Metrics["mse"] + l.penalty()
		}
		return res, nil
	}

	pairs := make([]float64, 0, 2*x.Rows())
	var s [3]float64
	for i := 0; i < x.Rows(); i++ {
		p, v := m.Predict(x.Row(i)), y.At(i)
		loss, _ := l.gradient(floats.Dot(m.Weights, x.Row(i))+m.Bias, v)
		s[0] += loss
		if (p >= 0.5) == (v >= 0.5) {
			s[1]++
		}
		s[2]++
		pairs = append(pairs, p, v)
	}
	sums, err := env.Comm.AllReduce(ctx, s[:], comm.Sum)
	if err != nil {
		return nil, err
	}
	gathered, err := env.Comm.Gather(ctx, wire.EncodeFloat64s(pairs), 0)
	if err != nil {
		return nil, err
	}
	n := sums[2]
	res.Loss = sums[0]/n + l.penalty()
	res.Accuracy = sums[1] / n
	res.Metrics["log_loss"] = sums[0] / n
	res.Metrics["accuracy"] = res.Accuracy
	if env.Comm.IsMaster() {
		var scores, labels []float64
		for _, b := range gathered {
			vs, err := wire.DecodeFloat64s(b)
			if err != nil {
				return nil, err
			}
			for i := 0; i+1 < len(vs); i += 2 {
				scores = append(scores, vs[i])
				labels = append(labels, vs[i+1])
			}
		}
		res.Metrics["auc"] = ROCAUC(labels, scores)
	}
	return res, nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func finite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
