// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gd

import (
	"context"
	"math"
	"testing"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/internal/synth"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/testutil/assert"
)

var trueWeights = []float64{1.5, -2.0, 0.7}

const trueBias = 0.25

func linearStore(t *testing.T, n int) *storage.Store {
	t.Helper()
	store := storage.New(storage.NewMemory())
	x, y := synth.Linear(n, trueWeights, trueBias, 0.1, 1)
	assert.NoError(t, store.WriteDataset(context.Background(), "data/linear", x, y))
	return store
}

func linearDesc(ranks int) bigml.Descriptor {
	return bigml.Descriptor{
		Kind:          bigml.LinearRegression,
		Input:         "data/linear",
		Output:        "models/linear",
		Partitioning:  bigml.Row,
		Ranks:         ranks,
		MaxIterations: 1000,
		Tolerance:     1e-6,
		LearningRate:  0.1,
	}
}

func run(t *testing.T, store *storage.Store, jobID string, d bigml.Descriptor, opts kernel.Options) kernel.Outcome {
	t.Helper()
	assert.NoError(t, d.Validate())
	out, err := kernel.RunLocal(context.Background(), store, jobID, d, opts)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func model(t *testing.T, out kernel.Outcome) *Model {
	t.Helper()
	if out.Result == nil {
		t.Fatalf("no result in outcome %+v", out)
	}
	m, err := DecodeModel(out.Result.Model)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// TestLinearRegression fits 1000 rows split over 2 ranks with plain
// gradient descent at learning rate 0.01 for at most 500 iterations.
func TestLinearRegression(t *testing.T) {
	store := linearStore(t, 1000)
	d := linearDesc(2)
	d.LearningRate = 0.01
	d.MaxIterations = 500
	out := run(t, store, "linear", d, kernel.Options{})
	if got, want := out.State, bigml.Completed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if out.Iteration > d.MaxIterations {
		t.Errorf("ran %d iterations", out.Iteration)
	}
	m := model(t, out)
	for i, w := range trueWeights {
		if math.Abs(m.Weights[i]-w) > 0.05 {
			t.Errorf("weight %d: got %v, want %v", i, m.Weights[i], w)
		}
	}
	if math.Abs(m.Bias-trueBias) > 0.05 {
		t.Errorf("bias: got %v, want %v", m.Bias, trueBias)
	}
	if loss := out.Result.Loss; loss >= 0.02 {
		t.Errorf("training loss %v", loss)
	}
	if got, want := len(out.Result.History), out.Iteration; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	x, y := synth.Linear(200, trueWeights, trueBias, 0.1, 2)
	p, err := m.PredictAll(x)
	assert.NoError(t, err)
	if r2 := R2(y, p); r2 < 0.95 {
		t.Errorf("held-out R² %v", r2)
	}

	b, err := store.ReadModel(context.Background(), "models/linear")
	assert.NoError(t, err)
	if got, want := string(b), string(out.Result.Model); got != want {
		t.Error("persisted model does not match result")
	}
}

func TestLinearRegressionRanks(t *testing.T) {
	store := linearStore(t, 1000)
	one := model(t, run(t, store, "one", linearDesc(1), kernel.Options{}))
	d := linearDesc(3)
	d.Partitioning = bigml.RoundRobin
	three := model(t, run(t, store, "three", d, kernel.Options{}))
	for i := range one.Weights {
		if math.Abs(one.Weights[i]-three.Weights[i]) > 1e-4 {
			t.Errorf("weight %d: %v (1 rank) vs %v (3 ranks)", i, one.Weights[i], three.Weights[i])
		}
	}
}

// TestLogisticRegression fits 8000 of 10000 rows of 20 features with
// noisy labels over 4 ranks with Adam and L2 regularization, and
// evaluates the model on the remaining 2000 rows.
func TestLogisticRegression(t *testing.T) {
	const (
		n     = 10000
		dims  = 20
		train = 8000
	)
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	x, y, _ := synth.Logistic(n, dims, 0.1, 3)
	xtrain, err := x.Slice(0, train, 0, dims)
	assert.NoError(t, err)
	assert.NoError(t, store.WriteDataset(ctx, "data/logistic", xtrain, tensor.NewVector(y.Data()[:train])))
	d := bigml.Descriptor{
		Kind:           bigml.LogisticRegression,
		Input:          "data/logistic",
		Output:         "models/logistic",
		Ranks:          4,
		MaxIterations:  2000,
		LearningRate:   0.001,
		Regularization: bigml.Regularization{Type: bigml.L2, Lambda: 0.01},
		Params: map[string]string{
			bigml.ParamOptimizer: "adam",
			bigml.ParamBeta1:     "0.9",
			bigml.ParamBeta2:     "0.999",
			bigml.ParamEpsilon:   "1e-8",
		},
	}
	out := run(t, store, "logistic", d, kernel.Options{})
	m := model(t, out)

	xtest, err := x.Slice(train, n, 0, dims)
	assert.NoError(t, err)
	labels := tensor.NewVector(y.Data()[train:])
	p, err := m.PredictAll(xtest)
	assert.NoError(t, err)
	if acc := Accuracy(labels, p); acc < 0.82 {
		t.Errorf("held-out accuracy %v", acc)
	}
	if auc := ROCAUC(labels.Data(), p.Data()); auc < 0.88 {
		t.Errorf("held-out AUC %v", auc)
	}
	h := out.Result.History
	if got, want := len(h), d.MaxIterations; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if h[len(h)-1].Loss >= h[0].Loss {
		t.Errorf("loss did not decrease: first %v, last %v", h[0], h[len(h)-1])
	}
}

func TestSingleSample(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	x, err := tensor.FromRows([][]float64{{1, 2}})
	assert.NoError(t, err)
	assert.NoError(t, store.WriteDataset(ctx, "one", x, tensor.NewVector([]float64{3})))
	d := bigml.Descriptor{
		Kind:          bigml.LinearRegression,
		Input:         "one",
		Output:        "out",
		MaxIterations: 1,
		LearningRate:  0.1,
	}
	out := run(t, store, "single", d, kernel.Options{})
	if got, want := out.Iteration, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m := model(t, out)
	w := append(m.Weights, m.Bias)
	if !tensor.NewVector(w).Finite() || tensor.NewVector(w).Norm2() == 0 {
		t.Errorf("bad update %v", w)
	}
}

func TestResumeMatchesUninterrupted(t *testing.T) {
	store := linearStore(t, 400)
	d := linearDesc(2)
	d.Tolerance = 0
	d.MaxIterations = 100
	d.CheckpointInterval = 20
	d.Params = map[string]string{bigml.ParamOptimizer: "momentum"}
	want := model(t, run(t, store, "straight", d, kernel.Options{}))

	var last int
	paused := run(t, store, "paused", d, kernel.Options{
		Progress: func(iter int, _ kernel.Progress) { last = iter },
		Signal: func() kernel.Signal {
			if last == 50 {
				return kernel.Pause
			}
			return kernel.None
		},
	})
	if got, want := paused.State, bigml.Paused; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if paused.Checkpoint == "" {
		t.Fatal("no pause checkpoint")
	}
	got := model(t, run(t, store, "paused", d, kernel.Options{Recovery: paused.Checkpoint}))
	for i := range want.Weights {
		if math.Abs(got.Weights[i]-want.Weights[i]) > 1e-9 {
			t.Errorf("weight %d: got %v, want %v", i, got.Weights[i], want.Weights[i])
		}
	}

	// Recovery from an old checkpoint prefers the newest one.
	old := storage.CheckpointKey(kernel.DefaultCheckpointPrefix, "straight", 20)
	out := run(t, store, "straight", d, kernel.Options{Recovery: old})
	if got, want := len(out.Result.History), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMiniBatch(t *testing.T) {
	store := linearStore(t, 1000)
	d := linearDesc(2)
	d.Tolerance = 0
	d.MaxIterations = 600
	d.Params = map[string]string{
		bigml.ParamBatchSize: "64",
		bigml.ParamSeed:      "7",
	}
	m := model(t, run(t, store, "minibatch", d, kernel.Options{}))
	for i, w := range trueWeights {
		if math.Abs(m.Weights[i]-w) > 0.2 {
			t.Errorf("weight %d: got %v, want %v", i, m.Weights[i], w)
		}
	}
}

func TestWarmStart(t *testing.T) {
	ctx := context.Background()
	store := linearStore(t, 500)
	warm := append(append([]float64(nil), trueWeights...), trueBias)
	assert.NoError(t, store.WriteVector(ctx, "warm", tensor.NewVector(warm)))
	d := linearDesc(2)
	d.MaxIterations = 1
	d.Params = map[string]string{bigml.ParamWarmStart: "warm"}
	m := model(t, run(t, store, "warm", d, kernel.Options{}))
	for i, w := range trueWeights {
		if math.Abs(m.Weights[i]-w) > 0.05 {
			t.Errorf("weight %d: got %v, want %v", i, m.Weights[i], w)
		}
	}

	assert.NoError(t, store.WriteVector(ctx, "short", tensor.NewVector([]float64{1})))
	d.Params[bigml.ParamWarmStart] = "short"
	_, err := kernel.RunLocal(ctx, store, "short", d, kernel.Options{})
	if !bigml.Is(bigml.ShapeMismatch, err) {
		t.Errorf("got %v, want shape mismatch", err)
	}
}

func TestRegularization(t *testing.T) {
	store := linearStore(t, 500)
	norms := make(map[bigml.Regularizer]float64)
	for _, reg := range []bigml.Regularizer{bigml.NoRegularizer, bigml.L1, bigml.L2} {
		d := linearDesc(2)
		d.Regularization = bigml.Regularization{Type: reg, Lambda: 0.5}
		m := model(t, run(t, store, reg.String(), d, kernel.Options{}))
		norms[reg] = tensor.NewVector(m.Weights).Norm2()
	}
	if norms[bigml.L1] >= norms[bigml.NoRegularizer] || norms[bigml.L2] >= norms[bigml.NoRegularizer] {
		t.Errorf("regularization did not shrink weights: %v", norms)
	}
}

func TestUnlabeled(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemory())
	assert.NoError(t, store.WriteMatrix(ctx, "data/linear", tensor.Ones(10, 3)))
	_, err := kernel.RunLocal(ctx, store, "unlabeled", linearDesc(2), kernel.Options{})
	if !bigml.Is(bigml.Validation, err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestSnapshot(t *testing.T) {
	d := linearDesc(1)
	d.Params = map[string]string{bigml.ParamOptimizer: "adam"}
	k, err := New(d)
	assert.NoError(t, err)
	l := k.(*Learner)
	l.theta = []float64{1, 2, 3}
	l.opt.update(l.theta, []float64{0.1, -0.2, 0.3}, l.lr)
	state, err := l.Snapshot()
	assert.NoError(t, err)

	k2, err := New(d)
	assert.NoError(t, err)
	l2 := k2.(*Learner)
	assert.NoError(t, l2.Restore(state))
	g := []float64{0.5, 0.5, 0.5}
	l.opt.update(l.theta, g, l.lr)
	l2.opt.update(l2.theta, g, l2.lr)
	for i := range l.theta {
		if l.theta[i] != l2.theta[i] {
			t.Errorf("parameter %d: %v != %v", i, l.theta[i], l2.theta[i])
		}
	}

	d.Params[bigml.ParamOptimizer] = "sgd"
	k3, err := New(d)
	assert.NoError(t, err)
	if err := k3.Restore(state); !bigml.Is(bigml.Decode, err) {
		t.Errorf("got %v, want decode error", err)
	}
}

func TestROCAUC(t *testing.T) {
	for _, c := range []struct {
		labels, scores []float64
		want           float64
	}{
		{[]float64{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9}, 1},
		{[]float64{1, 1, 0, 0}, []float64{0.1, 0.2, 0.8, 0.9}, 0},
		{[]float64{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5}, 0.5},
		{[]float64{0, 1, 1, 0}, []float64{0.1, 0.4, 0.35, 0.8}, 0.5},
	} {
		if got := ROCAUC(c.labels, c.scores); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("ROCAUC(%v, %v): got %v, want %v", c.labels, c.scores, got, c.want)
		}
	}
}
