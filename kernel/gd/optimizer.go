// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gd

import (
	"math"

	"github.com/grailbio/bigml/wire"
)

// An optimizer applies a gradient step to parameters.
type optimizer interface {
	// update steps theta against gradient g at learning rate lr.
	update(theta, g []float64, lr float64)
	encode(w *wire.Writer)
	decode(r *wire.Reader)
}

func putFloat64s(w *wire.Writer, vs []float64) {
	w.PutUint32(uint32(len(vs)))
	w.PutFloat64s(vs)
}

func getFloat64s(r *wire.Reader) []float64 {
	return r.Float64s(int(r.Uint32()))
}

// sgd is plain gradient descent: θ ← θ − ηg.
type sgd struct{}

func (sgd) update(theta, g []float64, lr float64) {
	for i := range theta {
		theta[i] -= lr * g[i]
	}
}

func (sgd) encode(*wire.Writer) {}
func (sgd) decode(*wire.Reader) {}

// momentum keeps a velocity v ← μv + g and steps θ ← θ − ηv.
type momentum struct {
	mu float64
	v  []float64
}

func (o *momentum) update(theta, g []float64, lr float64) {
	if o.v == nil {
		o.v = make([]float64, len(theta))
	}
	for i := range theta {
		o.v[i] = o.mu*o.v[i] + g[i]
		theta[i] -= lr * o.v[i]
	}
}

func (o *momentum) encode(w *wire.Writer) { putFloat64s(w, o.v) }

func (o *momentum) decode(r *wire.Reader) {
	o.v = getFloat64s(r)
	if len(o.v) == 0 {
		o.v = nil
	}
}

// adam maintains bias-corrected estimates of the gradient's first
// and second moments.
type adam struct {
	beta1, beta2, eps float64
	t                 int64
	m, v              []float64
}

func (o *adam) update(theta, g []float64, lr float64) {
	if o.m == nil {
		o.m = make([]float64, len(theta))
		o.v = make([]float64, len(theta))
	}
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i := range theta {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g[i]
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g[i]*g[i]
		mhat := o.m[i] / c1
		vhat := o.v[i] / c2
		theta[i] -= lr * mhat / (math.Sqrt(vhat) + o.eps)
	}
}

func (o *adam) encode(w *wire.Writer) {
	w.PutInt64(o.t)
	putFloat64s(w, o.m)
	putFloat64s(w, o.v)
}

func (o *adam) decode(r *wire.Reader) {
	o.t = r.Int64()
	o.m = getFloat64s(r)
	o.v = getFloat64s(r)
	if len(o.m) == 0 {
		o.m, o.v = nil, nil
	}
}
