// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package synth generates seeded synthetic datasets for tests and
// for the bigml gen command.
package synth

import (
	"math"
	"math/rand"

	"github.com/grailbio/bigml/tensor"
)

func mustMatrix(rows, cols int, data []float64) *tensor.Matrix {
	m, err := tensor.NewMatrix(rows, cols, data)
	if err != nil {
		panic(err)
	}
	return m
}

// Linear returns n rows of standard normal features and targets
// x·w + bias + N(0, noise²).
func Linear(n int, w []float64, bias, noise float64, seed int64) (*tensor.Matrix, *tensor.Vector) {
	r := rand.New(rand.NewSource(seed))
	d := len(w)
	x := make([]float64, n*d)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		v := bias
		for j := 0; j < d; j++ {
			x[i*d+j] = r.NormFloat64()
			v += x[i*d+j] * w[j]
		}
		y[i] = v + noise*r.NormFloat64()
	}
	return mustMatrix(n, d, x), tensor.NewVector(y)
}

// Logistic returns n rows of d standard normal features with binary
// labels drawn from a logistic model whose weights are also
// returned. The weights are drawn uniformly from [-16, 16), so that
// the model is nearly separable. A fraction flip of the labels is
// inverted.
func Logistic(n, d int, flip float64, seed int64) (*tensor.Matrix, *tensor.Vector, []float64) {
	r := rand.New(rand.NewSource(seed))
	w := make([]float64, d)
	for j := range w {
		w[j] = 16 * (2*r.Float64() - 1)
	}
	x := make([]float64, n*d)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		z := 0.0
		for j := 0; j < d; j++ {
			x[i*d+j] = r.NormFloat64()
			z += x[i*d+j] * w[j]
		}
		if r.Float64() < 1/(1+math.Exp(-z)) {
			y[i] = 1
		}
		if r.Float64() < flip {
			y[i] = 1 - y[i]
		}
	}
	return mustMatrix(n, d, x), tensor.NewVector(y), w
}

// Blobs returns n points scattered around the provided centers with
// standard deviation std, and the index of each point's center.
// Points are assigned to centers in turn.
func Blobs(n int, centers [][]float64, std float64, seed int64) (*tensor.Matrix, []int) {
	r := rand.New(rand.NewSource(seed))
	d := len(centers[0])
	x := make([]float64, n*d)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % len(centers)
		labels[i] = c
		for j := 0; j < d; j++ {
			x[i*d+j] = centers[c][j] + std*r.NormFloat64()
		}
	}
	return mustMatrix(n, d, x), labels
}

// Crescents returns n points on two interleaved half circles, with
// Gaussian noise of standard deviation noise, and each point's
// crescent (0 or 1).
func Crescents(n int, noise float64, seed int64) (*tensor.Matrix, []int) {
	r := rand.New(rand.NewSource(seed))
	x := make([]float64, 2*n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		t := math.Pi * r.Float64()
		if i%2 == 0 {
			x[2*i] = math.Cos(t)
			x[2*i+1] = math.Sin(t)
		} else {
			x[2*i] = 1 - math.Cos(t)
			x[2*i+1] = 0.5 - math.Sin(t)
			labels[i] = 1
		}
		x[2*i] += noise * r.NormFloat64()
		x[2*i+1] += noise * r.NormFloat64()
	}
	return mustMatrix(n, 2, x), labels
}

// Labels converts integer labels to a vector.
func Labels(labels []int) *tensor.Vector {
	v := make([]float64, len(labels))
	for i, l := range labels {
		v[i] = float64(l)
	}
	return tensor.NewVector(v)
}

// AdjustedRand returns the adjusted Rand index between two
// labelings of the same points.
func AdjustedRand(a, b []int) float64 {
	type pair struct{ a, b int }
	var (
		joint = make(map[pair]int)
		ca    = make(map[int]int)
		cb    = make(map[int]int)
	)
	for i := range a {
		joint[pair{a[i], b[i]}]++
		ca[a[i]]++
		cb[b[i]]++
	}
	choose2 := func(n int) float64 { return float64(n) * float64(n-1) / 2 }
	var index, sa, sb float64
	for _, n := range joint {
		index += choose2(n)
	}
	for _, n := range ca {
		sa += choose2(n)
	}
	for _, n := range cb {
		sb += choose2(n)
	}
	expected := sa * sb / choose2(len(a))
	max := (sa + sb) / 2
	if max == expected {
		return 1
	}
	return (index - expected) / (max - expected)
}
