// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/bigml"
	"gonum.org/v1/gonum/floats"
)

// Vector is a dense vector: the special case of a matrix with one
// column.
type Vector struct {
	data []float64
}

// NewVector returns a vector backed by data.
func NewVector(data []float64) *Vector {
	if data == nil {
		data = []float64{}
	}
	return &Vector{data}
}

// ZerosVec returns a zero vector of length n.
func ZerosVec(n int) *Vector {
	return &Vector{make([]float64, n)}
}

// RandomVec returns a vector of length n with values drawn
// uniformly from [lo, hi) by a generator seeded with seed.
func RandomVec(n int, lo, hi float64, seed int64) *Vector {
	r := rand.New(rand.NewSource(seed))
	v := ZerosVec(n)
	for i := range v.data {
		v.data[i] = lo + (hi-lo)*r.Float64()
	}
	return v
}

// Len returns the length of v.
func (v *Vector) Len() int { return len(v.data) }

// Data returns the vector's backing slice.
func (v *Vector) Data() []float64 { return v.data }

// At returns element i.
func (v *Vector) At(i int) float64 {
	if i < 0 || i >= len(v.data) {
		panic(fmt.Sprintf("tensor: index %d out of range for vector of length %d", i, len(v.data)))
	}
	return v.data[i]
}

// Set sets element i to x.
func (v *Vector) Set(i int, x float64) {
	if i < 0 || i >= len(v.data) {
		panic(fmt.Sprintf("tensor: index %d out of range for vector of length %d", i, len(v.data)))
	}
	v.data[i] = x
}

// Clone returns a deep copy of v.
func (v *Vector) Clone() *Vector {
	return &Vector{append([]float64(nil), v.data...)}
}

// Matrix returns v as a Len()×1 matrix sharing v's storage.
func (v *Vector) Matrix() *Matrix {
	return &Matrix{len(v.data), 1, v.data}
}

// Equal tells whether v and w have the same length and values.
func (v *Vector) Equal(w *Vector) bool {
	return len(v.data) == len(w.data) && floats.Equal(v.data, w.data)
}

// EqualApprox tells whether v and w have the same length and values
// within tol of each other.
func (v *Vector) EqualApprox(w *Vector, tol float64) bool {
	return len(v.data) == len(w.data) && floats.EqualApprox(v.data, w.data, tol)
}

func (v *Vector) sameLen(op string, w *Vector) error {
	if len(v.data) != len(w.data) {
		return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.%s: lengths %d and %d", op, len(v.data), len(w.data)))
	}
	return nil
}

// Dot returns the dot product of v and w.
func (v *Vector) Dot(w *Vector) (float64, error) {
	if err := v.sameLen("Dot", w); err != nil {
		return 0, err
	}
	return floats.Dot(v.data, w.data), nil
}

// Add returns v+w.
func (v *Vector) Add(w *Vector) (*Vector, error) {
	if err := v.sameLen("Add", w); err != nil {
		return nil, err
	}
	r := v.Clone()
	floats.Add(r.data, w.data)
	return r, nil
}

// Sub returns v-w.
func (v *Vector) Sub(w *Vector) (*Vector, error) {
	if err := v.sameLen("Sub", w); err != nil {
		return nil, err
	}
	r := v.Clone()
	floats.Sub(r.data, w.data)
	return r, nil
}

// MulElem returns the element-wise product of v and w.
func (v *Vector) MulElem(w *Vector) (*Vector, error) {
	if err := v.sameLen("MulElem", w); err != nil {
		return nil, err
	}
	r := v.Clone()
	floats.Mul(r.data, w.data)
	return r, nil
}

// Scale returns f·v.
func (v *Vector) Scale(f float64) *Vector {
	r := v.Clone()
	floats.Scale(f, r.data)
	return r
}

// Sum returns the sum of v's elements.
func (v *Vector) Sum() float64 { return floats.Sum(v.data) }

// Mean returns the mean of v's elements, or NaN if v is empty.
func (v *Vector) Mean() float64 {
	if len(v.data) == 0 {
		return math.NaN()
	}
	return v.Sum() / float64(len(v.data))
}

// Min returns the smallest element of v, or NaN if v is empty.
func (v *Vector) Min() float64 {
	if len(v.data) == 0 {
		return math.NaN()
	}
	return floats.Min(v.data)
}

// Max returns the largest element of v, or NaN if v is empty.
func (v *Vector) Max() float64 {
	if len(v.data) == 0 {
		return math.NaN()
	}
	return floats.Max(v.data)
}

// Norm2 returns the Euclidean norm of v.
func (v *Vector) Norm2() float64 { return floats.Norm(v.data, 2) }

// NormInf returns the largest absolute value in v.
func (v *Vector) NormInf() float64 {
	var max float64
	for _, x := range v.data {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}

// Finite tells whether every element of v is finite.
func (v *Vector) Finite() bool { return finite(v.data) }

// Select returns the elements of v at the provided indices.
func (v *Vector) Select(index []int) *Vector {
	r := ZerosVec(len(index))
	for i, k := range index {
		r.data[i] = v.At(k)
	}
	return r
}

// Append returns the concatenation of v and w.
func (v *Vector) Append(w *Vector) *Vector {
	data := make([]float64, 0, len(v.data)+len(w.data))
	data = append(data, v.data...)
	return &Vector{append(data, w.data...)}
}

func (v *Vector) String() string {
	return fmt.Sprintf("Vector(%d)", len(v.data))
}

// SquaredDistance returns the squared Euclidean distance between x
// and y, which must have the same length.
func SquaredDistance(x, y []float64) float64 {
	var d float64
	for i := range x {
		e := x[i] - y[i]
		d += e * e
	}
	return d
}
