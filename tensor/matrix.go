// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor implements dense double-precision matrices and
// vectors with eager operators. Arithmetic over operands of
// incompatible shapes returns an error of kind bigml.ShapeMismatch;
// element accessors panic on out-of-range indices.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/bigml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Matrix is a dense rows×cols matrix stored in row-major order.
// The invariant len(data) == rows*cols always holds.
type Matrix struct {
	rows, cols int
	data       []float64
}

// NewMatrix returns a rows×cols matrix backed by data. If data is
// nil, the matrix is zero-filled.
func NewMatrix(rows, cols int, data []float64) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor: negative shape %dx%d", rows, cols))
	}
	if data == nil {
		data = make([]float64, rows*cols)
	}
	if len(data) != rows*cols {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor: %d values for a %dx%d matrix", len(data), rows, cols))
	}
	return &Matrix{rows, cols, data}, nil
}

// Zeros returns a zero-filled rows×cols matrix.
func Zeros(rows, cols int) *Matrix {
	return &Matrix{rows, cols, make([]float64, rows*cols)}
}

// Ones returns a rows×cols matrix of ones.
func Ones(rows, cols int) *Matrix {
	m := Zeros(rows, cols)
	for i := range m.data {
		m.data[i] = 1
	}
	return m
}

// Identity returns the n×n identity matrix.
func Identity(n int) *Matrix {
	m := Zeros(n, n)
	for i := 0; i < n; i++ {
		m.data[i*n+i] = 1
	}
	return m
}

// Random returns a rows×cols matrix with values drawn uniformly
// from [lo, hi) by a generator seeded with seed.
func Random(rows, cols int, lo, hi float64, seed int64) *Matrix {
	r := rand.New(rand.NewSource(seed))
	m := Zeros(rows, cols)
	for i := range m.data {
		m.data[i] = lo + (hi-lo)*r.Float64()
	}
	return m
}

// FromRows returns a matrix whose rows are copies of the provided
// slices, which must all have the same length.
func FromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return Zeros(0, 0), nil
	}
	m := Zeros(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != m.cols {
			return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(row), m.cols))
		}
		copy(m.data[i*m.cols:], row)
	}
	return m, nil
}

// Rows returns the number of rows in m.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns in m.
func (m *Matrix) Cols() int { return m.cols }

// Shape returns (rows, cols).
func (m *Matrix) Shape() (int, int) { return m.rows, m.cols }

// Data returns the matrix's backing slice in row-major order.
func (m *Matrix) Data() []float64 { return m.data }

func (m *Matrix) check(i, j int) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("tensor: index (%d, %d) out of range for %dx%d matrix", i, j, m.rows, m.cols))
	}
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 {
	m.check(i, j)
	return m.data[i*m.cols+j]
}

// Set sets element (i, j) to v.
func (m *Matrix) Set(i, j int, v float64) {
	m.check(i, j)
	m.data[i*m.cols+j] = v
}

// Row returns row i. The returned slice aliases the matrix.
func (m *Matrix) Row(i int) []float64 {
	if i < 0 || i >= m.rows {
		panic(fmt.Sprintf("tensor: row %d out of range for %dx%d matrix", i, m.rows, m.cols))
	}
	return m.data[i*m.cols : (i+1)*m.cols]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	col := make([]float64, m.rows)
	for i := range col {
		col[i] = m.At(i, j)
	}
	return col
}

// Clone returns a deep copy of m.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{m.rows, m.cols, append([]float64(nil), m.data...)}
}

// Equal tells whether m and n have the same shape and values.
func (m *Matrix) Equal(n *Matrix) bool {
	if m.rows != n.rows || m.cols != n.cols {
		return false
	}
	return floats.Equal(m.data, n.data)
}

// EqualApprox tells whether m and n have the same shape and
// values within tol of each other.
func (m *Matrix) EqualApprox(n *Matrix, tol float64) bool {
	if m.rows != n.rows || m.cols != n.cols {
		return false
	}
	return floats.EqualApprox(m.data, n.data, tol)
}

func (m *Matrix) sameShape(op string, n *Matrix) error {
	if m.rows != n.rows || m.cols != n.cols {
		return bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.%s: %dx%d and %dx%d", op, m.rows, m.cols, n.rows, n.cols))
	}
	return nil
}

// Add returns m+n.
func (m *Matrix) Add(n *Matrix) (*Matrix, error) {
	if err := m.sameShape("Add", n); err != nil {
		return nil, err
	}
	r := m.Clone()
	floats.Add(r.data, n.data)
	return r, nil
}

// Sub returns m-n.
func (m *Matrix) Sub(n *Matrix) (*Matrix, error) {
	if err := m.sameShape("Sub", n); err != nil {
		return nil, err
	}
	r := m.Clone()
	floats.Sub(r.data, n.data)
	return r, nil
}

// MulElem returns the element-wise product of m and n.
func (m *Matrix) MulElem(n *Matrix) (*Matrix, error) {
	if err := m.sameShape("MulElem", n); err != nil {
		return nil, err
	}
	r := m.Clone()
	floats.Mul(r.data, n.data)
	return r, nil
}

// Scale returns f·m.
func (m *Matrix) Scale(f float64) *Matrix {
	r := m.Clone()
	floats.Scale(f, r.data)
	return r
}

// Sum returns the sum of m's elements.
func (m *Matrix) Sum() float64 { return floats.Sum(m.data) }

// Mul returns the matrix product m×n.
func (m *Matrix) Mul(n *Matrix) (*Matrix, error) {
	if m.cols != n.rows {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.Mul: %dx%d by %dx%d", m.rows, m.cols, n.rows, n.cols))
	}
	r := Zeros(m.rows, n.cols)
	if m.rows == 0 || n.cols == 0 || m.cols == 0 {
		return r, nil
	}
	r.dense().Mul(m.dense(), n.dense())
	return r, nil
}

// MulVec returns the matrix-vector product m×v.
func (m *Matrix) MulVec(v *Vector) (*Vector, error) {
	if m.cols != v.Len() {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.MulVec: %dx%d by %d", m.rows, m.cols, v.Len()))
	}
	r := NewVector(make([]float64, m.rows))
	for i := 0; i < m.rows; i++ {
		r.data[i] = floats.Dot(m.Row(i), v.data)
	}
	return r, nil
}

// T returns the transpose of m.
func (m *Matrix) T() *Matrix {
	r := Zeros(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			r.data[j*m.rows+i] = m.data[i*m.cols+j]
		}
	}
	return r
}

// ColMean returns the per-column mean of m.
func (m *Matrix) ColMean() *Vector {
	mean := NewVector(make([]float64, m.cols))
	for j := 0; j < m.cols; j++ {
		mean.data[j] = stat.Mean(m.Col(j), nil)
	}
	return mean
}

// ColStdDev returns the per-column sample standard deviation of m.
// Columns of fewer than two rows have zero deviation.
func (m *Matrix) ColStdDev() *Vector {
	std := NewVector(make([]float64, m.cols))
	if m.rows < 2 {
		return std
	}
	for j := 0; j < m.cols; j++ {
		_, std.data[j] = stat.MeanStdDev(m.Col(j), nil)
	}
	return std
}

// Frobenius returns the Frobenius norm of m.
func (m *Matrix) Frobenius() float64 {
	return floats.Norm(m.data, 2)
}

// Norm2 returns the L2 (spectral) norm of m: its largest singular
// value.
func (m *Matrix) Norm2() float64 {
	if m.rows == 0 || m.cols == 0 {
		return 0
	}
	if m.rows == 1 || m.cols == 1 {
		return m.Frobenius()
	}
	var svd mat.SVD
	if !svd.Factorize(m.dense(), mat.SVDNone) {
		return math.NaN()
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	return values[0]
}

// SelectRows returns a new matrix consisting of the rows of m at
// the provided indices, in order.
func (m *Matrix) SelectRows(index []int) *Matrix {
	r := Zeros(len(index), m.cols)
	for i, k := range index {
		copy(r.data[i*m.cols:], m.Row(k))
	}
	return r
}

// Slice returns a copy of the submatrix of rows [r0, r1) and
// columns [c0, c1).
func (m *Matrix) Slice(r0, r1, c0, c1 int) (*Matrix, error) {
	if r0 < 0 || r1 < r0 || r1 > m.rows || c0 < 0 || c1 < c0 || c1 > m.cols {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.Slice: [%d:%d, %d:%d] of %dx%d", r0, r1, c0, c1, m.rows, m.cols))
	}
	r := Zeros(r1-r0, c1-c0)
	for i := r0; i < r1; i++ {
		copy(r.data[(i-r0)*r.cols:], m.data[i*m.cols+c0:i*m.cols+c1])
	}
	return r, nil
}

// AppendRows returns a matrix consisting of the rows of m followed
// by the rows of n.
func (m *Matrix) AppendRows(n *Matrix) (*Matrix, error) {
	if m.rows == 0 && m.cols == 0 {
		return n.Clone(), nil
	}
	if n.rows == 0 && n.cols == 0 {
		return m.Clone(), nil
	}
	if m.cols != n.cols {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("tensor.AppendRows: %d and %d columns", m.cols, n.cols))
	}
	data := make([]float64, 0, len(m.data)+len(n.data))
	data = append(data, m.data...)
	data = append(data, n.data...)
	return &Matrix{m.rows + n.rows, m.cols, data}, nil
}

// Finite tells whether every element of m is finite.
func (m *Matrix) Finite() bool {
	return finite(m.data)
}

func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix(%dx%d)", m.rows, m.cols)
}

func (m *Matrix) dense() *mat.Dense {
	return mat.NewDense(m.rows, m.cols, m.data)
}

func finite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
