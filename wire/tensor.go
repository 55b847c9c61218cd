// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"github.com/grailbio/bigml/tensor"
)

// PutMatrix appends the matrix payload (rows i64, cols i64,
// rows*cols doubles) of m.
func (w *Writer) PutMatrix(m *tensor.Matrix) {
	w.PutInt64(int64(m.Rows()))
	w.PutInt64(int64(m.Cols()))
	w.PutFloat64s(m.Data())
}

// Matrix decodes a matrix payload.
func (r *Reader) Matrix() *tensor.Matrix {
	rows, cols := r.Int64(), r.Int64()
	if r.err != nil {
		return nil
	}
	if rows < 0 || cols < 0 {
		r.Fail("negative matrix shape %dx%d", rows, cols)
		return nil
	}
	if cols != 0 && rows > int64(r.Len()/8)/cols {
		r.Fail("truncated %dx%d matrix in %d bytes", rows, cols, r.Len())
		return nil
	}
	data := r.Float64s(int(rows * cols))
	if r.err != nil {
		return nil
	}
	m, err := tensor.NewMatrix(int(rows), int(cols), data)
	if err != nil {
		r.Fail("%v", err)
		return nil
	}
	return m
}

// PutVector appends v as an n×1 matrix payload.
func (w *Writer) PutVector(v *tensor.Vector) {
	w.PutMatrix(v.Matrix())
}

// Vector decodes a vector payload: a matrix payload with one column.
func (r *Reader) Vector() *tensor.Vector {
	m := r.Matrix()
	if m == nil {
		return nil
	}
	if m.Cols() != 1 && !(m.Rows() == 0 && m.Cols() == 0) {
		r.Fail("vector payload has %d columns", m.Cols())
		return nil
	}
	return tensor.NewVector(m.Data())
}

// EncodeMatrix returns the matrix payload of m.
func EncodeMatrix(m *tensor.Matrix) []byte {
	w := NewWriter(16 + 8*len(m.Data()))
	w.PutMatrix(m)
	return w.Bytes()
}

// DecodeMatrix decodes a matrix payload.
func DecodeMatrix(b []byte) (*tensor.Matrix, error) {
	r := NewReader(b)
	m := r.Matrix()
	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeVector returns the vector payload of v.
func EncodeVector(v *tensor.Vector) []byte {
	w := NewWriter(16 + 8*v.Len())
	w.PutVector(v)
	return w.Bytes()
}

// DecodeVector decodes a vector payload.
func DecodeVector(b []byte) (*tensor.Vector, error) {
	r := NewReader(b)
	v := r.Vector()
	if err := r.Done(); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeFloat64s returns the encoding of a length-prefixed list of
// doubles.
func EncodeFloat64s(vs []float64) []byte {
	w := NewWriter(8 + 8*len(vs))
	w.PutUint64(uint64(len(vs)))
	w.PutFloat64s(vs)
	return w.Bytes()
}

// DecodeFloat64s decodes a list encoded by EncodeFloat64s.
func DecodeFloat64s(b []byte) ([]float64, error) {
	r := NewReader(b)
	n := r.Uint64()
	if r.Err() == nil && n > uint64(r.Len()/8) {
		r.Fail("truncated doubles: %d in %d bytes", n, r.Len())
	}
	vs := r.Float64s(int(n))
	if err := r.Done(); err != nil {
		return nil, err
	}
	return vs, nil
}
