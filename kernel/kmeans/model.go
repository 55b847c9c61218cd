// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"fmt"
	"math"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
)

// Model is a set of fitted centroids.
type Model struct {
	Centroids *tensor.Matrix
}

// Nearest returns the index of the centroid nearest to x and its
// squared distance. Ties break to the lowest index.
func (m *Model) Nearest(x []float64) (int, float64) {
	return nearest(m.Centroids.Data(), m.Centroids.Cols(), x)
}

// Assign returns the index of the nearest centroid of each row of x.
func (m *Model) Assign(x *tensor.Matrix) ([]int, error) {
	if x.Cols() != m.Centroids.Cols() {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("kmeans: %d features for centroids of dimension %d", x.Cols(), m.Centroids.Cols()))
	}
	a := make([]int, x.Rows())
	for i := range a {
		a[i], _ = m.Nearest(x.Row(i))
	}
	return a, nil
}

// Encode serializes the model.
func (m *Model) Encode() []byte {
	w := wire.NewWriter(24 + 8*len(m.Centroids.Data()))
	w.PutMatrix(m.Centroids)
	return w.Bytes()
}

// DecodeModel decodes a model serialized by Encode.
func DecodeModel(b []byte) (*Model, error) {
	r := wire.NewReader(b)
	m := &Model{Centroids: r.Matrix()}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// nearest returns the nearest of the k = len(centroids)/d centroids
// to x, with its squared distance.
func nearest(centroids []float64, d int, x []float64) (int, float64) {
	best, min := -1, math.Inf(1)
	for c := 0; c*d < len(centroids); c++ {
		if dist := tensor.SquaredDistance(centroids[c*d:(c+1)*d], x); dist < min {
			best, min = c, dist
		}
	}
	return best, min
}
