// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gd

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/tensor"
	"github.com/grailbio/bigml/wire"
	"gonum.org/v1/gonum/floats"
)

// Model is a fitted linear or logistic model.
type Model struct {
	Kind    bigml.JobKind
	Weights []float64
	Bias    float64
}

// Predict returns the model's prediction for the feature row x:
// x·w+b for linear models, and σ(x·w+b) for logistic models.
func (m *Model) Predict(x []float64) float64 {
	z := floats.Dot(m.Weights, x) + m.Bias
	if m.Kind == bigml.LogisticRegression {
		return sigmoid(z)
	}
	return z
}

// PredictAll returns the model's predictions for each row of x.
func (m *Model) PredictAll(x *tensor.Matrix) (*tensor.Vector, error) {
	if x.Cols() != len(m.Weights) {
		return nil, bigml.E(bigml.ShapeMismatch, fmt.Sprintf("gd: %d features for a model of %d weights", x.Cols(), len(m.Weights)))
	}
	p := tensor.ZerosVec(x.Rows())
	for i := 0; i < x.Rows(); i++ {
		p.Set(i, m.Predict(x.Row(i)))
	}
	return p, nil
}

// Encode serializes the model.
func (m *Model) Encode() []byte {
	w := wire.NewWriter(24 + 8*len(m.Weights))
	w.PutUint32(uint32(m.Kind))
	w.PutUint32(uint32(len(m.Weights)))
	w.PutFloat64s(m.Weights)
	w.PutFloat64(m.Bias)
	return w.Bytes()
}

// DecodeModel decodes a model serialized by Encode.
func DecodeModel(b []byte) (*Model, error) {
	r := wire.NewReader(b)
	m := new(Model)
	m.Kind = bigml.JobKind(r.Uint32())
	m.Weights = r.Float64s(int(r.Uint32()))
	m.Bias = r.Float64()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if m.Kind != bigml.LinearRegression && m.Kind != bigml.LogisticRegression {
		return nil, bigml.E(bigml.Decode, fmt.Sprintf("gd: model of kind %s", m.Kind))
	}
	return m, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// R2 returns the coefficient of determination of predictions p
// for targets y.
func R2(y, p *tensor.Vector) float64 {
	mean := y.Mean()
	var res, tot float64
	for i, v := range y.Data() {
		res += (v - p.At(i)) * (v - p.At(i))
		tot += (v - mean) * (v - mean)
	}
	if tot == 0 {
		return 0
	}
	return 1 - res/tot
}

// Accuracy returns the fraction of probabilities p that fall on
// the same side of 0.5 as the binary labels y.
func Accuracy(y, p *tensor.Vector) float64 {
	if y.Len() == 0 {
		return 0
	}
	var correct int
	for i, v := range y.Data() {
		if (p.At(i) >= 0.5) == (v >= 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(y.Len())
}

// ROCAUC returns the area under the ROC curve of scores for the
// binary labels: the probability that a randomly chosen positive
// scores higher than a randomly chosen negative, counting ties as
// one half.
func ROCAUC(labels, scores []float64) float64 {
	index := make([]int, len(scores))
	for i := range index {
		index[i] = i
	}
	sort.Slice(index, func(i, j int) bool { return scores[index[i]] < scores[index[j]] })
	var (
		npos, nneg float64
		rankSum    float64
	)
	for i := 0; i < len(index); {
		j := i
		for j < len(index) && scores[index[j]] == scores[index[i]] {
			j++
		}
		// Ranks i+1..j share their average.
		rank := float64(i+1+j) / 2
		for _, k := range index[i:j] {
			if labels[k] >= 0.5 {
				npos++
				rankSum += rank
			} else {
				nneg++
			}
		}
		i = j
	}
	if npos == 0 || nneg == 0 {
		return 0.5
	}
	return (rankSum - npos*(npos+1)/2) / (npos * nneg)
}
