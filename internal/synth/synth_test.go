// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package synth

import (
	"math"
	"testing"
)

func TestLinear(t *testing.T) {
	x, y := Linear(100, []float64{1, 2}, 3, 0, 1)
	if got, want := x.Rows(), 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < x.Rows(); i++ {
		want := x.At(i, 0) + 2*x.At(i, 1) + 3
		if math.Abs(y.At(i)-want) > 1e-12 {
			t.Fatalf("row %d: got %v, want %v", i, y.At(i), want)
		}
	}
	x2, _ := Linear(100, []float64{1, 2}, 3, 0, 1)
	if !x.Equal(x2) {
		t.Error("not deterministic")
	}
}

func TestLogistic(t *testing.T) {
	_, y, w := Logistic(1000, 5, 0, 1)
	if got, want := len(w), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var pos float64
	for _, v := range y.Data() {
		if v != 0 && v != 1 {
			t.Fatalf("label %v", v)
		}
		pos += v
	}
	if pos < 200 || pos > 800 {
		t.Errorf("unbalanced labels: %v positives", pos)
	}
}

func TestCrescents(t *testing.T) {
	x, labels := Crescents(200, 0, 1)
	for i := 0; i < x.Rows(); i++ {
		var cx, cy float64
		if labels[i] == 1 {
			cx, cy = 1, 0.5
		}
		r := math.Hypot(x.At(i, 0)-cx, x.At(i, 1)-cy)
		if math.Abs(r-1) > 1e-9 {
			t.Fatalf("point %d off its crescent: radius %v", i, r)
		}
	}
}

func TestAdjustedRand(t *testing.T) {
	a := []int{0, 0, 1, 1, 2, 2}
	if got, want := AdjustedRand(a, []int{5, 5, 3, 3, 4, 4}), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := AdjustedRand(a, []int{0, 1, 2, 0, 1, 2}); got > 0 {
		t.Errorf("got %v, want <= 0", got)
	}
}
