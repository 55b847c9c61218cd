// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dbscan

import (
	"math"
	"sort"
)

// boundary tells, for each point, whether it lies within ε of the
// boundary of the region spanned by the points: their convex hull
// for two-dimensional points, and their bounding box otherwise.
func boundary(points [][]float64, eps float64) []bool {
	near := make([]bool, len(points))
	if len(points) == 0 {
		return near
	}
	if len(points[0]) != 2 {
		lo := append([]float64(nil), points[0]...)
		hi := append([]float64(nil), points[0]...)
		for _, p := range points {
			for j, v := range p {
				lo[j] = math.Min(lo[j], v)
				hi[j] = math.Max(hi[j], v)
			}
		}
		for i, p := range points {
			for j, v := range p {
				if v-lo[j] <= eps || hi[j]-v <= eps {
					near[i] = true
					break
				}
			}
		}
		return near
	}
	h := hull(points)
	if len(h) < 3 {
		for i := range near {
			near[i] = true
		}
		return near
	}
	for i, p := range points {
		for k := range h {
			a, b := h[k], h[(k+1)%len(h)]
			if segmentDistance(p, a, b) <= eps {
				near[i] = true
				break
			}
		}
	}
	return near
}

// hull returns the vertices of the convex hull of the 2D points in
// counter-clockwise order, by Andrew's monotone chain.
func hull(points [][]float64) [][]float64 {
	ps := append([][]float64(nil), points...)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i][0] != ps[j][0] {
			return ps[i][0] < ps[j][0]
		}
		return ps[i][1] < ps[j][1]
	})
	if len(ps) < 3 {
		return ps
	}
	cross := func(o, a, b []float64) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}
	h := make([][]float64, 0, 2*len(ps))
	for _, p := range ps {
		for len(h) >= 2 && cross(h[len(h)-2], h[len(h)-1], p) <= 0 {
			h = h[:len(h)-1]
		}
		h = append(h, p)
	}
	lower := len(h) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(h) >= lower && cross(h[len(h)-2], h[len(h)-1], p) <= 0 {
			h = h[:len(h)-1]
		}
		h = append(h, p)
	}
	return h[:len(h)-1]
}

// segmentDistance returns the distance from p to the segment ab.
func segmentDistance(p, a, b []float64) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	t := 0.0
	if l2 > 0 {
		t = ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
