// Package geometry holds the pure numeric helpers the metrics engine builds on.
// All coordinates are normalized to [0,1] image space.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Point is a 2D location in normalized image space.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Midpoint returns the point halfway between a and b.
func Midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// Angle returns the angle at vertex b formed by a-b-c, in degrees within
// [0,180]. ok is false when either arm has zero length.
func Angle(a, b, c Point) (deg float64, ok bool) {
	ux, uy := a.X-b.X, a.Y-b.Y
	vx, vy := c.X-b.X, c.Y-b.Y
	nu := math.Hypot(ux, uy)
	nv := math.Hypot(vx, vy)
	if nu == 0 || nv == 0 {
		return 0, false
	}
	cos := Clamp((ux*vx+uy*vy)/(nu*nv), -1, 1)
	return math.Acos(cos) * 180 / math.Pi, true
}

// SecondDifference returns the magnitude of p2 - 2p1 + p0, the discrete
// acceleration over unit steps.
func SecondDifference(p0, p1, p2 Point) float64 {
	return math.Hypot(p2.X-2*p1.X+p0.X, p2.Y-2*p1.Y+p0.Y)
}

// ThirdDifference returns the magnitude of p3 - 3p2 + 3p1 - p0, the discrete
// jerk over unit steps.
func ThirdDifference(p0, p1, p2, p3 Point) float64 {
	return math.Hypot(p3.X-3*p2.X+3*p1.X-p0.X, p3.Y-3*p2.Y+3*p1.Y-p0.Y)
}

// Clamp bounds v to [lo,hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Score clamps v to the [0,100] score range.
func Score(v float64) float64 {
	return Clamp(v, 0, 100)
}

// LinearScore interpolates between (x0,y0) and (x1,y1) and clamps the result
// to the y range of the segment.
func LinearScore(x, x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	y := y0 + (x-x0)*(y1-y0)/(x1-x0)
	return Clamp(y, math.Min(y0, y1), math.Max(y0, y1))
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Sum returns the sum of values.
func Sum(values []float64) float64 {
	return floats.Sum(values)
}

// Centroid returns the mean position of points. ok is false for no points.
func Centroid(points []Point) (c Point, ok bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i] = p.X, p.Y
	}
	return Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)}, true
}

// Dispersion returns the mean distance of points from their centroid.
func Dispersion(points []Point) float64 {
	c, ok := Centroid(points)
	if !ok {
		return 0
	}
	d := make([]float64, len(points))
	for i, p := range points {
		d[i] = Distance(p, c)
	}
	return stat.Mean(d, nil)
}
