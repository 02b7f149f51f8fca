package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestDistanceAndMidpoint(t *testing.T) {
	a, b := Point{X: 0.1, Y: 0.1}, Point{X: 0.4, Y: 0.5}
	assert.InDelta(t, 0.5, Distance(a, b), eps)
	assert.InDelta(t, 0.0, Distance(a, a), eps)

	m := Midpoint(a, b)
	assert.InDelta(t, 0.25, m.X, eps)
	assert.InDelta(t, 0.3, m.Y, eps)
}

func TestAngle(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c Point
		want    float64
	}{
		{"right angle", Point{1, 0}, Point{0, 0}, Point{0, 1}, 90},
		{"straight", Point{-1, 0}, Point{0, 0}, Point{1, 0}, 180},
		{"folded", Point{1, 0}, Point{0, 0}, Point{1, 0}, 0},
		{"sixty", Point{1, 0}, Point{0, 0}, Point{0.5, math.Sqrt(3) / 2}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Angle(tt.a, tt.b, tt.c)
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, ok := Angle(Point{0, 0}, Point{0, 0}, Point{1, 1})
	assert.False(t, ok, "zero-length arm has no angle")
}

func TestDifferences(t *testing.T) {
	// Constant velocity: no acceleration, no jerk.
	p := []Point{{0, 0}, {0.1, 0}, {0.2, 0}, {0.3, 0}}
	assert.InDelta(t, 0, SecondDifference(p[0], p[1], p[2]), eps)
	assert.InDelta(t, 0, ThirdDifference(p[0], p[1], p[2], p[3]), eps)

	// Constant acceleration: second difference constant, no jerk.
	q := []Point{{0, 0}, {0, 0.01}, {0, 0.04}, {0, 0.09}}
	assert.InDelta(t, 0.02, SecondDifference(q[0], q[1], q[2]), eps)
	assert.InDelta(t, 0, ThirdDifference(q[0], q[1], q[2], q[3]), eps)

	// A single spike.
	r := []Point{{0, 0}, {0, 0}, {0, 0}, {0, 0.1}}
	assert.InDelta(t, 0.1, ThirdDifference(r[0], r[1], r[2], r[3]), eps)
}

func TestClampAndScore(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-3, 0, 1))
	assert.Equal(t, 1.0, Clamp(3, 0, 1))
	assert.Equal(t, 0.5, Clamp(0.5, 0, 1))
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 1))
	assert.Equal(t, 100.0, Score(math.Inf(1)))
	assert.Equal(t, 0.0, Score(math.Inf(-1)))
}

func TestLinearScore(t *testing.T) {
	assert.InDelta(t, 75, LinearScore(75, 60, 50, 90, 100), eps)
	assert.InDelta(t, 100, LinearScore(120, 60, 50, 90, 100), eps)
	assert.InDelta(t, 50, LinearScore(10, 60, 50, 90, 100), eps)
	assert.InDelta(t, 75, LinearScore(165, 150, 100, 180, 50), eps)
	assert.InDelta(t, 7, LinearScore(3, 1, 7, 1, 9), eps)
}

func TestMeanCentroidDispersion(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2, Mean([]float64{1, 2, 3}), eps)
	assert.InDelta(t, 6, Sum([]float64{1, 2, 3}), eps)

	_, ok := Centroid(nil)
	assert.False(t, ok)

	pts := []Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	c, ok := Centroid(pts)
	require.True(t, ok)
	assert.InDelta(t, 0.5, c.X, eps)
	assert.InDelta(t, 0.5, c.Y, eps)
	assert.InDelta(t, math.Sqrt(0.5), Dispersion(pts), eps)
	assert.Equal(t, 0.0, Dispersion(nil))
}
