package scoring

import (
	"fmt"
	"math"
)

// Default scoring configuration constants.
const (
	defaultConsistencyScale = 100
	defaultEfficiencyScale  = 0.05
	defaultSymmetryScale    = 500
	defaultAlignmentScale   = 200
	defaultStabilityScale   = 300
	defaultStanceScale      = 300
	defaultStanceOptimum    = 0.2

	weightTolerance = 1e-6
)

// Weights is the convex combination producing the overall score. The same
// weights apply to batch results and streaming previews.
type Weights struct {
	Consistency float64
	Efficiency  float64
	Technique   float64
	Balance     float64
}

// Params holds the tunable scaling constants of the engine.
type Params struct {
	// ConsistencyScale converts the mean per-pair joint displacement into
	// points lost: 100 - scale*avg.
	ConsistencyScale float64
	// EfficiencyScale is the jerk decay constant: 100*exp(-avg/scale).
	EfficiencyScale float64
	// SymmetryScale penalizes left/right height differences of shoulders and hips.
	SymmetryScale float64
	// AlignmentScale penalizes horizontal offset of the nose from the hip midpoint.
	AlignmentScale float64
	// StabilityScale penalizes drift of the center of mass from its mean.
	StabilityScale float64
	// StanceScale penalizes ankle separation away from StanceOptimum.
	StanceScale   float64
	StanceOptimum float64

	Weights Weights
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		ConsistencyScale: defaultConsistencyScale,
		EfficiencyScale:  defaultEfficiencyScale,
		SymmetryScale:    defaultSymmetryScale,
		AlignmentScale:   defaultAlignmentScale,
		StabilityScale:   defaultStabilityScale,
		StanceScale:      defaultStanceScale,
		StanceOptimum:    defaultStanceOptimum,
		Weights: Weights{
			Consistency: 0.3,
			Efficiency:  0.25,
			Technique:   0.3,
			Balance:     0.15,
		},
	}
}

// Validate checks that scales are positive and the weights form a convex
// combination.
func (p Params) Validate() error {
	scales := map[string]float64{
		"consistency_scale": p.ConsistencyScale,
		"efficiency_scale":  p.EfficiencyScale,
		"symmetry_scale":    p.SymmetryScale,
		"alignment_scale":   p.AlignmentScale,
		"stability_scale":   p.StabilityScale,
		"stance_scale":      p.StanceScale,
	}
	for name, v := range scales {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParams, name, v)
		}
	}
	if p.StanceOptimum < 0 || p.StanceOptimum > 1 {
		return fmt.Errorf("%w: stance_optimum must be in [0,1], got %v", ErrInvalidParams, p.StanceOptimum)
	}
	w := p.Weights
	for _, v := range []float64{w.Consistency, w.Efficiency, w.Technique, w.Balance} {
		if v < 0 {
			return fmt.Errorf("%w: weights must be non-negative", ErrInvalidParams)
		}
	}
	if sum := w.Consistency + w.Efficiency + w.Technique + w.Balance; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights must sum to 1, got %v", ErrInvalidParams, sum)
	}
	return nil
}
