// Package scoring turns keypoint sequences into bounded performance metrics.
//
// Every sub-metric has a defined fallback instead of an error: sequences too
// short for a metric score 0, and frames missing the joints a per-frame
// metric needs contribute a neutral 50.
package scoring

import (
	"context"
	"math"

	"github.com/okian/posepulse/internal/domain/geometry"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

const (
	neutralScore = 50
	maxScore     = 100

	// Elbow and knee angles in this range get full credit.
	fullCreditMinDeg = 90
	fullCreditMaxDeg = 150
	// Plausible range limits; credit falls linearly to neutral at these.
	plausibleMinDeg = 60
	plausibleMaxDeg = 180
)

// extremities are the joints tracked for jerk.
var extremities = [...]model.Joint{model.LeftWrist, model.RightWrist, model.LeftAnkle, model.RightAnkle}

// limbs are the (proximal, vertex, distal) triples checked for angle plausibility.
var limbs = [...][3]model.Joint{
	{model.LeftShoulder, model.LeftElbow, model.LeftWrist},
	{model.RightShoulder, model.RightElbow, model.RightWrist},
	{model.LeftHip, model.LeftKnee, model.LeftAnkle},
	{model.RightHip, model.RightKnee, model.RightAnkle},
}

// Engine computes MetricsResults. It holds no per-analysis state and is safe
// for concurrent use.
type Engine struct {
	params Params
	clock  timeutil.Clock
	log    logger.Logger
}

// NewEngine creates a metrics engine with configuration options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		params: DefaultParams(),
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Get().Named("scoring")
	}
	return e
}

// Params returns the active scaling constants.
func (e *Engine) Params() Params { return e.params }

// Compute runs the batch analysis over frames. An empty sequence yields a
// zeroed result with TotalFrames 0.
func (e *Engine) Compute(frames []model.KeypointFrame) model.MetricsResult {
	return e.compute(frames, model.ModeBatch, false)
}

func (e *Engine) compute(frames []model.KeypointFrame, mode model.Mode, partial bool) model.MetricsResult {
	start := e.clock.Now()
	res := model.MetricsResult{
		ComputedAt:  start,
		Mode:        mode,
		Partial:     partial,
		TotalFrames: len(frames),
	}
	if len(frames) == 0 {
		return res
	}

	norm := make([]model.KeypointFrame, len(frames))
	for i := range frames {
		norm[i] = frames[i].Normalized()
	}

	p := e.params
	res.FormConsistency = consistency(norm, p)
	res.MovementEfficiency = efficiency(norm, p)
	res.TechniqueScore = technique(norm, p)
	res.Balance = balance(norm, p)
	res.OverallScore = geometry.Score(p.Weights.Consistency*res.FormConsistency +
		p.Weights.Efficiency*res.MovementEfficiency +
		p.Weights.Technique*res.TechniqueScore +
		p.Weights.Balance*res.Balance)
	res.AverageConfidence = averageConfidence(norm)
	res.DurationSeconds = math.Max(0, float64(norm[len(norm)-1].Timestamp-norm[0].Timestamp)/1000)

	elapsed := e.clock.Since(start)
	metrics.RecordAnalysis(string(mode), float64(elapsed.Microseconds())/1000)
	if !partial {
		metrics.RecordOverallScore(res.OverallScore)
	}
	e.log.Debug(context.Background(), "metrics computed",
		logger.String("mode", string(mode)),
		logger.Int("frames", res.TotalFrames),
		logger.Float64("overall", res.OverallScore),
		logger.Bool("partial", partial),
	)
	return res
}

func pt(k model.Keypoint) geometry.Point {
	return geometry.Point{X: k.X, Y: k.Y}
}

// consistency averages the summed displacement of commonly visible joints
// over consecutive frame pairs.
func consistency(frames []model.KeypointFrame, p Params) float64 {
	if len(frames) < 2 {
		return 0
	}
	pairs := make([]float64, 0, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		prev, cur := &frames[i-1], &frames[i]
		sum, common := 0.0, 0
		for j := range cur.Points {
			a, b := prev.Points[j], cur.Points[j]
			if !a.Visible || !b.Visible {
				continue
			}
			sum += geometry.Distance(pt(a), pt(b))
			common++
		}
		if common > 0 {
			pairs = append(pairs, sum)
		}
	}
	if len(pairs) == 0 {
		return 0
	}
	return geometry.Score(maxScore - p.ConsistencyScale*geometry.Mean(pairs))
}

// efficiency maps the mean extremity jerk to a score. Three frames only admit
// a second difference, which then stands in for jerk.
func efficiency(frames []model.KeypointFrame, p Params) float64 {
	n := len(frames)
	if n < 3 {
		return 0
	}
	stencil := 4
	if n == 3 {
		stencil = 3
	}
	var mags []float64
	for _, j := range extremities {
		for i := stencil - 1; i < n; i++ {
			visible := true
			for k := i - stencil + 1; k <= i; k++ {
				if !frames[k].Points[j].Visible {
					visible = false
					break
				}
			}
			if !visible {
				continue
			}
			if stencil == 4 {
				mags = append(mags, geometry.ThirdDifference(
					pt(frames[i-3].Points[j]), pt(frames[i-2].Points[j]),
					pt(frames[i-1].Points[j]), pt(frames[i].Points[j])))
			} else {
				mags = append(mags, geometry.SecondDifference(
					pt(frames[i-2].Points[j]), pt(frames[i-1].Points[j]), pt(frames[i].Points[j])))
			}
		}
	}
	if len(mags) == 0 {
		return 0
	}
	return geometry.Score(maxScore * math.Exp(-geometry.Mean(mags)/p.EfficiencyScale))
}

func technique(frames []model.KeypointFrame, p Params) float64 {
	per := make([]float64, len(frames))
	for i := range frames {
		f := &frames[i]
		per[i] = geometry.Mean([]float64{symmetryScore(f, p), angleScore(f), alignmentScore(f, p)})
	}
	return geometry.Score(geometry.Mean(per))
}

func symmetryScore(f *model.KeypointFrame, p Params) float64 {
	var diffs []float64
	if f.Visible(model.LeftShoulder, model.RightShoulder) {
		diffs = append(diffs, math.Abs(f.Point(model.LeftShoulder).Y-f.Point(model.RightShoulder).Y))
	}
	if f.Visible(model.LeftHip, model.RightHip) {
		diffs = append(diffs, math.Abs(f.Point(model.LeftHip).Y-f.Point(model.RightHip).Y))
	}
	if len(diffs) == 0 {
		return neutralScore
	}
	return geometry.Score(maxScore - p.SymmetryScale*geometry.Mean(diffs))
}

func angleScore(f *model.KeypointFrame) float64 {
	var scores []float64
	for _, l := range limbs {
		if !f.Visible(l[0], l[1], l[2]) {
			continue
		}
		deg, ok := geometry.Angle(pt(f.Point(l[0])), pt(f.Point(l[1])), pt(f.Point(l[2])))
		if !ok {
			continue
		}
		scores = append(scores, AnglePlausibility(deg))
	}
	if len(scores) == 0 {
		return neutralScore
	}
	return geometry.Mean(scores)
}

// AnglePlausibility scores a joint angle in degrees: full credit within
// [90,150], falling linearly to 50 at 60 and at 180, and 0 below 60.
func AnglePlausibility(deg float64) float64 {
	switch {
	case deg < plausibleMinDeg:
		return 0
	case deg < fullCreditMinDeg:
		return geometry.LinearScore(deg, plausibleMinDeg, neutralScore, fullCreditMinDeg, maxScore)
	case deg <= fullCreditMaxDeg:
		return maxScore
	default:
		return geometry.LinearScore(deg, fullCreditMaxDeg, maxScore, plausibleMaxDeg, neutralScore)
	}
}

func alignmentScore(f *model.KeypointFrame, p Params) float64 {
	if !f.Visible(model.Nose, model.LeftHip, model.RightHip) {
		return neutralScore
	}
	hipMid := geometry.Midpoint(pt(f.Point(model.LeftHip)), pt(f.Point(model.RightHip)))
	return geometry.Score(maxScore - p.AlignmentScale*math.Abs(f.Point(model.Nose).X-hipMid.X))
}

// centerOfMass approximates the body center as the midpoint between the
// shoulder and hip midpoints.
func centerOfMass(f *model.KeypointFrame) (geometry.Point, bool) {
	if !f.Visible(model.LeftShoulder, model.RightShoulder, model.LeftHip, model.RightHip) {
		return geometry.Point{}, false
	}
	shoulders := geometry.Midpoint(pt(f.Point(model.LeftShoulder)), pt(f.Point(model.RightShoulder)))
	hips := geometry.Midpoint(pt(f.Point(model.LeftHip)), pt(f.Point(model.RightHip)))
	return geometry.Midpoint(shoulders, hips), true
}

func balance(frames []model.KeypointFrame, p Params) float64 {
	coms := make([]geometry.Point, 0, len(frames))
	for i := range frames {
		if c, ok := centerOfMass(&frames[i]); ok {
			coms = append(coms, c)
		}
	}
	mean, haveMean := geometry.Centroid(coms)

	per := make([]float64, len(frames))
	for i := range frames {
		f := &frames[i]
		stability := float64(neutralScore)
		if c, ok := centerOfMass(f); ok && haveMean {
			stability = geometry.Score(maxScore - p.StabilityScale*geometry.Distance(c, mean))
		}
		stance := float64(neutralScore)
		if f.Visible(model.LeftAnkle, model.RightAnkle) {
			sep := geometry.Distance(pt(f.Point(model.LeftAnkle)), pt(f.Point(model.RightAnkle)))
			stance = geometry.Score(maxScore - p.StanceScale*math.Abs(sep-p.StanceOptimum))
		}
		per[i] = (stability + stance) / 2
	}
	return geometry.Score(geometry.Mean(per))
}

func averageConfidence(frames []model.KeypointFrame) float64 {
	sum := 0.0
	for i := range frames {
		for _, k := range frames[i].Points {
			sum += k.Confidence
		}
	}
	return sum / float64(len(frames)*model.JointCount)
}
