package simulate

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/domain/types"
	"github.com/okian/posepulse/pkg/logger"
)

// Motion ranges for a squat-like exercise.
const (
	amplitudeMin   = 0.02
	amplitudeRange = 0.04
	periodMinMS    = 800.0
	periodRangeMS  = 1200.0
	kneeShare      = 0.5
	armSwingShare  = 0.6
)

// upright is a standing pose in normalized coordinates, in joint order.
var upright = [model.JointCount][2]float64{
	{0.50, 0.15}, // nose
	{0.48, 0.13}, {0.52, 0.13}, // eyes
	{0.46, 0.14}, {0.54, 0.14}, // ears
	{0.40, 0.30}, {0.60, 0.30}, // shoulders
	{0.35, 0.45}, {0.65, 0.45}, // elbows
	{0.42, 0.58}, {0.58, 0.58}, // wrists
	{0.43, 0.60}, {0.57, 0.60}, // hips
	{0.42, 0.75}, {0.58, 0.75}, // knees
	{0.40, 0.90}, {0.60, 0.90}, // ankles
}

// Generator produces synthetic sessions. It is not safe for concurrent use.
type Generator struct {
	rng           *rand.Rand
	frames        int
	fps           int
	jitter        float64
	lowConfidence float64
}

// NewGenerator creates a generator for cfg. Equal seeds yield equal frames.
func NewGenerator(cfg *Config, seed uint64) *Generator {
	g := &Generator{
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		frames:        cfg.Frames,
		fps:           cfg.FPS,
		jitter:        cfg.Jitter,
		lowConfidence: cfg.LowConfidence,
	}
	if g.frames <= 0 {
		g.frames = DefaultFrames
	}
	if g.fps <= 0 {
		g.fps = DefaultFPS
	}
	if g.jitter < 0 {
		g.jitter = 0
	}
	return g
}

// Session generates one recording for userID.
func (g *Generator) Session(userID string) Session {
	amplitude := amplitudeMin + g.rng.Float64()*amplitudeRange
	period := periodMinMS + g.rng.Float64()*periodRangeMS
	offset := g.rng.Float64() * 2 * math.Pi

	frames := make([]types.FrameInput, g.frames)
	for i := range frames {
		ts := int64(i) * 1000 / int64(g.fps)
		phase := offset + 2*math.Pi*float64(ts)/period
		frames[i] = types.FrameInput{Timestamp: ts, Points: g.pose(amplitude, phase)}
	}
	return Session{UserID: userID, Frames: frames}
}

func (g *Generator) pose(amplitude, phase float64) []types.PointInput {
	dip := amplitude * (1 - math.Cos(phase)) / 2
	swing := amplitude * armSwingShare * math.Sin(phase)

	pts := make([]types.PointInput, model.JointCount)
	for j, xy := range upright {
		x, y := xy[0], xy[1]
		switch joint := model.Joint(j); {
		case joint <= model.RightHip:
			y += dip
		case joint <= model.RightKnee:
			y += dip * kneeShare
		}
		switch model.Joint(j) {
		case model.LeftWrist:
			x -= swing
		case model.RightWrist:
			x += swing
		}
		pts[j] = types.PointInput{
			X:          clamp01(x + g.rng.NormFloat64()*g.jitter),
			Y:          clamp01(y + g.rng.NormFloat64()*g.jitter),
			Confidence: g.confidence(),
		}
	}
	return pts
}

func (g *Generator) confidence() float64 {
	if g.rng.Float64() < g.lowConfidence {
		return g.rng.Float64() * lowConfidenceMax
	}
	return highConfidenceMin + g.rng.Float64()*highConfidenceRange
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// generateSessions creates the configured number of sessions with unique user IDs.
func generateSessions(ctx context.Context, cfg *Config, seed uint64, stats *Stats) []Session {
	logger.Get().Info(ctx, "generating sessions", logger.Int("sessions", cfg.Sessions), logger.Uint64("seed", seed))

	g := NewGenerator(cfg, seed)
	sessions := make([]Session, cfg.Sessions)
	for i := range sessions {
		sessions[i] = g.Session(uuid.NewString())
		stats.FramesGenerated += len(sessions[i].Frames)
	}
	stats.SessionsGenerated = len(sessions)
	return sessions
}
