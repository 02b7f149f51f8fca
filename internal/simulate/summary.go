package simulate

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/posepulse/pkg/logger"
)

// PercentageMultiplier converts ratios to percentages.
const PercentageMultiplier = 100

// ScoreSummary describes the distribution of overall scores.
type ScoreSummary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes the score distribution. An empty input yields a zero summary.
func Summarize(scores []float64) ScoreSummary {
	if len(scores) == 0 {
		return ScoreSummary{}
	}
	s := ScoreSummary{
		Count: len(scores),
		Min:   floats.Min(scores),
		Max:   floats.Max(scores),
	}
	s.Mean, s.StdDev = stat.MeanStdDev(scores, nil)
	if math.IsNaN(s.StdDev) {
		s.StdDev = 0
	}
	return s
}

// verifyScores checks every returned overall score is a finite value in [0, 100].
func verifyScores(scores []float64) error {
	for i, v := range scores {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return fmt.Errorf("score %d out of range: %v", i, v)
		}
	}
	return nil
}

// displayFinalStats logs the run statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var successRate, sessionsPerSecond float64
	if stats.Submitted > 0 {
		successRate = float64(stats.Accepted+stats.Duplicate) / float64(stats.Submitted) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		sessionsPerSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	sum := Summarize(stats.Scores)

	logger.Get().Info(ctx, "final statistics",
		logger.Int("sessionsGenerated", stats.SessionsGenerated),
		logger.Int("framesGenerated", stats.FramesGenerated),
		logger.Int("submitted", stats.Submitted),
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicate", stats.Duplicate),
		logger.Int("failed", stats.Failed),
		logger.Bool("synced", stats.Synced),
		logger.Bool("drained", stats.Drained),
		logger.Int64("pending", stats.Pending),
		logger.Any("queue", stats.QueueByStatus),
		logger.Float64("scoreMean", sum.Mean),
		logger.Float64("scoreStdDev", sum.StdDev),
		logger.Float64("scoreMin", sum.Min),
		logger.Float64("scoreMax", sum.Max),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("successRate", successRate),
		logger.Float64("sessionsPerSecond", sessionsPerSecond),
	)
}
