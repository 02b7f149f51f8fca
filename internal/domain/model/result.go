package model

import "time"

// Mode tells which engine path produced a result.
type Mode string

// Engine modes.
const (
	ModeBatch  Mode = "batch"
	ModeStream Mode = "stream"
)

// MetricsResult is the immutable outcome of one analysis. Scores are in [0,100].
type MetricsResult struct {
	OverallScore       float64   `json:"overallScore"`
	FormConsistency    float64   `json:"formConsistency"`
	MovementEfficiency float64   `json:"movementEfficiency"`
	TechniqueScore     float64   `json:"techniqueScore"`
	Balance            float64   `json:"balance"`
	DurationSeconds    float64   `json:"durationSeconds"`
	TotalFrames        int       `json:"totalFrames"`
	AverageConfidence  float64   `json:"averageConfidence"`
	ComputedAt         time.Time `json:"computedAt"`
	Mode               Mode      `json:"mode"`
	Partial            bool      `json:"partial"`
}

// Scores returns the four sub-scores followed by the overall score.
func (r MetricsResult) Scores() []float64 {
	return []float64{r.FormConsistency, r.MovementEfficiency, r.TechniqueScore, r.Balance, r.OverallScore}
}
