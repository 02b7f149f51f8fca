package simulate

import "time"

// Defaults applied to zero-valued Config fields.
const (
	DefaultFrames        = 90
	DefaultFPS           = 30
	DefaultJitter        = 0.004
	DefaultLowConfidence = 0.02
	DefaultTimeout       = 30 * time.Second
)

// Worker configuration constants.
const (
	WorkerChannelMultiplier = 2
)

// Submission listing bounds used for the summary.
const (
	submissionsLimit = 500
)

// Confidence ranges for generated keypoints.
const (
	highConfidenceMin   = 0.75
	highConfidenceRange = 0.24
	lowConfidenceMax    = 0.25
)
