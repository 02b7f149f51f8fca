// Package simulate drives a running agent with synthetic pose sessions.
package simulate

import (
	"time"

	"github.com/okian/posepulse/internal/domain/types"
)

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL       string        // Base URL of the agent's local API
	Sessions      int           // Number of synthetic sessions to generate
	Frames        int           // Frames per session
	FPS           int           // Capture rate used for timestamps
	Workers       int           // Number of concurrent workers
	Timeout       time.Duration // HTTP request timeout
	Jitter        float64       // Gaussian noise added to every coordinate
	LowConfidence float64       // Probability that a joint is reported with low confidence
	Streaming     bool          // Drive /sessions instead of /analyses
	Sync          bool          // Force an upload after submitting
	Seed          uint64        // Random seed; 0 picks one from the clock
	OutputFile    string        // Optional JSON dump of generated sessions
	Verbose       bool          // Enable verbose logging
}

// Session is one generated recording.
type Session struct {
	UserID string             `json:"user_id"`
	Frames []types.FrameInput `json:"frames"`
}

// Stats holds run statistics.
type Stats struct {
	SessionsGenerated int
	FramesGenerated   int
	Submitted         int
	Accepted          int
	Duplicate         int
	Failed            int
	Synced            bool
	Drained           bool
	Pending           int64
	Scores            []float64
	QueueByStatus     map[string]int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
