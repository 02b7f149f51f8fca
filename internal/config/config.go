// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat and snake_case so env vars map onto them directly.
// - Provide New() to build a Config with defaults.
// - Errors are wrapped with this package's sentinels.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/posepulse/internal/domain/scoring"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json log output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the local API listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite file backing the submission queue.
	DBPath string `koanf:"db_path"`

	// APIBaseURL is the remote API root; submissions go to {base}/submissions.
	APIBaseURL string `koanf:"api_base_url"`
	// APIToken is the bearer token presented to the remote API.
	APIToken string `koanf:"api_token"`
	// APITokenFile, when set, is re-read on every upload so a rotated token
	// resumes paused uploads without a restart. It takes precedence over APIToken.
	APITokenFile string `koanf:"api_token_file"`
	// UserID is attributed to requests that carry no user.
	UserID string `koanf:"user_id"`
	// SubmissionType is used when a request omits it.
	SubmissionType string `koanf:"submission_type"`

	// DebounceMS and WindowFrames tune streaming previews.
	DebounceMS   int `koanf:"debounce_ms"`
	WindowFrames int `koanf:"window_frames"`

	// Upload retries and scheduling.
	MaxRetries          int `koanf:"max_retries"`
	BackoffBaseMS       int `koanf:"backoff_base_ms"`
	BackoffMaxMS        int `koanf:"backoff_max_ms"`
	SchedulerIntervalMS int `koanf:"scheduler_interval_ms"`
	BatchSize           int `koanf:"batch_size"`
	RetentionDays       int `koanf:"retention_days"`
	UploadTimeoutMS     int `koanf:"upload_timeout_ms"`
	UploadRatePerMinute int `koanf:"upload_rate_per_minute"`
	ForceSyncGraceMS    int `koanf:"force_sync_grace_ms"`

	// SessionQueueSize bounds the frame backlog of a streaming session.
	SessionQueueSize int `koanf:"session_queue_size"`
	// MaxSessions caps concurrently open streaming sessions.
	MaxSessions int `koanf:"max_sessions"`

	// Engine tunables.
	ConsistencyScale float64 `koanf:"consistency_scale"`
	EfficiencyScale  float64 `koanf:"efficiency_scale"`
	SymmetryScale    float64 `koanf:"symmetry_scale"`
	AlignmentScale   float64 `koanf:"alignment_scale"`
	StabilityScale   float64 `koanf:"stability_scale"`
	StanceScale      float64 `koanf:"stance_scale"`
	StanceOptimum    float64 `koanf:"stance_optimum"`

	// Overall score weights; must sum to 1.
	WeightConsistency float64 `koanf:"weight_consistency"`
	WeightEfficiency  float64 `koanf:"weight_efficiency"`
	WeightTechnique   float64 `koanf:"weight_technique"`
	WeightBalance     float64 `koanf:"weight_balance"`
}

// New creates a Config holding the defaults.
func New() *Config {
	p := scoring.DefaultParams()
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9080",
		DBPath:              "posepulse.db",
		APIBaseURL:          "http://localhost:8000/api/v1",
		SubmissionType:      "analysis",
		DebounceMS:          300,
		WindowFrames:        150,
		MaxRetries:          5,
		BackoffBaseMS:       1_000,
		BackoffMaxMS:        3_600_000,
		SchedulerIntervalMS: 30_000,
		BatchSize:           10,
		RetentionDays:       14,
		UploadTimeoutMS:     15_000,
		UploadRatePerMinute: 20,
		ForceSyncGraceMS:    5_000,
		SessionQueueSize:    512,
		MaxSessions:         64,
		ConsistencyScale:    p.ConsistencyScale,
		EfficiencyScale:     p.EfficiencyScale,
		SymmetryScale:       p.SymmetryScale,
		AlignmentScale:      p.AlignmentScale,
		StabilityScale:      p.StabilityScale,
		StanceScale:         p.StanceScale,
		StanceOptimum:       p.StanceOptimum,
		WeightConsistency:   p.Weights.Consistency,
		WeightEfficiency:    p.Weights.Efficiency,
		WeightTechnique:     p.Weights.Technique,
		WeightBalance:       p.Weights.Balance,
	}
}

// Params returns the engine parameters described by the config.
func (c *Config) Params() scoring.Params {
	return scoring.Params{
		ConsistencyScale: c.ConsistencyScale,
		EfficiencyScale:  c.EfficiencyScale,
		SymmetryScale:    c.SymmetryScale,
		AlignmentScale:   c.AlignmentScale,
		StabilityScale:   c.StabilityScale,
		StanceScale:      c.StanceScale,
		StanceOptimum:    c.StanceOptimum,
		Weights: scoring.Weights{
			Consistency: c.WeightConsistency,
			Efficiency:  c.WeightEfficiency,
			Technique:   c.WeightTechnique,
			Balance:     c.WeightBalance,
		},
	}
}

// Durations.
func (c *Config) Debounce() time.Duration       { return ms(c.DebounceMS) }
func (c *Config) BackoffBase() time.Duration    { return ms(c.BackoffBaseMS) }
func (c *Config) BackoffMax() time.Duration     { return ms(c.BackoffMaxMS) }
func (c *Config) Interval() time.Duration       { return ms(c.SchedulerIntervalMS) }
func (c *Config) UploadTimeout() time.Duration  { return ms(c.UploadTimeoutMS) }
func (c *Config) ForceSyncGrace() time.Duration { return ms(c.ForceSyncGraceMS) }
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("%w: db_path must not be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("%w: api_base_url must not be empty", ErrInvalidConfig)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q must be text or json", ErrInvalidConfig, c.LogFormat)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"debounce_ms", c.DebounceMS},
		{"window_frames", c.WindowFrames},
		{"max_retries", c.MaxRetries},
		{"backoff_base_ms", c.BackoffBaseMS},
		{"backoff_max_ms", c.BackoffMaxMS},
		{"scheduler_interval_ms", c.SchedulerIntervalMS},
		{"batch_size", c.BatchSize},
		{"retention_days", c.RetentionDays},
		{"upload_timeout_ms", c.UploadTimeoutMS},
		{"force_sync_grace_ms", c.ForceSyncGraceMS},
		{"session_queue_size", c.SessionQueueSize},
		{"max_sessions", c.MaxSessions},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.BackoffMaxMS < c.BackoffBaseMS {
		return fmt.Errorf("%w: backoff_max_ms %d is below backoff_base_ms %d", ErrInvalidConfig, c.BackoffMaxMS, c.BackoffBaseMS)
	}
	if c.UploadRatePerMinute < 0 {
		return fmt.Errorf("%w: upload_rate_per_minute must not be negative", ErrInvalidConfig)
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
