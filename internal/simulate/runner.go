package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/okian/posepulse/internal/domain/types"
	"github.com/okian/posepulse/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
	filePermission      = 0600
)

// ErrUnhealthy is returned when the agent does not answer its health check.
var ErrUnhealthy = errors.New("agent is not healthy")

// Run executes a complete simulation against the agent at cfg.BaseURL.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(stats.StartTime.UnixNano())
	}

	log := logger.Get().Named("simulate")
	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("sessions", cfg.Sessions),
		logger.Int("frames", cfg.Frames),
		logger.Int("workers", cfg.Workers),
		logger.Bool("streaming", cfg.Streaming),
		logger.Bool("sync", cfg.Sync),
	)

	client := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	// Step 1: Check agent health
	if err := checkHealth(ctx, client); err != nil {
		return stats, err
	}

	// Step 2: Generate sessions
	sessions := generateSessions(ctx, cfg, seed, stats)

	// Step 3: Submit sessions concurrently
	submitSessions(ctx, cfg, client, sessions, stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	// Step 4: Force an upload of the queue
	if cfg.Sync {
		if err := forceSync(ctx, client, stats); err != nil {
			log.Warn(ctx, "forced sync failed", logger.Error(err))
		}
	}

	// Step 5: Collect the queue state
	if err := collectQueue(ctx, client, stats); err != nil {
		log.Warn(ctx, "failed to list submissions", logger.Error(err))
	}

	// Step 6: Save sessions to file
	if cfg.OutputFile != "" {
		if err := saveSessions(ctx, cfg.OutputFile, sessions); err != nil {
			log.Warn(ctx, "failed to save sessions to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	if err := verifyScores(stats.Scores); err != nil {
		return stats, err
	}
	displayFinalStats(ctx, stats)
	return stats, nil
}

// checkHealth verifies the agent is running.
func checkHealth(ctx context.Context, client *HTTPClient) error {
	code, err := client.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, code)
	}
	return nil
}

func forceSync(ctx context.Context, client *HTTPClient, stats *Stats) error {
	var resp types.SyncResponse
	code, err := client.do(ctx, http.MethodPost, "/sync", nil, &resp)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("sync: unexpected status %d", code)
	}
	stats.Synced = true
	stats.Drained = resp.Drained
	stats.Pending = resp.Pending
	return nil
}

func collectQueue(ctx context.Context, client *HTTPClient, stats *Stats) error {
	var list types.SubmissionList
	code, err := client.do(ctx, http.MethodGet, "/submissions?limit="+strconv.Itoa(submissionsLimit), nil, &list)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("list submissions: unexpected status %d", code)
	}
	stats.QueueByStatus = make(map[string]int)
	for _, s := range list.Submissions {
		stats.QueueByStatus[s.Status]++
	}
	return nil
}

// saveSessions writes the generated sessions as a JSON array.
func saveSessions(ctx context.Context, filename string, sessions []Session) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	logger.Get().Info(ctx, "sessions saved to file", logger.String("filename", filename))
	return nil
}
