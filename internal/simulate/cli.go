package simulate

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/posepulse/pkg/logger"
)

const logFilePermission = 0600

// SetupLogging configures logging to both console and file and returns the
// file so the caller can close it. An empty logFile gets a timestamped name.
func SetupLogging(logFile string, verbose bool) (*os.File, error) {
	if logFile == "" {
		logFile = "simulate_" + time.Now().Format("20060102_150405") + ".log"
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if err := logger.Init(logger.WithOutput(io.MultiWriter(os.Stdout, file))); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	return file, nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`PosePulse Simulator
===================

Drives a running agent with synthetic squat sessions and reports what it scored and queued.

Usage:
  go run ./cmd/simulate [options]

Options:
  -url string
        Base URL of the agent (default "http://localhost:9080")
  -sessions int
        Number of sessions to generate (default 100)
  -frames int
        Frames per session (default 90)
  -fps int
        Capture rate used for timestamps (default 30)
  -workers int
        Number of concurrent workers (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -jitter float
        Gaussian noise added to every coordinate (default 0.004)
  -low-confidence float
        Probability that a joint is reported with low confidence (default 0.02)
  -streaming
        Drive streaming sessions instead of batch analyses
  -sync
        Force an upload once all sessions are submitted
  -seed uint
        Random seed; 0 picks one from the clock
  -output string
        Write generated sessions to this JSON file
  -log string
        Log file (default: simulate_TIMESTAMP.log)
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Batch analyses with default settings
  go run ./cmd/simulate

  # Streaming sessions followed by a forced upload
  go run ./cmd/simulate -streaming -sync -sessions 20

  # Reproducible run
  go run ./cmd/simulate -seed 42 -output sessions.json
`)
}
