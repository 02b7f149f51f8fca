package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/posepulse/internal/simulate"
)

// Default configuration constants.
const (
	defaultSessions   = 100
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultRunTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL       = flag.String("url", "http://localhost:9080", "Base URL of the agent")
		sessions      = flag.Int("sessions", defaultSessions, "Number of sessions to generate")
		frames        = flag.Int("frames", simulate.DefaultFrames, "Frames per session")
		fps           = flag.Int("fps", simulate.DefaultFPS, "Capture rate used for timestamps")
		workers       = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout       = flag.Duration("timeout", simulate.DefaultTimeout, "HTTP request timeout")
		jitter        = flag.Float64("jitter", simulate.DefaultJitter, "Gaussian noise added to every coordinate")
		lowConfidence = flag.Float64("low-confidence", simulate.DefaultLowConfidence, "Probability of a low confidence joint")
		streaming     = flag.Bool("streaming", false, "Drive streaming sessions instead of batch analyses")
		sync          = flag.Bool("sync", false, "Force an upload once all sessions are submitted")
		seed          = flag.Uint64("seed", 0, "Random seed; 0 picks one from the clock")
		outputFile    = flag.String("output", "", "Write generated sessions to this JSON file")
		logFile       = flag.String("log", "", "Log file (default: simulate_TIMESTAMP.log)")
		verbose       = flag.Bool("verbose", false, "Enable verbose logging")
		help          = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulate.ShowHelp()
		return
	}

	file, err := simulate.SetupLogging(*logFile, *verbose)
	if err != nil {
		_, _ = os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = file.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cfg := &simulate.Config{
		BaseURL:       *baseURL,
		Sessions:      *sessions,
		Frames:        *frames,
		FPS:           *fps,
		Workers:       *workers,
		Timeout:       *timeout,
		Jitter:        *jitter,
		LowConfidence: *lowConfidence,
		Streaming:     *streaming,
		Sync:          *sync,
		Seed:          *seed,
		OutputFile:    *outputFile,
		Verbose:       *verbose,
	}

	if _, err := simulate.Run(ctx, cfg); err != nil {
		_, _ = os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		cancel()
		stop()
		_ = file.Close()
		os.Exit(1)
	}
}
