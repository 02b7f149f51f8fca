// Command posepulse runs the on-device agent: it scores pose keypoints,
// queues results durably and uploads them to the remote API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/okian/posepulse/internal/adapters/http/api"
	"github.com/okian/posepulse/internal/adapters/http/submitter"
	"github.com/okian/posepulse/internal/adapters/http/swagger"
	app "github.com/okian/posepulse/internal/app"
	"github.com/okian/posepulse/internal/config"
	"github.com/okian/posepulse/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 30 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("posepulse: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal; only a malformed one is an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc := newService(cfg, log)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal or a listener failure.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout. Open sessions are finished and
	// persisted before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "service shutdown failed", logger.Error(err))
	}

	log.Info(shutdownCtx, "server stopped")
	return runErr
}

// newService maps configuration onto service options.
func newService(cfg *config.Config, log logger.Logger) *app.Service {
	return app.New(
		app.WithLogger(log.Named("service")),
		app.WithDBPath(cfg.DBPath),
		app.WithAPIBaseURL(cfg.APIBaseURL),
		app.WithTokenProvider(tokenProvider(cfg)),
		app.WithDefaultUser(cfg.UserID),
		app.WithSubmissionType(cfg.SubmissionType),
		app.WithParams(cfg.Params()),
		app.WithStreamTuning(cfg.Debounce(), cfg.WindowFrames),
		app.WithMaxRetries(cfg.MaxRetries),
		app.WithRetention(cfg.Retention()),
		app.WithBackoff(cfg.BackoffBase(), cfg.BackoffMax()),
		app.WithSchedulerInterval(cfg.Interval()),
		app.WithBatchSize(cfg.BatchSize),
		app.WithUploadTimeout(cfg.UploadTimeout()),
		app.WithRatePerMinute(cfg.UploadRatePerMinute),
		app.WithForceSyncGrace(cfg.ForceSyncGrace()),
		app.WithSessionQueueSize(cfg.SessionQueueSize),
		app.WithMaxSessions(cfg.MaxSessions),
	)
}

// tokenProvider reads the token file on every call when one is configured,
// so rotating the file is enough to resume uploads after an auth failure.
func tokenProvider(cfg *config.Config) submitter.TokenProvider {
	if cfg.APITokenFile == "" {
		return submitter.StaticToken(cfg.APIToken)
	}
	path := cfg.APITokenFile
	return submitter.TokenFunc(func(context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	})
}

// newHandler registers the local API and documentation routes.
func newHandler(svc *app.Service) http.Handler {
	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(mux)
	swagger.Register(mux)
	return mux
}

// startServiceMetricsUpdater refreshes queue gauges from service stats.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// GetStats refreshes the queue depth gauges as a side effect.
			_ = svc.GetStats()
		}
	}
}
