package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/posepulse/internal/domain/types"
	"github.com/okian/posepulse/pkg/logger"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// do sends a JSON request and decodes a JSON response into out when given.
// It returns the status code.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && len(data) > 0 && resp.StatusCode < http.StatusBadRequest {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeDuplicate
	outcomeFailed
)

// submitSessions submits sessions concurrently using worker pools
func submitSessions(ctx context.Context, cfg *Config, client *HTTPClient, sessions []Session, stats *Stats) {
	log := logger.Get().Named("simulate")
	log.Info(ctx, "submitting sessions",
		logger.Int("sessions", len(sessions)),
		logger.Int("workers", cfg.Workers),
		logger.Bool("streaming", cfg.Streaming),
	)

	var (
		accepted  int64
		duplicate int64
		failed    int64
		submitted int64
		mu        sync.Mutex
		scores    = make([]float64, 0, len(sessions))
	)

	work := make(chan Session, cfg.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sess := range work {
				if ctx.Err() != nil {
					return
				}
				var (
					resp types.AnalysisResponse
					res  outcome
					err  error
				)
				if cfg.Streaming {
					resp, res, err = streamSession(ctx, client, sess)
				} else {
					resp, res, err = analyzeSession(ctx, client, sess)
				}

				atomic.AddInt64(&submitted, 1)
				switch res {
				case outcomeAccepted:
					atomic.AddInt64(&accepted, 1)
				case outcomeDuplicate:
					atomic.AddInt64(&duplicate, 1)
				case outcomeFailed:
					atomic.AddInt64(&failed, 1)
					if cfg.Verbose {
						log.Warn(ctx, "session submission failed", logger.String("user_id", sess.UserID), logger.Error(err))
					}
				}
				if resp.Metrics != nil {
					mu.Lock()
					scores = append(scores, resp.Metrics.OverallScore)
					mu.Unlock()
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, sess := range sessions {
			select {
			case <-ctx.Done():
				return
			case work <- sess:
			}
		}
	}()

	wg.Wait()

	stats.Submitted = int(atomic.LoadInt64(&submitted))
	stats.Accepted = int(atomic.LoadInt64(&accepted))
	stats.Duplicate = int(atomic.LoadInt64(&duplicate))
	stats.Failed = int(atomic.LoadInt64(&failed))
	stats.Scores = scores

	log.Info(ctx, "session submission completed",
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicate", stats.Duplicate),
		logger.Int("failed", stats.Failed),
	)
}

// analyzeSession posts a whole session to /analyses.
func analyzeSession(ctx context.Context, client *HTTPClient, sess Session) (types.AnalysisResponse, outcome, error) {
	var resp types.AnalysisResponse
	code, err := client.do(ctx, http.MethodPost, "/analyses", types.AnalysisRequest{UserID: sess.UserID, Frames: sess.Frames}, &resp)
	out := classify(code, err, resp.Duplicate)
	if out == outcomeFailed {
		return resp, out, statusError("analyze session", code, err)
	}
	return resp, out, nil
}

// streamSession opens a streaming session, pushes the frames one second at
// a time and closes it.
func streamSession(ctx context.Context, client *HTTPClient, sess Session) (types.AnalysisResponse, outcome, error) {
	var opened types.SessionResponse
	code, err := client.do(ctx, http.MethodPost, "/sessions", types.SessionRequest{UserID: sess.UserID}, &opened)
	if err != nil || code != http.StatusCreated {
		return types.AnalysisResponse{}, outcomeFailed, statusError("open session", code, err)
	}

	path := "/sessions/" + opened.SessionID
	for start := 0; start < len(sess.Frames); start += DefaultFPS {
		end := min(start+DefaultFPS, len(sess.Frames))
		code, err := client.do(ctx, http.MethodPost, path+"/frames", types.FramesRequest{Frames: sess.Frames[start:end]}, nil)
		if err != nil || code != http.StatusAccepted {
			_, _ = client.do(ctx, http.MethodDelete, path, nil, nil)
			return types.AnalysisResponse{}, outcomeFailed, statusError("push frames", code, err)
		}
	}

	var resp types.AnalysisResponse
	code, err = client.do(ctx, http.MethodDelete, path, nil, &resp)
	if code != http.StatusOK {
		return resp, outcomeFailed, statusError("close session", code, err)
	}
	return resp, classify(code, err, resp.Duplicate), nil
}

func classify(code int, err error, duplicate bool) outcome {
	switch {
	case err != nil:
		return outcomeFailed
	case code == http.StatusAccepted:
		return outcomeAccepted
	case code == http.StatusOK && duplicate:
		return outcomeDuplicate
	case code == http.StatusOK:
		return outcomeAccepted
	default:
		return outcomeFailed
	}
}

func statusError(op string, code int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: unexpected status %d", op, code)
}
