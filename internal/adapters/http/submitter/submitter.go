// Package submitter delivers queued submissions to the remote API over
// HTTP JSON and classifies each response.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

const (
	submissionsPath   = "/submissions"
	defaultTimeout    = 15 * time.Second
	defaultPerMinute  = 20
	maxBurst          = 5
	maxErrorBodyBytes = 4 << 10
)

// Outcome classifies one delivery attempt.
type Outcome int

// Delivery outcomes.
const (
	Delivered Outcome = iota
	Transient
	Auth
	Rejected
	Throttled
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Rejected:
		return "rejected"
	case Throttled:
		return "throttled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Kind maps the outcome to the error kind stored on the record.
func (o Outcome) Kind() model.ErrorKind {
	switch o {
	case Transient:
		return model.ErrorKindTransient
	case Auth:
		return model.ErrorKindAuth
	case Rejected:
		return model.ErrorKindRejected
	case Throttled:
		return model.ErrorKindThrottled
	default:
		return model.ErrorKindNone
	}
}

// Result is the classified response to one submission.
type Result struct {
	Outcome    Outcome
	StatusCode int           // 0 when no response was received
	RetryAfter time.Duration // from Retry-After on throttled responses
	Message    string
	Token      string // token the attempt was made with
}

// request is the wire body of POST /submissions.
type request struct {
	AnalysisData    model.MetricsResult `json:"analysis_data"`
	UserID          string              `json:"user_id"`
	SubmissionType  string              `json:"submission_type"`
	ClientTimestamp time.Time           `json:"client_timestamp"`
	RetryCount      int                 `json:"retry_count"`
}

// Submitter posts submission records to the remote API.
type Submitter struct {
	endpoint string
	client   HTTPClient
	tokens   TokenProvider
	limiter  *rate.Limiter
	timeout  time.Duration
	clock    timeutil.Clock
	log      logger.Logger
}

// New creates a submitter for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Submitter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	s := &Submitter{
		endpoint: baseURL + submissionsPath,
		client:   &http.Client{},
		tokens:   StaticToken(""),
		timeout:  defaultTimeout,
		clock:    timeutil.RealClock{},
	}
	WithRatePerMinute(defaultPerMinute)(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("submitter")
	}
	return s, nil
}

// Token returns the provider's current token.
func (s *Submitter) Token(ctx context.Context) (string, error) {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrToken, err)
	}
	return tok, nil
}

// Submit delivers one record. It never returns an error: every failure is
// folded into the Result's Outcome.
func (s *Submitter) Submit(ctx context.Context, rec model.SubmissionRecord) Result {
	start := s.clock.Now()
	res := s.submit(ctx, rec)
	metrics.RecordUploadAttempt(res.Outcome.String(), float64(s.clock.Since(start).Microseconds())/1000)

	s.log.Debug(ctx, "submission attempt",
		logger.Uint64("id", rec.ID),
		logger.String("outcome", res.Outcome.String()),
		logger.Int("status_code", res.StatusCode),
		logger.Int("retry_count", rec.RetryCount),
	)
	return res
}

func (s *Submitter) submit(ctx context.Context, rec model.SubmissionRecord) Result {
	token, err := s.Token(ctx)
	if err != nil {
		return Result{Outcome: Auth, Message: err.Error()}
	}

	p, err := rec.DecodePayload()
	if err != nil {
		// A stored payload that cannot be decoded will never become valid.
		return Result{Outcome: Rejected, Message: err.Error(), Token: token}
	}
	body, err := json.Marshal(request{
		AnalysisData:    p.AnalysisData,
		UserID:          p.UserID,
		SubmissionType:  p.SubmissionType,
		ClientTimestamp: p.ClientTimestamp,
		RetryCount:      rec.RetryCount,
	})
	if err != nil {
		return Result{Outcome: Rejected, Message: fmt.Sprintf("encode request: %v", err), Token: token}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{Outcome: Transient, Message: fmt.Sprintf("rate limiter: %v", err), Token: token}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: Rejected, Message: fmt.Sprintf("build request: %v", err), Token: token}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", rec.ContentHash)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out: " + msg
		}
		return Result{Outcome: Transient, Message: msg, Token: token}
	}
	defer func() { _ = resp.Body.Close() }()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	outcome, retryAfter := Classify(resp.StatusCode, resp.Header, s.clock.Now())
	res := Result{
		Outcome:    outcome,
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Token:      token,
	}
	if outcome != Delivered {
		res.Message = strings.TrimSpace(fmt.Sprintf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), bytes.TrimSpace(snippet)))
	}
	return res
}

// Classify maps an HTTP status to an outcome. For 429 it also returns the
// delay requested by Retry-After, if any.
func Classify(status int, h http.Header, now time.Time) (Outcome, time.Duration) {
	switch {
	case status >= 200 && status < 300:
		return Delivered, 0
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth, 0
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return Rejected, 0
	case status == http.StatusTooManyRequests:
		return Throttled, RetryAfter(h.Get("Retry-After"), now)
	default:
		return Transient, 0
	}
}

// RetryAfter parses a Retry-After value given in seconds or as an HTTP date.
// Invalid or past values yield zero.
func RetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
