// Package types contains the request and response shapes of the local API.
package types

import (
	"fmt"
	"time"

	"github.com/okian/posepulse/internal/domain/model"
)

// PointInput is one raw keypoint as produced by the pose model.
type PointInput struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// FrameInput is one raw detection. Points are in COCO joint order.
type FrameInput struct {
	Timestamp int64        `json:"timestamp"`
	Points    []PointInput `json:"points"`
}

// Frame validates the input and builds a keypoint frame.
func (f FrameInput) Frame() (model.KeypointFrame, error) {
	pts := make([]model.Keypoint, len(f.Points))
	for i, p := range f.Points {
		pts[i] = model.Keypoint{X: p.X, Y: p.Y, Confidence: p.Confidence}
	}
	return model.NewKeypointFrame(f.Timestamp, pts)
}

// Frames converts a sequence and checks that timestamps never decrease.
func Frames(in []FrameInput) ([]model.KeypointFrame, error) {
	out := make([]model.KeypointFrame, 0, len(in))
	for i, fi := range in {
		f, err := fi.Frame()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out = append(out, f)
	}
	if err := model.ValidateSequence(out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnalysisRequest is the body of POST /analyses.
type AnalysisRequest struct {
	UserID         string       `json:"user_id,omitempty"`
	SubmissionType string       `json:"submission_type,omitempty"`
	Frames         []FrameInput `json:"frames"`
}

// AnalysisResponse acknowledges a computed and queued analysis.
type AnalysisResponse struct {
	ID          uint64               `json:"id,omitempty"`
	ContentHash string               `json:"content_hash,omitempty"`
	Duplicate   bool                 `json:"duplicate"`
	Status      string               `json:"status,omitempty"`
	Metrics     *model.MetricsResult `json:"metrics,omitempty"`
}

// SessionRequest is the optional body of POST /sessions.
type SessionRequest struct {
	UserID         string `json:"user_id,omitempty"`
	SubmissionType string `json:"submission_type,omitempty"`
}

// SessionResponse identifies a new streaming session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// FramesRequest is the body of POST /sessions/{id}/frames: either a list of
// frames or a single frame inline.
type FramesRequest struct {
	Frames    []FrameInput `json:"frames,omitempty"`
	Timestamp *int64       `json:"timestamp,omitempty"`
	Points    []PointInput `json:"points,omitempty"`
}

// Inputs returns the frames carried by the request in order.
func (r FramesRequest) Inputs() []FrameInput {
	if len(r.Frames) > 0 {
		return r.Frames
	}
	if r.Timestamp != nil || len(r.Points) > 0 {
		var ts int64
		if r.Timestamp != nil {
			ts = *r.Timestamp
		}
		return []FrameInput{{Timestamp: ts, Points: r.Points}}
	}
	return nil
}

// FramesResponse reports how many frames a session accepted.
type FramesResponse struct {
	Accepted int `json:"accepted"`
}

// SessionStatusResponse is the live view of a streaming session.
type SessionStatusResponse struct {
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id"`
	State     string               `json:"state"`
	Frames    int                  `json:"frames"`
	Previews  int                  `json:"previews"`
	Rejected  int64                `json:"rejected"`
	Queued    int                  `json:"queued"`
	OpenedAt  time.Time            `json:"opened_at"`
	Latest    *model.MetricsResult `json:"latest,omitempty"`
}

// Submission is the API view of a queued submission record.
type Submission struct {
	ID            uint64     `json:"id"`
	ContentHash   string     `json:"content_hash"`
	UserID        string     `json:"user_id"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewSubmission maps a stored record to its API view.
func NewSubmission(r *model.SubmissionRecord) Submission {
	s := Submission{
		ID:            r.ID,
		ContentHash:   r.ContentHash,
		UserID:        r.UserID,
		Status:        string(r.Status),
		RetryCount:    r.RetryCount,
		ErrorKind:     string(r.ErrorKind),
		LastAttemptAt: r.LastAttemptAt,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.ErrorMessage != nil {
		s.ErrorMessage = *r.ErrorMessage
	}
	return s
}

// SubmissionList is the body of GET /submissions.
type SubmissionList struct {
	Submissions []Submission `json:"submissions"`
	Count       int          `json:"count"`
}

// SyncResponse reports the outcome of a forced sync.
type SyncResponse struct {
	Drained bool  `json:"drained"`
	Pending int64 `json:"pending"`
}
