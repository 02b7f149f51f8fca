package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus is the delivery state of a queued result.
//
//	Pending -> InFlight -> {Completed | Retryable | Failed}
//	Retryable -> InFlight -> ...
//
// Failed is terminal for automatic delivery.
type SubmissionStatus string

// Submission statuses.
const (
	StatusPending   SubmissionStatus = "pending"
	StatusInFlight  SubmissionStatus = "in_flight"
	StatusCompleted SubmissionStatus = "completed"
	StatusRetryable SubmissionStatus = "retryable"
	StatusFailed    SubmissionStatus = "failed"
)

// AllStatuses lists statuses in lifecycle order.
func AllStatuses() []SubmissionStatus {
	return []SubmissionStatus{StatusPending, StatusInFlight, StatusCompleted, StatusRetryable, StatusFailed}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (SubmissionStatus, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Eligible reports whether records in this status may be picked for delivery.
func (s SubmissionStatus) Eligible() bool {
	return s == StatusPending || s == StatusRetryable
}

// ErrorKind classifies the last failed attempt.
type ErrorKind string

// Error kinds recorded on failed attempts.
const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindRejected    ErrorKind = "rejected"
	ErrorKindThrottled   ErrorKind = "throttled"
	ErrorKindInterrupted ErrorKind = "interrupted"
	ErrorKindExhausted   ErrorKind = "exhausted"
)

// SubmissionPayload is what gets persisted and, with the retry count, posted.
type SubmissionPayload struct {
	AnalysisData    MetricsResult `json:"analysis_data"`
	UserID          string        `json:"user_id"`
	SubmissionType  string        `json:"submission_type"`
	ClientTimestamp time.Time     `json:"client_timestamp"`
}

// SubmissionRecord is a row of the durable upload queue.
type SubmissionRecord struct {
	ID            uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ContentHash   string           `gorm:"column:content_hash;size:64;not null;uniqueIndex:ux_submission_content_hash" json:"content_hash"`
	UserID        string           `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Payload       string           `gorm:"column:payload;type:text;not null" json:"-"`
	Status        SubmissionStatus `gorm:"column:status;size:16;not null;index:idx_submission_status_created,priority:1" json:"status"`
	RetryCount    int              `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	AuthFailures  int              `gorm:"column:auth_failures;not null;default:0" json:"auth_failures"`
	ErrorKind     ErrorKind        `gorm:"column:error_kind;size:16" json:"error_kind,omitempty"`
	ErrorMessage  *string          `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	LastAttemptAt *time.Time       `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	NotBefore     *time.Time       `gorm:"column:not_before" json:"not_before,omitempty"`
	CreatedAt     time.Time        `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_submission_status_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	CompletedAt   *time.Time       `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionRecord) TableName() string { return "submission_queue" }

// DecodePayload parses the stored JSON payload.
func (r *SubmissionRecord) DecodePayload() (SubmissionPayload, error) {
	var p SubmissionPayload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return SubmissionPayload{}, fmt.Errorf("decode payload of record %d: %w", r.ID, err)
	}
	return p, nil
}
