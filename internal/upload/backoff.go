package upload

import (
	"time"

	"github.com/okian/posepulse/internal/domain/model"
)

// BackoffDelay returns the wait before attempt n+1 of a record that failed n
// times: base * 2^(n-1), capped at ceiling. It is zero for n <= 0.
func BackoffDelay(n int, base, ceiling time.Duration) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		if ceiling > 0 && d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Due reports whether rec may be attempted at now: any Retry-After embargo
// has passed and the backoff for its retry count has elapsed since the last
// attempt.
func Due(rec *model.SubmissionRecord, now time.Time, base, ceiling time.Duration) bool {
	if rec.NotBefore != nil && now.Before(*rec.NotBefore) {
		return false
	}
	if rec.RetryCount == 0 || rec.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*rec.LastAttemptAt) >= BackoffDelay(rec.RetryCount, base, ceiling)
}
