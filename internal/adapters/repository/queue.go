package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/okian/posepulse/internal/domain/dedupe"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

// Enqueue persists a payload as a Pending record. If a record with the same
// content hash exists, it returns that record together with ErrDuplicate.
func (s *Store) Enqueue(ctx context.Context, p model.SubmissionPayload) (*model.SubmissionRecord, error) {
	hash, err := dedupe.Hash(p.AnalysisData, p.UserID)
	if err != nil {
		metrics.RecordEnqueue("error")
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		metrics.RecordEnqueue("error")
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := s.now()
	rec := &model.SubmissionRecord{
		ContentHash: hash,
		UserID:      p.UserID,
		Payload:     string(body),
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if !isUniqueViolation(err) {
			metrics.RecordEnqueue("error")
			return nil, fmt.Errorf("insert submission: %w", err)
		}
		metrics.RecordEnqueue("duplicate")
		existing, getErr := s.GetByHash(ctx, hash)
		if getErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, hash)
		}
		return existing, fmt.Errorf("%w: %s", ErrDuplicate, hash)
	}

	metrics.RecordEnqueue("accepted")
	s.log.Debug(ctx, "submission enqueued",
		logger.Uint64("id", rec.ID),
		logger.String("content_hash", hash),
		logger.String("user_id", p.UserID),
	)
	return rec, nil
}

// SelectEligible returns up to limit Pending or Retryable records whose retry
// count is below the cap and whose not-before time has passed, oldest first.
func (s *Store) SelectEligible(ctx context.Context, limit int) ([]model.SubmissionRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	var out []model.SubmissionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count < ?", []model.SubmissionStatus{model.StatusPending, model.StatusRetryable}, s.maxRetries).
		Where("not_before IS NULL OR not_before <= ?", s.now()).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	return out, nil
}

// transition loads the record, applies change when the current status is in
// from, and saves the listed columns. A Completed record, or one already in
// the target status, is left untouched and reported as success.
func (s *Store) transition(ctx context.Context, id uint64, target model.SubmissionStatus, from []model.SubmissionStatus, change func(*model.SubmissionRecord) map[string]any) (model.SubmissionStatus, error) {
	var result model.SubmissionStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.SubmissionRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrNotFound, id)
			}
			return fmt.Errorf("load submission %d: %w", id, err)
		}
		if rec.Status == model.StatusCompleted || rec.Status == target {
			result = rec.Status
			return nil
		}
		allowed := false
		for _, st := range from {
			if rec.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %d %s -> %s", ErrInvalidTransition, id, rec.Status, target)
		}

		updates := change(&rec)
		updates["updated_at"] = s.now()
		if err := tx.Model(&model.SubmissionRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update submission %d: %w", id, err)
		}
		result, _ = updates["status"].(model.SubmissionStatus)
		return nil
	})
	return result, err
}

// MarkInFlight claims an eligible record for an upload attempt.
func (s *Store) MarkInFlight(ctx context.Context, id uint64) error {
	_, err := s.transition(ctx, id, model.StatusInFlight,
		[]model.SubmissionStatus{model.StatusPending, model.StatusRetryable},
		func(*model.SubmissionRecord) map[string]any {
			return map[string]any{
				"status":          model.StatusInFlight,
				"last_attempt_at": s.now(),
			}
		})
	return err
}

// MarkCompleted records a successful delivery.
func (s *Store) MarkCompleted(ctx context.Context, id uint64) error {
	_, err := s.transition(ctx, id, model.StatusCompleted,
		[]model.SubmissionStatus{model.StatusInFlight},
		func(*model.SubmissionRecord) map[string]any {
			return map[string]any{
				"status":        model.StatusCompleted,
				"completed_at":  s.now(),
				"error_kind":    model.ErrorKindNone,
				"error_message": nil,
				"not_before":    nil,
			}
		})
	if err == nil {
		s.log.Debug(ctx, "submission completed", logger.Uint64("id", id))
	}
	return err
}

// MarkRetryable records a failed attempt that may be retried. Unless
// WithoutBudget is given the retry count grows; reaching the cap fails the
// record instead. It returns the resulting status.
func (s *Store) MarkRetryable(ctx context.Context, id uint64, cause string, opts ...RetryOption) (model.SubmissionStatus, error) {
	p := retryParams{kind: model.ErrorKindTransient}
	for _, opt := range opts {
		opt(&p)
	}
	status, err := s.transition(ctx, id, model.StatusRetryable,
		[]model.SubmissionStatus{model.StatusInFlight},
		func(rec *model.SubmissionRecord) map[string]any {
			now := s.now()
			msg := cause
			u := map[string]any{
				"status":          model.StatusRetryable,
				"error_kind":      p.kind,
				"error_message":   &msg,
				"last_attempt_at": now,
				"not_before":      p.notBefore,
			}
			if p.kind == model.ErrorKindAuth {
				u["auth_failures"] = rec.AuthFailures + 1
			}
			if !p.noBudget {
				count := rec.RetryCount + 1
				u["retry_count"] = count
				if count >= s.maxRetries {
					exhausted := fmt.Sprintf("retry budget exhausted after %d attempts: %s", count, cause)
					u["status"] = model.StatusFailed
					u["error_kind"] = model.ErrorKindExhausted
					u["error_message"] = &exhausted
					u["not_before"] = nil
				}
			}
			return u
		})
	if err == nil && status == model.StatusFailed {
		s.log.Warn(ctx, "submission failed after exhausting retries", logger.Uint64("id", id), logger.String("cause", cause))
	}
	return status, err
}

// MarkFailed records a permanent failure. Failed records are not picked
// again until requeued.
func (s *Store) MarkFailed(ctx context.Context, id uint64, kind model.ErrorKind, cause string) error {
	_, err := s.transition(ctx, id, model.StatusFailed,
		[]model.SubmissionStatus{model.StatusInFlight},
		func(*model.SubmissionRecord) map[string]any {
			msg := cause
			return map[string]any{
				"status":          model.StatusFailed,
				"error_kind":      kind,
				"error_message":   &msg,
				"last_attempt_at": s.now(),
				"not_before":      nil,
			}
		})
	if err == nil {
		s.log.Warn(ctx, "submission failed", logger.Uint64("id", id), logger.String("kind", string(kind)), logger.String("cause", cause))
	}
	return err
}

// Requeue returns a Failed record to Retryable with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.SubmissionRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrNotFound, id)
			}
			return fmt.Errorf("load submission %d: %w", id, err)
		}
		if rec.Status != model.StatusFailed {
			return fmt.Errorf("%w: %d %s is not failed", ErrInvalidTransition, id, rec.Status)
		}
		return tx.Model(&model.SubmissionRecord{}).Where("id = ?", id).Updates(map[string]any{
			"status":        model.StatusRetryable,
			"retry_count":   0,
			"auth_failures": 0,
			"not_before":    nil,
			"updated_at":    s.now(),
		}).Error
	})
}

// RecoverInFlight returns records left InFlight by an interrupted process to
// Retryable without charging their retry budget.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	msg := "attempt interrupted by shutdown"
	res := s.db.WithContext(ctx).Model(&model.SubmissionRecord{}).
		Where("status = ?", model.StatusInFlight).
		Updates(map[string]any{
			"status":        model.StatusRetryable,
			"error_kind":    model.ErrorKindInterrupted,
			"error_message": &msg,
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("recover in-flight submissions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.RecordRecordsRecovered(res.RowsAffected)
		s.log.Info(ctx, "recovered in-flight submissions", logger.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// FailExhausted fails waiting records whose retry count already reached the
// cap, which happens when the cap is lowered between runs.
func (s *Store) FailExhausted(ctx context.Context) (int64, error) {
	msg := fmt.Sprintf("retry budget of %d exhausted", s.maxRetries)
	res := s.db.WithContext(ctx).Model(&model.SubmissionRecord{}).
		Where("status IN ? AND retry_count >= ?", []model.SubmissionStatus{model.StatusPending, model.StatusRetryable}, s.maxRetries).
		Updates(map[string]any{
			"status":        model.StatusFailed,
			"error_kind":    model.ErrorKindExhausted,
			"error_message": &msg,
			"not_before":    nil,
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail exhausted submissions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Sweep deletes Completed records older than the retention window. Failed
// records are kept for manual retry.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	res := s.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", model.StatusCompleted, cutoff).
		Delete(&model.SubmissionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep completed submissions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.RecordRecordsSwept(res.RowsAffected)
		s.log.Info(ctx, "swept completed submissions", logger.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id uint64) (*model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get submission %d: %w", id, err)
	}
	return &rec, nil
}

// GetByHash returns the record with the given content hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	if err := s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("get submission %s: %w", hash, err)
	}
	return &rec, nil
}

// List returns records newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status model.SubmissionStatus, limit int) ([]model.SubmissionRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.SubmissionRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

// Counts returns the number of records per status, including zeros, and
// publishes them as the queue depth gauge.
func (s *Store) Counts(ctx context.Context) (map[model.SubmissionStatus]int64, error) {
	var rows []struct {
		Status model.SubmissionStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&model.SubmissionRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	out := make(map[model.SubmissionStatus]int64, len(model.AllStatuses()))
	for _, st := range model.AllStatuses() {
		out[st] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	for st, n := range out {
		metrics.UpdateQueueDepth(string(st), n)
	}
	return out, nil
}

// PendingCount returns the number of records not yet delivered or failed.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.SubmissionRecord{}).
		Where("status IN ?", []model.SubmissionStatus{model.StatusPending, model.StatusRetryable, model.StatusInFlight}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count pending submissions: %w", err)
	}
	return n, nil
}
