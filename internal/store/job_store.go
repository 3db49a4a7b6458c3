package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/model"
)

// JobStore is the authoritative record of jobs and results. All status
// transitions go through conditional updates here; the claim is the
// single serialization point for a job.
type JobStore struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewJobStore(s *Store, log *zap.SugaredLogger) *JobStore {
	return &JobStore{db: s.db, log: log}
}

// lockForUpdate applies a row lock where the dialect supports it.
// SQLite (tests) has no FOR UPDATE; its single-writer model covers the
// same guarantee there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Create inserts a new queued job. The foreign keys back the intake
// existence checks: a referenced row deleted between check and insert
// surfaces here as ErrReferenceNotFound.
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %v", apperr.ErrReferenceNotFound, err)
		}
		return apperr.Transient(err)
	}
	return nil
}

// CreateIfAbsent inserts the job unless a row with the same id already
// exists. Used by the queue consumer to tolerate at-least-once
// redelivery; returns false when the insert was a no-op.
func (s *JobStore) CreateIfAbsent(ctx context.Context, job *model.Job) (bool, error) {
	now := time.Now().UTC()
	job.Status = model.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		if isForeignKeyViolation(res.Error) {
			return false, fmt.Errorf("%w: %v", apperr.ErrReferenceNotFound, res.Error)
		}
		return false, apperr.Transient(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Claim atomically transitions queued -> running and grants the caller
// exclusive execution rights. Returns claimed=false when another worker
// got there first or the job was cancelled; the caller aborts silently.
// The transaction commits before any long-running work starts.
func (s *JobStore) Claim(ctx context.Context, id string) (*model.Job, bool, error) {
	var job model.Job
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrJobNotFound
			}
			return apperr.Transient(err)
		}
		if job.Status != model.JobStatusQueued {
			return nil
		}

		now := time.Now().UTC()
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", id, model.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":     model.JobStatusRunning,
				"started_at": now,
				"updated_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return apperr.Transient(res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		claimed = true
		job.Status = model.JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		job.Attempts++
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &job, claimed, nil
}

// Complete transitions running -> done and writes the result row in the
// same transaction, so a Result exists if and only if the job is done.
func (s *JobStore) Complete(ctx context.Context, id string, x, y float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrJobNotFound
			}
			return apperr.Transient(err)
		}
		if job.Status != model.JobStatusRunning {
			return fmt.Errorf("%w: cannot complete job in status %q", apperr.ErrInvalidTransition, job.Status)
		}

		now := time.Now().UTC()
		result := &model.Result{
			ID:        uuid.New().String(),
			JobID:     id,
			X:         x,
			Y:         y,
			CreatedAt: now,
		}
		if err := tx.Create(result).Error; err != nil {
			return apperr.Transient(err)
		}

		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", id, model.JobStatusRunning).
			Updates(map[string]interface{}{
				"status":      model.JobStatusDone,
				"updated_at":  now,
				"finished_at": now,
			})
		if res.Error != nil {
			return apperr.Transient(res.Error)
		}
		return nil
	})
}

// Fail transitions running -> failed with a human-readable message.
func (s *JobStore) Fail(ctx context.Context, id, msg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrJobNotFound
			}
			return apperr.Transient(err)
		}
		if job.Status != model.JobStatusRunning {
			return fmt.Errorf("%w: cannot fail job in status %q", apperr.ErrInvalidTransition, job.Status)
		}

		now := time.Now().UTC()
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", id, model.JobStatusRunning).
			Updates(map[string]interface{}{
				"status":      model.JobStatusFailed,
				"error":       msg,
				"updated_at":  now,
				"finished_at": now,
			})
		if res.Error != nil {
			return apperr.Transient(res.Error)
		}
		return nil
	})
}

// Cancel transitions queued -> cancelled. It uses the same conditional
// update primitive as Claim, so a cancel racing a claim has exactly one
// winner. A running or terminal job yields ErrInvalidTransition.
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      model.JobStatusCancelled,
			"updated_at":  now,
			"finished_at": now,
		})
	if res.Error != nil {
		return apperr.Transient(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var job model.Job
	if err := s.db.WithContext(ctx).Select("status").First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrJobNotFound
		}
		return apperr.Transient(err)
	}
	return fmt.Errorf("%w: cannot cancel job in status %q", apperr.ErrInvalidTransition, job.Status)
}

// Get returns the job, with its result joined when done.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Preload("Result").First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrJobNotFound
		}
		return nil, apperr.Transient(err)
	}
	return &job, nil
}

// List returns a page of jobs, newest first, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status model.JobStatus, limit, offset int) ([]model.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Transient(err)
	}

	var jobs []model.Job
	err := q.Preload("Result").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, apperr.Transient(err)
	}
	return jobs, total, nil
}

// StatsWindow bounds the "recent" aggregates in Stats.
const StatsWindow = 24 * time.Hour

// Stats aggregates per-status counts plus average duration and success
// rate over jobs finished in the recent window.
func (s *JobStore) Stats(ctx context.Context) (*model.StatsResponse, error) {
	type statusCount struct {
		Status model.JobStatus
		N      int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Transient(err)
	}

	counts := make(map[model.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}

	// Durations are computed in Go to stay portable across dialects.
	cutoff := time.Now().UTC().Add(-StatsWindow)
	var recent []model.Job
	err = s.db.WithContext(ctx).
		Select("status", "started_at", "finished_at").
		Where("finished_at >= ? AND status IN ?", cutoff,
			[]model.JobStatus{model.JobStatusDone, model.JobStatusFailed}).
		Find(&recent).Error
	if err != nil {
		return nil, apperr.Transient(err)
	}

	var done, total int64
	var durationSum float64
	for _, j := range recent {
		total++
		if j.Status == model.JobStatusDone {
			done++
			if j.StartedAt != nil && j.FinishedAt != nil {
				durationSum += j.FinishedAt.Sub(*j.StartedAt).Seconds()
			}
		}
	}

	stats := &model.StatsResponse{
		Counts: counts,
		Window: StatsWindow.String(),
	}
	if done > 0 {
		stats.AvgDurationSecs = durationSum / float64(done)
	}
	if total > 0 {
		stats.SuccessRate = float64(done) / float64(total)
	}
	return stats, nil
}

// StaleQueued returns ids of queued jobs older than the grace period.
// These are jobs whose dispatch enqueue may have been lost after the
// insert committed; the sweeper re-enqueues them.
func (s *JobStore) StaleQueued(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND updated_at < ?", model.JobStatusQueued, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return ids, nil
}

// RequeueStaleRunning moves jobs stuck in running past the threshold
// back to queued. Each row is re-checked under the row lock before the
// transition. Operational hook; disabled unless configured.
func (s *JobStore) RequeueStaleRunning(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var candidates []string
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND updated_at < ?", model.JobStatusRunning, cutoff).
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, apperr.Transient(err)
	}

	var requeued []string
	for _, id := range candidates {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var job model.Job
			if err := lockForUpdate(tx).First(&job, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return apperr.Transient(err)
			}
			// Re-check under the lock: the worker may have finished
			// between the candidate scan and now.
			if job.Status != model.JobStatusRunning || job.UpdatedAt.After(cutoff) {
				return nil
			}

			now := time.Now().UTC()
			res := tx.Model(&model.Job{}).
				Where("id = ? AND status = ?", id, model.JobStatusRunning).
				Updates(map[string]interface{}{
					"status":     model.JobStatusQueued,
					"started_at": nil,
					"updated_at": now,
				})
			if res.Error != nil {
				return apperr.Transient(res.Error)
			}
			if res.RowsAffected > 0 {
				requeued = append(requeued, id)
			}
			return nil
		})
		if err != nil {
			s.log.Warnw("stale-running requeue failed", "job_id", id, "error", err)
		}
	}
	return requeued, nil
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key") || strings.Contains(msg, "23503")
}
