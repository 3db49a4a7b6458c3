package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/cache"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/store"
)

// LocalizeService is the intake gateway and status query path. Every
// state transition goes store-first; the cache mirror and bus event
// follow the commit and are advisory, so their failures are logged and
// swallowed rather than propagated.
type LocalizeService struct {
	jobs     *store.JobStore
	catalog  *store.CatalogStore
	cache    cache.StatusCache
	bus      pubsub.Bus
	enqueuer Enqueuer
	log      *zap.SugaredLogger
}

func NewLocalizeService(
	jobs *store.JobStore,
	catalog *store.CatalogStore,
	statusCache cache.StatusCache,
	bus pubsub.Bus,
	enqueuer Enqueuer,
	log *zap.SugaredLogger,
) *LocalizeService {
	return &LocalizeService{
		jobs:     jobs,
		catalog:  catalog,
		cache:    statusCache,
		bus:      bus,
		enqueuer: enqueuer,
		log:      log,
	}
}

// Submit validates the referenced entities, durably inserts a queued
// job, then hands it to the worker pool. The enqueue happens strictly
// after the insert commits; if it fails the job stays queued and the
// sweeper re-triggers dispatch.
func (s *LocalizeService) Submit(ctx context.Context, req *model.LocalizeRequest) (*model.SubmitResponse, error) {
	if err := s.checkReferences(ctx, req.DatasetID, req.RoomID, req.MethodID); err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		DatasetID: req.DatasetID,
		RoomID:    req.RoomID,
		MethodID:  req.MethodID,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.mirror(ctx, job, nil, nil)

	if err := s.enqueuer.EnqueueLocalize(ctx, job.ID); err != nil {
		// The row is committed; the stale-queued sweep will pick it up.
		s.log.Warnw("dispatch enqueue failed, leaving job for sweeper",
			"job_id", job.ID, "error", err)
	}

	return &model.SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// SubmitFromQueue is the alternate intake path for the inbound message
// queue. The caller supplies the job id, so redelivery reduces to an
// idempotent no-op.
func (s *LocalizeService) SubmitFromQueue(ctx context.Context, msg *model.QueueMessage) (bool, error) {
	if err := s.checkReferences(ctx, msg.DatasetID, msg.RoomID, msg.MethodID); err != nil {
		return false, err
	}

	job := &model.Job{
		ID:        msg.JobID,
		DatasetID: msg.DatasetID,
		RoomID:    msg.RoomID,
		MethodID:  msg.MethodID,
	}
	created, err := s.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		return false, nil
	}

	s.mirror(ctx, job, nil, nil)

	if err := s.enqueuer.EnqueueLocalize(ctx, job.ID); err != nil {
		s.log.Warnw("dispatch enqueue failed, leaving job for sweeper",
			"job_id", job.ID, "error", err)
	}
	return true, nil
}

func (s *LocalizeService) checkReferences(ctx context.Context, datasetID, roomID, methodID string) error {
	checks := []struct {
		name   string
		id     string
		exists func(context.Context, string) (bool, error)
	}{
		{"dataset", datasetID, s.catalog.DatasetExists},
		{"room", roomID, s.catalog.RoomExists},
		{"method", methodID, s.catalog.MethodExists},
	}
	for _, c := range checks {
		ok, err := c.exists(ctx, c.id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s %q", apperr.ErrReferenceNotFound, c.name, c.id)
		}
	}
	return nil
}

// GetStatus serves the point-in-time view: cache first, store on miss.
// Both paths return the identical shape.
func (s *LocalizeService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	if entry, err := s.cache.Get(ctx, jobID); err == nil {
		return &model.StatusResponse{
			JobID:     jobID,
			Status:    entry.Status,
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
			X:         entry.X,
			Y:         entry.Y,
			Error:     entry.Error,
		}, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.log.Warnw("status cache read failed, falling back to store",
			"job_id", jobID, "error", err)
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := statusFromJob(job)

	// Re-warm only terminal snapshots. A terminal mirror is the last
	// write for a job, so this can never shadow a fresher state; a
	// non-terminal snapshot could overwrite a terminal mirror that
	// landed between the store read and this write, and nothing would
	// ever correct it. Non-terminal states are mirrored by the
	// transitions that produce them.
	if job.Status.Terminal() {
		var x, y *float64
		if job.Result != nil {
			x, y = &job.Result.X, &job.Result.Y
		}
		s.cachePut(ctx, job, x, y)
	}

	return resp, nil
}

// Cancel transitions a still-queued job to cancelled. The store runs
// the same conditional update the claim uses, so exactly one of a
// racing cancel and claim wins.
func (s *LocalizeService) Cancel(ctx context.Context, jobID string) (*model.CancelResponse, error) {
	if err := s.jobs.Cancel(ctx, jobID); err != nil {
		return nil, err
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err == nil {
		s.mirror(ctx, job, nil, nil)
	}

	return &model.CancelResponse{JobID: jobID, Status: model.JobStatusCancelled}, nil
}

// List returns a page of jobs, newest first.
func (s *LocalizeService) List(ctx context.Context, status model.JobStatus, limit, offset int) (*model.ListResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.jobs.List(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]model.StatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, *statusFromJob(&jobs[i]))
	}
	return &model.ListResponse{Jobs: out, Total: total, Limit: limit, Offset: offset}, nil
}

// Stats aggregates recent job outcomes.
func (s *LocalizeService) Stats(ctx context.Context) (*model.StatsResponse, error) {
	return s.jobs.Stats(ctx)
}

// Claim wraps the store claim and mirrors the running status when it
// wins. Called by the worker; a lost claim is not an error.
func (s *LocalizeService) Claim(ctx context.Context, jobID string) (*model.Job, bool, error) {
	job, claimed, err := s.jobs.Claim(ctx, jobID)
	if err != nil || !claimed {
		return job, claimed, err
	}
	s.mirror(ctx, job, nil, nil)
	return job, true, nil
}

// Complete persists the result (store first), then mirrors done status
// and notifies subscribers.
func (s *LocalizeService) Complete(ctx context.Context, jobID string, x, y float64) error {
	if err := s.jobs.Complete(ctx, jobID, x, y); err != nil {
		return err
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		// The transition committed; only the mirror is behind.
		s.log.Warnw("failed to re-read completed job for mirror",
			"job_id", jobID, "error", err)
		return nil
	}
	s.mirror(ctx, job, &x, &y)
	return nil
}

// Fail marks the job failed with a human-readable message, then mirrors
// and notifies.
func (s *LocalizeService) Fail(ctx context.Context, jobID, msg string) error {
	if err := s.jobs.Fail(ctx, jobID, msg); err != nil {
		return err
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.log.Warnw("failed to re-read failed job for mirror",
			"job_id", jobID, "error", err)
		return nil
	}
	s.mirror(ctx, job, nil, nil)
	return nil
}

// mirror writes the cache entry and publishes the bus event for the
// job's current state, in that order, both strictly after the store
// commit that produced the state. Failures here are advisory.
func (s *LocalizeService) mirror(ctx context.Context, job *model.Job, x, y *float64) {
	if job.Result != nil && x == nil {
		x, y = &job.Result.X, &job.Result.Y
	}

	s.cachePut(ctx, job, x, y)

	event := model.Event{
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: job.UpdatedAt,
		X:         x,
		Y:         y,
		Error:     job.Error,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warnw("event publish failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func (s *LocalizeService) cachePut(ctx context.Context, job *model.Job, x, y *float64) {
	created := job.CreatedAt
	entry := cache.Entry{
		Status:    job.Status,
		CreatedAt: &created,
		UpdatedAt: job.UpdatedAt,
		X:         x,
		Y:         y,
		Error:     job.Error,
	}
	if err := s.cache.Put(ctx, job.ID, entry); err != nil {
		s.log.Warnw("status cache write failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func statusFromJob(job *model.Job) *model.StatusResponse {
	created := job.CreatedAt
	resp := &model.StatusResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: &created,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if job.Result != nil {
		resp.X = &job.Result.X
		resp.Y = &job.Result.Y
	}
	return resp
}

// Sweep re-triggers dispatch for queued jobs older than the grace
// period (enqueue lost after commit) and, when enabled, requeues jobs
// stuck in running. Invoked by the periodic sweeper task.
func (s *LocalizeService) Sweep(ctx context.Context, queuedGrace time.Duration, requeueRunning bool, runningStale time.Duration) error {
	ids, err := s.jobs.StaleQueued(ctx, queuedGrace)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.enqueuer.EnqueueLocalize(ctx, id); err != nil {
			s.log.Warnw("sweep re-enqueue failed", "job_id", id, "error", err)
			continue
		}
		s.log.Infow("re-enqueued stale queued job", "job_id", id)
	}

	if requeueRunning {
		requeued, err := s.jobs.RequeueStaleRunning(ctx, runningStale)
		if err != nil {
			return err
		}
		for _, id := range requeued {
			if err := s.enqueuer.EnqueueLocalize(ctx, id); err != nil {
				s.log.Warnw("sweep re-enqueue failed", "job_id", id, "error", err)
				continue
			}
			s.log.Infow("requeued stale running job", "job_id", id)
		}
	}
	return nil
}
