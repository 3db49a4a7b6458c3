package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/waveloc/api/internal/cache"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/store"
)

type recordingEnqueuer struct {
	ids []string
	err error
}

func (e *recordingEnqueuer) EnqueueLocalize(_ context.Context, jobID string) error {
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, jobID)
	return nil
}

type serviceFixture struct {
	svc      *LocalizeService
	jobs     *store.JobStore
	cache    *cache.MemoryCache
	enqueuer *recordingEnqueuer
	db       *gorm.DB

	datasetID string
	roomID    string
	methodID  string
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	s := store.NewWithDB(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	log := zap.NewNop().Sugar()
	fx := &serviceFixture{
		jobs:     store.NewJobStore(s, log),
		cache:    cache.NewMemoryCache(time.Hour),
		enqueuer: &recordingEnqueuer{},
		db:       db,

		datasetID: "7f000001-0000-4000-8000-000000000001",
		roomID:    "7f000001-0000-4000-8000-000000000002",
		methodID:  "7f000001-0000-4000-8000-000000000003",
	}
	catalog := store.NewCatalogStore(s)
	fx.svc = NewLocalizeService(fx.jobs, catalog, fx.cache, pubsub.NewMemoryBus(), fx.enqueuer, log)

	ctx := context.Background()
	now := time.Now().UTC()
	if err := catalog.CreateDataset(ctx, &model.Dataset{ID: fx.datasetID, Name: "capture-1", ObjectKey: "captures/1.csv", CreatedAt: now}); err != nil {
		t.Fatalf("seed dataset: %v", err)
	}
	if err := catalog.CreateRoom(ctx, &model.Room{ID: fx.roomID, Name: "lab", Length: 10, Width: 8, CreatedAt: now}); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	if err := catalog.CreateMethod(ctx, &model.Method{ID: fx.methodID, Name: "knn", ObjectKey: "models/knn.pkl", CreatedAt: now}); err != nil {
		t.Fatalf("seed method: %v", err)
	}
	return fx
}

func (fx *serviceFixture) submit(t *testing.T) string {
	t.Helper()
	resp, err := fx.svc.Submit(context.Background(), &model.LocalizeRequest{
		DatasetID: fx.datasetID, RoomID: fx.roomID, MethodID: fx.methodID,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp.JobID
}

// backdate moves updated_at into the past without triggering gorm's
// auto-touch.
func (fx *serviceFixture) backdate(t *testing.T, jobID string, age time.Duration) {
	t.Helper()
	err := fx.db.Model(&model.Job{}).Where("id = ?", jobID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestSubmitMirrorsAndEnqueues(t *testing.T) {
	fx := setupService(t)
	jobID := fx.submit(t)

	if len(fx.enqueuer.ids) != 1 || fx.enqueuer.ids[0] != jobID {
		t.Fatalf("expected one enqueue for %s, got %v", jobID, fx.enqueuer.ids)
	}
	entry, err := fx.cache.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("cache must hold the submitted job: %v", err)
	}
	if entry.Status != model.JobStatusQueued {
		t.Fatalf("expected queued in cache, got %s", entry.Status)
	}
}

func TestSubmitSurvivesEnqueueFailure(t *testing.T) {
	fx := setupService(t)
	fx.enqueuer.err = errors.New("redis down")

	jobID := fx.submit(t)

	job, err := fx.jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != model.JobStatusQueued {
		t.Fatalf("job must stay queued for the sweeper, got %s", job.Status)
	}
}

func TestGetStatusServesFromCache(t *testing.T) {
	fx := setupService(t)
	ctx := context.Background()

	// An entry with no backing row: a store fallback would 404.
	now := time.Now().UTC()
	entry := cache.Entry{Status: model.JobStatusRunning, CreatedAt: &now, UpdatedAt: now}
	if err := fx.cache.Put(ctx, "cache-only-id", entry); err != nil {
		t.Fatalf("cache put: %v", err)
	}

	resp, err := fx.svc.GetStatus(ctx, "cache-only-id")
	if err != nil {
		t.Fatalf("expected cache hit, got %v", err)
	}
	if resp.Status != model.JobStatusRunning {
		t.Fatalf("expected running from cache, got %s", resp.Status)
	}
}

func TestGetStatusFallsBackToStoreAndRewarmsTerminal(t *testing.T) {
	fx := setupService(t)
	ctx := context.Background()
	jobID := fx.submit(t)

	if _, claimed, err := fx.svc.Claim(ctx, jobID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := fx.svc.Complete(ctx, jobID, 1.5, 2.5); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := fx.cache.Delete(ctx, jobID); err != nil {
		t.Fatalf("cache delete: %v", err)
	}

	resp, err := fx.svc.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("store fallback: %v", err)
	}
	if resp.Status != model.JobStatusDone || resp.CreatedAt == nil {
		t.Fatalf("unexpected fallback response: %+v", resp)
	}
	if resp.X == nil || *resp.X != 1.5 {
		t.Fatalf("fallback must join the result, got %+v", resp)
	}

	entry, err := fx.cache.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("terminal fallback must re-warm the cache: %v", err)
	}
	if entry.Status != model.JobStatusDone || entry.X == nil || *entry.X != 1.5 {
		t.Fatalf("re-warmed entry must match the store, got %+v", entry)
	}
}

// A fallback read of a non-terminal job must not write the cache: a
// terminal mirror landing between the store read and such a write
// would be overwritten by the stale snapshot, and since terminal
// transitions are the last mirror writes, nothing would ever correct
// it for the rest of the TTL.
func TestGetStatusFallbackNeverShadowsTerminalMirror(t *testing.T) {
	fx := setupService(t)
	ctx := context.Background()
	jobID := fx.submit(t)

	if err := fx.cache.Delete(ctx, jobID); err != nil {
		t.Fatalf("cache delete: %v", err)
	}

	resp, err := fx.svc.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("store fallback: %v", err)
	}
	if resp.Status != model.JobStatusQueued {
		t.Fatalf("expected queued from store, got %s", resp.Status)
	}
	if _, err := fx.cache.Get(ctx, jobID); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("non-terminal fallback must leave the cache empty, got %v", err)
	}

	// The terminal transition mirrors done; with no stale write in
	// flight, cache-first readers see it immediately.
	if _, claimed, err := fx.svc.Claim(ctx, jobID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := fx.svc.Complete(ctx, jobID, 1.5, 2.5); err != nil {
		t.Fatalf("complete: %v", err)
	}

	entry, err := fx.cache.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry.Status != model.JobStatusDone {
		t.Fatalf("cache must hold the terminal state, got %s", entry.Status)
	}
	final, err := fx.svc.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if final.Status != model.JobStatusDone || final.X == nil || *final.X != 1.5 {
		t.Fatalf("expected done with result, got %+v", final)
	}
}

func TestSweepReenqueuesStaleQueued(t *testing.T) {
	fx := setupService(t)
	ctx := context.Background()

	stale := fx.submit(t)
	fx.submit(t) // stays fresh
	fx.backdate(t, stale, 10*time.Minute)
	fx.enqueuer.ids = nil

	if err := fx.svc.Sweep(ctx, 2*time.Minute, false, time.Hour); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(fx.enqueuer.ids) != 1 || fx.enqueuer.ids[0] != stale {
		t.Fatalf("expected only the stale job re-enqueued, got %v", fx.enqueuer.ids)
	}
}

func TestSweepRequeueRunningIsGated(t *testing.T) {
	fx := setupService(t)
	ctx := context.Background()

	jobID := fx.submit(t)
	if _, claimed, err := fx.svc.Claim(ctx, jobID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	fx.backdate(t, jobID, time.Hour)
	fx.enqueuer.ids = nil

	// Flag off: the stuck running job is left alone.
	if err := fx.svc.Sweep(ctx, 2*time.Minute, false, 30*time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(fx.enqueuer.ids) != 0 {
		t.Fatalf("gated sweep must not touch running jobs, got %v", fx.enqueuer.ids)
	}

	// Flag on: the job goes back to queued and is re-dispatched.
	if err := fx.svc.Sweep(ctx, 2*time.Minute, true, 30*time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(fx.enqueuer.ids) != 1 || fx.enqueuer.ids[0] != jobID {
		t.Fatalf("expected the stuck job requeued, got %v", fx.enqueuer.ids)
	}
	job, err := fx.jobs.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != model.JobStatusQueued {
		t.Fatalf("expected queued after requeue, got %s", job.Status)
	}
}
