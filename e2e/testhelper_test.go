package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/waveloc/api/internal/cache"
	"github.com/waveloc/api/internal/handler"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/internal/store"
	"github.com/waveloc/api/internal/worker"
)

// testApp wires the full request path against an in-memory database
// and an inline worker, so a submit runs the job to completion before
// the response returns.
type testApp struct {
	app *fiber.App
	svc *service.LocalizeService

	datasetID string
	roomID    string
	methodID  string

	// failNext makes the next prediction fail with this message.
	predictor *switchablePredictor
	// dispatch can be disabled to keep submitted jobs queued.
	enqueuer *inlineEnqueuer
}

// inlineEnqueuer runs the worker synchronously instead of dispatching
// through Redis. Disabled, it swallows enqueues so jobs stay queued.
type inlineEnqueuer struct {
	worker   *worker.LocalizeWorker
	disabled bool
}

func (e *inlineEnqueuer) EnqueueLocalize(ctx context.Context, jobID string) error {
	if e.disabled || e.worker == nil {
		return nil
	}
	payload, err := json.Marshal(service.TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	return e.worker.ProcessTask(ctx, asynq.NewTask(service.TaskTypeLocalize, payload))
}

type switchablePredictor struct {
	x, y    float64
	failMsg string
}

func (p *switchablePredictor) Run(context.Context, string, string) (float64, float64, error) {
	if p.failMsg != "" {
		return 0, 0, &predictionError{msg: p.failMsg}
	}
	return p.x, p.y, nil
}

type predictionError struct{ msg string }

func (e *predictionError) Error() string { return e.msg }

type staticObjects struct{}

func (staticObjects) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	return []byte(bucket + "/" + key), nil
}

func setupApp(t *testing.T) *testApp {
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
	jobs := store.NewJobStore(s, log)
	catalog := store.NewCatalogStore(s)
	statusCache := cache.NewMemoryCache(time.Hour)
	bus := pubsub.NewMemoryBus()

	enqueuer := &inlineEnqueuer{}
	svc := service.NewLocalizeService(jobs, catalog, statusCache, bus, enqueuer, log)
	catalogSvc := service.NewCatalogService(catalog)

	predictor := &switchablePredictor{x: 2.5, y: 4.75}
	enqueuer.worker = worker.NewLocalizeWorker(
		svc, catalog, staticObjects{}, predictor, log, "datasets", "models")

	ta := &testApp{
		svc:       svc,
		predictor: predictor,
		enqueuer:  enqueuer,
		datasetID: "7f000001-0000-4000-8000-000000000001",
		roomID:    "7f000001-0000-4000-8000-000000000002",
		methodID:  "7f000001-0000-4000-8000-000000000003",
	}

	ctx := context.Background()
	now := time.Now().UTC()
	if err := catalog.CreateDataset(ctx, &model.Dataset{ID: ta.datasetID, Name: "capture-1", ObjectKey: "captures/1.csv", CreatedAt: now}); err != nil {
		t.Fatalf("seed dataset: %v", err)
	}
	if err := catalog.CreateRoom(ctx, &model.Room{ID: ta.roomID, Name: "lab", Length: 10, Width: 8, CreatedAt: now}); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	if err := catalog.CreateMethod(ctx, &model.Method{ID: ta.methodID, Name: "knn", ObjectKey: "models/knn.pkl", CreatedAt: now}); err != nil {
		t.Fatalf("seed method: %v", err)
	}

	validate := validator.New()
	localizeHandler := handler.NewLocalizeHandler(svc, validate)
	catalogHandler := handler.NewCatalogHandler(catalogSvc, validate)
	streamHandler := handler.NewStreamHandler(svc, bus, log)

	app := fiber.New()
	api := app.Group("/api")
	api.Post("/localize", localizeHandler.Submit)
	api.Get("/status/:jobId", localizeHandler.Status)
	api.Delete("/jobs/:jobId", localizeHandler.Cancel)
	api.Get("/jobs", localizeHandler.List)
	api.Get("/stats", localizeHandler.Stats)
	api.Get("/stream/:jobId", streamHandler.Stream)
	api.Post("/datasets", catalogHandler.CreateDataset)
	api.Get("/datasets", catalogHandler.ListDatasets)
	api.Post("/rooms", catalogHandler.CreateRoom)
	api.Get("/rooms", catalogHandler.ListRooms)
	api.Post("/methods", catalogHandler.CreateMethod)
	api.Get("/methods", catalogHandler.ListMethods)

	ta.app = app
	return ta
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}
