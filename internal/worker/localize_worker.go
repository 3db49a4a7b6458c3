package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/client"
	"github.com/waveloc/api/internal/retry"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/internal/store"
)

// LocalizeWorker executes one localization job per task delivery.
//
// The claim transaction commits before any blob fetch or prediction
// run, so the long-running segment never holds a row lock. The outcome
// is persisted in a fresh transaction afterwards.
type LocalizeWorker struct {
	service    *service.LocalizeService
	catalog    *store.CatalogStore
	objects    client.ObjectStore
	predictor  client.Predictor
	log         *zap.SugaredLogger
	dataBucket  string
	modelBucket string

	persistRetry retry.Policy
}

func NewLocalizeWorker(
	svc *service.LocalizeService,
	catalog *store.CatalogStore,
	objects client.ObjectStore,
	predictor client.Predictor,
	log *zap.SugaredLogger,
	dataBucket, modelBucket string,
) *LocalizeWorker {
	return &LocalizeWorker{
		service:      svc,
		catalog:      catalog,
		objects:      objects,
		predictor:    predictor,
		log:          log,
		dataBucket:   dataBucket,
		modelBucket:  modelBucket,
		persistRetry: retry.DefaultPolicy(),
	}
}

// ProcessTask handles one delivery. Returning an error asks asynq to
// redeliver with backoff (bounded by the task's max retry); returning
// nil acknowledges. A failure here never touches other jobs in flight.
func (w *LocalizeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// Poison message; redelivery cannot fix it.
		w.log.Errorw("dropping malformed localize task", "error", err)
		return nil
	}
	jobID := payload.JobID

	job, claimed, err := w.service.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperr.ErrJobNotFound) {
			w.log.Warnw("task references unknown job", "job_id", jobID)
			return nil
		}
		// Store unreachable before the claim: the job is still queued,
		// redelivery (or the sweeper) will try again.
		return fmt.Errorf("claim %s: %w", jobID, err)
	}
	if !claimed {
		// Another worker won, or the job was cancelled. Abort silently.
		w.log.Debugw("claim lost, skipping", "job_id", jobID)
		return nil
	}

	w.log.Infow("job claimed", "job_id", jobID, "attempt", job.Attempts)

	x, y, runErr := w.execute(ctx, job.DatasetID, job.MethodID)
	if runErr != nil {
		w.failJob(ctx, jobID, runErr)
		return nil
	}

	// Persist the outcome with local retries: redelivery cannot help
	// here, the claim already happened.
	err = w.persistRetry.Do(ctx, func() error {
		return w.service.Complete(ctx, jobID, x, y)
	})
	if err != nil {
		w.log.Errorw("failed to persist result, job left running for the stale sweep",
			"job_id", jobID, "error", err)
		return fmt.Errorf("persist result for %s: %w", jobID, err)
	}

	w.log.Infow("job done", "job_id", jobID, "x", x, "y", y)
	return nil
}

// execute fetches the capture and model artifact, then runs the
// prediction routine. Any failure in this segment is terminal for the
// job; redelivery would hit the same artifact again.
func (w *LocalizeWorker) execute(ctx context.Context, datasetID, methodID string) (float64, float64, error) {
	dataset, err := w.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("dataset lookup: %w", err))
	}
	method, err := w.catalog.GetMethod(ctx, methodID)
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("method lookup: %w", err))
	}

	data, err := w.objects.GetObject(ctx, w.dataBucket, dataset.ObjectKey)
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("fetch capture: %w", err))
	}
	artifact, err := w.objects.GetObject(ctx, w.modelBucket, method.ObjectKey)
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("fetch model: %w", err))
	}

	dir, err := os.MkdirTemp("", "localize-*")
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	dataPath := filepath.Join(dir, "data.csv")
	modelPath := filepath.Join(dir, "model.pkl")
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("write capture: %w", err))
	}
	if err := os.WriteFile(modelPath, artifact, 0o600); err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("write model: %w", err))
	}

	x, y, err := w.predictor.Run(ctx, dataPath, modelPath)
	if err != nil {
		return 0, 0, apperr.TaskFailure(fmt.Errorf("prediction: %w", err))
	}
	return x, y, nil
}

func (w *LocalizeWorker) failJob(ctx context.Context, jobID string, cause error) {
	w.log.Warnw("job failed", "job_id", jobID, "error", cause)
	err := w.persistRetry.Do(ctx, func() error {
		return w.service.Fail(ctx, jobID, cause.Error())
	})
	if err != nil {
		w.log.Errorw("failed to mark job failed, job left running for the stale sweep",
			"job_id", jobID, "error", err)
	}
}
