package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeLocalize = "localize:process"
	TaskTypeSweep    = "jobs:sweep"

	QueueLocalize = "localize"
)

// TaskPayload is the asynq task body for a localization run.
type TaskPayload struct {
	JobID string `json:"job_id"`
}

// Enqueuer hands a committed job to the worker pool. Behind an
// interface so tests can run jobs synchronously without Redis.
type Enqueuer interface {
	EnqueueLocalize(ctx context.Context, jobID string) error
}

// AsynqEnqueuer dispatches through the asynq queue. Duplicate enqueues
// of the same job are harmless: the claim rejects the second delivery.
type AsynqEnqueuer struct {
	client   *asynq.Client
	maxRetry int
}

func NewAsynqEnqueuer(client *asynq.Client, maxRetry int) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, maxRetry: maxRetry}
}

func (e *AsynqEnqueuer) EnqueueLocalize(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeLocalize, payload)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueLocalize),
		asynq.MaxRetry(e.maxRetry),
		asynq.Retention(24*time.Hour),
	)
	return err
}
