package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/model"
)

// RedisBus publishes one channel per job, job_events:<id>.
type RedisBus struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewRedisBus(rdb *redis.Client, log *zap.SugaredLogger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

func eventChannel(jobID string) string { return "job_events:" + jobID }

func (b *RedisBus) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, eventChannel(event.JobID), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan model.Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, eventChannel(jobID))

	// Confirm the subscription is active before the caller reads its
	// initial snapshot, so no event published afterwards is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan model.Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warnw("dropping malformed bus event", "job_id", jobID, "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	release := func() { _ = sub.Close() }
	return out, release, nil
}
