// Package cache mirrors the latest job status into Redis for
// low-latency reads. The mirror is never authoritative: entries are
// TTL-bound and written only after the store commit they reflect, so a
// miss always falls back to the durable store.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waveloc/api/internal/model"
)

// ErrCacheMiss means no entry exists for the job id. Absence is a valid
// response; callers reconcile from the store.
var ErrCacheMiss = errors.New("status cache miss")

// Entry is the ephemeral projection of a job's latest state. It carries
// everything the status endpoint serves, so a cache hit and a store
// fallback produce identical responses.
type Entry struct {
	Status    model.JobStatus
	CreatedAt *time.Time
	UpdatedAt time.Time
	X         *float64
	Y         *float64
	Error     *string
}

// StatusCache is the fast-path mirror contract.
type StatusCache interface {
	Put(ctx context.Context, jobID string, entry Entry) error
	Get(ctx context.Context, jobID string) (*Entry, error)
	Delete(ctx context.Context, jobID string) error
}

// RedisCache stores one hash per job under job_status:<id>.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func statusKey(jobID string) string { return "job_status:" + jobID }

func (c *RedisCache) Put(ctx context.Context, jobID string, entry Entry) error {
	fields := map[string]interface{}{
		"status":     string(entry.Status),
		"updated_at": entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if entry.CreatedAt != nil {
		fields["created_at"] = entry.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if entry.X != nil {
		fields["x"] = strconv.FormatFloat(*entry.X, 'f', -1, 64)
	}
	if entry.Y != nil {
		fields["y"] = strconv.FormatFloat(*entry.Y, 'f', -1, 64)
	}
	if entry.Error != nil {
		fields["error"] = *entry.Error
	}

	key := statusKey(jobID)
	pipe := c.rdb.TxPipeline()
	// Replace rather than merge so stale result fields never survive a
	// status change.
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Get(ctx context.Context, jobID string) (*Entry, error) {
	fields, err := c.rdb.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return entryFromFields(fields)
}

func (c *RedisCache) Delete(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, statusKey(jobID)).Err()
}

func entryFromFields(fields map[string]string) (*Entry, error) {
	entry := &Entry{Status: model.JobStatus(fields["status"])}
	if !entry.Status.Valid() {
		return nil, ErrCacheMiss
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		entry.UpdatedAt = ts
	}
	if v, ok := fields["created_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.CreatedAt = &ts
		}
	}
	if v, ok := fields["x"]; ok {
		if x, err := strconv.ParseFloat(v, 64); err == nil {
			entry.X = &x
		}
	}
	if v, ok := fields["y"]; ok {
		if y, err := strconv.ParseFloat(v, 64); err == nil {
			entry.Y = &y
		}
	}
	if v, ok := fields["error"]; ok {
		entry.Error = &v
	}
	return entry, nil
}
