// Package queue implements the message-queue intake path: an AMQP
// consumer that feeds localization requests into the same lifecycle as
// the HTTP gateway, with caller-assigned job ids for idempotency.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/config"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/service"
)

// Consumer pulls localization requests off a durable queue. It
// reconnects with a fixed backoff when the broker drops the connection
// and exposes a health flag for the readiness probe.
type Consumer struct {
	service *service.LocalizeService
	cfg     config.RabbitConfig
	log     *zap.SugaredLogger

	healthy atomic.Bool
}

func NewConsumer(svc *service.LocalizeService, cfg config.RabbitConfig, log *zap.SugaredLogger) *Consumer {
	return &Consumer{service: svc, cfg: cfg, log: log}
}

// Healthy reports whether the consumer currently holds a live channel.
func (c *Consumer) Healthy() bool { return c.healthy.Load() }

// Run consumes until ctx is cancelled, re-dialing after any failure.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Duration(c.cfg.Reconnect) * time.Second
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for {
		err := c.consumeOnce(ctx)
		c.healthy.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnw("queue consumer disconnected, retrying",
			"queue", c.cfg.Queue, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeOnce holds one connection for its lifetime: dial, declare,
// then process deliveries until the channel closes or ctx ends.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.healthy.Store(true)
	c.log.Infow("queue consumer connected", "queue", c.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle processes one delivery. Ack semantics: malformed payloads and
// unknown references are acked and dropped (redelivery cannot fix
// them); transient store trouble nacks with requeue so the message
// survives until the store is back.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg model.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Errorw("dropping malformed queue message", "error", err)
		c.ack(d)
		return
	}
	if msg.JobID == "" || msg.DatasetID == "" || msg.RoomID == "" || msg.MethodID == "" {
		c.log.Errorw("dropping incomplete queue message", "job_id", msg.JobID)
		c.ack(d)
		return
	}

	created, err := c.service.SubmitFromQueue(ctx, &msg)
	if err != nil {
		if errors.Is(err, apperr.ErrReferenceNotFound) {
			c.log.Warnw("dropping queue message with unknown reference",
				"job_id", msg.JobID, "error", err)
			c.ack(d)
			return
		}
		c.log.Warnw("queue message processing failed, requeueing",
			"job_id", msg.JobID, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.log.Errorw("nack failed", "job_id", msg.JobID, "error", nackErr)
		}
		return
	}

	if created {
		c.log.Infow("job accepted from queue", "job_id", msg.JobID)
	} else {
		c.log.Debugw("duplicate queue message ignored", "job_id", msg.JobID)
	}
	c.ack(d)
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Errorw("ack failed", "error", err)
	}
}
