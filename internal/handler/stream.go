package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/pkg/response"
)

// StreamHandler serves Server-Sent Events for a single job. The
// contract matches the WebSocket hub: subscribe first, then an
// immediate snapshot, then live events until a terminal status closes
// the stream.
type StreamHandler struct {
	service *service.LocalizeService
	bus     pubsub.Bus
	log     *zap.SugaredLogger
}

func NewStreamHandler(svc *service.LocalizeService, bus pubsub.Bus, log *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{service: svc, bus: bus, log: log}
}

// Stream handles GET /api/stream/:jobId
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Subscribe before the snapshot read so a transition landing in
	// between arrives as an event instead of being lost.
	events, release, err := h.bus.Subscribe(ctx, jobID)
	if err != nil {
		cancel()
		h.log.Warnw("event subscribe failed", "job_id", jobID, "error", err)
		return response.ServiceError(c, "subscription unavailable")
	}

	snapshot, err := h.service.GetStatus(ctx, jobID)
	if err != nil {
		release()
		cancel()
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer release()

		if !h.writeEvent(w, "status", snapshot) {
			return
		}
		if snapshot.Status.Terminal() {
			return
		}

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !h.writeEvent(w, "event", ev) {
					return
				}
				if ev.Status.Terminal() {
					// Final snapshot so the client's last word matches
					// the durable record.
					if final, err := h.service.GetStatus(ctx, jobID); err == nil {
						h.writeEvent(w, "status", final)
					}
					return
				}

			case <-keepalive.C:
				// Comment line keeps intermediaries from timing the
				// connection out; a failed flush means the client left.
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func (h *StreamHandler) writeEvent(w *bufio.Writer, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("failed to marshal stream payload", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	return w.Flush() == nil
}
