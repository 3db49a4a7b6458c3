package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/service"
)

const (
	frameTypeStatus = "status"
	frameTypeEvent  = "event"
	frameTypeError  = "error"
)

// frame is the wire envelope for every message sent to a subscriber.
type frame struct {
	Type   string                `json:"type"`
	Status *model.StatusResponse `json:"status,omitempty"`
	Event  *model.Event          `json:"event,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Hub serves per-job WebSocket subscriptions. Each connection gets an
// immediate snapshot followed by live status events; the connection
// closes after the job reaches a terminal state.
type Hub struct {
	service *service.LocalizeService
	bus     pubsub.Bus
	log     *zap.SugaredLogger
}

func NewHub(svc *service.LocalizeService, bus pubsub.Bus, log *zap.SugaredLogger) *Hub {
	return &Hub{service: svc, bus: bus, log: log}
}

// HandleConnection runs one subscription. The subscription is opened
// before the snapshot read, so a transition landing between the two is
// seen as an event rather than lost.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, release, err := h.bus.Subscribe(ctx, jobID)
	if err != nil {
		h.log.Warnw("event subscribe failed", "job_id", jobID, "error", err)
		h.writeFrame(c, frame{Type: frameTypeError, Error: "subscription unavailable"})
		return
	}
	defer release()

	snapshot, err := h.service.GetStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperr.ErrJobNotFound) {
			h.writeFrame(c, frame{Type: frameTypeError, Error: "job not found"})
		} else {
			h.log.Warnw("snapshot read failed", "job_id", jobID, "error", err)
			h.writeFrame(c, frame{Type: frameTypeError, Error: "status unavailable"})
		}
		return
	}
	if !h.writeFrame(c, frame{Type: frameTypeStatus, Status: snapshot}) {
		return
	}
	if snapshot.Status.Terminal() {
		h.writeClose(c)
		return
	}

	// Reader loop: drains client frames so close and pong handling
	// work, and cancels the writer when the peer goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debugw("websocket read error", "job_id", jobID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !h.writeFrame(c, frame{Type: frameTypeEvent, Event: &ev}) {
				return
			}
			if ev.Status.Terminal() {
				// Re-read so the subscriber's last word matches the
				// durable record, then end the stream.
				if final, err := h.service.GetStatus(ctx, jobID); err == nil {
					h.writeFrame(c, frame{Type: frameTypeStatus, Status: final})
				}
				h.writeClose(c)
				return
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) writeFrame(c *websocket.Conn, f frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Errorw("failed to marshal websocket frame", "error", err)
		return false
	}
	return c.WriteMessage(websocket.TextMessage, data) == nil
}

func (h *Hub) writeClose(c *websocket.Conn) {
	_ = c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
