package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/waveloc/api/internal/store"
)

// HealthHandler reports liveness plus per-dependency readiness. The
// consumer flag is nil when the message-queue intake is disabled.
type HealthHandler struct {
	store    *store.Store
	redis    *redis.Client
	consumer func() bool
}

func NewHealthHandler(s *store.Store, redisClient *redis.Client, consumer func() bool) *HealthHandler {
	return &HealthHandler{store: s, redis: redisClient, consumer: consumer}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true

	if err := h.store.Ping(c.Context()); err != nil {
		checks["postgres"] = "down"
		healthy = false
	} else {
		checks["postgres"] = "up"
	}

	if err := h.redis.Ping(c.Context()).Err(); err != nil {
		checks["redis"] = "down"
		healthy = false
	} else {
		checks["redis"] = "up"
	}

	if h.consumer != nil {
		if h.consumer() {
			checks["rabbitmq"] = "up"
		} else {
			// Degraded, not fatal: HTTP intake still works while the
			// consumer reconnects.
			checks["rabbitmq"] = "down"
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if !healthy {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": checks})
}
