package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/pkg/response"
)

type CatalogHandler struct {
	service   *service.CatalogService
	validator *validator.Validate
}

func NewCatalogHandler(svc *service.CatalogService, v *validator.Validate) *CatalogHandler {
	return &CatalogHandler{
		service:   svc,
		validator: v,
	}
}

// CreateDataset handles POST /api/datasets
func (h *CatalogHandler) CreateDataset(c *fiber.Ctx) error {
	var req model.CreateDatasetRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ds, err := h.service.CreateDataset(c.Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return response.Created(c, ds)
}

// ListDatasets handles GET /api/datasets
func (h *CatalogHandler) ListDatasets(c *fiber.Ctx) error {
	out, err := h.service.ListDatasets(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, out)
}

// CreateRoom handles POST /api/rooms
func (h *CatalogHandler) CreateRoom(c *fiber.Ctx) error {
	var req model.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	room, err := h.service.CreateRoom(c.Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return response.Created(c, room)
}

// ListRooms handles GET /api/rooms
func (h *CatalogHandler) ListRooms(c *fiber.Ctx) error {
	out, err := h.service.ListRooms(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, out)
}

// CreateMethod handles POST /api/methods
func (h *CatalogHandler) CreateMethod(c *fiber.Ctx) error {
	var req model.CreateMethodRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	m, err := h.service.CreateMethod(c.Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return response.Created(c, m)
}

// ListMethods handles GET /api/methods
func (h *CatalogHandler) ListMethods(c *fiber.Ctx) error {
	out, err := h.service.ListMethods(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, out)
}
