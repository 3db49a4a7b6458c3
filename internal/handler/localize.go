package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/pkg/response"
)

type LocalizeHandler struct {
	service   *service.LocalizeService
	validator *validator.Validate
}

func NewLocalizeHandler(svc *service.LocalizeService, v *validator.Validate) *LocalizeHandler {
	return &LocalizeHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/localize
func (h *LocalizeHandler) Submit(c *fiber.Ctx) error {
	var req model.LocalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/status/:jobId
func (h *LocalizeHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles DELETE /api/jobs/:jobId
func (h *LocalizeHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// List handles GET /api/jobs
func (h *LocalizeHandler) List(c *fiber.Ctx) error {
	status := model.JobStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return response.ValidationError(c, "Unknown status filter", nil)
	}

	result, err := h.service.List(c.Context(), status, c.QueryInt("limit"), c.QueryInt("offset"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Stats handles GET /api/stats
func (h *LocalizeHandler) Stats(c *fiber.Ctx) error {
	result, err := h.service.Stats(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}

// respondError maps the service error taxonomy onto the HTTP envelope.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, apperr.ErrReferenceNotFound):
		return response.ReferenceNotFound(c, err.Error())
	case errors.Is(err, apperr.ErrJobNotFound):
		return response.JobNotFound(c)
	case errors.Is(err, apperr.ErrInvalidTransition):
		return response.InvalidTransition(c, "Job can only be cancelled while queued")
	default:
		return response.ServiceError(c, err.Error())
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
