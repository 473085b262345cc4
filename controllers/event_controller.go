package controller

import (
	"context"
	"errors"
	"time"

	"outreach/feedback"
	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// EventSink accepts delivery outcomes.
type EventSink interface {
	Consume(ctx context.Context, ev *models.DeliveryEvent) error
}

type EventController struct {
	sink EventSink
}

func NewEventController(sink EventSink) *EventController {
	return &EventController{sink: sink}
}

type EventRequest struct {
	EnrollmentID uint              `json:"enrollment_id"`
	StepID       uint              `json:"step_id"`
	SenderID     uint              `json:"sender_id"`
	Kind         models.EventKind  `json:"kind"`
	BounceType   models.BounceType `json:"bounce_type"`
	MessageID    string            `json:"message_id"`
	Detail       string            `json:"detail"`
	Final        bool              `json:"final"`
	OccurredAt   *time.Time        `json:"occurred_at"`
}

// IngestEvent accepts a delivery event from an external transport. A
// repeated Idempotency-Key is acknowledged without being applied again.
func (ec *EventController) IngestEvent(c *fiber.Ctx) error {
	var req EventRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	ev := &models.DeliveryEvent{
		EnrollmentID: req.EnrollmentID,
		StepID:       req.StepID,
		SenderID:     req.SenderID,
		Kind:         req.Kind,
		BounceType:   req.BounceType,
		MessageID:    req.MessageID,
		Detail:       req.Detail,
		Final:        req.Final,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}
	if key := c.Get("Idempotency-Key"); key != "" {
		ev.IdempotencyKey = utils.Pointer("api:" + key)
	}

	err := ec.sink.Consume(c.UserContext(), ev)
	switch {
	case errors.Is(err, feedback.ErrInvalidEvent):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid delivery event", err)
	case errors.Is(err, store.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	case err != nil:
		utils.LogError("event_ingest_failed", err, map[string]interface{}{
			"enrollment_id": req.EnrollmentID,
			"kind":          req.Kind,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record event", nil)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"enrollment_id": ev.EnrollmentID,
		"kind":          ev.Kind,
	}))
}
