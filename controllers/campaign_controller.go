package controller

import (
	"context"
	"errors"
	"time"

	"outreach/models"
	"outreach/sequence"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// CampaignStore is the persistence behind the campaign control API.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uint) (models.Campaign, error)
	SaveCampaignStatus(ctx context.Context, c *models.Campaign) error
	ActivatePending(ctx context.Context, campaignID uint, due time.Time) (int64, error)
	TerminateOpen(ctx context.Context, campaignID uint, status models.EnrollmentStatus, reason string) (int64, error)
	GetContact(ctx context.Context, id uint) (models.Contact, error)
	CreateEnrollment(ctx context.Context, e *models.Enrollment) (bool, error)
	GetEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error
	Health(ctx context.Context, campaignID uint, now time.Time) (store.CampaignHealth, error)
}

type CampaignController struct {
	store    CampaignStore
	notifier *HealthHub
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewCampaignController(store CampaignStore, hub *HealthHub, logger logrus.FieldLogger) *CampaignController {
	return &CampaignController{
		store:    store,
		notifier: hub,
		logger:   logger,
		now:      time.Now,
	}
}

// loadCampaign fetches the :id campaign and checks ownership. On failure the
// response has already been written and the returned error must be returned
// from the handler.
func (cc *CampaignController) loadCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	id := utils.ParseUint(c.Params("id"))
	campaign, err := cc.store.GetCampaign(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	user := c.Locals("user").(*models.User)
	if !user.Owns(campaign.UserID) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return &campaign, nil
}

func (cc *CampaignController) changed(id uint) {
	if cc.notifier != nil {
		cc.notifier.CampaignChanged(id)
	}
}

// transitionError maps lifecycle errors onto responses.
func transitionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, sequence.ErrInvalidCampaign):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Campaign is not valid", err)
	case errors.Is(err, sequence.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot make this transition", err)
	}
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
}

// LaunchCampaign validates and starts (or schedules) a draft campaign.
func (cc *CampaignController) LaunchCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	now := cc.now()
	if err := sequence.Launch(campaign, now); err != nil {
		return transitionError(c, err)
	}
	if err := cc.store.SaveCampaignStatus(c.UserContext(), campaign); err != nil {
		return transitionError(c, err)
	}

	var activated int64
	if campaign.Status == models.CampaignRunning {
		activated, err = cc.store.ActivatePending(c.UserContext(), campaign.ID, sequence.InitialDue(campaign, now))
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate enrollments", err)
		}
	}

	utils.LogEvent("campaign_launched", map[string]interface{}{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"activated":   activated,
	})
	cc.changed(campaign.ID)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"activated":   activated,
	}))
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	return cc.simpleTransition(c, "campaign_paused", func(campaign *models.Campaign) error {
		return sequence.Pause(campaign)
	})
}

func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	return cc.simpleTransition(c, "campaign_resumed", func(campaign *models.Campaign) error {
		return sequence.Resume(campaign)
	})
}

func (cc *CampaignController) simpleTransition(c *fiber.Ctx, event string, apply func(*models.Campaign) error) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	if err := apply(campaign); err != nil {
		return transitionError(c, err)
	}
	if err := cc.store.SaveCampaignStatus(c.UserContext(), campaign); err != nil {
		return transitionError(c, err)
	}
	utils.LogEvent(event, map[string]interface{}{"campaign_id": campaign.ID})
	cc.changed(campaign.ID)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
	}))
}

// CancelCampaign ends the campaign and closes every open enrollment.
func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	if err := sequence.Cancel(campaign, cc.now()); err != nil {
		return transitionError(c, err)
	}
	if err := cc.store.SaveCampaignStatus(c.UserContext(), campaign); err != nil {
		return transitionError(c, err)
	}
	closed, err := cc.store.TerminateOpen(c.UserContext(), campaign.ID, models.EnrollmentCompleted, sequence.CancelledReason)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to close enrollments", err)
	}

	utils.LogEvent("campaign_cancelled", map[string]interface{}{
		"campaign_id": campaign.ID,
		"closed":      closed,
	})
	cc.changed(campaign.ID)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"closed":      closed,
	}))
}

// GetCampaignHealth reports enrollment counts per status and recent errors.
func (cc *CampaignController) GetCampaignHealth(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	health, err := cc.store.Health(c.UserContext(), campaign.ID, cc.now())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign health", err)
	}
	return c.JSON(utils.SuccessResponse(health))
}

// EnrollContact adds a contact to the campaign at step 0.
func (cc *CampaignController) EnrollContact(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	switch campaign.Status {
	case models.CampaignCompleted, models.CampaignCancelled:
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is no longer accepting contacts", nil)
	}

	var input struct {
		ContactID uint `json:"contact_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	contact, err := cc.store.GetContact(c.UserContext(), input.ContactID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && contact.UserID != campaign.UserID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load contact", err)
	}

	enrollment := sequence.Enroll(campaign, contact.ID, cc.now())
	created, err := cc.store.CreateEnrollment(c.UserContext(), &enrollment)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll contact", err)
	}
	if !created {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Contact is already enrolled in this campaign", nil)
	}

	cc.logger.WithFields(logrus.Fields{
		"campaign_id":   campaign.ID,
		"enrollment_id": enrollment.ID,
		"status":        enrollment.Status,
	}).Info("Contact enrolled")
	cc.changed(campaign.ID)
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// loadEnrollment fetches the :id enrollment with its campaign and checks
// ownership, writing the response on failure like loadCampaign.
func (cc *CampaignController) loadEnrollment(c *fiber.Ctx) (*models.Enrollment, error) {
	id := utils.ParseUint(c.Params("id"))
	enrollment, err := cc.store.GetEnrollment(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load enrollment", err)
	}
	campaign, err := cc.store.GetCampaign(c.UserContext(), enrollment.CampaignID)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	user := c.Locals("user").(*models.User)
	if !user.Owns(campaign.UserID) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	return &enrollment, nil
}

// GetNextDue reports when the enrollment will next be processed.
func (cc *CampaignController) GetNextDue(c *fiber.Ctx) error {
	enrollment, err := cc.loadEnrollment(c)
	if enrollment == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"enrollment_id":      enrollment.ID,
		"status":             enrollment.Status,
		"current_step_order": enrollment.CurrentStepOrder,
		"next_due_at":        enrollment.NextDueAt,
		"last_error":         enrollment.LastError,
	}))
}

// RescheduleEnrollment overrides next_due_at, earlier or later.
func (cc *CampaignController) RescheduleEnrollment(c *fiber.Ctx) error {
	enrollment, err := cc.loadEnrollment(c)
	if enrollment == nil {
		return err
	}

	var input struct {
		NextDueAt *time.Time `json:"next_due_at" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	if err := sequence.Reschedule(enrollment, *input.NextDueAt); err != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is not active", err)
	}
	if err := cc.store.SaveEnrollment(c.UserContext(), enrollment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment changed, retry the request", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reschedule enrollment", err)
	}

	cc.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"next_due_at":   enrollment.NextDueAt,
	}).Info("Enrollment rescheduled")
	return c.JSON(utils.SuccessResponse(enrollment))
}
