package controller

import (
	"context"
	"errors"

	"outreach/ledger"
	"outreach/models"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// SenderLedger is the read side of the quota ledger.
type SenderLedger interface {
	Snapshot(ctx context.Context, id uint) (models.Sender, error)
}

type SenderController struct {
	ledger SenderLedger
}

func NewSenderController(l SenderLedger) *SenderController {
	return &SenderController{ledger: l}
}

type SenderAvailability struct {
	SenderID       uint    `json:"sender_id"`
	IsAvailable    bool    `json:"is_available"`
	IsVerified     bool    `json:"is_verified"`
	SendsToday     int     `json:"sends_today"`
	DailyLimit     int     `json:"daily_limit"`
	EffectiveLimit int     `json:"effective_limit"`
	Remaining      int     `json:"remaining"`
	HealthScore    float64 `json:"health_score"`
	BounceRate7d   float64 `json:"bounce_rate_7d"`
	WarmupMode     bool    `json:"warmup_mode"`
	WarmupTarget   int     `json:"warmup_target"`
}

func availability(s models.Sender) SenderAvailability {
	remaining := s.EffectiveLimit() - s.SendsToday
	if remaining < 0 {
		remaining = 0
	}
	return SenderAvailability{
		SenderID:       s.ID,
		IsAvailable:    s.IsAvailable(),
		IsVerified:     s.IsVerified,
		SendsToday:     s.SendsToday,
		DailyLimit:     s.DailyLimit,
		EffectiveLimit: s.EffectiveLimit(),
		Remaining:      remaining,
		HealthScore:    s.HealthScore,
		BounceRate7d:   s.BounceRate7d,
		WarmupMode:     s.WarmupMode,
		WarmupTarget:   s.WarmupTarget,
	}
}

// GetSenderAvailability answers whether a sender can carry another message
// today, without reserving anything.
func (sc *SenderController) GetSenderAvailability(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	sender, err := sc.ledger.Snapshot(c.UserContext(), id)
	if errors.Is(err, ledger.ErrUnknownSender) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sender", err)
	}
	user := c.Locals("user").(*models.User)
	if !user.Owns(sender.UserID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	return c.JSON(utils.SuccessResponse(availability(sender)))
}
