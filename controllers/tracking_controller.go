package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// transparentGIF is a 1x1 transparent pixel.
var transparentGIF, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

type SentEventFinder interface {
	FindSentEvent(ctx context.Context, messageID string) (models.DeliveryEvent, error)
}

// TrackingController turns tracking hits from recipients into delivery
// events. Hits carry a token signed over the message id.
type TrackingController struct {
	events SentEventFinder
	sink   EventSink
	secret string
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewTrackingController(events SentEventFinder, sink EventSink, secret string, logger logrus.FieldLogger) *TrackingController {
	return &TrackingController{events: events, sink: sink, secret: secret, logger: logger, now: time.Now}
}

// signedMessage returns the message id in the :id param when the :token
// param signs it.
func (tc *TrackingController) signedMessage(c *fiber.Ctx) (string, bool) {
	messageID, err := url.PathUnescape(c.Params("id"))
	if err != nil || !utils.VerifyTrackingToken(tc.secret, messageID, c.Params("token")) {
		tc.logger.WithField("path", c.Path()).Debug("Rejected tracking hit")
		return "", false
	}
	return messageID, true
}

// record emits kind for a verified message id. Unknown messages are ignored
// so the recipient-facing response never changes.
func (tc *TrackingController) record(c *fiber.Ctx, messageID string, kind models.EventKind) {
	sent, err := tc.events.FindSentEvent(c.UserContext(), messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			tc.logger.WithError(err).Warn("Tracking lookup failed")
		}
		return
	}

	ev := &models.DeliveryEvent{
		EnrollmentID: sent.EnrollmentID,
		StepID:       sent.StepID,
		SenderID:     sent.SenderID,
		Kind:         kind,
		MessageID:    messageID,
		OccurredAt:   tc.now(),
	}
	// One unsubscribe per message is enough; opens and clicks repeat.
	if kind == models.EventUnsubscribed {
		ev.IdempotencyKey = utils.Pointer(fmt.Sprintf("track:%s:%s", kind, messageID))
	}
	if err := tc.sink.Consume(c.UserContext(), ev); err != nil {
		utils.LogError("tracking_event_failed", err, map[string]interface{}{
			"message_id": messageID,
			"kind":       kind,
		})
	}
}

func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	if messageID, ok := tc.signedMessage(c); ok {
		tc.record(c, messageID, models.EventOpened)
	}
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(transparentGIF)
}

// TrackClick records the click and redirects to the original link. The token
// signs the target too, so other destinations are refused.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	target := c.Query("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return c.Status(fiber.StatusBadRequest).SendString("invalid link")
	}
	messageID, err := url.PathUnescape(c.Params("id"))
	if err != nil || !utils.VerifyClickToken(tc.secret, messageID, target, c.Params("token")) {
		tc.logger.WithField("path", c.Path()).Debug("Rejected click")
		return c.Status(fiber.StatusBadRequest).SendString("invalid link")
	}
	tc.record(c, messageID, models.EventClicked)
	return c.Redirect(u.String(), fiber.StatusFound)
}

// Unsubscribe handles both the footer link (GET) and RFC 8058 one-click
// List-Unsubscribe posts.
func (tc *TrackingController) Unsubscribe(c *fiber.Ctx) error {
	if messageID, ok := tc.signedMessage(c); ok {
		tc.record(c, messageID, models.EventUnsubscribed)
	}
	if c.Method() == fiber.MethodPost {
		return c.SendStatus(fiber.StatusOK)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString("<html><body><p>You have been unsubscribed and will not receive further emails.</p></body></html>")
}
