package controller

import (
	"context"
	"sync"
	"time"

	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// HealthHub fans campaign change notifications out to websocket watchers.
// Notifications coalesce: a watcher that is busy sees one pending signal.
type HealthHub struct {
	mu   sync.Mutex
	subs map[uint]map[chan struct{}]struct{}
}

func NewHealthHub() *HealthHub {
	return &HealthHub{subs: make(map[uint]map[chan struct{}]struct{})}
}

func (h *HealthHub) CampaignChanged(campaignID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[campaignID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a signal channel for the campaign and a func that
// unsubscribes it.
func (h *HealthHub) Subscribe(campaignID uint) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[chan struct{}]struct{})
	}
	h.subs[campaignID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[campaignID], ch)
		if len(h.subs[campaignID]) == 0 {
			delete(h.subs, campaignID)
		}
	}
}

type HealthSource interface {
	GetCampaign(ctx context.Context, id uint) (models.Campaign, error)
	Health(ctx context.Context, campaignID uint, now time.Time) (store.CampaignHealth, error)
}

type HealthStreamController struct {
	hub       *HealthHub
	source    HealthSource
	heartbeat time.Duration
	logger    logrus.FieldLogger
}

func NewHealthStreamController(hub *HealthHub, source HealthSource, logger logrus.FieldLogger) *HealthStreamController {
	return &HealthStreamController{hub: hub, source: source, heartbeat: 30 * time.Second, logger: logger}
}

// Upgrade checks ownership over plain HTTP before switching protocols.
func (hc *HealthStreamController) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id := utils.ParseUint(c.Params("id"))
	campaign, err := hc.source.GetCampaign(c.UserContext(), id)
	user := c.Locals("user").(*models.User)
	if err != nil || !user.Owns(campaign.UserID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	c.Locals("campaignID", campaign.ID)
	return c.Next()
}

// Stream pushes the campaign health on connect, on every change and at each
// heartbeat until the client goes away.
func (hc *HealthStreamController) Stream(c *websocket.Conn) {
	defer c.Close()
	campaignID, _ := c.Locals("campaignID").(uint)
	log := hc.logger.WithField("campaign_id", campaignID)

	changes, unsubscribe := hc.hub.Subscribe(campaignID)
	defer unsubscribe()

	// Reads only detect the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(hc.heartbeat)
	defer ticker.Stop()

	for {
		health, err := hc.source.Health(context.Background(), campaignID, time.Now())
		if err != nil {
			log.WithError(err).Warn("Failed to load campaign health")
			return
		}
		if err := c.WriteJSON(health); err != nil {
			log.WithError(err).Debug("Health stream closed")
			return
		}
		select {
		case <-closed:
			return
		case <-changes:
		case <-ticker.C:
		}
	}
}
