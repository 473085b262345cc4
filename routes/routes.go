package routes

import (
	controller "outreach/controllers"
	"outreach/middleware"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
)

// Deps carries everything the HTTP surface is wired to.
type Deps struct {
	JWTSecret      string
	Users          middleware.UserLookup
	RateLimitStore fiber.Storage
	EventRateLimit int

	Campaigns *controller.CampaignController
	Senders   *controller.SenderController
	Events    *controller.EventController
	Tracking  *controller.TrackingController
	Health    *controller.HealthStreamController
}

// SetupTrackingRoutes registers the public recipient-facing endpoints.
func SetupTrackingRoutes(app *fiber.App, d Deps) {
	track := app.Group("/track")
	track.Get("/open/:id/:token", d.Tracking.TrackOpen)
	track.Get("/click/:id/:token", d.Tracking.TrackClick)
	track.Get("/unsubscribe/:id/:token", d.Tracking.Unsubscribe)
	track.Post("/unsubscribe/:id/:token", d.Tracking.Unsubscribe)
}

// SetupAPIRoutes registers the operator control API.
func SetupAPIRoutes(app *fiber.App, d Deps) {
	api := app.Group("/api/v1", middleware.Protected(d.JWTSecret, d.Users), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Post("/events", middleware.EventRateLimiter(d.EventRateLimit, d.RateLimitStore), d.Events.IngestEvent)

	api.Get("/senders/:id/availability", d.Senders.GetSenderAvailability)

	campaign := api.Group("/campaigns")
	campaign.Post("/:id/launch", d.Campaigns.LaunchCampaign)
	campaign.Post("/:id/pause", d.Campaigns.PauseCampaign)
	campaign.Post("/:id/resume", d.Campaigns.ResumeCampaign)
	campaign.Post("/:id/cancel", d.Campaigns.CancelCampaign)
	campaign.Get("/:id/health", d.Campaigns.GetCampaignHealth)
	campaign.Post("/:id/enrollments", d.Campaigns.EnrollContact)
	campaign.Get("/:id/health/stream", d.Health.Upgrade, websocket.New(d.Health.Stream))

	enrollment := api.Group("/enrollments")
	enrollment.Get("/:id/next-due", d.Campaigns.GetNextDue)
	enrollment.Post("/:id/reschedule", d.Campaigns.RescheduleEnrollment)

	utils.LogEvent("routes_initialized", map[string]interface{}{"group": "api"})
}

func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupTrackingRoutes(app, d)
	SetupAPIRoutes(app, d)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
