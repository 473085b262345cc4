package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const secret = "test-secret"

type users map[uint]models.User

func (u users) GetUser(_ context.Context, id uint) (models.User, error) {
	user, ok := u[id]
	if !ok {
		return models.User{}, errors.New("not found")
	}
	return user, nil
}

func protectedApp(u users) *fiber.App {
	app := fiber.New()
	app.Get("/me", Protected(secret, u), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": c.Locals("userID")})
	})
	return app
}

func token(t *testing.T, userID uint, version int) string {
	t.Helper()
	tok, err := utils.GenerateJWTToken(secret, userID, version, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestProtected(t *testing.T) {
	u := users{
		1: {Model: gorm.Model{ID: 1}, Email: "ops@example.com", IsActive: true, TokenVersion: 2},
		2: {Model: gorm.Model{ID: 2}, Email: "gone@example.com", IsActive: false},
	}
	app := protectedApp(u)

	cases := []struct {
		name   string
		setup  func(r *httptestRequest)
		status int
	}{
		{"no credentials", func(r *httptestRequest) {}, fiber.StatusUnauthorized},
		{"malformed header", func(r *httptestRequest) { r.header = "Token abc" }, fiber.StatusUnauthorized},
		{"garbage token", func(r *httptestRequest) { r.header = "Bearer abc" }, fiber.StatusUnauthorized},
		{"valid bearer", func(r *httptestRequest) { r.header = "Bearer " + token(t, 1, 2) }, fiber.StatusOK},
		{"valid cookie", func(r *httptestRequest) { r.cookie = token(t, 1, 2) }, fiber.StatusOK},
		{"stale version", func(r *httptestRequest) { r.header = "Bearer " + token(t, 1, 1) }, fiber.StatusUnauthorized},
		{"inactive user", func(r *httptestRequest) { r.header = "Bearer " + token(t, 2, 0) }, fiber.StatusForbidden},
		{"unknown user", func(r *httptestRequest) { r.header = "Bearer " + token(t, 9, 0) }, fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var r httptestRequest
			tc.setup(&r)
			req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
			if r.header != "" {
				req.Header.Set("Authorization", r.header)
			}
			if r.cookie != "" {
				req.Header.Set("Cookie", "access_token="+r.cookie)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

type httptestRequest struct {
	header string
	cookie string
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(DefaultCORSConfig("https://app.example.com/")))
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(fiber.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	req = httptest.NewRequest(fiber.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Post("/events", EventRateLimiter(2, nil), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	var codes []int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusAccepted, fiber.StatusAccepted, fiber.StatusTooManyRequests}, codes)
}
