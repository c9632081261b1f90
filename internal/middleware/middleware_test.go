package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(RequestIDFrom(c))
	})

	t.Run("generated", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)

		id := resp.Header.Get("X-Request-ID")
		_, err = uuid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "trace-abc")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, "trace-abc", resp.Header.Get("X-Request-ID"))
	})
}

func TestTimingAndLogger(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), Timing(), RequestLogger(zaptest.NewLogger(t)))
	app.Get("/boom", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusBadGateway)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Response-Time"))
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS([]string{"https://taxcalc.example", " "}, zaptest.NewLogger(t)))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://taxcalc.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://taxcalc.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestAdminAuth(t *testing.T) {
	const secret = "test-secret"

	app := fiber.New()
	app.Use(AdminAuth(secret, zaptest.NewLogger(t)))
	app.Get("/admin/ping", func(c *fiber.Ctx) error {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		return c.SendString(claims.Subject)
	})

	admin, err := GenerateToken(secret, "ops@taxcalc.example", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	viewer, err := GenerateToken(secret, "viewer", []string{"viewer"}, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(secret, "ops", []string{RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	forged, err := GenerateToken("other-secret", "ops", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "admin", header: "Bearer " + admin, status: fiber.StatusOK},
		{name: "missing", header: "", status: fiber.StatusUnauthorized},
		{name: "not bearer", header: admin, status: fiber.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + viewer, status: fiber.StatusForbidden},
		{name: "expired", header: "Bearer " + expired, status: fiber.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + forged, status: fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAdminAuthWithoutSecret(t *testing.T) {
	app := fiber.New()
	app.Use(AdminAuth("", zaptest.NewLogger(t)))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	token, err := GenerateToken("", "ops", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
