package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

const requestIDKey = "request_id"

// RequestID adds a unique request ID to each request
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}

		c.Set("X-Request-ID", requestID)
		c.Locals(requestIDKey, requestID)

		return c.Next()
	}
}

// RequestIDFrom returns the ID stored by RequestID, or "".
func RequestIDFrom(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Timing adds timing information to response headers
func Timing() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		c.Set("X-Response-Time", time.Since(start).String())
		return err
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("cache_status", string(c.Response().Header.Peek("X-Cache-Status"))),
			zap.String("client", observability.MaskClient(c.IP())),
			zap.String("request_id", RequestIDFrom(c)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Info("Request rejected", fields...)
		default:
			logger.Debug("Request completed", fields...)
		}
		return err
	}
}

// CORS allows the configured browser origins. Credentials are only allowed
// for an explicit origin list.
func CORS(origins []string, logger *zap.Logger) fiber.Handler {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cleaned = append(cleaned, origin)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"*"}
	}

	logger.Info("Configuring CORS", zap.Strings("allowed_origins", cleaned))

	wildcard := len(cleaned) == 1 && cleaned[0] == "*"
	return cors.New(cors.Config{
		AllowOrigins:     strings.Join(cleaned, ","),
		AllowCredentials: !wildcard,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods:     "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders:    "X-Cache-Status, X-Cache-Age, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Request-ID",
	})
}
