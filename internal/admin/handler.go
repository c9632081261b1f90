// Package admin exposes the operator API: cache purges, rate-limit
// inspection, the dynamic blocklist, analytics queries and origin health.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/analytics"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/middleware"
	"github.com/globaltaxcalc/edge-gateway/internal/origin"
	"github.com/globaltaxcalc/edge-gateway/internal/ratelimit"
	"github.com/globaltaxcalc/edge-gateway/internal/security"
)

// Purger removes cache entries by tag.
type Purger interface {
	PurgeByTag(ctx context.Context, tags []string) (int, error)
}

// RateLimits inspects and resets limiter windows.
type RateLimits interface {
	Status(ctx context.Context, category ratelimit.Category, client string) (*ratelimit.Status, error)
	Reset(ctx context.Context, category ratelimit.Category, client string) error
}

// Blocklist is the dynamic address denylist.
type Blocklist interface {
	Add(ctx context.Context, ip, reason string, ttl time.Duration) (*security.BlockEntry, error)
	Remove(ctx context.Context, ip string) error
	List(ctx context.Context) ([]security.BlockEntry, error)
}

// Analytics answers aggregate queries.
type Analytics interface {
	Summary(ctx context.Context) (*analytics.Summary, error)
	Endpoints(ctx context.Context) ([]analytics.EndpointReport, error)
	TimeSeries(ctx context.Context, q analytics.TimeSeriesQuery) ([]analytics.Bucket, error)
}

// Origins reports per-instance health.
type Origins interface {
	Stats() []origin.InstanceStats
}

// Deps are the components the admin API operates on. A nil dependency
// answers 503 on its routes.
type Deps struct {
	Cache     Purger
	Limiter   RateLimits
	Blocklist Blocklist
	Analytics Analytics
	Origins   Origins
}

// PurgeRequest is the body of POST /admin/cache/purge.
type PurgeRequest struct {
	Tags []string `json:"tags" validate:"required,min=1,max=64,dive,required,max=128"`
}

// BlockRequest is the body of POST /admin/blocklist.
type BlockRequest struct {
	IP         string `json:"ip" validate:"required,ip"`
	TTLSeconds int    `json:"ttlSeconds" validate:"gte=0,lte=2592000"`
	Reason     string `json:"reason" validate:"max=256"`
}

type rateLimitParams struct {
	Category string `validate:"required,oneof=api calculator upload general"`
	Client   string `validate:"required,max=128"`
}

// TimeSeriesParams are the query parameters of the timeseries route.
type TimeSeriesParams struct {
	Type  string `query:"type" validate:"omitempty,oneof=request error security rate_limit"`
	Hours int    `query:"hours" validate:"gte=0,lte=168"`
}

// Handler serves the admin routes.
type Handler struct {
	deps         Deps
	validator    *validator.Validate
	liveInterval time.Duration
	queryTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewHandler creates the admin handler. liveInterval is the push period of
// the live analytics feed.
func NewHandler(deps Deps, liveInterval time.Duration, logger *zap.Logger) *Handler {
	if liveInterval <= 0 {
		liveInterval = 5 * time.Second
	}
	return &Handler{
		deps:         deps,
		validator:    validator.New(),
		liveInterval: liveInterval,
		queryTimeout: 5 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterRoutes mounts every route under /admin behind admin JWT auth.
func (h *Handler) RegisterRoutes(app fiber.Router, jwtSecret string) {
	group := app.Group("/admin", middleware.AdminAuth(jwtSecret, h.logger))

	group.Post("/cache/purge", h.PurgeCache)

	group.Get("/ratelimit/:category/:client", h.RateLimitStatus)
	group.Delete("/ratelimit/:category/:client", h.ResetRateLimit)

	group.Get("/blocklist", h.ListBlocked)
	group.Post("/blocklist", h.BlockIP)
	group.Delete("/blocklist/:ip", h.UnblockIP)

	group.Get("/analytics/summary", h.AnalyticsSummary)
	group.Get("/analytics/endpoints", h.AnalyticsEndpoints)
	group.Get("/analytics/timeseries", h.AnalyticsTimeSeries)
	group.Use("/analytics/live", h.requireUpgrade)
	group.Get("/analytics/live", h.LiveAnalytics())

	group.Get("/origins", h.OriginStats)
}

// PurgeCache removes every entry carrying one of the requested tags.
func (h *Handler) PurgeCache(c *fiber.Ctx) error {
	if h.deps.Cache == nil {
		return h.unavailable(c, "cache")
	}

	var req PurgeRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return h.handleValidationError(c, err)
	}

	purged, err := h.deps.Cache.PurgeByTag(c.UserContext(), req.Tags)
	if err != nil {
		h.logger.Error("Cache purge failed",
			zap.Strings("tags", req.Tags),
			zap.Int("purged", purged),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(edge.NewErrorBody("Cache purge failed", "purge-failed", h.now()))
	}

	h.logger.Info("Cache purged", zap.Strings("tags", req.Tags), zap.Int("purged", purged))
	return c.JSON(fiber.Map{"purged": purged, "tags": req.Tags})
}

// RateLimitStatus returns the window of one (category, client) key.
func (h *Handler) RateLimitStatus(c *fiber.Ctx) error {
	if h.deps.Limiter == nil {
		return h.unavailable(c, "rate limiter")
	}
	params, err := h.rateLimitParams(c)
	if err != nil {
		return h.handleValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.queryTimeout)
	defer cancel()

	status, err := h.deps.Limiter.Status(ctx, ratelimit.Category(params.Category), params.Client)
	if err != nil {
		return h.failed(c, "Rate limit status unavailable", err)
	}
	return c.JSON(status)
}

// ResetRateLimit clears one (category, client) window.
func (h *Handler) ResetRateLimit(c *fiber.Ctx) error {
	if h.deps.Limiter == nil {
		return h.unavailable(c, "rate limiter")
	}
	params, err := h.rateLimitParams(c)
	if err != nil {
		return h.handleValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.queryTimeout)
	defer cancel()

	if err := h.deps.Limiter.Reset(ctx, ratelimit.Category(params.Category), params.Client); err != nil {
		return h.failed(c, "Rate limit reset failed", err)
	}

	h.logger.Info("Rate limit reset",
		zap.String("category", params.Category),
		zap.String("client", params.Client))
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) rateLimitParams(c *fiber.Ctx) (*rateLimitParams, error) {
	params := &rateLimitParams{
		Category: strings.ToLower(c.Params("category")),
		Client:   c.Params("client"),
	}
	if err := h.validator.Struct(params); err != nil {
		return nil, err
	}
	return params, nil
}

// ListBlocked returns the dynamic blocklist.
func (h *Handler) ListBlocked(c *fiber.Ctx) error {
	if h.deps.Blocklist == nil {
		return h.unavailable(c, "blocklist")
	}
	entries, err := h.deps.Blocklist.List(c.UserContext())
	if err != nil {
		return h.failed(c, "Blocklist unavailable", err)
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

// BlockIP adds an address to the dynamic blocklist.
func (h *Handler) BlockIP(c *fiber.Ctx) error {
	if h.deps.Blocklist == nil {
		return h.unavailable(c, "blocklist")
	}

	var req BlockRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return h.handleValidationError(c, err)
	}

	reason := req.Reason
	if reason == "" {
		reason = "admin"
	}
	if claims, ok := middleware.ClaimsFrom(c); ok && claims.Subject != "" {
		reason += " by " + claims.Subject
	}

	entry, err := h.deps.Blocklist.Add(c.UserContext(), req.IP, reason, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return h.failed(c, "Blocklist update failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// UnblockIP removes an address from the dynamic blocklist.
func (h *Handler) UnblockIP(c *fiber.Ctx) error {
	if h.deps.Blocklist == nil {
		return h.unavailable(c, "blocklist")
	}
	ip := c.Params("ip")
	if err := h.validator.Var(ip, "required,ip"); err != nil {
		return h.badRequest(c, "Invalid IP address")
	}
	if err := h.deps.Blocklist.Remove(c.UserContext(), ip); err != nil {
		return h.failed(c, "Blocklist update failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AnalyticsSummary returns the rolling counters.
func (h *Handler) AnalyticsSummary(c *fiber.Ctx) error {
	if h.deps.Analytics == nil {
		return h.unavailable(c, "analytics")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), h.queryTimeout)
	defer cancel()

	summary, err := h.deps.Analytics.Summary(ctx)
	if err != nil {
		return h.failed(c, "Analytics unavailable", err)
	}
	return c.JSON(summary)
}

// AnalyticsEndpoints returns per-endpoint latency percentiles.
func (h *Handler) AnalyticsEndpoints(c *fiber.Ctx) error {
	if h.deps.Analytics == nil {
		return h.unavailable(c, "analytics")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), h.queryTimeout)
	defer cancel()

	endpoints, err := h.deps.Analytics.Endpoints(ctx)
	if err != nil {
		return h.failed(c, "Analytics unavailable", err)
	}
	return c.JSON(fiber.Map{"endpoints": endpoints})
}

// AnalyticsTimeSeries returns five-minute buckets for the last N hours.
func (h *Handler) AnalyticsTimeSeries(c *fiber.Ctx) error {
	if h.deps.Analytics == nil {
		return h.unavailable(c, "analytics")
	}

	var params TimeSeriesParams
	if err := c.QueryParser(&params); err != nil {
		return h.badRequest(c, "Invalid query parameters")
	}
	if err := h.validator.Struct(params); err != nil {
		return h.handleValidationError(c, err)
	}
	if params.Hours == 0 {
		params.Hours = 24
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.queryTimeout)
	defer cancel()

	buckets, err := h.deps.Analytics.TimeSeries(ctx, analytics.TimeSeriesQuery{
		Type:  analytics.EventType(params.Type),
		Hours: params.Hours,
	})
	if err != nil {
		return h.failed(c, "Analytics unavailable", err)
	}
	return c.JSON(fiber.Map{"hours": params.Hours, "type": params.Type, "buckets": buckets})
}

// OriginStats reports health and breaker state per origin instance.
func (h *Handler) OriginStats(c *fiber.Ctx) error {
	if h.deps.Origins == nil {
		return h.unavailable(c, "origin pool")
	}
	stats := h.deps.Origins.Stats()
	healthy := 0
	for _, s := range stats {
		if s.Healthy {
			healthy++
		}
	}
	return c.JSON(fiber.Map{"instances": stats, "healthy": healthy, "total": len(stats)})
}

func (h *Handler) handleValidationError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return h.badRequest(c, "Invalid request parameters")
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return h.badRequest(c, "Invalid request parameters: "+strings.Join(fields, "; "))
}

func (h *Handler) badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(edge.NewErrorBody(message, "invalid-request", h.now()))
}

func (h *Handler) unavailable(c *fiber.Ctx, component string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(edge.NewErrorBody(component+" is not enabled", "unavailable", h.now()))
}

func (h *Handler) failed(c *fiber.Ctx, message string, err error) error {
	h.logger.Error(message, zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusServiceUnavailable).JSON(edge.NewErrorBody(message, "upstream-failed", h.now()))
}
