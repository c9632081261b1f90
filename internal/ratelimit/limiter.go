package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// Modes reported in X-RateLimit-Mode.
const (
	ModeDistributed = "distributed"
	ModeLocal       = "local"
)

// Limiter addresses the limiter actor for each check and degrades to the
// local window when the runtime fails.
type Limiter struct {
	runtime       actor.Runtime
	fallback      *LocalLimiter
	limits        map[Category]Limit
	invokeTimeout time.Duration
	logger        *zap.Logger
	metrics       *observability.MetricsCollector
}

// NewLimiter wires a limiter. invokeTimeout bounds each actor call.
func NewLimiter(runtime actor.Runtime, fallback *LocalLimiter, limits map[Category]Limit, invokeTimeout time.Duration, logger *zap.Logger, metrics *observability.MetricsCollector) *Limiter {
	if invokeTimeout <= 0 {
		invokeTimeout = 2 * time.Second
	}
	return &Limiter{
		runtime:       runtime,
		fallback:      fallback,
		limits:        limits,
		invokeTimeout: invokeTimeout,
		logger:        logger,
		metrics:       metrics,
	}
}

// Key is the actor key of (category, client).
func Key(category Category, client string) string {
	return string(category) + ":" + client
}

// LimitFor returns the configured limit of category, falling back to general.
func (l *Limiter) LimitFor(category Category) Limit {
	if limit, ok := l.limits[category]; ok {
		return limit
	}
	return l.limits[CategoryGeneral]
}

// Check counts one request from client against category.
func (l *Limiter) Check(ctx context.Context, category Category, client string) Decision {
	limit := l.LimitFor(category)
	key := Key(category, client)

	payload, _ := json.Marshal(CheckRequest{Limit: limit.Limit, WindowSeconds: int(limit.Window / time.Second)})

	ctx, span := observability.StartSpan(ctx, "ratelimit.check")
	callCtx, cancel := context.WithTimeout(ctx, l.invokeTimeout)
	out, err := l.runtime.Address(Namespace, key).Invoke(callCtx, OpCheck, payload)
	cancel()
	observability.EndSpan(span, err)

	var decision Decision
	if err == nil {
		err = json.Unmarshal(out, &decision)
	}
	if err != nil {
		l.metrics.RateLimitDegraded(string(category))
		l.logger.Warn("Rate limiter actor unavailable, using local window",
			zap.String("category", string(category)),
			zap.String("client", observability.MaskClient(client)),
			zap.Error(err),
		)
		decision = l.fallback.Check(key, limit)
		decision.Mode = ModeLocal
	} else {
		decision.Mode = ModeDistributed
	}
	decision.Limit = limit.Limit

	l.metrics.RateLimitDecision(string(category), decision.Limited)
	return decision
}

// Reset clears the window of (category, client) on the actor and locally.
func (l *Limiter) Reset(ctx context.Context, category Category, client string) error {
	key := Key(category, client)
	l.fallback.Reset(key)

	callCtx, cancel := context.WithTimeout(ctx, l.invokeTimeout)
	defer cancel()
	if _, err := l.runtime.Address(Namespace, key).Invoke(callCtx, OpReset, nil); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	l.logger.Info("Rate limit reset", zap.String("key", key))
	return nil
}

// Status reads the window of (category, client) without counting a request.
func (l *Limiter) Status(ctx context.Context, category Category, client string) (*Status, error) {
	key := Key(category, client)

	callCtx, cancel := context.WithTimeout(ctx, l.invokeTimeout)
	defer cancel()
	out, err := l.runtime.Address(Namespace, key).Invoke(callCtx, OpStatus, nil)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", key, err)
	}

	var status Status
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", key, err)
	}
	return &status, nil
}

// SetHeaders writes the X-RateLimit-* headers, and Retry-After when limited.
func SetHeaders(c *fiber.Ctx, d Decision) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime/1000, 10))
	if d.Mode == ModeLocal {
		c.Set("X-RateLimit-Mode", ModeLocal)
	}
	if d.Limited {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	}
}
