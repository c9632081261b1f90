// Package pipeline runs every inbound request through the security gate,
// the rate limiter and the edge cache before forwarding it to origin.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/globaltaxcalc/edge-gateway/internal/analytics"
	"github.com/globaltaxcalc/edge-gateway/internal/cache"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/middleware"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
	"github.com/globaltaxcalc/edge-gateway/internal/origin"
	"github.com/globaltaxcalc/edge-gateway/internal/ratelimit"
	"github.com/globaltaxcalc/edge-gateway/internal/security"
)

// Cache status values reported in X-Cache-Status.
const (
	CacheFresh = "fresh"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

// CodeOriginUnavailable is the error code of a 502 answer.
const CodeOriginUnavailable = "origin-unavailable"

// Gate decides whether a request may proceed.
type Gate interface {
	Check(ctx context.Context, req *edge.Request) security.Verdict
}

// Limiter counts a request against its category.
type Limiter interface {
	Check(ctx context.Context, category ratelimit.Category, client string) ratelimit.Decision
}

// Cache is the edge cache seen by the pipeline.
type Cache interface {
	Key(req *edge.Request) string
	Strategy(req *edge.Request) cache.Strategy
	Get(ctx context.Context, req *edge.Request) (*cache.Lookup, bool)
	Put(ctx context.Context, req *edge.Request, resp *edge.Response) bool
}

// Emitter receives one analytics event per request.
type Emitter interface {
	Emit(ev analytics.Event)
}

// Options wires a Pipeline. Origin is required; a nil Gate, Limiter, Cache or
// Analytics disables that stage.
type Options struct {
	Gate          Gate
	Limiter       Limiter
	Cache         Cache
	Origin        cache.Fetcher
	Analytics     Emitter
	SkipRateLimit []string
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *observability.MetricsCollector
}

// Pipeline is the per-request orchestrator.
type Pipeline struct {
	gate          Gate
	limiter       Limiter
	cache         Cache
	origin        cache.Fetcher
	analytics     Emitter
	skipRateLimit []string
	now           func() time.Time
	logger        *zap.Logger
	metrics       *observability.MetricsCollector

	misses singleflight.Group
}

func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		gate:          opts.Gate,
		limiter:       opts.Limiter,
		cache:         opts.Cache,
		origin:        opts.Origin,
		analytics:     opts.Analytics,
		skipRateLimit: opts.SkipRateLimit,
		now:           opts.Clock,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// outcome collects what the request did for metrics and analytics.
type outcome struct {
	eventType   analytics.EventType
	status      int
	cacheStatus string
	reason      string
}

// Handle serves one request. It always answers; failures are rendered as JSON.
func (p *Pipeline) Handle(c *fiber.Ctx) error {
	start := p.now()
	req := p.buildRequest(c, start)

	ctx, span := observability.StartSpan(c.UserContext(), "edge.request",
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Path),
		attribute.String("edge.request_id", req.RequestID))
	defer span.End()

	out, err := p.serve(ctx, c, req)
	span.SetAttributes(
		attribute.Int("http.status_code", out.status),
		attribute.String("edge.cache_status", out.cacheStatus))

	latency := p.now().Sub(start)
	p.metrics.ObserveRequest(req.Method, out.cacheStatus, out.status, latency)
	p.emit(req, out, latency)
	return err
}

func (p *Pipeline) serve(ctx context.Context, c *fiber.Ctx, req *edge.Request) (outcome, error) {
	if p.gate != nil {
		if verdict := p.gate.Check(ctx, req); verdict.Blocked {
			return p.block(c, verdict)
		}
	}

	if p.limiter != nil && !p.skipsRateLimit(req.Path) {
		decision := p.limiter.Check(ctx, ratelimit.Classify(req.Path), req.ClientIP)
		ratelimit.SetHeaders(c, decision)
		if decision.Limited {
			return p.limited(c, decision)
		}
	}

	var strategy cache.Strategy
	if p.cache != nil {
		strategy = p.cache.Strategy(req)
		if isReadMethod(req.Method) {
			if hit, ok := p.cache.Get(ctx, req); ok {
				return p.writeHit(c, hit, strategy)
			}
		}
	}

	resp, err := p.fetch(ctx, req, strategy)
	if err != nil {
		return p.originFailed(c, req, err)
	}
	return p.writeResponse(c, resp, strategy, CacheMiss, 0)
}

// fetch forwards to origin. Concurrent misses on one cacheable key share a
// single origin call and a single cache write.
func (p *Pipeline) fetch(ctx context.Context, req *edge.Request, strategy cache.Strategy) (*edge.Response, error) {
	if p.cache == nil || !strategy.Cacheable() || !isReadMethod(req.Method) {
		return p.origin.Forward(ctx, req)
	}

	key := p.cache.Key(req)
	// The response is shared by every waiter and cached, so it must not be
	// a 304 answering one client's validators.
	shared := req.Unconditional()
	v, err, _ := p.misses.Do(key, func() (interface{}, error) {
		// Waiters outlive the caller that started the fetch.
		fetchCtx := context.WithoutCancel(ctx)
		resp, err := p.origin.Forward(fetchCtx, shared)
		if err != nil {
			return nil, err
		}
		p.cache.Put(fetchCtx, shared, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*edge.Response), nil
}

func (p *Pipeline) block(c *fiber.Ctx, verdict security.Verdict) (outcome, error) {
	status := verdict.Status()
	setCacheHeaders(c, CacheMiss, 0)
	body := edge.NewErrorBody(security.MessageFor(verdict.Reason), string(verdict.Reason), p.now())
	return outcome{
		eventType:   analytics.EventTypeSecurity,
		status:      status,
		cacheStatus: CacheMiss,
		reason:      string(verdict.Reason),
	}, c.Status(status).JSON(body)
}

func (p *Pipeline) limited(c *fiber.Ctx, decision ratelimit.Decision) (outcome, error) {
	setCacheHeaders(c, CacheMiss, 0)
	return outcome{
		eventType:   analytics.EventTypeRateLimit,
		status:      fiber.StatusTooManyRequests,
		cacheStatus: CacheMiss,
		reason:      "rate-limited",
	}, c.Status(fiber.StatusTooManyRequests).JSON(decision)
}

func (p *Pipeline) originFailed(c *fiber.Ctx, req *edge.Request, err error) (outcome, error) {
	if !errors.Is(err, origin.ErrOriginUnavailable) {
		p.logger.Error("Origin fetch failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}

	setCacheHeaders(c, CacheMiss, 0)
	body := edge.NewErrorBody("Origin unavailable", CodeOriginUnavailable, p.now())
	return outcome{
		eventType:   analytics.EventTypeError,
		status:      fiber.StatusBadGateway,
		cacheStatus: CacheMiss,
		reason:      CodeOriginUnavailable,
	}, c.Status(fiber.StatusBadGateway).JSON(body)
}

func (p *Pipeline) writeHit(c *fiber.Ctx, hit *cache.Lookup, strategy cache.Strategy) (outcome, error) {
	return p.writeResponse(c, hit.Entry.Response(), strategy, string(hit.Freshness), hit.Age)
}

func (p *Pipeline) writeResponse(c *fiber.Ctx, resp *edge.Response, strategy cache.Strategy, cacheStatus string, age time.Duration) (outcome, error) {
	for _, h := range resp.Headers {
		if edge.IsHopByHop(h.Name) || strings.EqualFold(h.Name, fiber.HeaderContentLength) {
			continue
		}
		c.Response().Header.Add(h.Name, h.Value)
	}
	if strategy.Cacheable() && !resp.Has(fiber.HeaderCacheControl) {
		c.Set(fiber.HeaderCacheControl, browserCacheControl(strategy))
	}
	setCacheHeaders(c, cacheStatus, age)

	eventType := analytics.EventTypeRequest
	if resp.StatusCode >= http.StatusInternalServerError {
		eventType = analytics.EventTypeError
	}
	return outcome{
		eventType:   eventType,
		status:      resp.StatusCode,
		cacheStatus: cacheStatus,
	}, c.Status(resp.StatusCode).Send(resp.Body)
}

func (p *Pipeline) emit(req *edge.Request, out outcome, latency time.Duration) {
	if p.analytics == nil {
		return
	}
	p.analytics.Emit(analytics.Event{
		Type:        out.eventType,
		Timestamp:   req.ReceivedAt.UnixMilli(),
		RequestID:   req.RequestID,
		Method:      req.Method,
		Path:        req.Path,
		StatusCode:  out.status,
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		CacheStatus: out.cacheStatus,
		Country:     req.Country,
		Client:      req.ClientIP,
		Reason:      out.reason,
	})
}

func (p *Pipeline) skipsRateLimit(path string) bool {
	for _, prefix := range p.skipRateLimit {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func setCacheHeaders(c *fiber.Ctx, status string, age time.Duration) {
	c.Set("X-Cache-Status", status)
	c.Set("X-Cache-Age", strconv.FormatInt(int64(age/time.Second), 10))
}

// browserCacheControl is the Cache-Control sent to browsers when origin set none.
func browserCacheControl(strategy cache.Strategy) string {
	if strategy.BrowserTTL <= 0 {
		return "private, no-cache"
	}
	return "public, max-age=" + strconv.FormatInt(int64(strategy.BrowserTTL/time.Second), 10)
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// buildRequest snapshots the fiber request. fasthttp reuses its buffers, so
// everything is copied. Client address and country headers are only read
// from peers listed in server.trusted_proxies.
func (p *Pipeline) buildRequest(c *fiber.Ctx, now time.Time) *edge.Request {
	trusted := c.IsProxyTrusted()
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	requestID := strings.Clone(middleware.RequestIDFrom(c))
	if requestID == "" {
		requestID = header.Get("X-Request-ID")
	}

	return &edge.Request{
		Method:     strings.Clone(c.Method()),
		Scheme:     c.Protocol(),
		Host:       strings.Clone(c.Hostname()),
		Path:       strings.Clone(c.Path()),
		RawQuery:   string(c.Request().URI().QueryString()),
		Header:     header,
		Body:       append([]byte(nil), c.Body()...),
		ClientIP:   ratelimit.ClientIdentity(header, c.IP(), trusted),
		Country:    countryFrom(header, trusted),
		RequestID:  requestID,
		ReceivedAt: now,
	}
}

// countryFrom reads the two-letter country set by the CDN in front of the edge.
func countryFrom(h http.Header, trusted bool) string {
	if !trusted {
		return ""
	}
	for _, name := range []string{"CF-IPCountry", "X-Country-Code"} {
		if v := strings.ToUpper(strings.TrimSpace(h.Get(name))); len(v) == 2 {
			return v
		}
	}
	return ""
}
