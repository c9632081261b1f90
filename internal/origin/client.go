package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// ErrOriginUnavailable is returned once every attempt has failed.
var ErrOriginUnavailable = errors.New("origin unavailable")

// statusError marks a 5xx answer so the breaker records it as a failure.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "origin returned " + strconv.Itoa(e.code)
}

// Client forwards edge requests to the pool.
type Client struct {
	pool       *Pool
	balancer   Balancer
	httpClient *http.Client
	forward    []string

	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	logger  *zap.Logger
	metrics *observability.MetricsCollector
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(pool *Pool, cfg config.OriginConfig, logger *zap.Logger, metrics *observability.MetricsCollector) (*Client, error) {
	balancer, err := NewBalancer(cfg.Balancer)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}

	forward := make([]string, 0, len(cfg.ForwardHeaders))
	for _, name := range cfg.ForwardHeaders {
		forward = append(forward, http.CanonicalHeaderKey(name))
	}

	return &Client{
		pool:     pool,
		balancer: balancer,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConns,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects belong to the browser.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		forward:    forward,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		logger:     logger,
		metrics:    metrics,
		sleep:      sleepContext,
	}, nil
}

// Balancer returns the active balancer.
func (c *Client) Balancer() Balancer {
	return c.balancer
}

// Forward sends req to origin. 4xx answers are returned as they are; 5xx
// answers and transport failures are retried on the next instance with
// exponential backoff until the retries run out.
func (c *Client) Forward(ctx context.Context, req *edge.Request) (resp *edge.Response, err error) {
	ctx, span := observability.StartSpan(ctx, "origin.forward",
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Path))
	defer func() { observability.EndSpan(span, err) }()

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.OriginRetry()
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
			}
		}

		inst, err := c.pick(tried)
		if err != nil {
			lastErr = err
			break
		}
		tried[inst.ID] = true

		resp, err := c.attempt(ctx, inst, req, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("Origin attempt failed",
			zap.String("instance", inst.ID),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	c.logger.Warn("Origin unavailable",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("request_id", req.RequestID),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, lastErr)
}

// pick prefers instances not tried yet for this request.
func (c *Client) pick(tried map[string]bool) (*Instance, error) {
	available := c.pool.Available()

	fresh := make([]*Instance, 0, len(available))
	for _, inst := range available {
		if !tried[inst.ID] {
			fresh = append(fresh, inst)
		}
	}
	if len(fresh) == 0 {
		fresh = available
	}
	return c.balancer.Select(fresh)
}

func (c *Client) attempt(ctx context.Context, inst *Instance, req *edge.Request, attempt int) (*edge.Response, error) {
	start := time.Now()
	inst.begin()

	exec := func() (interface{}, error) {
		resp, err := c.do(ctx, inst, req, attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	}

	var (
		result interface{}
		err    error
	)
	if inst.breaker != nil {
		result, err = inst.breaker.Execute(exec)
	} else {
		result, err = exec()
	}

	duration := time.Since(start)
	inst.end(duration, err != nil)

	var se *statusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.OriginAttempt(inst.ID, "breaker_open", duration)
		return nil, fmt.Errorf("%s: %w", inst.ID, err)
	case errors.As(err, &se):
		c.metrics.OriginAttempt(inst.ID, "server_error", duration)
		return nil, fmt.Errorf("%s: %w", inst.ID, err)
	case err != nil:
		c.metrics.OriginAttempt(inst.ID, "network_error", duration)
		return nil, fmt.Errorf("%s: %w", inst.ID, err)
	}

	resp := result.(*edge.Response)
	outcome := "success"
	if resp.StatusCode >= 400 {
		outcome = "client_error"
	}
	c.metrics.OriginAttempt(inst.ID, outcome, duration)
	return resp, nil
}

func (c *Client) do(ctx context.Context, inst *Instance, req *edge.Request, attempt int) (*edge.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := inst.URL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.copyHeaders(req, out, attempt)

	resp, err := c.httpClient.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	headers := resp.Header.Clone()
	for name := range headers {
		if edge.IsHopByHop(name) {
			headers.Del(name)
		}
	}

	return &edge.Response{
		StatusCode: resp.StatusCode,
		Headers:    edge.HeadersFrom(headers),
		Body:       data,
	}, nil
}

// copyHeaders forwards only allowlisted request headers and adds the
// forwarding headers origin relies on.
func (c *Client) copyHeaders(req *edge.Request, out *http.Request, attempt int) {
	for _, name := range c.forward {
		for _, v := range req.Header.Values(name) {
			out.Header.Add(name, v)
		}
	}

	forwardedFor := req.ClientIP
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" && forwardedFor != "" {
		forwardedFor = prior + ", " + forwardedFor
	} else if prior != "" {
		forwardedFor = prior
	}
	if forwardedFor != "" {
		out.Header.Set("X-Forwarded-For", forwardedFor)
	}

	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	out.Header.Set("X-Forwarded-Proto", scheme)
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.Country != "" {
		out.Header.Set("X-Edge-Country", req.Country)
	}
	if req.RequestID != "" {
		out.Header.Set("X-Request-ID", req.RequestID)
	}
	if attempt > 0 {
		out.Header.Set("X-Retry-Attempt", strconv.Itoa(attempt))
	}
}

// backoff is base * 2^(attempt-1), capped.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
