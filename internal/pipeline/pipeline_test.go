package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/globaltaxcalc/edge-gateway/internal/analytics"
	"github.com/globaltaxcalc/edge-gateway/internal/cache"
	"github.com/globaltaxcalc/edge-gateway/internal/config"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
	"github.com/globaltaxcalc/edge-gateway/internal/origin"
	"github.com/globaltaxcalc/edge-gateway/internal/ratelimit"
	"github.com/globaltaxcalc/edge-gateway/internal/security"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubOrigin struct {
	calls   atomic.Int32
	status  int
	body    string
	err     error
	release chan struct{}

	mu      sync.Mutex
	headers []http.Header
}

func (o *stubOrigin) Forward(ctx context.Context, req *edge.Request) (*edge.Response, error) {
	o.calls.Add(1)
	o.mu.Lock()
	o.headers = append(o.headers, req.Header.Clone())
	o.mu.Unlock()
	if o.release != nil {
		<-o.release
	}
	if o.err != nil {
		return nil, o.err
	}
	return &edge.Response{
		StatusCode: o.status,
		Headers: []edge.HeaderField{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Connection", Value: "keep-alive"},
		},
		Body: []byte(o.body),
	}, nil
}

func (o *stubOrigin) Headers() []http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]http.Header(nil), o.headers...)
}

type stubLimiter struct {
	mu       sync.Mutex
	calls    []ratelimit.Category
	clients  []string
	decision ratelimit.Decision

	// perClient, when positive, limits each client after that many checks.
	perClient int
	counts    map[string]int
}

func (l *stubLimiter) Check(ctx context.Context, category ratelimit.Category, client string) ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, category)
	l.clients = append(l.clients, client)
	if l.perClient > 0 {
		if l.counts == nil {
			l.counts = make(map[string]int)
		}
		l.counts[client]++
		if l.counts[client] > l.perClient {
			return ratelimit.Decision{Limited: true, RetryAfter: 60, Limit: l.perClient}
		}
	}
	return l.decision
}

func (l *stubLimiter) Clients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.clients...)
}

func (l *stubLimiter) Calls() []ratelimit.Category {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ratelimit.Category(nil), l.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (e *recordingEmitter) Emit(ev analytics.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *recordingEmitter) Events() []analytics.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]analytics.Event(nil), e.events...)
}

type fixture struct {
	app     *fiber.App
	clock   *testClock
	origin  *stubOrigin
	limiter *stubLimiter
	events  *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, fiber.Config{})
}

func newFixtureWithConfig(t *testing.T, appConfig fiber.Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}

	rules, err := security.RulesFromConfig(config.SecurityConfig{
		Enabled:         true,
		AllowedMethods:  []string{"GET", "HEAD", "POST", "OPTIONS"},
		MaxBodyBytes:    1024,
		SuspiciousPaths: []string{"/.env", "/.git"},
		BotSignatures:   []string{"sqlmap"},
		MaxQueryLength:  2048,
	})
	require.NoError(t, err)
	gate := security.NewGate(rules, security.NewBlocklist(kvstore.NewMemoryStore(), logger), logger, nil)

	codec, err := cache.NewCodec(1024)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	stub := &stubOrigin{status: http.StatusOK, body: `{"brackets":[10,12,22]}`}
	engine := cache.NewEngine(cache.Options{
		Store:        kvstore.NewMemoryStoreWithClock(clock.Now),
		Codec:        codec,
		KeyRules:     cache.DefaultKeyRules(),
		Strategies:   cache.NewStrategyTable(cache.DefaultKeyRules().PersonalizedPaths),
		Fetcher:      stub,
		Region:       "test",
		SafetyMargin: time.Minute,
		Clock:        clock.Now,
		Logger:       logger,
	})

	limiter := &stubLimiter{decision: ratelimit.Decision{Remaining: 99, Limit: 100, ResetTime: clock.Now().Add(time.Minute).UnixMilli()}}
	events := &recordingEmitter{}

	p := New(Options{
		Gate:          gate,
		Limiter:       limiter,
		Cache:         engine,
		Origin:        stub,
		Analytics:     events,
		SkipRateLimit: []string{"/health", "/static"},
		Clock:         clock.Now,
		Logger:        logger,
	})

	app := fiber.New(appConfig)
	app.All("/*", p.Handle)

	return &fixture{app: app, clock: clock, origin: stub, limiter: limiter, events: events}
}

func browserRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("CF-Connecting-IP", "192.0.2.10")
	req.Header.Set("CF-IPCountry", "us")
	return req
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestMissThenFreshHit(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, browserRequest(http.MethodGet, "/api/tax-brackets?year=2024"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"brackets":[10,12,22]}`, body)
	assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "0", resp.Header.Get("X-Cache-Age"))
	assert.Equal(t, "public, max-age=300", resp.Header.Get("Cache-Control"))

	f.clock.Advance(42 * time.Second)

	resp, body = f.do(t, browserRequest(http.MethodGet, "/api/tax-brackets?year=2024"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"brackets":[10,12,22]}`, body)
	assert.Equal(t, CacheFresh, resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "42", resp.Header.Get("X-Cache-Age"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 1, f.origin.calls.Load())
}

func TestPersonalizedPagesAreNotBrowserCached(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, browserRequest(http.MethodGet, "/dashboard"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "private, no-cache", resp.Header.Get("Cache-Control"))
}

func TestBypassPathsAlwaysReachOrigin(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, browserRequest(http.MethodGet, "/api/calculate?income=50000"))
		assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache-Status"))
		assert.Empty(t, resp.Header.Get("Cache-Control"))
	}
	assert.EqualValues(t, 2, f.origin.calls.Load())
}

func TestBlockedRequestRendersErrorBody(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name:   "suspicious path",
			req:    func() *http.Request { return browserRequest(http.MethodGet, "/.env") },
			status: http.StatusForbidden,
			code:   string(security.ReasonSuspiciousPath),
		},
		{
			name: "scanner",
			req: func() *http.Request {
				req := browserRequest(http.MethodGet, "/")
				req.Header.Set("User-Agent", "sqlmap/1.7.2#stable")
				return req
			},
			status: http.StatusForbidden,
			code:   string(security.ReasonBotDetected),
		},
		{
			name:   "method",
			req:    func() *http.Request { return browserRequest(http.MethodDelete, "/api/content/faq") },
			status: http.StatusMethodNotAllowed,
			code:   string(security.ReasonMethodNotAllowed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.req())
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache-Status"))

			var errBody edge.ErrorBody
			require.NoError(t, json.Unmarshal([]byte(body), &errBody))
			assert.Equal(t, tt.code, errBody.Code)
			assert.NotEmpty(t, errBody.Error)
		})
	}

	assert.Zero(t, f.origin.calls.Load())
	assert.Empty(t, f.limiter.Calls(), "blocked requests are not counted")

	events := f.events.Events()
	require.Len(t, events, len(tests))
	for _, ev := range events {
		assert.Equal(t, analytics.EventTypeSecurity, ev.Type)
		assert.NotEmpty(t, ev.Reason)
	}
}

func TestRateLimitedRequest(t *testing.T) {
	f := newFixture(t)
	reset := f.clock.Now().Add(30 * time.Second).UnixMilli()
	f.limiter.decision = ratelimit.Decision{Limited: true, Remaining: 0, RetryAfter: 30, ResetTime: reset, Limit: 10}

	resp, body := f.do(t, browserRequest(http.MethodPost, "/api/calculate"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache-Status"))
	assert.JSONEq(t, fmt.Sprintf(`{"limited":true,"remaining":0,"retryAfter":30,"resetTime":%d}`, reset), body)

	assert.Equal(t, []ratelimit.Category{ratelimit.CategoryCalculator}, f.limiter.Calls())
	assert.Zero(t, f.origin.calls.Load())

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, analytics.EventTypeRateLimit, events[0].Type)
	assert.Equal(t, http.StatusTooManyRequests, events[0].StatusCode)
}

func TestSkipPathsBypassRateLimit(t *testing.T) {
	f := newFixture(t)

	f.do(t, browserRequest(http.MethodGet, "/static/app.js"))
	f.do(t, browserRequest(http.MethodGet, "/health"))
	f.do(t, browserRequest(http.MethodGet, "/healthcheck"))

	assert.Len(t, f.limiter.Calls(), 1, "only /healthcheck is counted")
}

func TestOriginUnavailable(t *testing.T) {
	f := newFixture(t)
	f.origin.err = fmt.Errorf("%w: all instances failed", origin.ErrOriginUnavailable)

	resp, body := f.do(t, browserRequest(http.MethodGet, "/api/content/articles"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache-Status"))

	var errBody edge.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Equal(t, CodeOriginUnavailable, errBody.Code)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, analytics.EventTypeError, events[0].Type)
	assert.Equal(t, http.StatusBadGateway, events[0].StatusCode)
}

func TestUnexpectedOriginErrorIsStill502(t *testing.T) {
	f := newFixture(t)
	f.origin.err = errors.New("boom")

	resp, _ := f.do(t, browserRequest(http.MethodPost, "/api/calculate"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestConcurrentMissesShareOneOriginCall(t *testing.T) {
	f := newFixture(t)
	f.origin.release = make(chan struct{})

	const clients = 8
	var wg sync.WaitGroup
	statuses := make([]int, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.app.Test(browserRequest(http.MethodGet, "/api/tax-rates/ca"), -1)
			if err == nil {
				statuses[i] = resp.StatusCode
			}
		}(i)
	}

	require.Eventually(t, func() bool { return f.origin.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.origin.release)
	wg.Wait()

	assert.EqualValues(t, 1, f.origin.calls.Load())
	for _, status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestEventsDescribeTheRequest(t *testing.T) {
	f := newFixture(t)

	req := browserRequest(http.MethodGet, "/api/faq")
	req.Header.Set("X-Request-ID", "req-123")
	f.do(t, req)

	events := f.events.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, analytics.EventTypeRequest, ev.Type)
	assert.Equal(t, http.MethodGet, ev.Method)
	assert.Equal(t, "/api/faq", ev.Path)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.Equal(t, CacheMiss, ev.CacheStatus)
	assert.Equal(t, "US", ev.Country)
	assert.Equal(t, "192.0.2.10", ev.Client)
	assert.Equal(t, "req-123", ev.RequestID)
	assert.Equal(t, f.clock.Now().UnixMilli(), ev.Timestamp)
}

func TestCountryFrom(t *testing.T) {
	assert.Equal(t, "DE", countryFrom(http.Header{"Cf-Ipcountry": {"de"}}, true))
	assert.Equal(t, "FR", countryFrom(http.Header{"X-Country-Code": {"FR"}}, true))
	assert.Equal(t, "", countryFrom(http.Header{"Cf-Ipcountry": {"XXX"}}, true))
	assert.Equal(t, "", countryFrom(http.Header{"Cf-Ipcountry": {"de"}}, false))
}

// app.Test connects from 0.0.0.0.
func TestRotatingForwardedForFromUntrustedPeerIsStillLimited(t *testing.T) {
	f := newFixtureWithConfig(t, fiber.Config{
		EnableTrustedProxyCheck: true,
		TrustedProxies:          []string{"10.0.0.1"},
	})
	f.limiter.perClient = 3

	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := browserRequest(http.MethodPost, "/api/calculate")
		req.Header.Set("CF-Connecting-IP", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		resp, _ := f.do(t, req)
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{200, 200, 200, 429, 429}, statuses)
	for _, client := range f.limiter.Clients() {
		assert.Equal(t, "0.0.0.0", client)
	}
	for _, ev := range f.events.Events() {
		assert.Empty(t, ev.Country)
	}
}

func TestTrustedProxyForwardsClientAddress(t *testing.T) {
	f := newFixtureWithConfig(t, fiber.Config{
		EnableTrustedProxyCheck: true,
		TrustedProxies:          []string{"0.0.0.0"},
	})

	f.do(t, browserRequest(http.MethodGet, "/api/faq"))

	assert.Equal(t, []string{"192.0.2.10"}, f.limiter.Clients())
	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "US", events[0].Country)
}

func TestConditionalMissIsFetchedWithoutValidators(t *testing.T) {
	f := newFixture(t)
	f.origin.release = make(chan struct{})

	conditional := browserRequest(http.MethodGet, "/api/tax-brackets?year=2024")
	conditional.Header.Set("If-None-Match", `"brackets-v1"`)
	conditional.Header.Set("If-Modified-Since", "Tue, 14 Nov 2023 22:13:20 GMT")

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 2)
	send := func(req *http.Request) {
		resp, err := f.app.Test(req, -1)
		if err != nil {
			results <- result{}
			return
		}
		body, _ := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, body: string(body)}
	}

	go send(conditional)
	require.Eventually(t, func() bool { return f.origin.calls.Load() == 1 }, time.Second, time.Millisecond)
	go send(browserRequest(http.MethodGet, "/api/tax-brackets?year=2024"))
	time.Sleep(20 * time.Millisecond)
	close(f.origin.release)

	for i := 0; i < 2; i++ {
		r := <-results
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, `{"brackets":[10,12,22]}`, r.body)
	}

	headers := f.origin.Headers()
	require.Len(t, headers, 1)
	assert.Empty(t, headers[0].Get("If-None-Match"))
	assert.Empty(t, headers[0].Get("If-Modified-Since"))
}
