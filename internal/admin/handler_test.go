package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/globaltaxcalc/edge-gateway/internal/analytics"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
	"github.com/globaltaxcalc/edge-gateway/internal/middleware"
	"github.com/globaltaxcalc/edge-gateway/internal/origin"
	"github.com/globaltaxcalc/edge-gateway/internal/ratelimit"
	"github.com/globaltaxcalc/edge-gateway/internal/security"
)

const testSecret = "admin-secret"

type stubPurger struct {
	tags   []string
	purged int
	err    error
}

func (p *stubPurger) PurgeByTag(ctx context.Context, tags []string) (int, error) {
	p.tags = tags
	return p.purged, p.err
}

type stubLimits struct {
	mu     sync.Mutex
	resets []string
}

func (l *stubLimits) Status(ctx context.Context, category ratelimit.Category, client string) (*ratelimit.Status, error) {
	return &ratelimit.Status{Key: ratelimit.Key(category, client), Active: 3, TotalRequestsEver: 40}, nil
}

func (l *stubLimits) Reset(ctx context.Context, category ratelimit.Category, client string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets = append(l.resets, ratelimit.Key(category, client))
	return nil
}

type stubAnalytics struct {
	query analytics.TimeSeriesQuery
	err   error
}

func (a *stubAnalytics) Summary(ctx context.Context) (*analytics.Summary, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &analytics.Summary{Requests: 10, CacheHits: 6, CacheMisses: 4, CacheHitRatio: 0.6}, nil
}

func (a *stubAnalytics) Endpoints(ctx context.Context) ([]analytics.EndpointReport, error) {
	return []analytics.EndpointReport{{Path: "/api/faq", Count: 4, P50: 12}}, a.err
}

func (a *stubAnalytics) TimeSeries(ctx context.Context, q analytics.TimeSeriesQuery) ([]analytics.Bucket, error) {
	a.query = q
	return []analytics.Bucket{}, a.err
}

type stubOrigins struct{}

func (stubOrigins) Stats() []origin.InstanceStats {
	return []origin.InstanceStats{
		{ID: "origin-0", URL: "http://a", Healthy: true, BreakerState: "closed"},
		{ID: "origin-1", URL: "http://b", Healthy: false, BreakerState: "open"},
	}
}

type adminFixture struct {
	app       *fiber.App
	purger    *stubPurger
	limits    *stubLimits
	analytics *stubAnalytics
	blocklist *security.Blocklist
	token     string
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &adminFixture{
		purger:    &stubPurger{purged: 7},
		limits:    &stubLimits{},
		analytics: &stubAnalytics{},
		blocklist: security.NewBlocklist(kvstore.NewMemoryStore(), logger),
	}

	handler := NewHandler(Deps{
		Cache:     f.purger,
		Limiter:   f.limits,
		Blocklist: f.blocklist,
		Analytics: f.analytics,
		Origins:   stubOrigins{},
	}, time.Second, logger)

	f.app = fiber.New()
	handler.RegisterRoutes(f.app, testSecret)

	token, err := middleware.GenerateToken(testSecret, "ops@taxcalc.example", []string{middleware.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	f.token = token
	return f
}

func (f *adminFixture) do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestRoutesRequireAdminToken(t *testing.T) {
	f := newAdminFixture(t)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/admin/origins", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPurgeCache(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodPost, "/admin/cache/purge", `{"tags":["api:tax-rates","reference"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"purged":7,"tags":["api:tax-rates","reference"]}`, string(body))
	assert.Equal(t, []string{"api:tax-rates", "reference"}, f.purger.tags)

	t.Run("validation", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/admin/cache/purge", `{"tags":[]}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var errBody edge.ErrorBody
		require.NoError(t, json.Unmarshal(body, &errBody))
		assert.Equal(t, "invalid-request", errBody.Code)
		assert.Contains(t, errBody.Error, "Tags")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/admin/cache/purge", `{"tags":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("store failure", func(t *testing.T) {
		f.purger.err = errors.New("connection refused")
		resp, _ := f.do(t, http.MethodPost, "/admin/cache/purge", `{"tags":["html"]}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestRateLimitRoutes(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodGet, "/admin/ratelimit/calculator/192.0.2.10", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status ratelimit.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "calculator:192.0.2.10", status.Key)
	assert.Equal(t, 3, status.Active)

	resp, _ = f.do(t, http.MethodDelete, "/admin/ratelimit/API/192.0.2.10", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"api:192.0.2.10"}, f.limits.resets)

	resp, _ = f.do(t, http.MethodGet, "/admin/ratelimit/unknown/192.0.2.10", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBlocklistRoutes(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/admin/blocklist", `{"ip":"198.51.100.9","ttlSeconds":3600,"reason":"scraping"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry security.BlockEntry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, "198.51.100.9", entry.IP)
	assert.Equal(t, "scraping by ops@taxcalc.example", entry.Reason)
	assert.True(t, f.blocklist.Contains(ctx, "198.51.100.9"))

	resp, body = f.do(t, http.MethodGet, "/admin/blocklist", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":1`)

	resp, _ = f.do(t, http.MethodDelete, "/admin/blocklist/198.51.100.9", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.blocklist.Contains(ctx, "198.51.100.9"))

	resp, _ = f.do(t, http.MethodPost, "/admin/blocklist", `{"ip":"not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/blocklist/not-an-ip", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyticsRoutes(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodGet, "/admin/analytics/summary", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"cacheHitRatio":0.6`)

	resp, body = f.do(t, http.MethodGet, "/admin/analytics/endpoints", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"/api/faq"`)

	resp, _ = f.do(t, http.MethodGet, "/admin/analytics/timeseries?type=error&hours=6", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, analytics.TimeSeriesQuery{Type: analytics.EventTypeError, Hours: 6}, f.analytics.query)

	resp, _ = f.do(t, http.MethodGet, "/admin/analytics/timeseries", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 24, f.analytics.query.Hours)

	resp, _ = f.do(t, http.MethodGet, "/admin/analytics/timeseries?type=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/analytics/timeseries?hours=1000", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.analytics.err = errors.New("actor unavailable")
	resp, _ = f.do(t, http.MethodGet, "/admin/analytics/summary", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLiveAnalyticsRequiresUpgrade(t *testing.T) {
	f := newAdminFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/admin/analytics/live", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestOriginStats(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodGet, "/admin/origins", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Healthy   int                    `json:"healthy"`
		Total     int                    `json:"total"`
		Instances []origin.InstanceStats `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Healthy)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "open", out.Instances[1].BreakerState)
}

func TestMissingDependencies(t *testing.T) {
	handler := NewHandler(Deps{}, 0, zaptest.NewLogger(t))
	app := fiber.New()
	handler.RegisterRoutes(app, testSecret)

	token, err := middleware.GenerateToken(testSecret, "ops", []string{middleware.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	for _, target := range []string{"/admin/origins", "/admin/blocklist", "/admin/analytics/summary", "/admin/ratelimit/api/x"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, target)
	}
}
