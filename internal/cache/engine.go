package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// Fetcher retrieves a fresh response from origin.
type Fetcher interface {
	Forward(ctx context.Context, req *edge.Request) (*edge.Response, error)
}

// Options wires an Engine. Store, Codec, Strategies and Logger are required.
type Options struct {
	Store        kvstore.Store
	Codec        *Codec
	KeyRules     KeyRules
	Strategies   *StrategyTable
	Revalidator  *Revalidator
	Fetcher      Fetcher
	Prefix       string
	Region       string
	SafetyMargin time.Duration
	MaxBodySize  int
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *observability.MetricsCollector
}

// Lookup is a cache hit.
type Lookup struct {
	Key       string
	Entry     *Entry
	Freshness Freshness
	Age       time.Duration
}

// Engine implements stale-while-revalidate caching over a KV store.
type Engine struct {
	store        kvstore.Store
	codec        *Codec
	keyRules     KeyRules
	strategies   *StrategyTable
	revalidator  *Revalidator
	fetcher      Fetcher
	prefix       string
	region       string
	safetyMargin time.Duration
	maxBodySize  int
	now          func() time.Time
	logger       *zap.Logger
	metrics      *observability.MetricsCollector
}

func NewEngine(opts Options) *Engine {
	if opts.Prefix == "" {
		opts.Prefix = "cache:"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SafetyMargin < 0 {
		opts.SafetyMargin = 0
	}

	return &Engine{
		store:        opts.Store,
		codec:        opts.Codec,
		keyRules:     opts.KeyRules,
		strategies:   opts.Strategies,
		revalidator:  opts.Revalidator,
		fetcher:      opts.Fetcher,
		prefix:       opts.Prefix,
		region:       opts.Region,
		safetyMargin: opts.SafetyMargin,
		maxBodySize:  opts.MaxBodySize,
		now:          opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Key returns the cache key for req.
func (e *Engine) Key(req *edge.Request) string {
	return GenerateKey(req, e.keyRules)
}

// Strategy returns the strategy for req.
func (e *Engine) Strategy(req *edge.Request) Strategy {
	return e.strategies.Resolve(req.Method, req.Path)
}

// Get looks req up. A stale hit schedules one background revalidation and
// returns immediately. Store and decode failures are reported as misses.
func (e *Engine) Get(ctx context.Context, req *edge.Request) (*Lookup, bool) {
	strategy := e.Strategy(req)
	if !strategy.Cacheable() {
		e.metrics.CacheOperation("get", "bypass")
		return nil, false
	}

	key := e.Key(req)
	data, err := e.store.Get(ctx, e.prefix+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			e.logger.Warn("Cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
			e.metrics.CacheOperation("get", "error")
		} else {
			e.metrics.CacheOperation("get", "miss")
		}
		return nil, false
	}

	entry, err := e.codec.Decode(data)
	if err != nil {
		e.logger.Warn("Cache entry unreadable, treating as miss", zap.String("key", key), zap.Error(err))
		e.metrics.CacheOperation("get", "error")
		return nil, false
	}

	now := e.now()
	freshness := entry.Freshness(now)
	if freshness == Miss {
		e.metrics.CacheOperation("get", "expired")
		return nil, false
	}

	if freshness == Stale {
		e.scheduleRevalidation(key, req)
	}

	e.metrics.CacheOperation("get", string(freshness))
	return &Lookup{
		Key:       key,
		Entry:     entry,
		Freshness: freshness,
		Age:       entry.Age(now),
	}, true
}

func (e *Engine) scheduleRevalidation(key string, req *edge.Request) {
	if e.revalidator == nil || e.fetcher == nil {
		return
	}

	detached := req.Unconditional()
	e.revalidator.Submit(key, func(ctx context.Context) error {
		resp, err := e.fetcher.Forward(ctx, detached)
		if err != nil {
			return fmt.Errorf("revalidate %s: %w", key, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("revalidate %s: origin answered %d", key, resp.StatusCode)
		}
		e.Put(ctx, detached, resp)
		return nil
	})
}

// Put stores resp for req when the strategy and response allow it. It reports
// whether an entry was written; store failures are logged and swallowed.
func (e *Engine) Put(ctx context.Context, req *edge.Request, resp *edge.Response) bool {
	strategy := e.Strategy(req)
	if !strategy.Cacheable() {
		return false
	}
	if reason := e.uncacheable(resp); reason != "" {
		e.metrics.CacheOperation("put", "skipped")
		e.logger.Debug("Response not cacheable", zap.String("path", req.Path), zap.String("reason", reason))
		return false
	}

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Headers:    storableHeaders(resp.Headers),
		Body:       append([]byte(nil), resp.Body...),
		Metadata: Metadata{
			StoredAt:    e.now(),
			TTL:         int64(strategy.TTL / time.Second),
			StaleWindow: int64(strategy.StaleWindow / time.Second),
			Tags:        strategy.Tags,
			Region:      e.region,
		},
	}

	data, err := e.codec.Encode(entry)
	if err != nil {
		e.logger.Warn("Failed to encode cache entry", zap.String("path", req.Path), zap.Error(err))
		e.metrics.CacheOperation("put", "error")
		return false
	}

	key := e.Key(req)
	physicalTTL := strategy.TTL + strategy.StaleWindow + e.safetyMargin
	if err := e.store.Put(ctx, e.prefix+key, data, physicalTTL); err != nil {
		e.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		e.metrics.CacheOperation("put", "error")
		return false
	}

	e.metrics.CacheOperation("put", "stored")
	return true
}

var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

func (e *Engine) uncacheable(resp *edge.Response) string {
	if !cacheableStatus[resp.StatusCode] {
		return "status"
	}
	cacheControl := strings.ToLower(resp.Get("Cache-Control"))
	if strings.Contains(cacheControl, "no-store") || strings.Contains(cacheControl, "private") {
		return "cache-control"
	}
	if resp.Has("Set-Cookie") {
		return "set-cookie"
	}
	if e.maxBodySize > 0 && len(resp.Body) > e.maxBodySize {
		return "size"
	}
	return ""
}

func storableHeaders(headers []edge.HeaderField) []edge.HeaderField {
	out := make([]edge.HeaderField, 0, len(headers))
	for _, h := range headers {
		if edge.IsHopByHop(h.Name) || strings.EqualFold(h.Name, "Set-Cookie") || strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		out = append(out, h)
	}
	return out
}

// PurgeByTag deletes every entry carrying at least one of tags and returns
// how many were removed. Entries that vanish mid-scan are skipped.
func (e *Engine) PurgeByTag(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	keys, err := e.store.List(ctx, e.prefix)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}

	purged := 0
	for _, storeKey := range keys {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		data, err := e.store.Get(ctx, storeKey)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return purged, fmt.Errorf("read %s: %w", storeKey, err)
		}

		entry, err := e.codec.Decode(data)
		if err != nil {
			e.logger.Warn("Skipping unreadable cache entry during purge", zap.String("key", storeKey), zap.Error(err))
			continue
		}
		if !entry.HasAnyTag(tags) {
			continue
		}

		if err := e.store.Delete(ctx, storeKey); err != nil {
			return purged, fmt.Errorf("delete %s: %w", storeKey, err)
		}
		purged++
	}

	e.metrics.CacheOperation("purge", "deleted")
	e.logger.Info("Purged cache entries by tag", zap.Strings("tags", tags), zap.Int("purged", purged))
	return purged, nil
}
