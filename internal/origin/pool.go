// Package origin forwards requests to the application behind the edge. It
// keeps a pool of origin instances with health checks and per-instance
// circuit breakers, and retries failed attempts against the next instance.
package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// Instance is one origin base URL.
type Instance struct {
	ID     string
	URL    string
	Weight int

	healthy      int32 // atomic, 1 for healthy
	inFlight     int64 // atomic
	requests     int64 // atomic
	errors       int64 // atomic
	responseTime int64 // atomic, ms of the last attempt
	lastCheck    atomic.Int64

	breaker *gobreaker.CircuitBreaker
}

func (i *Instance) IsHealthy() bool {
	return atomic.LoadInt32(&i.healthy) == 1
}

func (i *Instance) SetHealthy(healthy bool) {
	if healthy {
		atomic.StoreInt32(&i.healthy, 1)
	} else {
		atomic.StoreInt32(&i.healthy, 0)
	}
}

// InFlight is the number of attempts currently running against the instance.
func (i *Instance) InFlight() int64 {
	return atomic.LoadInt64(&i.inFlight)
}

// Available reports a healthy instance whose breaker admits requests.
func (i *Instance) Available() bool {
	if !i.IsHealthy() {
		return false
	}
	return i.breaker == nil || i.breaker.State() != gobreaker.StateOpen
}

func (i *Instance) begin() {
	atomic.AddInt64(&i.inFlight, 1)
	atomic.AddInt64(&i.requests, 1)
}

func (i *Instance) end(duration time.Duration, failed bool) {
	atomic.AddInt64(&i.inFlight, -1)
	atomic.StoreInt64(&i.responseTime, duration.Milliseconds())
	if failed {
		atomic.AddInt64(&i.errors, 1)
	}
}

// InstanceStats is a point-in-time view of an instance.
type InstanceStats struct {
	ID             string  `json:"id"`
	URL            string  `json:"url"`
	Weight         int     `json:"weight"`
	Healthy        bool    `json:"healthy"`
	BreakerState   string  `json:"breakerState"`
	InFlight       int64   `json:"inFlight"`
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	ErrorRate      float64 `json:"errorRate"`
	ResponseTimeMs int64   `json:"responseTimeMs"`
	LastCheck      int64   `json:"lastCheck,omitempty"`
}

func (i *Instance) Stats() InstanceStats {
	stats := InstanceStats{
		ID:             i.ID,
		URL:            i.URL,
		Weight:         i.Weight,
		Healthy:        i.IsHealthy(),
		BreakerState:   "disabled",
		InFlight:       atomic.LoadInt64(&i.inFlight),
		Requests:       atomic.LoadInt64(&i.requests),
		Errors:         atomic.LoadInt64(&i.errors),
		ResponseTimeMs: atomic.LoadInt64(&i.responseTime),
		LastCheck:      i.lastCheck.Load(),
	}
	if stats.Requests > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Requests)
	}
	if i.breaker != nil {
		stats.BreakerState = i.breaker.State().String()
	}
	return stats
}

// Pool holds the configured origin instances and checks their health.
type Pool struct {
	instances  []*Instance
	logger     *zap.Logger
	metrics    *observability.MetricsCollector
	httpClient *http.Client

	healthPath     string
	healthInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds one instance per configured URL. Instances start healthy.
func NewPool(cfg config.OriginConfig, logger *zap.Logger, metrics *observability.MetricsCollector) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no origin urls configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:         logger,
		metrics:        metrics,
		healthPath:     cfg.HealthCheckPath,
		healthInterval: cfg.HealthInterval,
		ctx:            ctx,
		cancel:         cancel,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}

	for idx, raw := range cfg.URLs {
		base := strings.TrimRight(strings.TrimSpace(raw), "/")
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			cancel()
			return nil, fmt.Errorf("invalid origin url %q", raw)
		}

		weight := 1
		if idx < len(cfg.Weights) && cfg.Weights[idx] > 0 {
			weight = cfg.Weights[idx]
		}

		inst := &Instance{
			ID:      fmt.Sprintf("origin-%d", idx+1),
			URL:     base,
			Weight:  weight,
			healthy: 1,
		}
		if cfg.CircuitBreaker.Enabled {
			inst.breaker = p.newBreaker(inst.ID, cfg.CircuitBreaker)
		}
		p.instances = append(p.instances, inst)
		metrics.OriginHealth(inst.ID, true)

		logger.Info("Registered origin",
			zap.String("instance", inst.ID),
			zap.String("url", inst.URL),
			zap.Int("weight", inst.Weight))
	}

	return p, nil
}

func (p *Pool) newBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.metrics.BreakerState(name, int(to))
			p.logger.Info("Circuit breaker state changed",
				zap.String("instance", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Instances returns every instance in configuration order.
func (p *Pool) Instances() []*Instance {
	out := make([]*Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Available returns the instances that can take traffic. When none can,
// every instance is returned so requests still probe the origin.
func (p *Pool) Available() []*Instance {
	var out []*Instance
	for _, inst := range p.instances {
		if inst.Available() {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return p.Instances()
	}
	return out
}

// HealthyCount is the number of instances that passed their last check.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, inst := range p.instances {
		if inst.IsHealthy() {
			n++
		}
	}
	return n
}

func (p *Pool) Stats() []InstanceStats {
	stats := make([]InstanceStats, 0, len(p.instances))
	for _, inst := range p.instances {
		stats = append(stats, inst.Stats())
	}
	return stats
}

// StartHealthChecks probes every instance on the configured interval until Stop.
func (p *Pool) StartHealthChecks() {
	if p.healthPath == "" || p.healthInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go p.healthCheckLoop()
}

func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(p.ctx)
		}
	}
}

// CheckHealth probes all instances in parallel and waits for the results.
func (p *Pool) CheckHealth(ctx context.Context) {
	const maxConcurrentChecks = 10
	semaphore := make(chan struct{}, maxConcurrentChecks)

	var wg sync.WaitGroup
	for _, inst := range p.instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			p.checkInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (p *Pool) checkInstance(ctx context.Context, inst *Instance) {
	healthy := p.probe(ctx, inst)
	inst.lastCheck.Store(time.Now().UnixMilli())

	if healthy != inst.IsHealthy() {
		if healthy {
			p.logger.Info("Origin recovered", zap.String("instance", inst.ID), zap.String("url", inst.URL))
		} else {
			p.logger.Warn("Origin failed health check", zap.String("instance", inst.ID), zap.String("url", inst.URL))
		}
	}
	inst.SetHealthy(healthy)
	p.metrics.OriginHealth(inst.ID, healthy)
}

func (p *Pool) probe(ctx context.Context, inst *Instance) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL+p.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("Health check failed", zap.String("instance", inst.ID), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
