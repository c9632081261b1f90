package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// RevalidatorConfig sizes the background refresh executor.
type RevalidatorConfig struct {
	Workers   int
	QueueSize int
	Rate      float64 // submissions per second; zero disables throttling
	Timeout   time.Duration
}

type revalidation struct {
	key string
	fn  func(ctx context.Context) error
}

// Revalidator runs detached refresh tasks on a fixed worker pool. A key that
// is already queued or running is not queued again, submissions beyond the
// rate limit or queue capacity are dropped, and panics never escape a worker.
type Revalidator struct {
	logger  *zap.Logger
	metrics *observability.MetricsCollector
	limiter *rate.Limiter
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan revalidation
	pending map[string]struct{}
	pendMu  sync.Mutex

	wg sync.WaitGroup
}

// NewRevalidator starts the worker pool.
func NewRevalidator(cfg RevalidatorConfig, logger *zap.Logger, metrics *observability.MetricsCollector) *Revalidator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}

	r := &Revalidator{
		logger:  logger,
		metrics: metrics,
		limiter: limiter,
		timeout: cfg.Timeout,
		queue:   make(chan revalidation, cfg.QueueSize),
		pending: make(map[string]struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit schedules fn for key without waiting for it. It reports whether the
// task was accepted.
func (r *Revalidator) Submit(key string, fn func(ctx context.Context) error) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	r.pendMu.Lock()
	if _, busy := r.pending[key]; busy {
		r.pendMu.Unlock()
		r.metrics.Revalidation("coalesced")
		return false
	}
	if !r.limiter.Allow() {
		r.pendMu.Unlock()
		r.metrics.Revalidation("throttled")
		return false
	}
	r.pending[key] = struct{}{}
	r.pendMu.Unlock()

	select {
	case r.queue <- revalidation{key: key, fn: fn}:
		r.metrics.Revalidation("scheduled")
		return true
	default:
		r.release(key)
		r.metrics.Revalidation("dropped")
		r.logger.Debug("Revalidation queue full, dropping task", zap.String("key", key))
		return false
	}
}

// Pending reports how many keys are queued or running.
func (r *Revalidator) Pending() int {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	return len(r.pending)
}

func (r *Revalidator) worker() {
	defer r.wg.Done()
	for task := range r.queue {
		r.run(task)
	}
}

func (r *Revalidator) run(task revalidation) {
	defer r.release(task.key)
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.Revalidation("panic")
			r.logger.Error("Revalidation panicked", zap.String("key", task.key), zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := task.fn(ctx); err != nil {
		r.metrics.Revalidation("failed")
		r.logger.Warn("Revalidation failed", zap.String("key", task.key), zap.Error(err))
		return
	}
	r.metrics.Revalidation("refreshed")
}

func (r *Revalidator) release(key string) {
	r.pendMu.Lock()
	delete(r.pending, key)
	r.pendMu.Unlock()
}

// Close stops accepting tasks and waits for queued ones until ctx ends.
func (r *Revalidator) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
