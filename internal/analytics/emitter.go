package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// EmitterConfig sizes the event buffer and flush cadence.
type EmitterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	InvokeTimeout time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration // doubled after each failed attempt
}

// Emitter buffers events in memory and ships them to the aggregator in
// batches. Emit never blocks; a full buffer drops the event.
type Emitter struct {
	runtime actor.Runtime
	config  EmitterConfig
	logger  *zap.Logger
	metrics *observability.MetricsCollector

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewEmitter starts the background flush loop.
func NewEmitter(runtime actor.Runtime, cfg EmitterConfig, logger *zap.Logger, metrics *observability.MetricsCollector) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}

	e := &Emitter{
		runtime: runtime,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		events:  make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.processEvents()
	return e
}

// Emit queues ev without waiting.
func (e *Emitter) Emit(ev Event) {
	select {
	case <-e.done:
		e.metrics.AnalyticsEvents("dropped", 1)
		return
	default:
	}

	select {
	case e.events <- ev:
	default:
		e.metrics.AnalyticsEvents("dropped", 1)
	}
}

func (e *Emitter) processEvents() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, e.config.BatchSize)
	for {
		select {
		case ev := <-e.events:
			batch = append(batch, ev)
			if len(batch) >= e.config.BatchSize {
				e.flush(batch)
				batch = make([]Event, 0, e.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = make([]Event, 0, e.config.BatchSize)
			}

		case <-e.done:
			// Drain what is already buffered, then stop.
			for {
				select {
				case ev := <-e.events:
					batch = append(batch, ev)
					if len(batch) >= e.config.BatchSize {
						e.flush(batch)
						batch = make([]Event, 0, e.config.BatchSize)
					}
				default:
					if len(batch) > 0 {
						e.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush delivers one batch, retrying with the same ID so the aggregator can
// drop a copy that landed before its reply was lost.
func (e *Emitter) flush(events []Event) {
	batch := Batch{ID: uuid.NewString(), Events: events}
	payload, err := json.Marshal(batch)
	if err != nil {
		e.metrics.AnalyticsEvents("failed", len(events))
		e.logger.Error("Failed to encode analytics batch", zap.Error(err))
		return
	}

	delay := e.config.RetryDelay
	for attempt := 1; ; attempt++ {
		err = e.send(payload)
		if err == nil || attempt >= e.config.MaxAttempts {
			break
		}
		e.logger.Debug("Analytics batch delivery failed, retrying",
			zap.String("batch_id", batch.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(delay)
		delay *= 2
	}
	if err != nil {
		e.metrics.AnalyticsEvents("failed", len(events))
		e.logger.Warn("Failed to deliver analytics batch",
			zap.String("batch_id", batch.ID),
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		return
	}
	e.metrics.AnalyticsEvents("delivered", len(events))
}

func (e *Emitter) send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.InvokeTimeout)
	defer cancel()

	if _, err := e.runtime.Address(Namespace, Key).Invoke(ctx, OpIngest, payload); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	return nil
}

// Close flushes buffered events and stops the loop, waiting until ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	e.once.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
