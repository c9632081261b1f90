// Package graceful runs ordered shutdown hooks when the process is asked to stop.
package graceful

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownHook represents a function to be called during shutdown
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// ShutdownHandler runs hooks one after another in registration order, so
// the HTTP listener stops before the components it depends on. All hooks
// share a single deadline.
type ShutdownHandler struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal

	mu              sync.Mutex
	hooks           []namedHook
	shutdownStarted bool
}

// Option is a functional option for configuring ShutdownHandler
type Option func(*ShutdownHandler)

// NewShutdownHandler creates a new graceful shutdown handler
func NewShutdownHandler(options ...Option) *ShutdownHandler {
	handler := &ShutdownHandler{
		logger:          zap.NewNop(),
		shutdownTimeout: 30 * time.Second,
		signals:         []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}

	for _, option := range options {
		option(handler)
	}

	return handler
}

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *ShutdownHandler) {
		h.logger = logger
	}
}

// WithTimeout sets the shutdown timeout
func WithTimeout(timeout time.Duration) Option {
	return func(h *ShutdownHandler) {
		if timeout > 0 {
			h.shutdownTimeout = timeout
		}
	}
}

// WithSignals sets custom signals to listen for
func WithSignals(signals ...os.Signal) Option {
	return func(h *ShutdownHandler) {
		h.signals = signals
	}
}

// AddHook appends a named hook.
func (h *ShutdownHandler) AddHook(name string, hook ShutdownHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, namedHook{name: name, fn: hook})
}

// Wait blocks until a shutdown signal arrives or ctx is done, then runs the hooks.
func (h *ShutdownHandler) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Info("Received shutdown signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case <-ctx.Done():
		h.logger.Info("Context cancelled, initiating graceful shutdown")
	}

	return h.Shutdown()
}

// Shutdown runs the hooks once. Later calls return immediately.
func (h *ShutdownHandler) Shutdown() error {
	h.mu.Lock()
	if h.shutdownStarted {
		h.mu.Unlock()
		h.logger.Warn("Shutdown already in progress")
		return nil
	}
	h.shutdownStarted = true
	hooks := append([]namedHook(nil), h.hooks...)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	err := h.executeHooks(ctx, hooks)
	if err != nil {
		h.logger.Error("Graceful shutdown finished with errors", zap.Error(err))
	} else {
		h.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (h *ShutdownHandler) executeHooks(ctx context.Context, hooks []namedHook) error {
	var errs []error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			h.logger.Warn("Shutdown timeout reached, skipping hook", zap.String("hook", hook.name))
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := hook.fn(ctx); err != nil {
			h.logger.Error("Shutdown hook failed", zap.String("hook", hook.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			continue
		}
		h.logger.Info("Shutdown hook completed",
			zap.String("hook", hook.name),
			zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}

// CloserHook adapts an io.Closer-like resource.
func CloserHook(closer interface{ Close() error }) ShutdownHook {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// FuncHook adapts a cleanup function that takes no context.
func FuncHook(fn func()) ShutdownHook {
	return func(ctx context.Context) error {
		fn()
		return nil
	}
}
