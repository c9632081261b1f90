package ratelimit

import (
	"sync"
	"time"
)

// LocalLimiter is the per-process fallback used while the actor runtime is
// unreachable. It runs the same window algorithm, so limits hold per
// instance instead of cluster-wide.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
	idle    time.Duration

	stop chan struct{}
	once sync.Once
}

// NewLocalLimiter creates the fallback and starts its cleanup loop.
func NewLocalLimiter(now func() time.Time, idle time.Duration) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	l := &LocalLimiter{
		windows: make(map[string]*Window),
		now:     now,
		idle:    idle,
		stop:    make(chan struct{}),
	}
	go l.cleanupExpired()
	return l
}

// Check applies limit to key.
func (l *LocalLimiter) Check(key string, limit Limit) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &Window{}
		l.windows[key] = w
	}
	return w.Check(l.now(), limit)
}

// Reset forgets key.
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Len reports how many keys are tracked.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep drops keys idle longer than the idle timeout.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle).UnixMilli()
	removed := 0
	for key, w := range l.windows {
		if w.LastRequestAt < cutoff {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

func (l *LocalLimiter) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Close stops the cleanup loop.
func (l *LocalLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
