// Package ratelimit enforces per-client, per-category sliding windows. The
// authoritative window for a key lives in a single actor instance so
// concurrent gateway requests never race on it; when the actor runtime fails
// the limiter falls back to an in-process window with the same algorithm.
package ratelimit

import (
	"math"
	"time"
)

// Limit is the admitted request count per window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one check. Its JSON form is the body returned
// with a 429.
type Decision struct {
	Limited    bool   `json:"limited"`
	Remaining  int    `json:"remaining"`
	RetryAfter int    `json:"retryAfter"`
	ResetTime  int64  `json:"resetTime"`
	Limit      int    `json:"-"`
	Mode       string `json:"-"`
}

// Window is the sliding-window state of one (category, client) key.
// Timestamps are unix milliseconds in arrival order.
type Window struct {
	Timestamps        []int64 `json:"timestamps"`
	TotalRequestsEver int64   `json:"totalRequestsEver"`
	FirstRequestAt    int64   `json:"firstRequestAt,omitempty"`
	LastRequestAt     int64   `json:"lastRequestAt,omitempty"`
}

// Check prunes timestamps outside [now-window, now], then admits and records
// the request or rejects it with the time until the oldest entry leaves.
func (w *Window) Check(now time.Time, limit Limit) Decision {
	nowMs := now.UnixMilli()
	windowMs := limit.Window.Milliseconds()

	w.prune(nowMs - windowMs)

	if len(w.Timestamps) >= limit.Limit {
		oldest := nowMs
		if len(w.Timestamps) > 0 {
			oldest = w.Timestamps[0]
		}
		waitMs := oldest + windowMs - nowMs
		return Decision{
			Limited:    true,
			Remaining:  0,
			RetryAfter: int(math.Ceil(float64(max(waitMs, 0)) / 1000)),
			ResetTime:  oldest + windowMs,
			Limit:      limit.Limit,
		}
	}

	w.Timestamps = append(w.Timestamps, nowMs)
	w.TotalRequestsEver++
	if w.FirstRequestAt == 0 {
		w.FirstRequestAt = nowMs
	}
	w.LastRequestAt = nowMs

	return Decision{
		Remaining: limit.Limit - len(w.Timestamps),
		ResetTime: w.Timestamps[0] + windowMs,
		Limit:     limit.Limit,
	}
}

// Clone returns a copy that shares no backing array with w.
func (w Window) Clone() Window {
	w.Timestamps = append([]int64(nil), w.Timestamps...)
	return w
}

func (w *Window) prune(cutoffMs int64) {
	keep := 0
	for keep < len(w.Timestamps) && w.Timestamps[keep] < cutoffMs {
		keep++
	}
	if keep > 0 {
		w.Timestamps = append(w.Timestamps[:0], w.Timestamps[keep:]...)
	}
}
