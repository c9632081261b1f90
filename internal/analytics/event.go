// Package analytics aggregates edge traffic in a single actor instance:
// rolling counters, five-minute time-series buckets, per-country stats and
// per-endpoint latency percentiles.
package analytics

import (
	"sort"
	"time"
)

// EventType classifies an event; time-series buckets are kept per type.
type EventType string

const (
	EventTypeRequest   EventType = "request"
	EventTypeError     EventType = "error"
	EventTypeSecurity  EventType = "security"
	EventTypeRateLimit EventType = "rate_limit"
)

// Event is one observation emitted by the pipeline.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   int64     `json:"timestamp"` // unix ms
	RequestID   string    `json:"requestId,omitempty"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	StatusCode  int       `json:"statusCode"`
	LatencyMs   float64   `json:"latencyMs"`
	CacheStatus string    `json:"cacheStatus,omitempty"`
	Country     string    `json:"country,omitempty"`
	Client      string    `json:"client,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// IsError reports 5xx responses and error events.
func (e Event) IsError() bool {
	return e.Type == EventTypeError || e.StatusCode >= 500
}

// Batch is the payload of an ingest call. Batches carry an id so a retried
// delivery is applied once.
type Batch struct {
	ID     string  `json:"id"`
	Events []Event `json:"events"`
}

// Counters are the rolling totals, reset once they are older than an hour.
type Counters struct {
	Requests       int64           `json:"requests"`
	Errors         int64           `json:"errors"`
	CacheHits      int64           `json:"cacheHits"`
	CacheMisses    int64           `json:"cacheMisses"`
	SecurityBlocks int64           `json:"securityBlocks"`
	RateLimited    int64           `json:"rateLimited"`
	UniqueClients  map[string]bool `json:"uniqueClients"`
	WindowStart    int64           `json:"windowStart"`
}

// Bucket aggregates one event type over one five-minute slot.
type Bucket struct {
	Type         EventType `json:"type"`
	Slot         int64     `json:"slot"` // slot start, unix ms
	Count        int64     `json:"count"`
	TotalLatency float64   `json:"totalLatency"`
	MinLatency   float64   `json:"minLatency"`
	MaxLatency   float64   `json:"maxLatency"`
	ErrorCount   int64     `json:"errorCount"`
}

// AvgLatency is TotalLatency over Count.
func (b *Bucket) AvgLatency() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.TotalLatency / float64(b.Count)
}

// EndpointPerformance keeps the last SampleSize latencies of one path.
type EndpointPerformance struct {
	Path      string    `json:"path"`
	Count     int64     `json:"count"`
	Errors    int64     `json:"errors"`
	Latencies []float64 `json:"latencies"`
	Next      int       `json:"next"`
	LastSeen  int64     `json:"lastSeen"`
}

// SampleSize bounds each endpoint's latency ring.
const SampleSize = 1000

func (e *EndpointPerformance) record(latency float64) {
	if len(e.Latencies) < SampleSize {
		e.Latencies = append(e.Latencies, latency)
		return
	}
	e.Latencies[e.Next] = latency
	e.Next = (e.Next + 1) % SampleSize
}

// CountryStats aggregates traffic per client country.
type CountryStats struct {
	Country      string  `json:"country"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	TotalLatency float64 `json:"totalLatency"`
	LastSeen     int64   `json:"lastSeen"`
}

// Percentile returns the p-th percentile of samples using linear
// interpolation between closest ranks on a sorted copy:
// idx = p/100*(n-1), value = s[floor] + (s[ceil]-s[floor])*(idx-floor).
func Percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}

	idx := p / 100 * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

const slotSize = 5 * time.Minute

func slotOf(tsMs int64) int64 {
	size := slotSize.Milliseconds()
	return tsMs - tsMs%size
}
