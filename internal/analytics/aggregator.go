package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
)

// Namespace and Key address the single aggregator instance.
const (
	Namespace = "analytics"
	Key       = "global"
)

// Aggregator operations.
const (
	OpIngest     = "ingest"
	OpSummary    = "summary"
	OpEndpoints  = "endpoints"
	OpTimeSeries = "timeseries"
)

const (
	counterWindow   = time.Hour
	cleanupInterval = time.Hour

	// A batch ID is remembered long enough to absorb emitter retries.
	batchDedupeWindow = 10 * time.Minute
	maxRecentBatches  = 1024

	// Paths beyond the cap are folded into OtherEndpoint.
	maxEndpoints  = 500
	OtherEndpoint = "(other)"
)

// State is the durable document of the aggregator.
type State struct {
	Counters  Counters                        `json:"counters"`
	Buckets   map[string]*Bucket              `json:"buckets"`
	Endpoints map[string]*EndpointPerformance `json:"endpoints"`
	Countries map[string]*CountryStats        `json:"countries"`

	// RecentBatches maps batch ID to receipt time in Unix milliseconds.
	RecentBatches map[string]int64 `json:"recentBatches"`
}

func newState() State {
	return State{
		Counters:      Counters{UniqueClients: map[string]bool{}},
		Buckets:       map[string]*Bucket{},
		Endpoints:     map[string]*EndpointPerformance{},
		Countries:     map[string]*CountryStats{},
		RecentBatches: map[string]int64{},
	}
}

// IngestResult is the reply of OpIngest.
type IngestResult struct {
	Accepted  int  `json:"accepted"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Summary is the reply of OpSummary.
type Summary struct {
	Requests       int64          `json:"requests"`
	Errors         int64          `json:"errors"`
	CacheHits      int64          `json:"cacheHits"`
	CacheMisses    int64          `json:"cacheMisses"`
	CacheHitRatio  float64        `json:"cacheHitRatio"`
	SecurityBlocks int64          `json:"securityBlocks"`
	RateLimited    int64          `json:"rateLimited"`
	UniqueClients  int            `json:"uniqueClients"`
	WindowStart    int64          `json:"windowStart"`
	Countries      []CountryStats `json:"countries"`
	Endpoints      int            `json:"endpoints"`
	Batches        int            `json:"batches"`
}

// EndpointReport is one entry of the OpEndpoints reply.
type EndpointReport struct {
	Path    string  `json:"path"`
	Count   int64   `json:"count"`
	Errors  int64   `json:"errors"`
	Samples int     `json:"samples"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// TimeSeriesQuery is the payload of OpTimeSeries. An empty Type means all types.
type TimeSeriesQuery struct {
	Type  EventType `json:"type,omitempty"`
	Hours int       `json:"hours"`
}

// Behavior creates the aggregator actor. Buckets and idle endpoint or country
// stats older than retention are removed hourly. Batch IDs are kept for a
// short dedupe window only.
func Behavior(retention time.Duration) actor.Behavior {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return actor.BehaviorFunc(func(key string) actor.Actor {
		return &aggregator{retention: retention}
	})
}

type aggregator struct {
	retention time.Duration
	loaded    bool
	state     State
}

func (a *aggregator) load(ctx context.Context, actx *actor.Context) error {
	if a.loaded {
		return nil
	}
	a.state = newState()
	if _, err := actx.Load(ctx, &a.state); err != nil {
		return err
	}
	if a.state.Counters.UniqueClients == nil {
		a.state.Counters.UniqueClients = map[string]bool{}
	}
	if a.state.Buckets == nil {
		a.state.Buckets = map[string]*Bucket{}
	}
	if a.state.Endpoints == nil {
		a.state.Endpoints = map[string]*EndpointPerformance{}
	}
	if a.state.Countries == nil {
		a.state.Countries = map[string]*CountryStats{}
	}
	if a.state.RecentBatches == nil {
		a.state.RecentBatches = map[string]int64{}
	}
	a.loaded = true
	return nil
}

func (a *aggregator) Receive(ctx context.Context, actx *actor.Context, op string, payload []byte) ([]byte, error) {
	if err := a.load(ctx, actx); err != nil {
		return nil, err
	}
	now := actx.Now()

	switch op {
	case OpIngest:
		var batch Batch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		result := a.ingest(now, batch)
		if !result.Duplicate {
			if err := actx.Save(ctx, a.state, 0); err != nil {
				return nil, err
			}
			if !actx.AlarmPending() {
				actx.Schedule(now.Add(cleanupInterval))
			}
		}
		return json.Marshal(result)

	case OpSummary:
		a.rollCounters(now)
		return json.Marshal(a.summary())

	case OpEndpoints:
		return json.Marshal(a.endpoints())

	case OpTimeSeries:
		var q TimeSeriesQuery
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &q); err != nil {
				return nil, fmt.Errorf("decode query: %w", err)
			}
		}
		return json.Marshal(a.timeSeries(now, q))

	default:
		return nil, actor.ErrUnknownOperation
	}
}

// Alarm removes expired data and re-arms itself.
func (a *aggregator) Alarm(ctx context.Context, actx *actor.Context) error {
	if err := a.load(ctx, actx); err != nil {
		return err
	}
	now := actx.Now()
	a.cleanup(now)
	if err := actx.Save(ctx, a.state, 0); err != nil {
		return err
	}
	actx.Schedule(now.Add(cleanupInterval))
	return nil
}

func (a *aggregator) ingest(now time.Time, batch Batch) IngestResult {
	a.forgetBatches(now)
	if batch.ID != "" {
		if _, seen := a.state.RecentBatches[batch.ID]; seen {
			return IngestResult{Duplicate: true}
		}
	}

	a.rollCounters(now)
	for _, ev := range batch.Events {
		if ev.Timestamp == 0 {
			ev.Timestamp = now.UnixMilli()
		}
		a.apply(ev)
	}

	if batch.ID != "" {
		a.state.RecentBatches[batch.ID] = now.UnixMilli()
		if len(a.state.RecentBatches) > maxRecentBatches {
			a.evictOldestBatch()
		}
	}
	return IngestResult{Accepted: len(batch.Events)}
}

func (a *aggregator) forgetBatches(now time.Time) {
	cutoff := now.Add(-batchDedupeWindow).UnixMilli()
	for id, at := range a.state.RecentBatches {
		if at < cutoff {
			delete(a.state.RecentBatches, id)
		}
	}
}

func (a *aggregator) evictOldestBatch() {
	var oldestID string
	var oldestAt int64
	for id, at := range a.state.RecentBatches {
		if oldestID == "" || at < oldestAt || (at == oldestAt && id < oldestID) {
			oldestID, oldestAt = id, at
		}
	}
	delete(a.state.RecentBatches, oldestID)
}

func (a *aggregator) rollCounters(now time.Time) {
	c := &a.state.Counters
	if c.WindowStart == 0 || now.Sub(time.UnixMilli(c.WindowStart)) > counterWindow {
		*c = Counters{UniqueClients: map[string]bool{}, WindowStart: now.UnixMilli()}
	}
}

func (a *aggregator) apply(ev Event) {
	c := &a.state.Counters
	isError := ev.IsError()

	c.Requests++
	if isError {
		c.Errors++
	}
	switch ev.CacheStatus {
	case "fresh", "stale":
		c.CacheHits++
	case "miss":
		c.CacheMisses++
	}
	switch ev.Type {
	case EventTypeSecurity:
		c.SecurityBlocks++
	case EventTypeRateLimit:
		c.RateLimited++
	}
	if ev.Client != "" {
		c.UniqueClients[ev.Client] = true
	}

	slot := slotOf(ev.Timestamp)
	bucketKey := string(ev.Type) + "|" + strconv.FormatInt(slot, 10)
	b, ok := a.state.Buckets[bucketKey]
	if !ok {
		b = &Bucket{Type: ev.Type, Slot: slot, MinLatency: ev.LatencyMs, MaxLatency: ev.LatencyMs}
		a.state.Buckets[bucketKey] = b
	}
	b.Count++
	b.TotalLatency += ev.LatencyMs
	b.MinLatency = min(b.MinLatency, ev.LatencyMs)
	b.MaxLatency = max(b.MaxLatency, ev.LatencyMs)
	if isError {
		b.ErrorCount++
	}

	if ev.Country != "" {
		cs, ok := a.state.Countries[ev.Country]
		if !ok {
			cs = &CountryStats{Country: ev.Country}
			a.state.Countries[ev.Country] = cs
		}
		cs.Requests++
		cs.TotalLatency += ev.LatencyMs
		cs.LastSeen = ev.Timestamp
		if isError {
			cs.Errors++
		}
	}

	// Blocked and rate limited requests never reached a handler, and their
	// paths are chosen by the client.
	admitted := ev.Type == EventTypeRequest || ev.Type == EventTypeError
	if admitted && ev.Path != "" && ev.LatencyMs > 0 {
		path := ev.Path
		if _, ok := a.state.Endpoints[path]; !ok && len(a.state.Endpoints) >= maxEndpoints {
			path = OtherEndpoint
		}
		ep, ok := a.state.Endpoints[path]
		if !ok {
			ep = &EndpointPerformance{Path: path}
			a.state.Endpoints[path] = ep
		}
		ep.Count++
		if isError {
			ep.Errors++
		}
		ep.LastSeen = ev.Timestamp
		ep.record(ev.LatencyMs)
	}
}

func (a *aggregator) cleanup(now time.Time) {
	cutoff := now.Add(-a.retention).UnixMilli()

	for key, b := range a.state.Buckets {
		if b.Slot < cutoff {
			delete(a.state.Buckets, key)
		}
	}
	for key, ep := range a.state.Endpoints {
		if ep.LastSeen < cutoff {
			delete(a.state.Endpoints, key)
		}
	}
	for key, cs := range a.state.Countries {
		if cs.LastSeen < cutoff {
			delete(a.state.Countries, key)
		}
	}
	a.forgetBatches(now)
}

func (a *aggregator) summary() Summary {
	c := a.state.Counters
	s := Summary{
		Requests:       c.Requests,
		Errors:         c.Errors,
		CacheHits:      c.CacheHits,
		CacheMisses:    c.CacheMisses,
		SecurityBlocks: c.SecurityBlocks,
		RateLimited:    c.RateLimited,
		UniqueClients:  len(c.UniqueClients),
		WindowStart:    c.WindowStart,
		Countries:      make([]CountryStats, 0, len(a.state.Countries)),
		Endpoints:      len(a.state.Endpoints),
		Batches:        len(a.state.RecentBatches),
	}
	if lookups := c.CacheHits + c.CacheMisses; lookups > 0 {
		s.CacheHitRatio = float64(c.CacheHits) / float64(lookups)
	}
	for _, cs := range a.state.Countries {
		s.Countries = append(s.Countries, *cs)
	}
	sort.Slice(s.Countries, func(i, j int) bool {
		if s.Countries[i].Requests != s.Countries[j].Requests {
			return s.Countries[i].Requests > s.Countries[j].Requests
		}
		return s.Countries[i].Country < s.Countries[j].Country
	})
	return s
}

func (a *aggregator) endpoints() []EndpointReport {
	reports := make([]EndpointReport, 0, len(a.state.Endpoints))
	for _, ep := range a.state.Endpoints {
		reports = append(reports, EndpointReport{
			Path:    ep.Path,
			Count:   ep.Count,
			Errors:  ep.Errors,
			Samples: len(ep.Latencies),
			P50:     Percentile(ep.Latencies, 50),
			P95:     Percentile(ep.Latencies, 95),
			P99:     Percentile(ep.Latencies, 99),
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Count != reports[j].Count {
			return reports[i].Count > reports[j].Count
		}
		return reports[i].Path < reports[j].Path
	})
	return reports
}

func (a *aggregator) timeSeries(now time.Time, q TimeSeriesQuery) []Bucket {
	hours := q.Hours
	if hours <= 0 {
		hours = 24
	}
	since := now.Add(-time.Duration(hours) * time.Hour).UnixMilli()

	out := make([]Bucket, 0)
	for _, b := range a.state.Buckets {
		if b.Slot < slotOf(since) {
			continue
		}
		if q.Type != "" && b.Type != q.Type {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Type < out[j].Type
	})
	return out
}
