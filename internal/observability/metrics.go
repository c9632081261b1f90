package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector handles Prometheus metrics for every gateway stage.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Gate and limiter metrics
	securityBlocks    *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	rateLimitDegraded *prometheus.CounterVec

	// Cache metrics
	cacheOperations *prometheus.CounterVec
	revalidations   *prometheus.CounterVec

	// Origin metrics
	originRequests *prometheus.CounterVec
	originLatency  *prometheus.HistogramVec
	originRetries  prometheus.Counter
	originHealthy  *prometheus.GaugeVec
	breakerState   *prometheus.GaugeVec

	// Actor and analytics metrics
	actorsActive    *prometheus.GaugeVec
	analyticsEvents *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_requests_total",
				Help: "Total number of requests handled by the edge",
			},
			[]string{"method", "cache_status", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_gateway_request_duration_seconds",
				Help:    "Edge request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cache_status"},
		),
		securityBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_security_blocks_total",
				Help: "Requests blocked by the security gate",
			},
			[]string{"stage", "reason"},
		),
		rateLimitDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_rate_limit_decisions_total",
				Help: "Rate limiter decisions by category",
			},
			[]string{"category", "decision"},
		),
		rateLimitDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_rate_limit_degraded_total",
				Help: "Checks answered by the local fallback window because the actor runtime failed",
			},
			[]string{"category"},
		),
		cacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_cache_operations_total",
				Help: "Edge cache operations by result",
			},
			[]string{"operation", "result"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_cache_revalidations_total",
				Help: "Background revalidations by outcome",
			},
			[]string{"outcome"},
		),
		originRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_origin_requests_total",
				Help: "Origin attempts by instance and outcome",
			},
			[]string{"instance", "outcome"},
		),
		originLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_gateway_origin_latency_seconds",
				Help:    "Origin latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instance"},
		),
		originRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_gateway_origin_retries_total",
				Help: "Origin retries after a failed attempt",
			},
		),
		originHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_gateway_origin_healthy",
				Help: "1 when the origin instance passes health checks",
			},
			[]string{"instance"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_gateway_circuit_breaker_state",
				Help: "Circuit breaker state per origin instance (0 closed, 1 half-open, 2 open)",
			},
			[]string{"instance"},
		),
		actorsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_gateway_actors_active",
				Help: "Live actor instances on this node",
			},
			[]string{"namespace"},
		),
		analyticsEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_analytics_events_total",
				Help: "Analytics events by delivery result",
			},
			[]string{"result"},
		),
	}
}

// RegisterMetrics registers all metrics with Prometheus
func (mc *MetricsCollector) RegisterMetrics(registry prometheus.Registerer) {
	registry.MustRegister(
		mc.requestsTotal,
		mc.requestDuration,
		mc.securityBlocks,
		mc.rateLimitDecision,
		mc.rateLimitDegraded,
		mc.cacheOperations,
		mc.revalidations,
		mc.originRequests,
		mc.originLatency,
		mc.originRetries,
		mc.originHealthy,
		mc.breakerState,
		mc.actorsActive,
		mc.analyticsEvents,
	)
}

func (mc *MetricsCollector) ObserveRequest(method, cacheStatus string, status int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(method, cacheStatus, strconv.Itoa(status)).Inc()
	mc.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
}

func (mc *MetricsCollector) SecurityBlocked(stage, reason string) {
	if mc == nil {
		return
	}
	mc.securityBlocks.WithLabelValues(stage, reason).Inc()
}

func (mc *MetricsCollector) RateLimitDecision(category string, limited bool) {
	if mc == nil {
		return
	}
	decision := "admitted"
	if limited {
		decision = "limited"
	}
	mc.rateLimitDecision.WithLabelValues(category, decision).Inc()
}

func (mc *MetricsCollector) RateLimitDegraded(category string) {
	if mc == nil {
		return
	}
	mc.rateLimitDegraded.WithLabelValues(category).Inc()
}

func (mc *MetricsCollector) CacheOperation(operation, result string) {
	if mc == nil {
		return
	}
	mc.cacheOperations.WithLabelValues(operation, result).Inc()
}

func (mc *MetricsCollector) Revalidation(outcome string) {
	if mc == nil {
		return
	}
	mc.revalidations.WithLabelValues(outcome).Inc()
}

func (mc *MetricsCollector) OriginAttempt(instance, outcome string, latency time.Duration) {
	if mc == nil {
		return
	}
	mc.originRequests.WithLabelValues(instance, outcome).Inc()
	mc.originLatency.WithLabelValues(instance).Observe(latency.Seconds())
}

func (mc *MetricsCollector) OriginRetry() {
	if mc == nil {
		return
	}
	mc.originRetries.Inc()
}

func (mc *MetricsCollector) OriginHealth(instance string, healthy bool) {
	if mc == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	mc.originHealthy.WithLabelValues(instance).Set(value)
}

func (mc *MetricsCollector) BreakerState(instance string, state int) {
	if mc == nil {
		return
	}
	mc.breakerState.WithLabelValues(instance).Set(float64(state))
}

func (mc *MetricsCollector) ActorsActive(namespace string, delta float64) {
	if mc == nil {
		return
	}
	mc.actorsActive.WithLabelValues(namespace).Add(delta)
}

func (mc *MetricsCollector) AnalyticsEvents(result string, n int) {
	if mc == nil {
		return
	}
	mc.analyticsEvents.WithLabelValues(result).Add(float64(n))
}
