package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation outcomes recorded by ObserveMutation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsSnapshot is a lightweight view of the counters for the health endpoint.
type MetricsSnapshot struct {
	OpenSubscriptions int64     `json:"open_subscriptions"`
	OpenSessions      int64     `json:"open_sessions"`
	BatchesApplied    uint64    `json:"batches_applied"`
	MutationsFailed   uint64    `json:"mutations_failed"`
	CacheHitRatio     float64   `json:"cache_hit_ratio"`
	RequestsTotal     uint64    `json:"requests_total"`
	Goroutines        int       `json:"goroutines"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation. It also serves as
// the sync engines' observer so subscription churn is visible per collection.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	batches         *prometheus.CounterVec
	sessions        prometheus.Gauge
	mutations       *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	openSubs       int64
	openSessions   int64
	batchCount     uint64
	mutationFailed uint64
	cacheHitCount  uint64
	cacheMissCount uint64
	requestCount   uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	subscriptions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_open_subscriptions",
		Help: "Live document subscriptions held by dashboard engines",
	}, []string{"collection"})

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_batches_applied_total",
		Help: "Change batches folded into dashboard view state",
	}, []string{"dashboard", "collection"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_open_sessions",
		Help: "Open dashboard sessions",
	})

	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutations_total",
		Help: "Mutation operations by outcome",
	}, []string{"operation", "outcome"})

	mutationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutation_duration_seconds",
		Help:    "Duration of mutation operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, subscriptions, batches, sessions, mutations, mutationLatency,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		subscriptions:   subscriptions,
		batches:         batches,
		sessions:        sessions,
		mutations:       mutations,
		mutationLatency: mutationLatency,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// SubscriptionOpened implements syncengine.Observer.
func (m *MetricsService) SubscriptionOpened(collection string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(collection).Inc()
	atomic.AddInt64(&m.openSubs, 1)
}

// SubscriptionClosed implements syncengine.Observer.
func (m *MetricsService) SubscriptionClosed(collection string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(collection).Dec()
	atomic.AddInt64(&m.openSubs, -1)
}

// BatchApplied implements syncengine.Observer.
func (m *MetricsService) BatchApplied(dashboard, collection string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(dashboard, collection).Inc()
	atomic.AddUint64(&m.batchCount, 1)
}

// OpenSubscriptions reports the live subscription count across all engines.
func (m *MetricsService) OpenSubscriptions() int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.openSubs)
}

// SessionOpened tracks dashboard session lifecycle.
func (m *MetricsService) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
	atomic.AddInt64(&m.openSessions, 1)
}

// SessionClosed tracks dashboard session lifecycle.
func (m *MetricsService) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
	atomic.AddInt64(&m.openSessions, -1)
}

// ObserveMutation records the outcome and latency of one mutation operation.
func (m *MetricsService) ObserveMutation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		atomic.AddUint64(&m.mutationFailed, 1)
	}
	m.mutations.WithLabelValues(operation, outcome).Inc()
	m.mutationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	if ratio, ok := m.hitRatio(); ok {
		m.cacheHitRatio.Set(ratio)
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

func (m *MetricsService) hitRatio() (float64, bool) {
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total == 0 {
		return 0, false
	}
	return float64(hits) / float64(total), true
}

// Snapshot returns aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	ratio, _ := m.hitRatio()
	return MetricsSnapshot{
		OpenSubscriptions: atomic.LoadInt64(&m.openSubs),
		OpenSessions:      atomic.LoadInt64(&m.openSessions),
		BatchesApplied:    atomic.LoadUint64(&m.batchCount),
		MutationsFailed:   atomic.LoadUint64(&m.mutationFailed),
		CacheHitRatio:     ratio,
		RequestsTotal:     atomic.LoadUint64(&m.requestCount),
		Goroutines:        runtime.NumGoroutine(),
		GeneratedAt:       time.Now().UTC(),
	}
}
