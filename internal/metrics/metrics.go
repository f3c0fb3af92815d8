package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records decision cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationRecord records decision cache writes.
	CacheOperationRecord CacheOperation = "record"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupAllow CacheLookupOutcome = "allow"
	CacheLookupDeny  CacheLookupOutcome = "deny"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheRecordOutcome captures the result of a cache write.
type CacheRecordOutcome string

const (
	CacheRecordStored CacheRecordOutcome = "stored"
	CacheRecordError  CacheRecordOutcome = "error"
)

// Recorder publishes Prometheus metrics for gate activity. A nil Recorder is
// valid and discards every observation.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	observed    *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	pending     prometheus.Gauge

	checks       *prometheus.CounterVec
	checkLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEntries    prometheus.Gauge

	sizerMu sync.RWMutex
	sizer   func(context.Context) (int64, error)
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	observed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "gate",
		Name:      "requests_total",
		Help:      "Intercepted requests by the disposition the gate assigned on arrival.",
	}, []string{"disposition"})

	resolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "gate",
		Name:      "resolutions_total",
		Help:      "Suspended requests resolved after a reputation check.",
	}, []string{"verdict", "action"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostgate",
		Subsystem: "gate",
		Name:      "pending_checks",
		Help:      "Requests currently suspended awaiting a reputation verdict.",
	})

	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "reputation",
		Name:      "checks_total",
		Help:      "Reputation lookups by verdict.",
	}, []string{"verdict"})

	checkLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hostgate",
		Subsystem: "reputation",
		Name:      "check_duration_seconds",
		Help:      "Latency distribution for reputation lookups.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"verdict"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Decision cache operations executed by the gate.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hostgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for decision cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostgate",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Hosts currently held by the decision cache.",
	})

	reg.MustRegister(observed, resolutions, pending, checks, checkLatency, cacheOperations, cacheLatency, cacheEntries)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		observed:        observed,
		resolutions:     resolutions,
		pending:         pending,
		checks:          checks,
		checkLatency:    checkLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		cacheEntries:    cacheEntries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.RefreshCacheEntries(req.Context())
		r.handler.ServeHTTP(w, req)
	})
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest counts an intercepted request by its arrival disposition.
func (r *Recorder) ObserveRequest(disposition string) {
	if r == nil {
		return
	}
	r.observed.WithLabelValues(normalizeLabel(disposition)).Inc()
}

// CheckStarted marks a request as suspended pending a verdict.
func (r *Recorder) CheckStarted() {
	if r == nil {
		return
	}
	r.pending.Inc()
}

// ObserveResolution records how a suspended request was released.
func (r *Recorder) ObserveResolution(verdict, action string) {
	if r == nil {
		return
	}
	r.pending.Dec()
	r.resolutions.WithLabelValues(normalizeLabel(verdict), normalizeLabel(action)).Inc()
}

// ObserveCheck records one reputation lookup.
func (r *Recorder) ObserveCheck(verdict string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(verdict)
	r.checks.WithLabelValues(label).Inc()
	r.checkLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, label, duration)
}

// ObserveCacheRecord records the result of a cache write.
func (r *Recorder) ObserveCacheRecord(result CacheRecordOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheRecordError)
	}
	r.observeCache(CacheOperationRecord, label, duration)
}

// TrackCacheSize registers the function that counts cached hosts. It runs on
// every scrape of Handler, never on the decision path.
func (r *Recorder) TrackCacheSize(fn func(context.Context) (int64, error)) {
	if r == nil {
		return
	}
	r.sizerMu.Lock()
	r.sizer = fn
	r.sizerMu.Unlock()
}

// RefreshCacheEntries sets the entries gauge from the tracked size function.
// A failing size function leaves the previous value in place.
func (r *Recorder) RefreshCacheEntries(ctx context.Context) {
	if r == nil {
		return
	}
	r.sizerMu.RLock()
	fn := r.sizer
	r.sizerMu.RUnlock()
	if fn == nil {
		return
	}
	if n, err := fn(ctx); err == nil {
		r.cacheEntries.Set(float64(n))
	}
}

// SetCacheEntries publishes the current number of cached hosts.
func (r *Recorder) SetCacheEntries(n int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(n))
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
