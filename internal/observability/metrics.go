package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/covid-tracker-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Dataset load outcomes. More than one success per process means something re-read the file.
	DatasetLoadsTotal *prometheus.CounterVec

	// Rows held in memory after load.
	DatasetRows prometheus.Gauge

	// Time taken by the one-off load at startup.
	DatasetLoadDurationSeconds prometheus.Gauge

	// Latest date in the dataset as a unix timestamp. Watch for: stale source file.
	DatasetLatestDate prometheus.Gauge

	// When the dataset finished parsing (unix seconds). Watch for: a stale process.
	DatasetLoadedTimestamp prometheus.Gauge

	// Rows returned per view. Watch for: very large selections.
	ViewRowsReturned *prometheus.HistogramVec

	// Export cache hits; misses show up as ExportCacheOperationDurationSeconds{op="set"}.
	ExportCacheHitsTotal *prometheus.CounterVec

	// Export cache backend errors by operation and category (timeout, connection, unknown).
	ExportCacheErrorsTotal *prometheus.CounterVec

	// Export cache latency by operation and result.
	ExportCacheOperationDurationSeconds *prometheus.HistogramVec

	// CSV export payload size in bytes.
	ExportBytes prometheus.Histogram

	// Concurrent export misses for the same selection. Watch for: cache stampede.
	ExportStampedeDetectedTotal prometheus.Counter

	// Export requests that joined an in-flight computation instead of starting one.
	RequestCoalescingHitsTotal prometheus.Counter

	// Chart PNG render latency per view.
	ChartRenderDurationSeconds *prometheus.HistogramVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Per-location selection count (allow-list; others go to "other").
	LocationQueriesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedLocations is built from config; used to resolve location labels.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	DatasetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasetLoadsTotal",
			Help: "Dataset load attempts by status",
		},
		[]string{"status"},
	)
	DatasetRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasetRows",
			Help: "Number of rows in the loaded dataset",
		},
	)
	DatasetLoadDurationSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasetLoadDurationSeconds",
			Help: "Time spent reading and parsing the dataset",
		},
	)
	DatasetLatestDate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasetLatestDateSeconds",
			Help: "Latest date present in the dataset (unix seconds)",
		},
	)
	DatasetLoadedTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasetLoadedTimestampSeconds",
			Help: "Time the dataset finished loading (unix seconds)",
		},
	)
	ViewRowsReturned = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewRowsReturned",
			Help:    "Rows returned per derived view",
			Buckets: []float64{0, 10, 100, 500, 1000, 5000, 20000},
		},
		[]string{"view"},
	)
	ExportCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exportCacheHitsTotal",
			Help: "Total number of export cache hits",
		},
		[]string{"cacheType"},
	)
	ExportCacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exportCacheErrorsTotal",
			Help: "Export cache backend errors by operation and category",
		},
		[]string{"op", "category"},
	)
	ExportCacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exportCacheOperationDurationSeconds",
			Help:    "Export cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op", "result"},
	)
	ExportBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exportBytes",
			Help:    "CSV export payload size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
	ExportStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exportStampedeDetectedTotal",
			Help: "Export cache misses that overlapped another miss for the same selection",
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Export requests served by joining an in-flight computation",
		},
	)
	ChartRenderDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chartRenderDurationSeconds",
			Help:    "Chart PNG render latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"view"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Export cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Export cache warming runs with at least one failure",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Export cache warming duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5},
		},
	)
	LocationQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationQueriesTotal",
			Help: "Selections by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		DatasetLoadsTotal, DatasetRows, DatasetLoadDurationSeconds, DatasetLatestDate,
		DatasetLoadedTimestamp,
		ViewRowsReturned,
		ExportCacheHitsTotal, ExportCacheErrorsTotal, ExportCacheOperationDurationSeconds,
		ExportBytes, ExportStampedeDetectedTotal, RequestCoalescingHitsTotal,
		ChartRenderDurationSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		LocationQueriesTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedLocations sets the allow-list for location metrics. Location names are
// matched exactly, as in the dataset. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[loc] = struct{}{}
	}
}

// RecordLocationQueries counts one selection for each location.
func RecordLocationQueries(locations []string) {
	for _, loc := range locations {
		LocationQueriesTotal.WithLabelValues(MetricLocationLabel(loc)).Inc()
	}
}

// MetricLocationLabel returns loc when tracked, "other" otherwise. Bounds label cardinality.
func MetricLocationLabel(loc string) string {
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
