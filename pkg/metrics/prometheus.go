// Package metrics provides Prometheus metrics for the proxynas search tool.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Seconds-scale buckets for training phases; epochs range from sub-second
// (simulated) to tens of minutes.
var trainingSecondsBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600} //nolint:gochecknoglobals // bucket layout

// Manager manages all Prometheus metrics for the search tool.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Search loop
	archsSampled          prometheus.Counter
	archsAbandoned        prometheus.Counter
	archsProcessed        prometheus.Counter
	leaderboardPromotions *prometheus.CounterVec
	bestScore             *prometheus.GaugeVec
	timeBudgetSeconds     prometheus.Gauge
	conditionalDuration   prometheus.Histogram
	postRerankDuration    prometheus.Histogram

	// Trainers
	trainerEpochs      *prometheus.CounterVec
	trainerFitDuration *prometheus.HistogramVec
	trainerFitOutcomes *prometheus.CounterVec
	trainerFitFailures *prometheus.CounterVec
	loaderCacheLookups *prometheus.CounterVec

	// Oracle
	oracleQueries prometheus.Counter
	oracleErrors  prometheus.Counter

	// Event queue and recorder
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec
	recorderWrites     prometheus.Counter
	recorderErrors     prometheus.Counter
	storedArchs        prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "proxynas",
		subsystem:        "search",
		histogramBuckets: trainingSecondsBuckets,
		enabled:          true,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix != "" {
		return m.metricPrefix + "_" + n
	}
	return n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.customLabels)

	counter := func(name, help string) prometheus.Counter {
		return auto.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return auto.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		})
	}
	counterVec := func(name, help string, keys ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		}, keys)
	}

	m.archsSampled = counter("archs_sampled_total", "Architectures drawn from the search space")
	m.archsAbandoned = counter("archs_abandoned_total", "Architectures cut by the conditional training budget")
	m.archsProcessed = counter("archs_processed_total", "Architectures that went through freeze training")
	m.leaderboardPromotions = counterVec("leaderboard_promotions_total", "Entries appended to a leaderboard", "board")
	m.bestScore = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("best_score"),
		Help: "Incumbent best score per leaderboard", ConstLabels: labels,
	}, []string{"board"})
	m.timeBudgetSeconds = gauge("time_budget_seconds", "Current conditional training budget (+Inf until a baseline exists)")
	m.conditionalDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("conditional_duration_seconds"),
		Help: "Conditional training wall-clock time per architecture", Buckets: m.histogramBuckets, ConstLabels: labels,
	})
	m.postRerankDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("post_rerank_duration_seconds"),
		Help: "Time spent re-ranking the leaderboard history by post training", Buckets: m.histogramBuckets, ConstLabels: labels,
	})

	m.trainerEpochs = counterVec("trainer_epochs_total", "Epochs run per trainer kind", "kind")
	m.trainerFitDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("trainer_fit_duration_seconds"),
		Help: "Fit duration per trainer kind", Buckets: m.histogramBuckets, ConstLabels: labels,
	}, []string{"kind"})
	m.trainerFitOutcomes = counterVec("trainer_fit_outcomes_total", "Fit terminal states per trainer kind", "kind", "state")
	m.trainerFitFailures = counterVec("trainer_fit_failures_total", "Fits aborted by an error", "kind")
	m.loaderCacheLookups = counterVec("loader_cache_lookups_total", "Data loader cache lookups", "result")

	m.oracleQueries = counter("oracle_queries_total", "Benchmark oracle lookups")
	m.oracleErrors = counter("oracle_errors_total", "Failed benchmark oracle lookups")

	m.queueSize = gauge("queue_size", "Events waiting in the event queue")
	m.queueCapacity = gauge("queue_capacity", "Event queue capacity")
	m.queueEnqueued = counter("queue_enqueued_total", "Events enqueued")
	m.queueDequeued = counter("queue_dequeued_total", "Events dequeued")
	m.queueEnqueueErrors = counterVec("queue_enqueue_errors_total", "Rejected enqueues", "reason")
	m.recorderWrites = counter("recorder_writes_total", "Results written by the recorder")
	m.recorderErrors = counter("recorder_errors_total", "Recorder write failures")
	m.storedArchs = gauge("stored_archs", "Architectures held by the result store")

	m.httpRequests = counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("http_request_duration_milliseconds"),
		Help: "HTTP request duration in milliseconds", Buckets: prometheus.DefBuckets, ConstLabels: labels,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = gauge("system_goroutines", "Live goroutines")
}

// Search loop.

func RecordArchSampled(n int) {
	if globalManager.enabled {
		globalManager.archsSampled.Add(float64(n))
	}
}

func RecordArchAbandoned() {
	if globalManager.enabled {
		globalManager.archsAbandoned.Inc()
	}
}

func RecordArchProcessed() {
	if globalManager.enabled {
		globalManager.archsProcessed.Inc()
	}
}

// RecordPromotion counts an append to board and publishes its new best score.
func RecordPromotion(board string, score float64) {
	if globalManager.enabled {
		globalManager.leaderboardPromotions.WithLabelValues(board).Inc()
		globalManager.bestScore.WithLabelValues(board).Set(score)
	}
}

func UpdateTimeBudget(d time.Duration, bounded bool) {
	if !globalManager.enabled {
		return
	}
	if !bounded {
		globalManager.timeBudgetSeconds.Set(posInf())
		return
	}
	globalManager.timeBudgetSeconds.Set(d.Seconds())
}

func RecordConditionalDuration(d time.Duration) {
	if globalManager.enabled {
		globalManager.conditionalDuration.Observe(d.Seconds())
	}
}

func RecordPostRerankDuration(d time.Duration) {
	if globalManager.enabled {
		globalManager.postRerankDuration.Observe(d.Seconds())
	}
}

// Trainers.

func RecordTrainerEpoch(kind string) {
	if globalManager.enabled {
		globalManager.trainerEpochs.WithLabelValues(kind).Inc()
	}
}

func RecordTrainerFit(kind, state string, d time.Duration) {
	if globalManager.enabled {
		globalManager.trainerFitDuration.WithLabelValues(kind).Observe(d.Seconds())
		globalManager.trainerFitOutcomes.WithLabelValues(kind, state).Inc()
	}
}

func RecordTrainerFailure(kind string) {
	if globalManager.enabled {
		globalManager.trainerFitFailures.WithLabelValues(kind).Inc()
	}
}

func RecordLoaderCache(hit bool) {
	if !globalManager.enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalManager.loaderCacheLookups.WithLabelValues(result).Inc()
}

// Oracle.

func RecordOracleQuery() {
	if globalManager.enabled {
		globalManager.oracleQueries.Inc()
	}
}

func RecordOracleError() {
	if globalManager.enabled {
		globalManager.oracleErrors.Inc()
	}
}

// Queue and recorder.

func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

func UpdateQueueCapacity(capacity int) {
	if globalManager.enabled {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

func RecordQueueEnqueue() {
	if globalManager.enabled {
		globalManager.queueEnqueued.Inc()
	}
}

func RecordQueueDequeue() {
	if globalManager.enabled {
		globalManager.queueDequeued.Inc()
	}
}

func RecordQueueEnqueueError(reason string) {
	if globalManager.enabled {
		globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
	}
}

func RecordRecorderWrite() {
	if globalManager.enabled {
		globalManager.recorderWrites.Inc()
	}
}

func RecordRecorderError() {
	if globalManager.enabled {
		globalManager.recorderErrors.Inc()
	}
}

func UpdateStoredArchs(count int) {
	if globalManager.enabled {
		globalManager.storedArchs.Set(float64(count))
	}
}

// HTTP.

func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, durationMs float64) {
	if globalManager.enabled {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
	}
}

// System.

func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

func posInf() float64 { return math.Inf(1) }

// GetRegistry returns the registry backing the global manager.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
