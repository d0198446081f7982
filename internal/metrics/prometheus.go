package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "volsurface_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Surface build metrics
	SurfaceBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_builds_total",
			Help: "Total number of surface builds",
		},
		[]string{"currency", "method", "status"}, // status: success|error
	)

	SurfaceBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "volsurface_build_duration_seconds",
			Help:    "Surface interpolation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	SurfaceValidCells = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_valid_cells",
			Help: "Number of non-masked IV cells in the last built surface",
		},
		[]string{"currency", "method"},
	)

	SurfaceATMVol = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_atm_iv",
			Help: "ATM implied volatility of the last built surface",
		},
		[]string{"currency", "tenor_days"},
	)

	SliceFitsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_svi_slices_skipped_total",
			Help: "Expiration slices skipped by the SVI fit",
		},
		[]string{"currency"},
	)

	// Data cleaning metrics
	QuotesExcluded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_quotes_excluded_total",
			Help: "Quotes dropped during cleaning",
		},
		[]string{"reason"},
	)

	QuotesRetained = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_quotes_retained",
			Help: "Quotes retained by the last cleaning pass",
		},
		[]string{"currency"},
	)

	ParityViolations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_parity_violations",
			Help: "Call/put IV pairs outside tolerance in the last cleaning pass",
		},
		[]string{"currency"},
	)

	// Snapshot store metrics
	SnapshotSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_snapshot_saves_total",
			Help: "Snapshot save attempts",
		},
		[]string{"currency", "status"}, // status: success|error|disabled
	)

	StoreReadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volsurface_store_read_failures_total",
			Help: "Stored snapshot files skipped as unreadable",
		},
	)

	// Market data source metrics
	SourceAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_source_api_calls_total",
			Help: "Total number of market data API calls",
		},
		[]string{"source", "endpoint", "status"}, // status: success|error
	)

	SourceAPILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "volsurface_source_api_latency_seconds",
			Help:    "Market data API latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source", "endpoint"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volsurface_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Sink metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"}, // database: clickhouse|redis
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "volsurface_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"database", "operation"},
	)

	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volsurface_kafka_messages_total",
			Help: "Total Kafka messages produced",
		},
		[]string{"topic", "status"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(WorkerExecutions)
	prometheus.MustRegister(WorkerDuration)
	prometheus.MustRegister(WorkerLastRun)

	prometheus.MustRegister(SurfaceBuilds)
	prometheus.MustRegister(SurfaceBuildDuration)
	prometheus.MustRegister(SurfaceValidCells)
	prometheus.MustRegister(SurfaceATMVol)
	prometheus.MustRegister(SliceFitsSkipped)

	prometheus.MustRegister(QuotesExcluded)
	prometheus.MustRegister(QuotesRetained)
	prometheus.MustRegister(ParityViolations)

	prometheus.MustRegister(SnapshotSaves)
	prometheus.MustRegister(StoreReadFailures)

	prometheus.MustRegister(SourceAPICalls)
	prometheus.MustRegister(SourceAPILatency)
	prometheus.MustRegister(CircuitBreakerState)

	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)
	prometheus.MustRegister(KafkaMessages)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	WorkerExecutions.WithLabelValues(worker, status(err)).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordBuild records one surface interpolation
func RecordBuild(currency, method string, duration time.Duration, validCells int, err error) {
	SurfaceBuilds.WithLabelValues(currency, method, status(err)).Inc()
	SurfaceBuildDuration.WithLabelValues(method).Observe(duration.Seconds())
	if err == nil {
		SurfaceValidCells.WithLabelValues(currency, method).Set(float64(validCells))
	}
}

// RecordATM publishes the ATM vol of one tenor; missing values are skipped
func RecordATM(currency string, days int, iv float64, valid bool) {
	if !valid {
		return
	}
	SurfaceATMVol.WithLabelValues(currency, strconv.Itoa(days)).Set(iv)
}

// RecordSourceCall records a market data API call
func RecordSourceCall(source, endpoint string, latency time.Duration, err error) {
	SourceAPICalls.WithLabelValues(source, endpoint, status(err)).Inc()
	SourceAPILatency.WithLabelValues(source, endpoint).Observe(latency.Seconds())
}

// RecordSnapshotSave records a snapshot save attempt
func RecordSnapshotSave(currency, result string) {
	SnapshotSaves.WithLabelValues(currency, result).Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	DBQueries.WithLabelValues(database, operation, status(err)).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordKafkaMessage records a produced message
func RecordKafkaMessage(topic string, err error) {
	KafkaMessages.WithLabelValues(topic, status(err)).Inc()
}
