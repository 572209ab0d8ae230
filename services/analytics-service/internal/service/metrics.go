package service

import (
	"strconv"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Метрики рассылки событий
	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_events_dispatched_total",
		Help: "Total number of event writes per backend and outcome",
	}, []string{"backend", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analytics_dispatch_duration_seconds",
		Help:    "Duration of event dispatch in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	dispatchTotalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_dispatch_total_failures_total",
		Help: "Total number of events no backend accepted",
	})

	// Метрики здоровья бэкендов
	backendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analytics_backend_healthy",
		Help: "Backend health (1 healthy, 0 unhealthy)",
	}, []string{"backend"})

	backendProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_backend_probes_total",
		Help: "Total number of backend health probes",
	}, []string{"backend", "outcome"})

	// Метрики мониторинга
	monitoringCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_monitoring_cycle_duration_seconds",
		Help:    "Duration of monitoring cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})

	rulesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_rules_evaluated_total",
		Help: "Total number of alert rule evaluations",
	})

	alertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_alerts_triggered_total",
		Help: "Total number of alerts triggered",
	}, []string{"severity", "condition"})

	alertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_alert_transitions_total",
		Help: "Total number of alert state transitions",
	}, []string{"to"})

	anomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_anomalies_detected_total",
		Help: "Total number of anomalies detected",
	}, []string{"metric"})

	snapshotsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_snapshots_generated_total",
		Help: "Total number of metric snapshots generated",
	}, []string{"aggregation"})

	// Метрики кэша
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_metric_cache_hits_total",
		Help: "Total number of metric cache hits",
	})

	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_metric_cache_misses_total",
		Help: "Total number of metric cache misses",
	})

	// Метрики воркеров
	workerLastRun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analytics_worker_last_run_timestamp",
		Help: "Unix timestamp of last worker run",
	}, []string{"worker"})

	workerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_worker_runs_total",
		Help: "Total number of worker runs",
	}, []string{"worker"})

	workerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_worker_errors_total",
		Help: "Total number of worker errors",
	}, []string{"worker"})

	// Метрики API
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analytics_http_request_duration_seconds",
		Help:    "HTTP request duration by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// RecordWorkerRun записывает выполнение воркера
func RecordWorkerRun(workerName string) {
	workerLastRun.WithLabelValues(workerName).SetToCurrentTime()
	workerRunsTotal.WithLabelValues(workerName).Inc()
}

// RecordWorkerError записывает ошибку воркера
func RecordWorkerError(workerName string) {
	workerErrors.WithLabelValues(workerName).Inc()
}

// RecordHTTPRequest записывает HTTP запрос
func RecordHTTPRequest(method, route string, duration float64, status int) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration)
}

func recordBackendHealth(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	backendHealthy.WithLabelValues(name).Set(v)
}

func recordTransition(to models.AlertStatus) {
	alertTransitions.WithLabelValues(string(to)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
