package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	updatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_updates_received_total",
		Help: "Total number of platform updates received",
	}, []string{"type"})

	updatesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_updates_processed_total",
		Help: "Total number of updates processed",
	}, []string{"status"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	completionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_completion_requests_total",
		Help: "Total number of completion API requests",
	}, []string{"model", "status"})

	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatbot_completion_request_duration_seconds",
		Help:    "Duration of completion API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbot_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbot_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbot_dropped_events_total",
		Help: "Total number of events dropped because a user queue was full",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbot_active_sessions",
		Help: "Number of in-memory user sessions",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpdateReceived records a received platform update
func (m *Metrics) RecordUpdateReceived(updateType string) {
	updatesReceived.WithLabelValues(updateType).Inc()
}

// RecordUpdateProcessed records a processed update
func (m *Metrics) RecordUpdateProcessed(status string) {
	updatesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordCompletionRequest records one completion API exchange
func (m *Metrics) RecordCompletionRequest(model, status string, duration time.Duration) {
	completionRequests.WithLabelValues(model, status).Inc()
	completionDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordCacheHit records a response cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a response cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordDroppedEvent records an event dropped from a full user queue
func (m *Metrics) RecordDroppedEvent() {
	droppedEvents.Inc()
}

// SetActiveSessions sets the number of live user sessions
func (m *Metrics) SetActiveSessions(count float64) {
	activeSessions.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
