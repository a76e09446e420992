package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chunksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossport_chunks_processed_total",
			Help: "Total number of chunk conversion attempts",
		},
		[]string{"stage", "status"},
	)

	chunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossport_chunk_duration_seconds",
			Help:    "Chunk conversion duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossport_cost_usd_total",
			Help: "Accumulated model cost in USD",
		},
		[]string{"model"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossport_tokens_total",
			Help: "Accumulated token usage",
		},
		[]string{"model"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossport_chunk_retries_total",
			Help: "Total number of chunk retry attempts",
		},
		[]string{"reason"},
	)

	modelSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crossport_model_switches_total",
			Help: "Total number of fallback model switches",
		},
	)

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossport_webhook_deliveries_total",
			Help: "Total number of webhook delivery outcomes",
		},
		[]string{"event", "outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crossport_active_sessions",
			Help: "Number of sessions currently running",
		},
	)

	manualQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossport_manual_queue_depth",
			Help: "Number of chunks waiting for manual fixes",
		},
		[]string{"session"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			chunksProcessedTotal,
			chunkDuration,
			costTotal,
			tokensTotal,
			retriesTotal,
			modelSwitchesTotal,
			webhookDeliveriesTotal,
			activeSessions,
			manualQueueDepth,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordChunk records one chunk conversion attempt.
func RecordChunk(stage, status string, duration time.Duration) {
	chunksProcessedTotal.WithLabelValues(stage, status).Inc()
	chunkDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordUsage adds the cost and tokens of one model call.
func RecordUsage(model string, costUSD float64, tokens int) {
	costTotal.WithLabelValues(model).Add(costUSD)
	tokensTotal.WithLabelValues(model).Add(float64(tokens))
}

// RecordRetry counts a retry attempt with its trigger.
func RecordRetry(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// RecordModelSwitch counts a fallback switch.
func RecordModelSwitch() {
	modelSwitchesTotal.Inc()
}

// RecordWebhookDelivery counts a delivery outcome ("ok" or "failed").
func RecordWebhookDelivery(event, outcome string) {
	webhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()
}

// SetActiveSessions sets the running-session gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// SetManualQueueDepth sets the pending-manual-fix gauge for one
// session. Sessions report independently so concurrent runs do not
// clobber each other's depth.
func SetManualQueueDepth(sessionID string, count int) {
	manualQueueDepth.WithLabelValues(sessionID).Set(float64(count))
}
