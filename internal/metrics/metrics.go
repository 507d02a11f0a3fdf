package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sftcurator_api_request_duration_seconds",
			Help:    "API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sftcurator_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	// Curation metrics
	generationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftcurator_generation_total",
			Help: "Total number of generate operations by outcome",
		},
		[]string{"dataset", "status"}, // status: success, error, in_progress
	)

	finalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftcurator_finalize_total",
			Help: "Total number of finalized records",
		},
		[]string{"dataset"},
	)

	inflightGenerations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sftcurator_inflight_generations",
			Help: "Generations currently waiting on the completion provider",
		},
		[]string{"dataset"},
	)

	// Accounting metrics
	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftcurator_tokens_total",
			Help: "Tokens consumed by model and direction",
		},
		[]string{"model", "direction"}, // direction: prompt, completion
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftcurator_cost_usd_total",
			Help: "Estimated spend in USD by model",
		},
		[]string{"model"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	apiRequestDuration.WithLabelValues(model, statusLabel(success)).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncrementGeneration counts a generate outcome
func (c *Collector) IncrementGeneration(dataset, status string) {
	generationTotal.WithLabelValues(dataset, status).Inc()
}

// IncrementFinalize counts a finalize
func (c *Collector) IncrementFinalize(dataset string) {
	finalizeTotal.WithLabelValues(dataset).Inc()
}

// GenerationStarted marks a generation as in flight
func (c *Collector) GenerationStarted(dataset string) {
	inflightGenerations.WithLabelValues(dataset).Inc()
}

// GenerationFinished clears an in-flight generation
func (c *Collector) GenerationFinished(dataset string) {
	inflightGenerations.WithLabelValues(dataset).Dec()
}

// RecordUsage adds one call's tokens and cost
func (c *Collector) RecordUsage(model string, promptTokens, completionTokens int, cost float64) {
	tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if cost > 0 {
		costTotal.WithLabelValues(model).Add(cost)
	}
}

// Serve exposes the default registry on addr until the server fails
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
	return http.ListenAndServe(addr, mux)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
