package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Driver / cursor metrics
	CurrentHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordindexer_current_height",
			Help: "Current cursor height the driver loop has reached",
		},
	)

	CachedTipHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordindexer_cached_tip_height",
			Help: "Most recently observed chain tip height",
		},
	)

	DriverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordindexer_driver_state",
			Help: "Current driver state (1 = active) by state name",
		},
		[]string{"state"},
	)

	BlocksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_blocks_processed_total",
			Help: "Total number of blocks processed, by queue",
		},
		[]string{"queue"},
	)

	BlockProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordindexer_block_processing_duration_seconds",
			Help:    "Time taken to process one block; also observed once per driver-loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ErrorBlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordindexer_error_blocks_total",
			Help: "Current size of the error-block retry backlog",
		},
	)

	ErrorBlockRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_error_block_retries_total",
			Help: "Total number of error blocks successfully retried and cleared",
		},
	)

	// Classification / validation metrics
	InscriptionsClassifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_inscriptions_classified_total",
			Help: "Total number of inscriptions classified, by kind",
		},
		[]string{"kind"},
	)

	ValidationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_validation_outcomes_total",
			Help: "Total number of validation outcomes, by kind and result",
		},
		[]string{"kind", "result"},
	)

	DeploysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_deploys_total",
			Help: "Total number of accepted deploys",
		},
	)

	MintsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_mints_total",
			Help: "Total number of accepted mints",
		},
	)

	BitmapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_bitmaps_total",
			Help: "Total number of accepted bitmaps",
		},
	)

	MaxedOutDeploysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordindexer_maxed_out_deploys_total",
			Help: "Current size of the maxed-out deploy set",
		},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_gateway_requests_total",
			Help: "Total number of gateway requests, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_gateway_retries_total",
			Help: "Total number of gateway retry attempts, by operation",
		},
		[]string{"operation"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordindexer_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordindexer_cache_hits_total",
			Help: "Total number of cache hits, by tier",
		},
		[]string{"tier"},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_cache_misses_total",
			Help: "Total number of cache misses across both tiers",
		},
	)

	// Block-processing cycle timing
	BlockProcessingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordindexer_block_processing_cycles_total",
			Help: "Total number of driver-loop ticks completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CurrentHeight,
		CachedTipHeight,
		DriverState,
		BlocksProcessedTotal,
		BlockProcessingDuration,
		ErrorBlocksTotal,
		ErrorBlockRetriesTotal,
		InscriptionsClassifiedTotal,
		ValidationOutcomesTotal,
		DeploysTotal,
		MintsTotal,
		BitmapsTotal,
		MaxedOutDeploysTotal,
		GatewayRequestsTotal,
		GatewayRetriesTotal,
		GatewayRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		BlockProcessingCyclesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
