package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry holds every collector exposed at /metrics
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EnvelopeTotal, EnvelopeAttempts,
		CycleDuration, CycleTotal, PollInterval,
		ProcessedSetSize, DroppedCandidates,
		WebhookEvents, TrackerUpdates,
		HTTPRequests,
	)
}

// EnvelopeTotal counts processor outcomes by result kind
var EnvelopeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ura_envelope_total",
		Help: "Processor outcomes by result",
	},
	[]string{"result"}, // success | transient | consent_required | validation_error | ...
)

// EnvelopeAttempts observes creator calls per processor invocation
var EnvelopeAttempts = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ura_envelope_attempts",
		Help:    "Envelope creation attempts per candidate",
		Buckets: []float64{1, 2, 3, 5, 8},
	},
)

// CycleDuration observes the wall time of one polling cycle
var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ura_cycle_duration_seconds",
		Help:    "Polling cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

// CycleTotal counts polling cycles by outcome
var CycleTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ura_cycle_total",
		Help: "Polling cycles by outcome",
	},
	[]string{"outcome"}, // ok | list_error | panic
)

// PollInterval is the interval chosen for the next sleep
var PollInterval = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ura_poll_interval_seconds",
		Help: "Next polling interval in seconds",
	},
)

// ProcessedSetSize is the number of keys in the processed set
var ProcessedSetSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ura_processed_set_size",
		Help: "Keys in the processed set",
	},
)

// DroppedCandidates counts candidates skipped for missing identity
var DroppedCandidates = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ura_dropped_candidates_total",
		Help: "Candidates dropped for missing signer identity",
	},
)

// WebhookEvents counts completion notifications by outcome
var WebhookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ura_webhook_events_total",
		Help: "Completion notifications by outcome",
	},
	[]string{"outcome"}, // updated | not_found | ignored | invalid | error
)

// TrackerUpdates counts tracking store writes by operation and result
var TrackerUpdates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ura_tracker_updates_total",
		Help: "Tracking store writes",
	},
	[]string{"op", "result"},
)

// HTTPRequests counts served requests by route and status class
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ura_http_requests_total",
		Help: "HTTP requests by route and status",
	},
	[]string{"route", "status"},
)

// Handler serves DefaultRegistry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
