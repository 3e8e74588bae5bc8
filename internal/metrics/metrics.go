package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all metrics
const namespace = "ingestd"

// Collector provides a central place for all engine metrics
type Collector struct {
	// Per-source ingestion metrics
	LinesRead      *prometheus.CounterVec
	BytesRead      *prometheus.CounterVec
	EventsEmitted  *prometheus.CounterVec
	MalformedLines *prometheus.CounterVec
	PollFailures   *prometheus.CounterVec
	Rotations      *prometheus.CounterVec
	SourceState    *prometheus.GaugeVec

	// Poll cycle metrics
	PollDuration *prometheus.HistogramVec
	PollsSkipped *prometheus.CounterVec

	// Connection pool metrics
	PoolSessionsActive prometheus.Gauge
	PoolAcquireTimeout prometheus.Counter
	PoolDials          *prometheus.CounterVec

	// Dispatch metrics
	Deliveries       *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	DeliveryRetries  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{registry: registry}

	c.LinesRead = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read per source",
		},
		[]string{"source"},
	)

	c.BytesRead = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_read_total",
			Help:      "Total bytes fetched from the remote file per source",
		},
		[]string{"source"},
	)

	c.EventsEmitted = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "events_emitted_total",
			Help:      "Total normalized events emitted per source",
		},
		[]string{"source"},
	)

	c.MalformedLines = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "malformed_lines_total",
			Help:      "Total lines skipped because they could not be parsed",
		},
		[]string{"source"},
	)

	c.PollFailures = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "poll_failures_total",
			Help:      "Total failed poll cycles per source",
		},
		[]string{"source", "reason"},
	)

	c.Rotations = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "rotations_total",
			Help:      "Total detected rotations/truncations per source",
		},
		[]string{"source"},
	)

	c.SourceState = promauto.With(registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "state",
			Help:      "Source lifecycle state (1 for the current state's label)",
		},
		[]string{"source", "state"},
	)

	c.PollDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Time taken by one poll cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"source"},
	)

	c.PollsSkipped = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "skipped_total",
			Help:      "Poll cycles skipped (pool saturated or previous poll in flight)",
		},
		[]string{"source", "reason"},
	)

	c.PoolSessionsActive = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "sessions_active",
			Help:      "Currently held remote session slots",
		},
	)

	c.PoolAcquireTimeout = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_timeouts_total",
			Help:      "Session acquisitions that timed out under saturation",
		},
	)

	c.PoolDials = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "dials_total",
			Help:      "Remote transport dials by result",
		},
		[]string{"result"},
	)

	c.Deliveries = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Events delivered per tenant",
		},
		[]string{"tenant"},
	)

	c.DeliveryFailures = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_failures_total",
			Help:      "Deliveries abandoned after retries, per tenant",
		},
		[]string{"tenant"},
	)

	c.DeliveryRetries = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_retries_total",
			Help:      "Delivery retries per tenant",
		},
		[]string{"tenant"},
	)

	c.EventsDropped = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the source has no linked tenants",
		},
		[]string{"source"},
	)

	return c
}

// SetSourceState updates the per-source state gauge, clearing other states.
func (c *Collector) SetSourceState(sourceID, state string) {
	for _, s := range []string{"registered", "backfilling", "live", "degraded", "removed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.SourceState.WithLabelValues(sourceID, s).Set(v)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
