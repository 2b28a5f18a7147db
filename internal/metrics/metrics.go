// Package metrics exposes relay counters as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamrelay"

// Request outcomes recorded by RequestDone.
const (
	OutcomeOK             = "ok"
	OutcomeTransportError = "transport_error"
	OutcomeRejected       = "rejected"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	inFlight       prometheus.Gauge
	chunks         prometheus.Counter
	bytes          prometheus.Counter
	readErrors     prometheus.Counter
	emitErrors     prometheus.Counter
	streamDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Relay commands by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Response bodies currently being relayed.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunk events emitted.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Body bytes emitted in chunk events.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Streams terminated by a body read error.",
		}),
		emitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_errors_total",
			Help:      "Streams abandoned because the event sink refused an event.",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from response headers to the end event.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.inFlight, m.chunks, m.bytes, m.readErrors, m.emitErrors, m.streamDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RequestDone counts one relay command with the given outcome.
func (m *Metrics) RequestDone(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// StreamStarted marks a pump as running.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// Chunk records one emitted chunk of n bytes.
func (m *Metrics) Chunk(n int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.bytes.Add(float64(n))
}

// StreamEnded marks a pump as finished.
func (m *Metrics) StreamEnded(d time.Duration, readErr, emitErr error) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.streamDuration.Observe(d.Seconds())
	if readErr != nil {
		m.readErrors.Inc()
	}
	if emitErr != nil {
		m.emitErrors.Inc()
	}
}
