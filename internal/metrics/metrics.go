package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the gateway core's
// authentication and handshake path.
type Collector struct {
	Registry *prometheus.Registry

	handshakesActive    *prometheus.GaugeVec
	authAttemptsTotal   *prometheus.CounterVec
	authSuccessesTotal  *prometheus.CounterVec
	authFailuresTotal   *prometheus.CounterVec
	handshakeDuration   *prometheus.HistogramVec
	lookupDuration      *prometheus.HistogramVec
	handshakeErrorsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		handshakesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelgate_handshakes_active",
				Help: "Number of connections currently mid-handshake, by protocol",
			},
			[]string{"protocol"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelgate_auth_attempts_total",
				Help: "Total authentication attempts by protocol and mechanism",
			},
			[]string{"protocol", "mechanism"},
		),
		authSuccessesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelgate_auth_successes_total",
				Help: "Total successful authentications by protocol and mechanism",
			},
			[]string{"protocol", "mechanism"},
		),
		authFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelgate_auth_failures_total",
				Help: "Total failed authentications by protocol and mechanism",
			},
			[]string{"protocol", "mechanism"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gelgate_handshake_duration_seconds",
				Help:    "Duration of a connection's handshake, from first byte to Ready or failure",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"protocol", "outcome"},
		),
		lookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gelgate_credential_lookup_duration_seconds",
				Help:    "Time spent in the embedder's credential lookup",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"protocol"},
		),
		handshakeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelgate_handshake_errors_total",
				Help: "Handshake failures that were not authentication rejections, by protocol and error type",
			},
			[]string{"protocol", "error_type"},
		),
	}

	reg.MustRegister(
		c.handshakesActive,
		c.authAttemptsTotal,
		c.authSuccessesTotal,
		c.authFailuresTotal,
		c.handshakeDuration,
		c.lookupDuration,
		c.handshakeErrorsTotal,
	)

	return c
}

// HandshakeStarted increments the active-handshake gauge for protocol.
// Callers must pair every call with a later HandshakeEnded.
func (c *Collector) HandshakeStarted(protocol string) {
	c.handshakesActive.WithLabelValues(protocol).Inc()
}

// HandshakeEnded decrements the active-handshake gauge and records the
// handshake's total duration and outcome ("ready", "denied", "error").
func (c *Collector) HandshakeEnded(protocol, outcome string, d time.Duration) {
	c.handshakesActive.WithLabelValues(protocol).Dec()
	c.handshakeDuration.WithLabelValues(protocol, outcome).Observe(d.Seconds())
}

// AuthAttempt records one authentication attempt for (protocol, mechanism).
func (c *Collector) AuthAttempt(protocol, mechanism string) {
	c.authAttemptsTotal.WithLabelValues(protocol, mechanism).Inc()
}

// AuthSucceeded records a successful authentication for (protocol, mechanism).
func (c *Collector) AuthSucceeded(protocol, mechanism string) {
	c.authSuccessesTotal.WithLabelValues(protocol, mechanism).Inc()
}

// AuthFailed records a failed authentication for (protocol, mechanism).
func (c *Collector) AuthFailed(protocol, mechanism string) {
	c.authFailuresTotal.WithLabelValues(protocol, mechanism).Inc()
}

// LookupDuration observes the time spent in the embedder's credential lookup.
func (c *Collector) LookupDuration(protocol string, d time.Duration) {
	c.lookupDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// HandshakeError records a non-authentication handshake failure (malformed
// frame, I/O error, TLS upgrade failure, ...) by protocol and error type.
func (c *Collector) HandshakeError(protocol, errorType string) {
	c.handshakeErrorsTotal.WithLabelValues(protocol, errorType).Inc()
}
