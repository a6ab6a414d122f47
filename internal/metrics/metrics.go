// Package metrics exposes the detector's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes.
const (
	OutcomeDelivered    = "delivered"
	OutcomeNotDelivered = "not_delivered"
	OutcomeFetchError   = "fetch_error"
	OutcomeInferError   = "inference_error"
)

// Metrics holds the detector's collectors.
type Metrics struct {
	Polls         *prometheus.CounterVec
	InferDuration prometheus.Histogram
	Hits          *prometheus.CounterVec
	PublishErrors prometheus.Counter

	// CarriersToday is mirrored into a gauge on every scrape.
	CarriersToday atomic.Int64

	registry *prometheus.Registry
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcam_polls_total",
			Help: "Poll cycles by outcome",
		}, []string{"outcome"}),
		InferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcam_inference_seconds",
			Help:    "Time spent detecting on one frame",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcam_hits_total",
			Help: "Carrier detections by label",
		}, []string{"label"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcam_publish_errors_total",
			Help: "MQTT publishes that failed or timed out",
		}),
	}

	m.registry.MustRegister(m.Polls, m.InferDuration, m.Hits, m.PublishErrors)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mailcam_carriers_today",
			Help: "Carriers seen since the last daily reset",
		},
		func() float64 { return float64(m.CarriersToday.Load()) },
	))
	return m
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(outcome string, took time.Duration, labels []string) {
	m.Polls.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDelivered || outcome == OutcomeNotDelivered {
		m.InferDuration.Observe(took.Seconds())
	}
	for _, l := range labels {
		m.Hits.WithLabelValues(l).Inc()
	}
}

// PublishFailed counts a failed publish. Its signature matches the bus
// error hook.
func (m *Metrics) PublishFailed(string, error) {
	m.PublishErrors.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
