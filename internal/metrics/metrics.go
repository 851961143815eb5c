// Package metrics registers the platform's Prometheus collectors. One set
// per process; components update it through the typed helpers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the process collectors.
type Set struct {
	registry *prometheus.Registry

	QueueWaiting    prometheus.Gauge
	QueueRunning    prometheus.Gauge
	ScansAdmitted   prometheus.Counter
	ScansCompleted  *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	FetchErrors     prometheus.Counter
	KVBreakerState  prometheus.Gauge
	LimiterFailOpen prometheus.Counter
}

// New builds and registers the collector set.
func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	s := &Set{
		registry: reg,
		QueueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_queue_waiting",
			Help: "Scan requests waiting for a slot.",
		}),
		QueueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_queue_running",
			Help: "Scan sessions currently running.",
		}),
		ScansAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scans_admitted_total",
			Help: "Scan requests admitted since start.",
		}),
		ScansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scans_finished_total",
			Help: "Finished scan sessions by terminal state.",
		}, []string{"state"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "violations_detected_total",
			Help: "Violation records produced, by risk level.",
		}, []string{"risk_level"}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_errors_total",
			Help: "Site fetches that exhausted their retries.",
		}),
		KVBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kv_breaker_state",
			Help: "Key-value circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		LimiterFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_fail_open_total",
			Help: "Rate-limit decisions admitted because the KV breaker was open.",
		}),
	}
	reg.MustRegister(s.QueueWaiting, s.QueueRunning, s.ScansAdmitted,
		s.ScansCompleted, s.Violations, s.FetchErrors, s.KVBreakerState, s.LimiterFailOpen)
	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
