package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	generationsTotal    *prometheus.CounterVec
	upstreamAttempts    *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec
	breakerTransitions  *prometheus.CounterVec
	rateLimitDenials    *prometheus.CounterVec
	ledgerCommits       *prometheus.CounterVec
	verifications       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portrait_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"route", "method"},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_generations_total",
				Help: "Generation requests by outcome (generated, fallback, rejected)",
			},
			[]string{"outcome", "reason"},
		),
		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_upstream_attempts_total",
				Help: "Individual HTTP attempts against the image service",
			},
			[]string{"provider", "result"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portrait_upstream_call_duration_seconds",
				Help:    "Wall time of one upstream execution including retries",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120, 240},
			},
			[]string{"provider", "outcome"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portrait_circuit_breaker_state",
				Help: "Breaker state: 0 closed, 1 open, 2 half-open",
			},
			[]string{"name"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_circuit_breaker_transitions_total",
				Help: "Breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		rateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_rate_limit_denials_total",
				Help: "Requests denied by the rate limiter",
			},
			[]string{"class", "blocked"},
		),
		ledgerCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_ledger_commits_total",
				Help: "Quota ledger commit attempts",
			},
			[]string{"result"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_code_verifications_total",
				Help: "Access code verification attempts",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.generationsTotal,
		m.upstreamAttempts,
		m.upstreamDuration,
		m.breakerState,
		m.breakerTransitions,
		m.rateLimitDenials,
		m.ledgerCommits,
		m.verifications,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordHTTPRequest(route, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

func (m *Metrics) RecordGeneration(outcome, reason string) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) RecordUpstreamAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveUpstreamCall(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

func (m *Metrics) RecordRateLimitDenial(class string, blocked bool) {
	if m == nil {
		return
	}
	b := "false"
	if blocked {
		b = "true"
	}
	m.rateLimitDenials.WithLabelValues(class, b).Inc()
}

func (m *Metrics) RecordLedgerCommit(result string) {
	if m == nil {
		return
	}
	m.ledgerCommits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}
