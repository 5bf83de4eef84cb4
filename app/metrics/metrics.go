// Package metrics exposes Prometheus instrumentation for gateway session calls
// and the keepalive loop. A nil *Manager is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "ibkr_gateway"

// Call outcomes used as the "outcome" label.
const (
	OutcomeOK           = "ok"
	OutcomeUnreachable  = "unreachable"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRejected     = "rejected"
	OutcomeDecodeError  = "decode_error"
)

// Config holds configuration for creating a metrics Manager.
type Config struct {
	Namespace string // optional - defaults to DefaultNamespace
	// Registry is optional; a fresh registry with Go and process collectors
	// is created when nil.
	Registry *prometheus.Registry
}

// Manager owns the registry and every collector.
type Manager struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	ssoExpires    prometheus.Gauge
	authenticated prometheus.Gauge
	reinits       *prometheus.CounterVec
}

// New creates and registers all metrics.
func New(cfg Config) *Manager {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Manager{
		registry: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "requests_total",
				Help:      "Gateway session calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "request_duration_seconds",
				Help:      "Gateway session call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ssoExpires: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "sso_expires_milliseconds",
				Help:      "Remaining SSO validity reported by the last successful tickle",
			},
		),
		authenticated: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "session_authenticated",
				Help:      "1 when the last observed auth state was authenticated",
			},
		),
		reinits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "keepalive_reinit_total",
				Help:      "Session re-initializations attempted by the keepalive loop",
			},
			[]string{"result"},
		),
	}
}

// ObserveRequest records one finished gateway call.
func (m *Manager) ObserveRequest(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetSSOExpires records the remaining SSO validity.
func (m *Manager) SetSSOExpires(ms int64) {
	if m == nil {
		return
	}
	m.ssoExpires.Set(float64(ms))
}

// SetAuthenticated records the latest auth flag.
func (m *Manager) SetAuthenticated(authenticated bool) {
	if m == nil {
		return
	}
	if authenticated {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

// IncReinit counts a re-init attempt; result is "ok", "failed" or "exhausted".
func (m *Manager) IncReinit(result string) {
	if m == nil {
		return
	}
	m.reinits.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
