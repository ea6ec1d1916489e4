// Package obs holds the Prometheus instrumentation for the trust core.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can construct independent
// instances without collision panics.
type Metrics struct {
	registry *prometheus.Registry

	Logins            *prometheus.CounterVec
	TokensIssued      *prometheus.CounterVec
	TokenVerifyFailed *prometheus.CounterVec
	Impersonation     *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	AuditEntries      prometheus.Counter
	EventsDropped     prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		Logins: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		TokensIssued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by kind.",
		}, []string{"kind"}),
		TokenVerifyFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "token_verify_failures_total",
			Help:      "Token verification failures by reason.",
		}, []string{"reason"}),
		Impersonation: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "impersonation_grants_total",
			Help:      "Impersonation grant lifecycle events.",
		}, []string{"action"}),
		RateLimited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		AuditEntries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "audit_entries_total",
			Help:      "Audit entries appended.",
		}),
		EventsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "events_dropped_total",
			Help:      "Domain events dropped due to bus backpressure.",
		}),
	}
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
