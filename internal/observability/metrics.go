// Package observability groups the Prometheus instruments used by the service.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments. A nil *Metrics is valid and
// records nothing, so wiring metrics stays optional in tests.
type Metrics struct {
	Generations  *prometheus.CounterVec
	LLMAttempts  *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics registers the instruments under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Generations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_generations_total",
			Help:      "Schema generation requests by terminal outcome.",
		}, []string{"outcome"}),
		LLMAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_attempts_total",
			Help:      "Individual LLM completion attempts by result.",
		}, []string{"result"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
}

// RecordGeneration counts a terminal generation outcome (done, invalid_input,
// validation_exceeded, rate_limit_exhausted, model_unavailable, error).
func (m *Metrics) RecordGeneration(outcome string) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(outcome).Inc()
}

// RecordLLMAttempt counts one completion attempt (ok, invalid, rate_limited,
// model_unavailable, transport_error).
func (m *Metrics) RecordLLMAttempt(result string) {
	if m == nil {
		return
	}
	m.LLMAttempts.WithLabelValues(result).Inc()
}

// RecordHTTPRequest counts one handled request.
func (m *Metrics) RecordHTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
