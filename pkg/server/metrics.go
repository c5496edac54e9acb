// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued    *prometheus.CounterVec
	policyDecisions *prometheus.CounterVec
	authFailures    prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry, so tests can
// create handlers without fighting over the default one.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umauth",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued, by grant type.",
		}, []string{"grant_type"}),
		policyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umauth",
			Name:      "policy_decisions_total",
			Help:      "UMA policy evaluations, by outcome.",
		}, []string{"result"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umauth",
			Name:      "client_auth_failures_total",
			Help:      "Failed client authentications.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umauth",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by path and status.",
		}, []string{"path", "status"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TokenIssued records a successful token issuance.
func (m *Metrics) TokenIssued(grantType string) {
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// PolicyDecision records a policy evaluation outcome.
func (m *Metrics) PolicyDecision(result string) {
	m.policyDecisions.WithLabelValues(result).Inc()
}

// AuthFailure records a failed client authentication.
func (m *Metrics) AuthFailure() {
	m.authFailures.Inc()
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware counts every request by route pattern and status. The chi route
// pattern keeps parameterized paths to one time series each.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		path := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		m.httpRequests.WithLabelValues(path, http.StatusText(rec.status)).Inc()
	})
}
