// Package metrics provides Prometheus instrumentation for the Talon server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only Talon metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the Talon server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ResolutionsTotal     *prometheus.CounterVec
	RuleEvaluationsTotal *prometheus.CounterVec
	RuleMatchesTotal     *prometheus.CounterVec

	RuleBaseCompilations  prometheus.Counter
	RuleBaseCompileErrors prometheus.Counter

	CouponRedemptionsTotal *prometheus.CounterVec

	AssignmentCacheHits   prometheus.Counter
	AssignmentCacheMisses prometheus.Counter
}

// New creates and registers all Talon metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_resolutions_total",
			Help: "Total number of assignment resolutions.",
		}, []string{"kind", "matched"}),

		RuleEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_rule_evaluations_total",
			Help: "Total number of rule base evaluations.",
		}, []string{"scenario"}),

		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_rule_matches_total",
			Help: "Total number of satisfied promotion rules.",
		}, []string{"scenario"}),

		RuleBaseCompilations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_rulebase_compilations_total",
			Help: "Total number of rule base compilations.",
		}),

		RuleBaseCompileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_rulebase_compile_errors_total",
			Help: "Total number of failed rule base compilations.",
		}),

		CouponRedemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_coupon_redemptions_total",
			Help: "Total number of coupon redemption attempts.",
		}, []string{"outcome"}),

		AssignmentCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_assignment_cache_hits_total",
			Help: "Total number of assignment candidate cache hits.",
		}),

		AssignmentCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_assignment_cache_misses_total",
			Help: "Total number of assignment candidate cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.RuleEvaluationsTotal,
		m.RuleMatchesTotal,
		m.RuleBaseCompilations,
		m.RuleBaseCompileErrors,
		m.CouponRedemptionsTotal,
		m.AssignmentCacheHits,
		m.AssignmentCacheMisses,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordResolution increments the resolution counter for one scope kind.
func (m *Metrics) RecordResolution(kind string, matched bool) {
	m.ResolutionsTotal.WithLabelValues(kind, strconv.FormatBool(matched)).Inc()
}

// RecordRuleEvaluation records one rule base evaluation and its match count.
func (m *Metrics) RecordRuleEvaluation(scenario string, matches int) {
	m.RuleEvaluationsTotal.WithLabelValues(scenario).Inc()
	m.RuleMatchesTotal.WithLabelValues(scenario).Add(float64(matches))
}

// RecordCouponRedemption increments the redemption counter with the outcome.
func (m *Metrics) RecordCouponRedemption(outcome string) {
	m.CouponRedemptionsTotal.WithLabelValues(outcome).Inc()
}

// IncCompilations increments the rule base compilation counter.
func (m *Metrics) IncCompilations() {
	m.RuleBaseCompilations.Inc()
}

// IncCompileErrors increments the failed compilation counter.
func (m *Metrics) IncCompileErrors() {
	m.RuleBaseCompileErrors.Inc()
}

// RecordAssignmentCache records one candidate cache lookup.
func (m *Metrics) RecordAssignmentCache(hit bool) {
	if hit {
		m.AssignmentCacheHits.Inc()
	} else {
		m.AssignmentCacheMisses.Inc()
	}
}
