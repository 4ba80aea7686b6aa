//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package metrics exposes the Prometheus collectors. Metric names are part
// of the public contract; dashboards key on them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records everything the server measures. All methods are safe
// for concurrent use.
type Collector interface {
	ObserveRequest(endpoint, method string, status int, model string, latency time.Duration)
	AddTokens(direction, model, sessionID string, n int)
	SetActiveSessions(n int)
	IncToolExecution(toolName, status string)
	IncError(endpoint, errorType string)

	// Resilient-store hooks.
	SetRedisDegraded(degraded bool)
	IncRedisRecovered()

	// Circuit-breaker hooks.
	SetBreakerState(provider string, state int)
	IncBreakerTrips(provider string)
	IncBreakerRejections(provider string)
}

// Prometheus is the live collector.
type Prometheus struct {
	registry *prometheus.Registry

	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	tokenUsage         *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	toolExecutions     *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	redisDegraded      prometheus.Gauge
	redisRecovered     prometheus.Counter
	breakerState       *prometheus.GaugeVec
	breakerTrips       *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
}

// NewPrometheus creates the collector and registers every metric on a
// private registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_request_total",
			Help: "Requests handled, by endpoint, method, status and model.",
		}, []string{"endpoint", "method", "status", "model"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consoul_request_latency_seconds",
			Help:    "Request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		tokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_token_usage_total",
			Help: "Tokens consumed, by direction (input/output), model and session.",
		}, []string{"direction", "model", "session_id"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consoul_active_sessions",
			Help: "Sessions currently held open.",
		}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool_name", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_errors_total",
			Help: "Errors surfaced to clients, by endpoint and error type.",
		}, []string{"endpoint", "error_type"}),
		redisDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consoul_redis_degraded",
			Help: "1 while the session store runs on the in-memory fallback.",
		}),
		redisRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consoul_redis_recovered_total",
			Help: "Times the session store recovered back to Redis.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consoul_circuit_breaker_state",
			Help: "Circuit breaker state per provider: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_circuit_breaker_trips_total",
			Help: "Circuit breaker trips per provider.",
		}, []string{"provider"}),
		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consoul_circuit_breaker_rejections_total",
			Help: "Requests rejected while a breaker is open.",
		}, []string{"provider"}),
	}

	p.registry.MustRegister(
		p.requestTotal,
		p.requestLatency,
		p.tokenUsage,
		p.activeSessions,
		p.toolExecutions,
		p.errorsTotal,
		p.redisDegraded,
		p.redisRecovered,
		p.breakerState,
		p.breakerTrips,
		p.breakerRejections,
	)
	return p
}

// Handler serves the exposition endpoint.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveRequest implements Collector.
func (p *Prometheus) ObserveRequest(endpoint, method string, status int, model string, latency time.Duration) {
	p.requestTotal.WithLabelValues(endpoint, method, strconv.Itoa(status), model).Inc()
	p.requestLatency.WithLabelValues(endpoint, method).Observe(latency.Seconds())
}

// AddTokens implements Collector.
func (p *Prometheus) AddTokens(direction, model, sessionID string, n int) {
	if n <= 0 {
		return
	}
	p.tokenUsage.WithLabelValues(direction, model, sessionID).Add(float64(n))
}

// SetActiveSessions implements Collector.
func (p *Prometheus) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

// IncToolExecution implements Collector.
func (p *Prometheus) IncToolExecution(toolName, status string) {
	p.toolExecutions.WithLabelValues(toolName, status).Inc()
}

// IncError implements Collector.
func (p *Prometheus) IncError(endpoint, errorType string) {
	p.errorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// SetRedisDegraded implements Collector.
func (p *Prometheus) SetRedisDegraded(degraded bool) {
	if degraded {
		p.redisDegraded.Set(1)
		return
	}
	p.redisDegraded.Set(0)
}

// IncRedisRecovered implements Collector.
func (p *Prometheus) IncRedisRecovered() {
	p.redisRecovered.Inc()
}

// SetBreakerState implements Collector.
func (p *Prometheus) SetBreakerState(provider string, state int) {
	p.breakerState.WithLabelValues(provider).Set(float64(state))
}

// IncBreakerTrips implements Collector.
func (p *Prometheus) IncBreakerTrips(provider string) {
	p.breakerTrips.WithLabelValues(provider).Inc()
}

// IncBreakerRejections implements Collector.
func (p *Prometheus) IncBreakerRejections(provider string) {
	p.breakerRejections.WithLabelValues(provider).Inc()
}

// Noop discards every measurement. Used when metrics are disabled.
type Noop struct{}

// ObserveRequest implements Collector.
func (Noop) ObserveRequest(string, string, int, string, time.Duration) {}

// AddTokens implements Collector.
func (Noop) AddTokens(string, string, string, int) {}

// SetActiveSessions implements Collector.
func (Noop) SetActiveSessions(int) {}

// IncToolExecution implements Collector.
func (Noop) IncToolExecution(string, string) {}

// IncError implements Collector.
func (Noop) IncError(string, string) {}

// SetRedisDegraded implements Collector.
func (Noop) SetRedisDegraded(bool) {}

// IncRedisRecovered implements Collector.
func (Noop) IncRedisRecovered() {}

// SetBreakerState implements Collector.
func (Noop) SetBreakerState(string, int) {}

// IncBreakerTrips implements Collector.
func (Noop) IncBreakerTrips(string) {}

// IncBreakerRejections implements Collector.
func (Noop) IncBreakerRejections(string) {}

var (
	_ Collector = (*Prometheus)(nil)
	_ Collector = Noop{}
)
