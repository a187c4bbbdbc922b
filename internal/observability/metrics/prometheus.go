// Package metrics provides Prometheus metrics for the eligibility services.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

const namespace = "bvb"

// Code outcomes recorded by CodesEvaluated
const (
	OutcomeBVB         = "bvb"
	OutcomeLHB         = "lhb"
	OutcomeNotEligible = "not_eligible"
	OutcomeNotFound    = "not_found"
)

// Metrics holds all application metrics
type Metrics struct {
	HTTPRequestDuration     *prometheus.HistogramVec
	EvaluationDuration      prometheus.Histogram
	CodesEvaluated          *prometheus.CounterVec
	RuleTableRules          *prometheus.GaugeVec
	RuleTableReloads        *prometheus.CounterVec
	RuleTableReloadDuration prometheus.Histogram
	RuleTableLoadedAt       prometheus.Gauge
	EventsPublished         *prometheus.CounterVec
	MessagesConsumed        *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec
	ConsumerLag             *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route pattern",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time to evaluate one patient context",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		CodesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_evaluated_total",
			Help:      "Diagnosis codes evaluated by outcome",
		}, []string{"outcome"}),
		RuleTableRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_table_rules",
			Help:      "Rules in the published table by eligibility kind",
		}, []string{"kind"}),
		RuleTableReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_table_reloads_total",
			Help:      "Rule table reload attempts",
		}, []string{"status"}),
		RuleTableReloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_table_reload_duration_seconds",
			Help:      "Rule table reload duration",
			Buckets:   prometheus.DefBuckets,
		}),
		RuleTableLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_table_loaded_timestamp_seconds",
			Help:      "Unix time the published table was built",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the broker",
		}, []string{"topic", "status"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages consumed from the broker",
		}, []string{"topic", "status"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_group_lag",
			Help:      "Records not yet consumed by the worker group",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.HTTPRequestDuration,
		m.EvaluationDuration,
		m.CodesEvaluated,
		m.RuleTableRules,
		m.RuleTableReloads,
		m.RuleTableReloadDuration,
		m.RuleTableLoadedAt,
		m.EventsPublished,
		m.MessagesConsumed,
		m.CircuitBreakerState,
		m.ConsumerLag,
	)

	return m
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveEvaluation records the outcome of every evaluated code
func (m *Metrics) ObserveEvaluation(results []eligibility.Result, d time.Duration) {
	m.EvaluationDuration.Observe(d.Seconds())
	for _, r := range results {
		m.CodesEvaluated.WithLabelValues(Outcome(r)).Inc()
	}
}

// Outcome classifies a result for CodesEvaluated
func Outcome(r eligibility.Result) string {
	switch {
	case r.Eligible && r.Kind == eligibility.KindBVB:
		return OutcomeBVB
	case r.Eligible && r.Kind == eligibility.KindLHB:
		return OutcomeLHB
	case r.NotFound():
		return OutcomeNotFound
	default:
		return OutcomeNotEligible
	}
}

// RuleTableReloaded implements ruletable.ReloadObserver
func (m *Metrics) RuleTableReloaded(table *eligibility.RuleTable, d time.Duration, err error) {
	m.RuleTableReloadDuration.Observe(d.Seconds())
	if err != nil {
		m.RuleTableReloads.WithLabelValues("failure").Inc()
		return
	}
	m.RuleTableReloads.WithLabelValues("success").Inc()

	stats := table.Stats()
	m.RuleTableRules.WithLabelValues(string(eligibility.KindBVB)).Set(float64(stats.BVB))
	m.RuleTableRules.WithLabelValues(string(eligibility.KindLHB)).Set(float64(stats.LHB))
	m.RuleTableRules.WithLabelValues(string(eligibility.KindNone)).Set(float64(stats.None))
	m.RuleTableLoadedAt.Set(float64(table.LoadedAt().Unix()))
}

// EventPublished records a publish attempt
func (m *Metrics) EventPublished(topic string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		if circuitbreaker.IsRejected(err) {
			status = "rejected"
		}
	}
	m.EventsPublished.WithLabelValues(topic, status).Inc()
}

// MessageConsumed records a consumed message with its handling status
func (m *Metrics) MessageConsumed(topic, status string) {
	m.MessagesConsumed.WithLabelValues(topic, status).Inc()
}

// SetBreakerStates mirrors circuit breaker states into the gauge
func (m *Metrics) SetBreakerStates(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler for g. A nil g uses the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WatchBreakers refreshes the breaker state gauge until ctx is done
func (m *Metrics) WatchBreakers(ctx context.Context, breakers *circuitbreaker.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		m.SetBreakerStates(breakers.HealthStatus())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SetConsumerLag mirrors the per-topic lag of the worker group
func (m *Metrics) SetConsumerLag(lag map[string]int64) {
	for topic, n := range lag {
		m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
	}
}
