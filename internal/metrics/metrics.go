// Package metrics exposes Prometheus instrumentation for Kestrel.
//
// Every Collector method is safe to call on a nil receiver, so components
// can be built without metrics in tests and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Collector owns a private registry and the engine's metrics.
type Collector struct {
	registry *prometheus.Registry

	analyses         *prometheus.CounterVec
	analysisFailures prometheus.Counter
	analysisDuration prometheus.Histogram
	fraudScore       prometheus.Histogram
	ruleTriggers     *prometheus.CounterVec
	ruleFailures     *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	ingested         *prometheus.CounterVec
}

// New creates a Collector. Metric names are prefixed with namespace.
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed fraud analyses by resulting risk level",
		}, []string{"risk_level"}),
		analysisFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Fraud analyses that returned an error",
		}),
		analysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time taken to analyze a transaction",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		fraudScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_score",
			Help:      "Distribution of aggregate fraud scores",
			Buckets:   []float64{0, 25, 50, 75, 90, 100},
		}),
		ruleTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Rule triggers by rule name",
		}, []string{"rule"}),
		ruleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rule evaluations that failed on configuration or lookup errors",
		}, []string{"rule"}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_rule_cache_requests_total",
			Help:      "Active-rule cache lookups by result",
		}, []string{"result"}),
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Transactions accepted for analysis by type",
		}, []string{"type"}),
	}
}

// ObserveAnalysis records a completed analysis.
func (c *Collector) ObserveAnalysis(level domain.RiskLevel, score float64, d time.Duration) {
	if c == nil {
		return
	}
	c.analyses.WithLabelValues(level.String()).Inc()
	c.fraudScore.Observe(score)
	c.analysisDuration.Observe(d.Seconds())
}

// AnalysisFailed records an analysis that returned an error.
func (c *Collector) AnalysisFailed() {
	if c == nil {
		return
	}
	c.analysisFailures.Inc()
}

// ObserveRules records the per-rule outcomes of one analysis.
func (c *Collector) ObserveRules(results []domain.RuleEvaluationResult) {
	if c == nil {
		return
	}
	for _, r := range results {
		switch {
		case r.Failed:
			c.ruleFailures.WithLabelValues(r.RuleName).Inc()
		case r.Triggered:
			c.ruleTriggers.WithLabelValues(r.RuleName).Inc()
		}
	}
}

// CacheHit records an active-rule cache hit.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss records an active-rule cache miss.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// TransactionIngested records an accepted transaction.
func (c *Collector) TransactionIngested(txType domain.TransactionType) {
	if c == nil {
		return
	}
	c.ingested.WithLabelValues(string(txType)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
