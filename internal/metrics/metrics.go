// ============================================================================
// Beaver-Iterator Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose iterator, state machine and advisory metrics.
//
// Metric families:
//
//   1. Iterator counters (label: iterator)
//      - iterator_claims_total:            entities claimed
//      - iterator_claim_errors_total:      failed claim cycles
//      - iterator_processed_total:         handler runs (label: result)
//      - iterator_skipped_total:           claimed but not dispatched (label: reason)
//      - iterator_slo_violations_total:    delay/execution budget exceeded (label: kind)
//      - iterator_recovered_total:         entities repaired after a pause
//
//   2. Iterator histograms (label: iterator)
//      - iterator_scheduling_delay_seconds: due time to start of processing
//      - iterator_processing_seconds:       handler duration
//
//   3. Iterator gauges (label: iterator)
//      - iterator_in_flight:               handlers currently running
//
//   4. Domain
//      - analysis_state_machine_transitions_total (labels: from, to)
//      - advise_responses_total (label: type)
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation in tests.
//
// Example queries:
//
//   # handler error rate
//   rate(iterator_processed_total{result!="success"}[5m])
//
//   # 95th percentile scheduling delay
//   histogram_quantile(0.95, rate(iterator_scheduling_delay_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this process exports.
type Collector struct {
	claims        *prometheus.CounterVec
	claimErrors   *prometheus.CounterVec
	processed     *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	sloViolations *prometheus.CounterVec
	recovered     *prometheus.CounterVec

	schedulingDelay *prometheus.HistogramVec
	processing      *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec

	transitions *prometheus.CounterVec
	advice      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

var delayBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_claims_total",
			Help: "Entities claimed by the iterator",
		}, []string{"iterator"}),
		claimErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_claim_errors_total",
			Help: "Iterator cycles that failed",
		}, []string{"iterator"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_processed_total",
			Help: "Handler invocations by result",
		}, []string{"iterator", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_skipped_total",
			Help: "Claimed entities that were not dispatched",
		}, []string{"iterator", "reason"}),
		sloViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_slo_violations_total",
			Help: "Scheduling delay or execution time over budget",
		}, []string{"iterator", "kind"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iterator_recovered_total",
			Help: "Entities repaired after a maintenance pause",
		}, []string{"iterator"}),
		schedulingDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iterator_scheduling_delay_seconds",
			Help:    "Time between an entity's due time and the start of its processing",
			Buckets: delayBuckets,
		}, []string{"iterator"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iterator_processing_seconds",
			Help:    "Handler execution time",
			Buckets: delayBuckets,
		}, []string{"iterator"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iterator_in_flight",
			Help: "Handlers currently running",
		}, []string{"iterator"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_state_machine_transitions_total",
			Help: "Analysis state machine status transitions",
		}, []string{"from", "to"}),
		advice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advise_responses_total",
			Help: "Adviser responses produced, by advise type",
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.claims, c.claimErrors, c.processed, c.skipped, c.sloViolations, c.recovered,
		c.schedulingDelay, c.processing, c.inFlight, c.transitions, c.advice,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// ============================================================================
// Iterator
// ============================================================================

func (c *Collector) RecordClaim(iterator string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(iterator).Inc()
}

func (c *Collector) RecordClaimError(iterator string) {
	if c == nil {
		return
	}
	c.claimErrors.WithLabelValues(iterator).Inc()
}

// RecordProcessed counts a handler run; result is success, error or panic.
func (c *Collector) RecordProcessed(iterator, result string, took time.Duration) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(iterator, result).Inc()
	c.processing.WithLabelValues(iterator).Observe(took.Seconds())
}

// RecordSkipped counts a claimed entity that was not dispatched.
func (c *Collector) RecordSkipped(iterator, reason string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(iterator, reason).Inc()
}

func (c *Collector) ObserveSchedulingDelay(iterator string, delay time.Duration) {
	if c == nil {
		return
	}
	c.schedulingDelay.WithLabelValues(iterator).Observe(delay.Seconds())
}

// RecordSLOViolation counts a budget overrun; kind is delay or execution.
func (c *Collector) RecordSLOViolation(iterator, kind string) {
	if c == nil {
		return
	}
	c.sloViolations.WithLabelValues(iterator, kind).Inc()
}

func (c *Collector) RecordRecovered(iterator string, n int) {
	if c == nil {
		return
	}
	c.recovered.WithLabelValues(iterator).Add(float64(n))
}

func (c *Collector) AddInFlight(iterator string, delta int) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(iterator).Add(float64(delta))
}

// ============================================================================
// Domain
// ============================================================================

func (c *Collector) RecordTransition(from, to string) {
	if c == nil || from == to {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordAdvice(adviseType string) {
	if c == nil {
		return
	}
	c.advice.WithLabelValues(adviseType).Inc()
}

// ============================================================================
// Exposition
// ============================================================================

// Handler serves the registry this collector registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (c *Collector) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
