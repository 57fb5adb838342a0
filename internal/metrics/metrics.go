package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dexwatch"

// Collector is a prometheus.Collector for the polling engine. A nil
// *Collector is valid and records nothing.
type Collector struct {
	activeLoops      prometheus.Gauge
	subscriptions    *prometheus.GaugeVec
	fetches          *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	overflowDropped  *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		activeLoops: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_poll_loops",
				Help:      "The number of running poll loops.",
			},
		),
		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions",
				Help:      "The number of registered subscriptions.",
			}, []string{"kind"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetches_total",
				Help:      "Snapshot fetches issued by poll loops.",
			}, []string{"kind", "result"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_duration_seconds",
				Help:      "The time taken by a snapshot fetch, retries included.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"kind"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "filter_decisions_total",
				Help:      "Change filter decisions by reason.",
			}, []string{"kind", "reason", "emitted"},
		),
		callbackFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "callback_failures_total",
				Help:      "Callbacks that returned an error or panicked.",
			}, []string{"kind"},
		),
		overflowDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subscription_overflow_total",
				Help:      "Pair subscriptions ignored because the chain was at capacity.",
			}, []string{"chain"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.activeLoops.Describe(ch)
	c.subscriptions.Describe(ch)
	c.fetches.Describe(ch)
	c.fetchDuration.Describe(ch)
	c.decisions.Describe(ch)
	c.callbackFailures.Describe(ch)
	c.overflowDropped.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.activeLoops.Collect(ch)
	c.subscriptions.Collect(ch)
	c.fetches.Collect(ch)
	c.fetchDuration.Collect(ch)
	c.decisions.Collect(ch)
	c.callbackFailures.Collect(ch)
	c.overflowDropped.Collect(ch)
}

// LoopStarted records a poll loop starting.
func (c *Collector) LoopStarted() {
	if c == nil {
		return
	}
	c.activeLoops.Inc()
}

// LoopStopped records a poll loop exiting.
func (c *Collector) LoopStopped() {
	if c == nil {
		return
	}
	c.activeLoops.Dec()
}

// SetSubscriptions sets the registered subscription count for a kind.
func (c *Collector) SetSubscriptions(kind string, n int) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(kind).Set(float64(n))
}

// ObserveFetch records one fetch and its outcome.
func (c *Collector) ObserveFetch(kind string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.fetches.WithLabelValues(kind, result).Inc()
	c.fetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveDecision records a change filter outcome.
func (c *Collector) ObserveDecision(kind, reason string, emitted bool) {
	if c == nil {
		return
	}
	label := "false"
	if emitted {
		label = "true"
	}
	c.decisions.WithLabelValues(kind, reason, label).Inc()
}

// CallbackFailed records a failed callback.
func (c *Collector) CallbackFailed(kind string) {
	if c == nil {
		return
	}
	c.callbackFailures.WithLabelValues(kind).Inc()
}

// OverflowDropped records pair subscriptions ignored at capacity.
func (c *Collector) OverflowDropped(chain string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.overflowDropped.WithLabelValues(chain).Add(float64(n))
}
