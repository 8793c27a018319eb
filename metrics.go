package raven

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sentry_raven"
)

// metricsCollector implements prometheus.Collector interface. A nil
// collector ignores updates.
type metricsCollector struct {
	capturedEvents    atomic.Uint64 // Total events persisted for delivery
	successfulEvents  atomic.Uint64 // Total successfully sent events
	failedEvents      atomic.Uint64 // Total failed delivery attempts
	rateLimitedEvents atomic.Uint64 // Total attempts refused by the collector with 429
	skippedEvents     atomic.Uint64 // Total attempts deferred (offline or rate limited)
	listenerFailures  atomic.Uint64 // Total capture listener failures

	queueLength func() int

	capturedEventsDesc    *prometheus.Desc
	successfulEventsDesc  *prometheus.Desc
	failedEventsDesc      *prometheus.Desc
	rateLimitedEventsDesc *prometheus.Desc
	skippedEventsDesc     *prometheus.Desc
	listenerFailuresDesc  *prometheus.Desc
	queueLengthDesc       *prometheus.Desc

	// Vector metric for captured events by level
	eventsByLevel *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector(queueLength func() int) *metricsCollector {
	return &metricsCollector{
		queueLength: queueLength,

		capturedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "captured_events_total"),
			"Total number of events persisted for delivery",
			nil, nil),

		successfulEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "successful_events_total"),
			"Total number of successfully sent events",
			nil, nil),

		failedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_events_total"),
			"Total number of failed delivery attempts",
			nil, nil),

		rateLimitedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limited_events_total"),
			"Total number of delivery attempts rejected by the collector rate limit",
			nil, nil),

		skippedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deferred_events_total"),
			"Total number of delivery attempts deferred while offline or rate limited",
			nil, nil),

		listenerFailuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "listener_failures_total"),
			"Total number of capture listener failures",
			nil, nil),

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_events"),
			"Number of events waiting in the durable queue",
			nil, nil),

		eventsByLevel: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "events_by_level_total"),
				Help: "Total number of captured events by level",
			},
			[]string{"level"}),
	}
}

func (mc *metricsCollector) IncCapturedEvents(level Level) {
	if mc == nil {
		return
	}
	mc.capturedEvents.Add(1)
	if level == "" {
		level = "none"
	}
	mc.eventsByLevel.WithLabelValues(string(level)).Inc()
}

func (mc *metricsCollector) IncSuccessfulEvents() {
	if mc != nil {
		mc.successfulEvents.Add(1)
	}
}

func (mc *metricsCollector) IncFailedEvents() {
	if mc != nil {
		mc.failedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncRateLimitedEvents() {
	if mc != nil {
		mc.rateLimitedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncSkippedEvents() {
	if mc != nil {
		mc.skippedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncListenerFailures() {
	if mc != nil {
		mc.listenerFailures.Add(1)
	}
}

// snapshot returns the counters as TransportMetrics
func (mc *metricsCollector) snapshot() *TransportMetrics {
	if mc == nil {
		return &TransportMetrics{}
	}
	m := &TransportMetrics{
		EventsCaptured:  int64(mc.capturedEvents.Load()),
		EventsSent:      int64(mc.successfulEvents.Load()),
		EventsFailed:    int64(mc.failedEvents.Load()),
		EventsRateLimit: int64(mc.rateLimitedEvents.Load()),
	}
	if mc.queueLength != nil {
		m.QueueLength = mc.queueLength()
	}
	return m
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.capturedEventsDesc
	ch <- mc.successfulEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.rateLimitedEventsDesc
	ch <- mc.skippedEventsDesc
	ch <- mc.listenerFailuresDesc
	ch <- mc.queueLengthDesc

	mc.eventsByLevel.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	counters := []struct {
		desc  *prometheus.Desc
		value *atomic.Uint64
	}{
		{mc.capturedEventsDesc, &mc.capturedEvents},
		{mc.successfulEventsDesc, &mc.successfulEvents},
		{mc.failedEventsDesc, &mc.failedEvents},
		{mc.rateLimitedEventsDesc, &mc.rateLimitedEvents},
		{mc.skippedEventsDesc, &mc.skippedEvents},
		{mc.listenerFailuresDesc, &mc.listenerFailures},
	}
	for _, c := range counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value.Load()))
	}

	queueLength := 0
	if mc.queueLength != nil {
		queueLength = mc.queueLength()
	}
	ch <- prometheus.MustNewConstMetric(mc.queueLengthDesc, prometheus.GaugeValue, float64(queueLength))

	mc.eventsByLevel.Collect(ch)
}
