// Package metrics defines Prometheus collectors for the bridge.
//
// Collectors live on a private registry owned by Metrics so tests and
// multiple service instances never collide on registration. Metric names use
// the twist_bridge_ prefix, _total for counters and _seconds for histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and every bridge collector.
// All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	webhooks         *prometheus.CounterVec
	dedupDecisions   *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	threadsCreated   *prometheus.CounterVec
	requeues         prometheus.Counter
	queueDepth       prometheus.Gauge
	deliveryLatency  *prometheus.HistogramVec
}

// New creates registry with bridge collectors plus Go and process collectors.
// Params: none.
// Returns: metrics set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twist_bridge_webhooks_total",
			Help: "Inbound GCP webhook calls by result.",
		}, []string{"result"}),
		dedupDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twist_bridge_dedup_decisions_total",
			Help: "Dedup store decisions by outcome.",
		}, []string{"decision"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twist_bridge_delivery_attempts_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twist_bridge_dead_letters_total",
			Help: "Dead-lettered delivery tasks by reason.",
		}, []string{"reason"}),
		threadsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twist_bridge_threads_created_total",
			Help: "Twist threads created by mode.",
		}, []string{"mode"}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twist_bridge_task_requeues_total",
			Help: "Tasks requeued after thread creation failed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twist_bridge_queue_depth",
			Help: "Delivery tasks queued or in flight.",
		}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twist_bridge_delivery_latency_seconds",
			Help:    "Time from webhook acceptance to terminal task state.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 180, 600},
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhooks,
		m.dedupDecisions,
		m.deliveryAttempts,
		m.deadLetters,
		m.threadsCreated,
		m.requeues,
		m.queueDepth,
		m.deliveryLatency,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
// Params: none.
// Returns: HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
// Params: none.
// Returns: registry or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WebhookHandled counts one inbound call by result (accepted, duplicate, unauthenticated, ...).
func (m *Metrics) WebhookHandled(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

// DedupDecision counts one accept call by decision (new, duplicate, error).
func (m *Metrics) DedupDecision(decision string) {
	if m == nil {
		return
	}
	m.dedupDecisions.WithLabelValues(decision).Inc()
}

// DeliveryAttempt counts one sink attempt by outcome.
func (m *Metrics) DeliveryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(outcome).Inc()
}

// DeadLettered counts one dead letter by reason.
func (m *Metrics) DeadLettered(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(reason).Inc()
}

// ThreadCreated counts one created thread by mode.
func (m *Metrics) ThreadCreated(mode string) {
	if m == nil {
		return
	}
	m.threadsCreated.WithLabelValues(mode).Inc()
}

// TaskRequeued counts one requeue.
func (m *Metrics) TaskRequeued() {
	if m == nil {
		return
	}
	m.requeues.Inc()
}

// QueueDepthAdd moves the queue depth gauge by delta.
func (m *Metrics) QueueDepthAdd(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

// ObserveDelivery records latency of a task reaching a terminal state.
// Params: outcome label (delivered, dead_lettered) and elapsed time.
// Returns: nothing.
func (m *Metrics) ObserveDelivery(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
