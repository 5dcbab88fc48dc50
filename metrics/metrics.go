// Package metrics exposes Prometheus counters for message publication.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the bus metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	MessagesPublished *prometheus.CounterVec
	Deliveries        prometheus.Counter
	DeadMessages      prometheus.Counter
	Failures          prometheus.Counter
	QueuedBatches     prometheus.Gauge
	Subscriptions     prometheus.Gauge
}

// New registers the bus metrics with registerer, or with the default
// Prometheus registerer when nil.
func New(registerer prometheus.Registerer, namespace string) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "msgbus"
	}
	factory := promauto.With(registerer)

	return &Collector{
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of publish calls",
			},
			[]string{"arity", "mode"}, // mode: sync, async
		),
		Deliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of subscriptions handed a message",
			},
		),
		DeadMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_messages_total",
				Help:      "Total number of publications that matched no subscription",
			},
		),
		Failures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publication_errors_total",
				Help:      "Total number of publication errors reported",
			},
		),
		QueuedBatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_batches",
				Help:      "Number of delivery batches waiting in the async worker pool",
			},
		),
		Subscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions",
				Help:      "Number of live subscriptions",
			},
		),
	}
}

func (c *Collector) Published(arity int, mode string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(strconv.Itoa(arity), mode).Inc()
}

func (c *Collector) Delivered(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Deliveries.Add(float64(n))
}

func (c *Collector) Dead() {
	if c == nil {
		return
	}
	c.DeadMessages.Inc()
}

func (c *Collector) Failed() {
	if c == nil {
		return
	}
	c.Failures.Inc()
}

func (c *Collector) Enqueued() {
	if c == nil {
		return
	}
	c.QueuedBatches.Inc()
}

func (c *Collector) Dequeued() {
	if c == nil {
		return
	}
	c.QueuedBatches.Dec()
}

// SetSubscriptions records the current number of live subscriptions.
func (c *Collector) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.Subscriptions.Set(float64(n))
}
