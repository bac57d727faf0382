package bridge

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/metric"
)

// Publisher is the fan-out side of the bridge.
type Publisher interface {
	Publish(channel string, payload []byte)
}

// Metrics holds prometheus metrics for the ingest path.
type Metrics struct {
	received prometheus.Counter
	dropped  *prometheus.CounterVec
	routed   *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_received_total",
			Help:      "Total messages delivered by the broker",
		}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped before fan-out",
		}, []string{"reason"}),

		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_routed_total",
			Help:      "Total messages routed to a push channel",
		}, []string{"route"}),
	}

	registry.MustRegister("bridge", "messages_received", m.received)
	registry.MustRegister("bridge", "messages_dropped", m.dropped)
	registry.MustRegister("bridge", "messages_routed", m.routed)

	return m
}

// Bridge consumes broker deliveries one at a time and hands routed
// messages to the publisher. It holds no state between messages.
type Bridge struct {
	router    *Router
	publisher Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

// New creates a bridge.
func New(router *Router, publisher Publisher, logger *slog.Logger, registry *metric.Registry) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		router:    router,
		publisher: publisher,
		logger:    logger,
		metrics:   newMetrics(registry),
	}
}

// Handle processes one broker delivery. It never returns an error: a
// malformed delivery is dropped and counted, and fan-out failures stop
// at the publisher's boundary.
func (b *Bridge) Handle(topic string, payload []byte) {
	if b.metrics != nil {
		b.metrics.received.Inc()
	}

	c := b.router.Classify(topic, payload)
	if c.Drop {
		b.logger.Debug("dropped broker message without topic")
		if b.metrics != nil {
			b.metrics.dropped.WithLabelValues("missing_topic").Inc()
		}
		return
	}

	b.publisher.Publish(c.Channel, c.Payload)

	if b.metrics != nil {
		route := "public"
		if c.Channel == b.router.channels.GPS {
			route = "gps"
		}
		b.metrics.routed.WithLabelValues(route).Inc()
	}
}
