// Package broadcast is the fan-out failure boundary between the bridge's
// durable operations and the push transport. Publishing is best-effort:
// transport failures are logged and counted, never surfaced to callers.
package broadcast

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/metric"
)

// Transport delivers a payload to all sessions subscribed to a channel.
// Implementations must be safe for concurrent Send calls from multiple
// sources and must isolate per-subscriber failures internally.
type Transport interface {
	Send(channel string, payload []byte) error
}

// Metrics holds prometheus metrics for the broadcaster.
type Metrics struct {
	published *prometheus.CounterVec
	failures  prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Total publish attempts handed to the push transport",
		}, []string{"outcome"}),

		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "transport_failures_total",
			Help:      "Total transport errors absorbed at the fan-out boundary",
		}),
	}

	registry.MustRegister("broadcast", "published", m.published)
	registry.MustRegister("broadcast", "transport_failures", m.failures)

	return m
}

// Broadcaster wraps a Transport so that publish failures cannot
// propagate into the ingest path, the counter service, or the ledger.
type Broadcaster struct {
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics
}

// New creates a broadcaster over the given transport.
func New(transport Transport, logger *slog.Logger, registry *metric.Registry) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		transport: transport,
		logger:    logger,
		metrics:   newMetrics(registry),
	}
}

// Publish hands the payload to the transport for the given channel.
// Zero subscribers is a silent no-op inside the transport. Errors are
// absorbed here; callers always see success.
func (b *Broadcaster) Publish(channel string, payload []byte) {
	if err := b.transport.Send(channel, payload); err != nil {
		b.logger.Warn("broadcast failed", "channel", channel, "error", err)
		if b.metrics != nil {
			b.metrics.published.WithLabelValues("error").Inc()
			b.metrics.failures.Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.published.WithLabelValues("ok").Inc()
	}
}
