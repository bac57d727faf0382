// Package broker subscribes to the inbound MQTT feed and hands every
// delivery to a handler. It owns the connection lifecycle: connect,
// subscribe, resubscribe after a reconnect, and drain on shutdown.
package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/metric"
)

const disconnectQuiesceMillis = 250

// Handler receives one broker delivery. Implementations must not block;
// the paho client dispatches deliveries from its own goroutines.
type Handler func(topic string, payload []byte)

// Metrics holds prometheus metrics for the broker connection.
type Metrics struct {
	deliveries prometheus.Counter
	reconnects prometheus.Counter
	connLost   prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Total MQTT messages delivered to the handler",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total successful broker reconnects",
		}),
		connLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "connection_lost_total",
			Help:      "Total broker connection losses",
		}),
	}

	registry.MustRegister("broker", "deliveries", m.deliveries)
	registry.MustRegister("broker", "reconnects", m.reconnects)
	registry.MustRegister("broker", "connection_lost", m.connLost)

	return m
}

// Subscriber maintains the MQTT subscription feeding the bridge.
type Subscriber struct {
	cfg     config.Broker
	handler Handler
	logger  *slog.Logger
	metrics *Metrics

	client        mqtt.Client
	started       atomic.Bool
	connectedOnce atomic.Bool
}

// NewSubscriber creates a subscriber. Start must be called before any
// deliveries flow.
func NewSubscriber(cfg config.Broker, handler Handler, logger *slog.Logger, registry *metric.Registry) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: newMetrics(registry),
	}
}

// Start connects to the broker and subscribes to the configured topic
// filter. The subscription is re-established automatically after a
// reconnect because session state is not retained across connections.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Subscriber", "Start", "start")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.URL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return errors.WrapTransient(errors.ErrNotConnected, "Subscriber", "Start",
			"connect to broker timed out")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Subscriber", "Start", "connect to broker")
	}

	select {
	case <-ctx.Done():
		s.client.Disconnect(disconnectQuiesceMillis)
		return ctx.Err()
	default:
	}

	s.logger.Info("broker connected",
		"url", s.cfg.URL, "topic", s.cfg.Topic, "client_id", s.cfg.ClientID)
	return nil
}

// onConnect runs on every successful connect, including reconnects, so
// the subscription survives broker restarts.
func (s *Subscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if s.metrics != nil {
			s.metrics.deliveries.Inc()
		}
		s.handler(msg.Topic(), msg.Payload())
	})

	go func() {
		if !token.WaitTimeout(s.cfg.ConnectTimeout) || token.Error() != nil {
			s.logger.Error("broker subscribe failed",
				"topic", s.cfg.Topic, "error", token.Error())
			return
		}
		s.noteSubscribed()
		s.logger.Info("broker subscription active", "topic", s.cfg.Topic)
	}()
}

// noteSubscribed records a successful subscribe. The first one is the
// initial connect; only later ones count as reconnects.
func (s *Subscriber) noteSubscribed() {
	if !s.connectedOnce.Swap(true) {
		return
	}
	if s.metrics != nil {
		s.metrics.reconnects.Inc()
	}
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	if s.metrics != nil {
		s.metrics.connLost.Inc()
	}
	s.logger.Warn("broker connection lost", "error", err)
}

// IsConnected reports whether the broker connection is currently up.
func (s *Subscriber) IsConnected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// Close unsubscribes and disconnects, letting in-flight work quiesce.
func (s *Subscriber) Close() {
	if s.client == nil {
		return
	}
	if s.client.IsConnectionOpen() {
		token := s.client.Unsubscribe(s.cfg.Topic)
		token.WaitTimeout(time.Second)
	}
	s.client.Disconnect(disconnectQuiesceMillis)
	s.logger.Info("broker disconnected")
}
