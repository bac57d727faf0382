// Package counter implements the like counter service: race-free
// increments persisted through the counter store, with the committed
// value broadcast to the counter's push channel after every commit.
package counter

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/store"
)

// Metrics holds prometheus metrics for the counter service.
type Metrics struct {
	increments prometheus.Counter
	reads      prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		increments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "counter",
			Name:      "increments_total",
			Help:      "Total committed counter increments",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "counter",
			Name:      "reads_total",
			Help:      "Total counter reads",
		}),
	}

	registry.MustRegister("counter", "increments", m.increments)
	registry.MustRegister("counter", "reads", m.reads)

	return m
}

// countFrame is the payload broadcast after each committed increment.
type countFrame struct {
	Count int64 `json:"count"`
}

// Service exposes counter reads and increments. Writes commit to the
// store first; the broadcast afterwards is best-effort.
type Service struct {
	store       *store.CounterStore
	broadcaster *broadcast.Broadcaster
	channels    config.Channels
	logger      *slog.Logger
	metrics     *Metrics
}

// NewService creates a counter service.
func NewService(s *store.CounterStore, b *broadcast.Broadcaster, channels config.Channels, logger *slog.Logger, registry *metric.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       s,
		broadcaster: b,
		channels:    channels,
		logger:      logger,
		metrics:     newMetrics(registry),
	}
}

// Get returns the current count for id; an unseen id reads as zero.
func (s *Service) Get(ctx context.Context, id string) (int64, error) {
	count, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.reads.Inc()
	}
	return count, nil
}

// Increment adds one to the counter and returns the committed value.
// Concurrent increments for the same id all land: the store serializes
// them, so N callers observe N distinct values. Each commit is followed
// by a broadcast of the committed count to the counter's channel.
func (s *Service) Increment(ctx context.Context, id string) (int64, error) {
	count, err := s.store.Add(ctx, id, 1)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.increments.Inc()
	}

	payload, err := json.Marshal(countFrame{Count: count})
	if err != nil {
		// The commit already happened; an unmarshalable int64 cannot
		// occur, but the count must still be returned if it somehow does
		s.logger.Error("marshal count frame", "id", id, "error", err)
		return count, nil
	}
	s.broadcaster.Publish(s.channels.LikeChannel(id), payload)

	return count, nil
}
