// Package ledger implements the question/answer ledger: questions are
// answered by an external collaborator (or arrive pre-answered), the
// record is persisted durably, and subscribers on the chat channel are
// notified best-effort after the commit.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/store"
)

// emptyAnswerPlaceholder is stored when the collaborator returns an
// empty completion, so the ledger never holds a blank answer.
const emptyAnswerPlaceholder = "(no response)"

// Answerer produces an answer for a question. Implementations must
// honor the context deadline.
type Answerer interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Metrics holds prometheus metrics for the ledger.
type Metrics struct {
	asked    *prometheus.CounterVec
	stored   prometheus.Counter
	upstream prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		asked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "questions_total",
			Help:      "Total ask-and-store requests per outcome",
		}, []string{"outcome"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "records_stored_total",
			Help:      "Total records committed to the ledger",
		}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "upstream_seconds",
			Help:      "Latency of upstream answering calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister("ledger", "questions", m.asked)
	registry.MustRegister("ledger", "records_stored", m.stored)
	registry.MustRegister("ledger", "upstream_seconds", m.upstream)

	return m
}

// Service exposes the two ledger entry points, ask-and-store and
// store-only, plus reads over the persisted history. A nil answerer
// disables ask-and-store without affecting the rest of the service.
type Service struct {
	store       *store.AnswerStore
	answerer    Answerer
	broadcaster *broadcast.Broadcaster
	chatChannel string
	logger      *slog.Logger
	metrics     *Metrics
}

// NewService creates a ledger service. Pass a nil answerer when no
// upstream credential is configured.
func NewService(s *store.AnswerStore, answerer Answerer, b *broadcast.Broadcaster, chatChannel string, logger *slog.Logger, registry *metric.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       s,
		answerer:    answerer,
		broadcaster: b,
		chatChannel: chatChannel,
		logger:      logger,
		metrics:     newMetrics(registry),
	}
}

// Ask obtains an answer from the collaborator, persists the pair, and
// notifies chat subscribers. The record is committed before the
// broadcast; a failed broadcast never loses the record. An empty
// completion is stored as a placeholder rather than rejected.
func (s *Service) Ask(ctx context.Context, question string) (store.AnswerRecord, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return store.AnswerRecord{}, errors.ErrEmptyQuestion
	}

	if s.answerer == nil {
		s.countAsk("disabled")
		return store.AnswerRecord{}, errors.ErrUpstreamDisabled
	}

	started := time.Now()
	answer, err := s.answerer.Ask(ctx, question)
	if s.metrics != nil {
		s.metrics.upstream.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		s.countAsk("upstream_error")
		s.logger.Warn("upstream answering call failed", "error", err)
		return store.AnswerRecord{}, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, err),
			"Service", "Ask", "upstream call")
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = emptyAnswerPlaceholder
	}

	record, err := s.commit(ctx, question, answer)
	if err != nil {
		s.countAsk("persistence_error")
		return store.AnswerRecord{}, err
	}

	s.countAsk("ok")
	return record, nil
}

// Store persists a pre-answered pair without consulting the upstream
// collaborator, then notifies chat subscribers.
func (s *Service) Store(ctx context.Context, question, answer string) (store.AnswerRecord, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return store.AnswerRecord{}, errors.ErrEmptyQuestion
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = emptyAnswerPlaceholder
	}

	return s.commit(ctx, question, answer)
}

// Recent returns up to limit records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]store.AnswerRecord, error) {
	return s.store.Recent(ctx, limit)
}

// Enabled reports whether ask-and-store can reach an upstream service.
func (s *Service) Enabled() bool {
	return s.answerer != nil
}

func (s *Service) commit(ctx context.Context, question, answer string) (store.AnswerRecord, error) {
	record, err := s.store.Append(ctx, question, answer)
	if err != nil {
		return store.AnswerRecord{}, err
	}
	if s.metrics != nil {
		s.metrics.stored.Inc()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("marshal ledger record", "id", record.ID, "error", err)
		return record, nil
	}
	s.broadcaster.Publish(s.chatChannel, payload)

	return record, nil
}

func (s *Service) countAsk(outcome string) {
	if s.metrics != nil {
		s.metrics.asked.WithLabelValues(outcome).Inc()
	}
}
