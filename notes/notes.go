// Package notes implements free-text note keeping: create, list newest
// first, and delete by id.
package notes

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/store"
)

// Metrics holds prometheus metrics for the notes service.
type Metrics struct {
	saved   prometheus.Counter
	deleted prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		saved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "notes",
			Name:      "saved_total",
			Help:      "Total notes saved",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "notes",
			Name:      "deleted_total",
			Help:      "Total notes deleted",
		}),
	}

	registry.MustRegister("notes", "saved", m.saved)
	registry.MustRegister("notes", "deleted", m.deleted)

	return m
}

// Service validates and persists notes.
type Service struct {
	store   *store.NoteStore
	logger  *slog.Logger
	metrics *Metrics
}

// NewService creates a notes service.
func NewService(s *store.NoteStore, logger *slog.Logger, registry *metric.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		logger:  logger,
		metrics: newMetrics(registry),
	}
}

// Save persists a new note. Whitespace-only text is rejected.
func (s *Service) Save(ctx context.Context, text string) (store.Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Note{}, errors.ErrEmptyText
	}

	note, err := s.store.Save(ctx, text)
	if err != nil {
		return store.Note{}, err
	}
	if s.metrics != nil {
		s.metrics.saved.Inc()
	}
	return note, nil
}

// List returns all notes, newest first.
func (s *Service) List(ctx context.Context) ([]store.Note, error) {
	return s.store.List(ctx)
}

// Delete removes a note by id. Returns ErrNotFound for unknown ids.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.deleted.Inc()
	}
	return nil
}
