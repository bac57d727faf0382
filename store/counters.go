package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/natsclient"
)

// CounterStore persists named non-negative counters. A key that has never
// been seen reads as zero; the only mutator is Add, so values are
// monotonically non-decreasing.
type CounterStore struct {
	kv KV
}

// NewCounterStore creates a counter store over a KV bucket.
func NewCounterStore(kv KV) *CounterStore {
	return &CounterStore{kv: kv}
}

// Get returns the persisted count for id, or 0 if the key is unseen.
func (s *CounterStore) Get(ctx context.Context, id string) (int64, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}

	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "CounterStore", "Get", "kv get")
	}

	count, err := parseCount(entry.Value)
	if err != nil {
		return 0, errors.WrapFatal(err, "CounterStore", "Get", "parse stored count")
	}
	return count, nil
}

// Add atomically adds delta to the counter and returns the committed
// value. The read-modify-write goes through a revision-checked CAS so
// concurrent callers never lose an increment.
func (s *CounterStore) Add(ctx context.Context, id string, delta int64) (int64, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}

	var committed int64
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		var count int64
		if len(current) > 0 {
			parsed, err := parseCount(current)
			if err != nil {
				return nil, err
			}
			count = parsed
		}
		committed = count + delta
		if committed < 0 {
			return nil, fmt.Errorf("counter %s would go negative", id)
		}
		return []byte(strconv.FormatInt(committed, 10)), nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "CounterStore", "Add", "kv update")
	}

	return committed, nil
}

func parseCount(value []byte) (int64, error) {
	count, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value %q: %w", value, err)
	}
	return count, nil
}
