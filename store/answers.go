package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/natsclient"
)

// AnswerRecord is one persisted question/answer pair. Records are
// append-only: never mutated or deleted by this subsystem.
type AnswerRecord struct {
	ID        int64     `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnswerStore persists answer records with generated monotonic ids.
type AnswerStore struct {
	kv  KV
	now func() time.Time
}

// NewAnswerStore creates an answer store over a KV bucket.
func NewAnswerStore(kv KV) *AnswerStore {
	return &AnswerStore{kv: kv, now: time.Now}
}

// Append persists a new record, assigning its id and creation time.
func (s *AnswerStore) Append(ctx context.Context, question, answer string) (AnswerRecord, error) {
	id, err := nextID(ctx, s.kv)
	if err != nil {
		return AnswerRecord{}, err
	}

	record := AnswerRecord{
		ID:        id,
		Question:  question,
		Answer:    answer,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return AnswerRecord{}, errors.WrapFatal(err, "AnswerStore", "Append", "marshal record")
	}

	if _, err := s.kv.Create(ctx, recordKey(id), data); err != nil {
		return AnswerRecord{}, errors.WrapTransient(err, "AnswerStore", "Append", "kv create")
	}

	return record, nil
}

// Recent returns up to limit records, newest first.
func (s *AnswerStore) Recent(ctx context.Context, limit int) ([]AnswerRecord, error) {
	keys, err := recordKeysDescending(ctx, s.kv)
	if err != nil {
		return nil, errors.WrapTransient(err, "AnswerStore", "Recent", "kv keys")
	}

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	records := make([]AnswerRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				// Key vanished between Keys and Get
				continue
			}
			return nil, errors.WrapTransient(err, "AnswerStore", "Recent", "kv get")
		}
		var record AnswerRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, errors.WrapFatal(err, "AnswerStore", "Recent", "unmarshal record")
		}
		records = append(records, record)
	}

	return records, nil
}

// recordKeysDescending lists record keys, newest id first. Zero-padded
// keys make lexicographic order match numeric order.
func recordKeysDescending(ctx context.Context, kv KV) ([]string, error) {
	all, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for _, key := range all {
		if len(key) > 7 && key[:7] == "record." {
			keys = append(keys, key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}
