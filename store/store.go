// Package store implements the bridge's persistence on JetStream KV
// buckets: like counters, the append-only answer ledger, and notes.
// All authoritative state lives in the buckets; the stores hold no
// copies across calls.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/natsclient"
)

// KV is the subset of natsclient.KVStore the stores depend on.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

var _ KV = (*natsclient.KVStore)(nil)

// validKey matches the characters NATS KV accepts in a key token.
var validKey = regexp.MustCompile(`^[-_=.a-zA-Z0-9]+$`)

// ValidateID checks a caller-supplied id for use as a KV key token.
func ValidateID(id string) error {
	if id == "" || !validKey.MatchString(id) {
		return errors.WrapInvalid(fmt.Errorf("invalid id %q", id),
			"store", "ValidateID", "validate key")
	}
	return nil
}

// seqKey holds the last allocated record id in ledger-style buckets.
const seqKey = "seq"

// recordKey formats a record id as a sortable, zero-padded KV key.
func recordKey(id int64) string {
	return fmt.Sprintf("record.%012d", id)
}

// nextID allocates the next monotonic id in a bucket via CAS on seqKey.
func nextID(ctx context.Context, kv KV) (int64, error) {
	var id int64
	err := kv.UpdateWithRetry(ctx, seqKey, func(current []byte) ([]byte, error) {
		var last int64
		if len(current) > 0 {
			parsed, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt sequence value %q: %w", current, err)
			}
			last = parsed
		}
		id = last + 1
		return []byte(strconv.FormatInt(id, 10)), nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "nextID", "allocate id")
	}
	return id, nil
}
