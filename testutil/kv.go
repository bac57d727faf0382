// Package testutil provides in-process fakes for the bridge's external
// collaborators: the KV persistence layer, the push transport, and the
// answering service.
package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/gwonlab/fieldbridge/natsclient"
)

// FakeKV is an in-memory stand-in for a JetStream KV bucket. It honors
// the same revision semantics as the real bucket (Create conflicts on
// existing keys, revisions advance on every write) and is safe for
// concurrent use.
type FakeKV struct {
	mu       sync.Mutex
	data     map[string]fakeEntry
	revision uint64

	// Error injection - when set, the corresponding operation fails
	GetErr    error
	CreateErr error
	DeleteErr error
	KeysErr   error
	UpdateErr error
}

type fakeEntry struct {
	value    []byte
	revision uint64
}

// NewFakeKV creates an empty fake bucket.
func NewFakeKV() *FakeKV {
	return &FakeKV{data: make(map[string]fakeEntry)}
}

// Get implements store.KV.
func (f *FakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetErr != nil {
		return nil, f.GetErr
	}

	entry, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return &natsclient.KVEntry{Key: key, Value: value, Revision: entry.revision}, nil
}

// Create implements store.KV.
func (f *FakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return 0, f.CreateErr
	}

	if _, exists := f.data[key]; exists {
		return 0, natsclient.ErrKVKeyExists
	}
	f.revision++
	f.data[key] = fakeEntry{value: append([]byte(nil), value...), revision: f.revision}
	return f.revision, nil
}

// Delete implements store.KV.
func (f *FakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DeleteErr != nil {
		return f.DeleteErr
	}

	delete(f.data, key)
	return nil
}

// Keys implements store.KV. Keys are returned sorted for determinism.
func (f *FakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.KeysErr != nil {
		return nil, f.KeysErr
	}

	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// UpdateWithRetry implements store.KV. The whole read-modify-write runs
// under the bucket lock, which gives the same lost-update-free guarantee
// the real CAS loop provides.
func (f *FakeKV) UpdateWithRetry(_ context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateErr != nil {
		return f.UpdateErr
	}

	var current []byte
	if entry, ok := f.data[key]; ok {
		current = append([]byte(nil), entry.value...)
	}

	newValue, err := updateFn(current)
	if err != nil {
		return err
	}

	f.revision++
	f.data[key] = fakeEntry{value: append([]byte(nil), newValue...), revision: f.revision}
	return nil
}

// Value returns the raw stored value for a key, for assertions.
func (f *FakeKV) Value(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.value...), true
}

// Len returns the number of live keys.
func (f *FakeKV) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}
