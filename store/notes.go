package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/natsclient"
)

// Note is one persisted free-text note.
type Note struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// NoteStore persists notes with generated monotonic ids. Unlike answer
// records, notes can be deleted.
type NoteStore struct {
	kv  KV
	now func() time.Time
}

// NewNoteStore creates a note store over a KV bucket.
func NewNoteStore(kv KV) *NoteStore {
	return &NoteStore{kv: kv, now: time.Now}
}

// Save persists a new note, assigning its id and creation time.
func (s *NoteStore) Save(ctx context.Context, text string) (Note, error) {
	id, err := nextID(ctx, s.kv)
	if err != nil {
		return Note{}, err
	}

	note := Note{
		ID:        id,
		Text:      text,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(note)
	if err != nil {
		return Note{}, errors.WrapFatal(err, "NoteStore", "Save", "marshal note")
	}

	if _, err := s.kv.Create(ctx, recordKey(id), data); err != nil {
		return Note{}, errors.WrapTransient(err, "NoteStore", "Save", "kv create")
	}

	return note, nil
}

// List returns all notes, newest first.
func (s *NoteStore) List(ctx context.Context) ([]Note, error) {
	keys, err := recordKeysDescending(ctx, s.kv)
	if err != nil {
		return nil, errors.WrapTransient(err, "NoteStore", "List", "kv keys")
	}

	notes := make([]Note, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				// Note deleted between Keys and Get
				continue
			}
			return nil, errors.WrapTransient(err, "NoteStore", "List", "kv get")
		}
		var note Note
		if err := json.Unmarshal(entry.Value, &note); err != nil {
			return nil, errors.WrapFatal(err, "NoteStore", "List", "unmarshal note")
		}
		notes = append(notes, note)
	}

	return notes, nil
}

// Delete removes a note by id. Returns ErrNotFound if the note does not
// exist. KV delete is a no-op on missing keys, so existence is checked
// with a read first.
func (s *NoteStore) Delete(ctx context.Context, id int64) error {
	key := recordKey(id)

	if _, err := s.kv.Get(ctx, key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.ErrNotFound
		}
		return errors.WrapTransient(err, "NoteStore", "Delete", "kv get")
	}

	if err := s.kv.Delete(ctx, key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.ErrNotFound
		}
		return errors.WrapTransient(err, "NoteStore", "Delete", "kv delete")
	}
	return nil
}
