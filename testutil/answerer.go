package testutil

import (
	"context"
	"sync"
)

// FakeAnswerer is a canned answering collaborator.
type FakeAnswerer struct {
	mu        sync.Mutex
	questions []string

	Answer string
	Err    error
}

// Ask implements ledger.Answerer.
func (f *FakeAnswerer) Ask(_ context.Context, question string) (string, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.mu.Unlock()

	if f.Err != nil {
		return "", f.Err
	}
	return f.Answer, nil
}

// Questions returns the questions asked so far.
func (f *FakeAnswerer) Questions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}
