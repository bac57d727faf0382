package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "CounterService", "Increment", "kv update")
	assert.EqualError(t, err, "CounterService.Increment: kv update failed: boom")
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "CounterService", "Increment", "kv update"))
}

func TestClassifiedWrapping(t *testing.T) {
	base := stderrors.New("boom")

	transient := WrapTransient(base, "Ledger", "Ask", "upstream call")
	assert.True(t, IsTransient(transient))
	assert.False(t, IsInvalid(transient))
	assert.Equal(t, ErrorTransient, Classify(transient))

	invalid := WrapInvalid(base, "Ledger", "Ask", "validate question")
	assert.True(t, IsInvalid(invalid))
	assert.False(t, IsTransient(invalid))
	assert.Equal(t, ErrorInvalid, Classify(invalid))

	fatal := WrapFatal(base, "Hub", "Start", "listen")
	assert.True(t, IsFatal(fatal))
	assert.Equal(t, ErrorFatal, Classify(fatal))
}

func TestClassifiedUnwrap(t *testing.T) {
	err := WrapTransient(ErrUpstreamUnavailable, "Ledger", "Ask", "upstream call")
	assert.True(t, stderrors.Is(err, ErrUpstreamUnavailable))

	var ce *ClassifiedError
	assert.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Ledger", ce.Component)
	assert.Equal(t, "Ask", ce.Operation)
}

func TestStandardVarsClassification(t *testing.T) {
	assert.True(t, IsInvalid(ErrEmptyQuestion))
	assert.True(t, IsInvalid(ErrEmptyText))
	assert.True(t, IsInvalid(ErrMalformedMessage))
	assert.True(t, IsTransient(ErrUpstreamUnavailable))
	assert.True(t, IsTransient(ErrPersistence))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("delete: %w", ErrKeyNotFound)))
	assert.False(t, IsNotFound(ErrEmptyText))
}

func TestTransientPatternMatching(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("request timeout")))
	assert.False(t, IsTransient(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
