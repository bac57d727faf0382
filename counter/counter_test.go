package counter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/counter"
	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/store"
	"github.com/gwonlab/fieldbridge/testutil"
)

func newTestService(t *testing.T, transport *testutil.CaptureTransport) *counter.Service {
	t.Helper()
	kv := testutil.NewFakeKV()
	b := broadcast.New(transport, nil, nil)
	return counter.NewService(store.NewCounterStore(kv), b,
		config.Default().Channels, nil, metric.NewRegistry())
}

func TestGetUnseenCounterIsZero(t *testing.T) {
	svc := newTestService(t, testutil.NewCaptureTransport())

	count, err := svc.Get(context.Background(), "booth-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIncrementReturnsCommittedValueAndBroadcasts(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	svc := newTestService(t, transport)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := svc.Increment(ctx, "booth-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	frames := transport.FramesFor("/topic/like/booth-1")
	require.Len(t, frames, 5)
	assert.JSONEq(t, `{"count":1}`, string(frames[0].Payload))
	assert.JSONEq(t, `{"count":5}`, string(frames[4].Payload))
}

func TestConcurrentIncrementsAllLand(t *testing.T) {
	const workers = 100

	transport := testutil.NewCaptureTransport()
	svc := newTestService(t, transport)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Increment(ctx, "booth-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}

	count, err := svc.Get(ctx, "booth-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), count)

	// Every commit produces exactly one broadcast
	assert.Len(t, transport.FramesFor("/topic/like/booth-1"), workers)
}

func TestIncrementBroadcastFailureDoesNotUndoCommit(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	transport.Err = fmt.Errorf("transport down")
	svc := newTestService(t, transport)
	ctx := context.Background()

	got, err := svc.Increment(ctx, "booth-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	count, err := svc.Get(ctx, "booth-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrementInvalidIDRejected(t *testing.T) {
	svc := newTestService(t, testutil.NewCaptureTransport())

	_, err := svc.Increment(context.Background(), "no spaces allowed")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCountersAreIndependent(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	svc := newTestService(t, transport)
	ctx := context.Background()

	_, err := svc.Increment(ctx, "booth-1")
	require.NoError(t, err)
	_, err = svc.Increment(ctx, "booth-2")
	require.NoError(t, err)

	one, err := svc.Get(ctx, "booth-1")
	require.NoError(t, err)
	two, err := svc.Get(ctx, "booth-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), one)
	assert.Equal(t, int64(1), two)

	assert.Len(t, transport.FramesFor("/topic/like/booth-1"), 1)
	assert.Len(t, transport.FramesFor("/topic/like/booth-2"), 1)
}
