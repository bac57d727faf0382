package bridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwonlab/fieldbridge/bridge"
	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/testutil"
)

func newTestBridge(t *testing.T, transport *testutil.CaptureTransport) *bridge.Bridge {
	t.Helper()
	registry := metric.NewRegistry()
	channels := config.Default().Channels
	b := broadcast.New(transport, nil, registry)
	return bridge.New(bridge.NewRouter(channels), b, nil, registry)
}

func TestHandleGPSDelivery(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	br := newTestBridge(t, transport)

	br.Handle("move/gps/unit1", []byte(`{"lat":1,"lng":2}`))

	frames := transport.FramesFor("/topic/gps")
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"topic":"move/gps/unit1","payload":{"lat":1,"lng":2}}`,
		string(frames[0].Payload))
}

func TestHandleOtherDeliveryPassesThrough(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	br := newTestBridge(t, transport)

	br.Handle("sensors/bin7", []byte(`{"height":42.5}`))

	frames := transport.FramesFor("/topic/public")
	require.Len(t, frames, 1)
	assert.Equal(t, `{"height":42.5}`, string(frames[0].Payload))
}

func TestHandleEmptyTopicNeverPublishes(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	br := newTestBridge(t, transport)

	br.Handle("", []byte(`{"lat":1}`))

	assert.Empty(t, transport.Frames())
}

func TestHandleTransportFailureDoesNotPanic(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	transport.Err = assert.AnError
	br := newTestBridge(t, transport)

	br.Handle("sensors/bin7", []byte(`{"height":42.5}`))
	br.Handle("move/gps/unit1", []byte(`{"lat":1}`))
}

func TestHandlePreservesPerChannelOrder(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	br := newTestBridge(t, transport)

	br.Handle("sensors/a", []byte(`1`))
	br.Handle("sensors/a", []byte(`2`))
	br.Handle("sensors/a", []byte(`3`))

	frames := transport.FramesFor("/topic/public")
	require.Len(t, frames, 3)
	assert.Equal(t, "1", string(frames[0].Payload))
	assert.Equal(t, "2", string(frames[1].Payload))
	assert.Equal(t, "3", string(frames[2].Payload))
}
