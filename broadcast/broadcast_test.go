package broadcast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/testutil"
)

func TestPublishDeliversToTransport(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	b := broadcast.New(transport, nil, metric.NewRegistry())

	b.Publish("/topic/public", []byte(`{"height":42.5}`))
	b.Publish("/topic/gps", []byte(`{"lat":1}`))

	frames := transport.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "/topic/public", frames[0].Channel)
	assert.JSONEq(t, `{"height":42.5}`, string(frames[0].Payload))
	assert.Equal(t, "/topic/gps", frames[1].Channel)
}

func TestPublishAbsorbsTransportFailure(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	transport.Err = assert.AnError
	b := broadcast.New(transport, nil, metric.NewRegistry())

	// Must not panic and must not surface the error in any way
	b.Publish("/topic/chat", []byte(`{}`))

	assert.Empty(t, transport.Frames())
}

func TestPublishOrderingPerSource(t *testing.T) {
	transport := testutil.NewCaptureTransport()
	b := broadcast.New(transport, nil, nil)

	for i := byte('a'); i <= 'e'; i++ {
		b.Publish("/topic/public", []byte{i})
	}

	frames := transport.FramesFor("/topic/public")
	require.Len(t, frames, 5)
	for i, frame := range frames {
		assert.Equal(t, []byte{byte('a' + i)}, frame.Payload)
	}
}

func TestNilRegistryIsAllowed(t *testing.T) {
	b := broadcast.New(testutil.NewCaptureTransport(), nil, nil)
	b.Publish("/topic/public", []byte(`{}`))
}
