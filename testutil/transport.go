package testutil

import (
	"sync"
)

// PublishedFrame is one captured transport publish.
type PublishedFrame struct {
	Channel string
	Payload []byte
}

// CaptureTransport records every publish for assertions. Setting Err
// makes Send fail, for exercising the fan-out failure boundary.
type CaptureTransport struct {
	mu     sync.Mutex
	frames []PublishedFrame

	Err error
}

// NewCaptureTransport creates an empty capture transport.
func NewCaptureTransport() *CaptureTransport {
	return &CaptureTransport{}
}

// Send implements broadcast.Transport.
func (c *CaptureTransport) Send(channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return c.Err
	}

	c.frames = append(c.frames, PublishedFrame{
		Channel: channel,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// Frames returns a copy of all captured publishes in order.
func (c *CaptureTransport) Frames() []PublishedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PublishedFrame(nil), c.frames...)
}

// FramesFor returns captured publishes for one channel, in order.
func (c *CaptureTransport) FramesFor(channel string) []PublishedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PublishedFrame
	for _, frame := range c.frames {
		if frame.Channel == channel {
			out = append(out, frame)
		}
	}
	return out
}
