// Package bridge classifies inbound broker messages and fans them out to
// the push transport's channels.
package bridge

import (
	"encoding/json"
	"strings"

	"github.com/gwonlab/fieldbridge/config"
)

// gpsTopicPrefix marks telemetry that carries device GPS positions.
const gpsTopicPrefix = "move/gps"

// Classification is the routing decision for one inbound message.
type Classification struct {
	Channel string
	Payload []byte
	Drop    bool
}

// Router decides the destination channel and payload shape for inbound
// messages. Classify is a pure function: no I/O, no side effects.
type Router struct {
	channels config.Channels
}

// NewRouter creates a router publishing to the given channels.
func NewRouter(channels config.Channels) *Router {
	return &Router{channels: channels}
}

// Classify routes one message.
//
// An empty topic means a malformed broker delivery; the message is
// dropped. Topics under move/gps go to the GPS channel wrapped in an
// envelope carrying the original topic, so clients can tell publishers
// apart. Everything else flows to the public channel unchanged.
func (r *Router) Classify(topic string, payload []byte) Classification {
	if topic == "" {
		return Classification{Drop: true}
	}

	if strings.HasPrefix(topic, gpsTopicPrefix) {
		return Classification{
			Channel: r.channels.GPS,
			Payload: gpsEnvelope(topic, payload),
		}
	}

	return Classification{
		Channel: r.channels.Public,
		Payload: payload,
	}
}

// envelope is the GPS wire wrapper: the original topic alongside the
// original payload as a nested JSON value.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// gpsEnvelope builds the envelope with structured JSON construction.
// Payloads that are not valid JSON are embedded as a JSON string rather
// than corrupting the envelope.
func gpsEnvelope(topic string, payload []byte) []byte {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			quoted = []byte(`""`)
		}
		raw = quoted
	}

	data, err := json.Marshal(envelope{Topic: topic, Payload: raw})
	if err != nil {
		// Marshal of a struct with valid RawMessage cannot fail; keep the
		// compiler honest without surprising the caller.
		return []byte(`{}`)
	}
	return data
}
