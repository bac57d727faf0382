// Package push implements the session-oriented push transport: a
// WebSocket hub where browser sessions subscribe to named channels and
// receive frames published by the bridge, the counter service, and the
// answer ledger.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/metric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 64
)

// controlFrame is what clients send: subscribe/unsubscribe requests.
type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// pushFrame is what subscribers receive.
type pushFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// encodeFrame builds the outbound frame. Payloads that are not valid
// JSON are embedded as a JSON string so the frame itself stays parseable.
func encodeFrame(channel string, payload []byte) ([]byte, error) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(pushFrame{Channel: channel, Payload: raw})
}

// Metrics holds prometheus metrics for the hub.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	framesSent     prometheus.Counter
	framesDropped  *prometheus.CounterVec
	subscriptions  prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "push",
			Name:      "sessions_active",
			Help:      "Number of connected WebSocket sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "push",
			Name:      "sessions_total",
			Help:      "Total WebSocket sessions accepted",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "push",
			Name:      "frames_sent_total",
			Help:      "Total frames queued to subscriber sessions",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "push",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped per reason",
		}, []string{"reason"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "push",
			Name:      "subscriptions_active",
			Help:      "Number of live channel subscriptions",
		}),
	}

	registry.MustRegister("push", "sessions_active", m.sessionsActive)
	registry.MustRegister("push", "sessions_total", m.sessionsTotal)
	registry.MustRegister("push", "frames_sent", m.framesSent)
	registry.MustRegister("push", "frames_dropped", m.framesDropped)
	registry.MustRegister("push", "subscriptions_active", m.subscriptions)

	return m
}

// Hub owns the live session set and the per-channel subscriber sets.
// The bridge side only calls Send; sessions come and go through the
// HTTP upgrade handler.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *Metrics

	mu       sync.RWMutex
	sessions map[string]*session
	channels map[string]map[string]*session

	closed atomic.Bool
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger, registry *metric.Registry) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the fronting site; origin
			// enforcement belongs to the proxy layer
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		metrics:  newMetrics(registry),
		sessions: make(map[string]*session),
		channels: make(map[string]map[string]*session),
	}
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	hub       *Hub
	closeOnce sync.Once
}

// ServeHTTP upgrades the request to a WebSocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		hub:  h,
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.sessionsTotal.Inc()
		h.metrics.sessionsActive.Inc()
	}
	h.logger.Debug("session connected", "session", s.id, "remote", r.RemoteAddr)

	go s.writePump()
	go s.readPump()
}

// Send delivers a payload to every session subscribed to the channel.
// Zero subscribers is a no-op. A slow or broken session loses the frame
// (and eventually its connection); other subscribers are unaffected.
func (h *Hub) Send(channel string, payload []byte) error {
	if h.closed.Load() {
		return errors.WrapTransient(errors.ErrNotConnected, "Hub", "Send", "hub closed")
	}

	h.mu.RLock()
	subscribers := make([]*session, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		subscribers = append(subscribers, s)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return nil
	}

	frame, err := encodeFrame(channel, payload)
	if err != nil {
		return errors.WrapInvalid(err, "Hub", "Send", "encode frame")
	}

	for _, s := range subscribers {
		select {
		case s.send <- frame:
			if h.metrics != nil {
				h.metrics.framesSent.Inc()
			}
		default:
			// Session can't keep up; drop the frame for this session only
			if h.metrics != nil {
				h.metrics.framesDropped.WithLabelValues("backpressure").Inc()
			}
			h.logger.Debug("dropped frame for slow session",
				"session", s.id, "channel", channel)
		}
	}

	return nil
}

// Subscribers returns the number of sessions subscribed to a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects all sessions and rejects new ones.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) subscribe(s *session, channel string) {
	if channel == "" {
		return
	}

	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*session)
	}
	_, already := h.channels[channel][s.id]
	h.channels[channel][s.id] = s
	h.mu.Unlock()

	if !already && h.metrics != nil {
		h.metrics.subscriptions.Inc()
	}
	h.logger.Debug("session subscribed", "session", s.id, "channel", channel)
}

func (h *Hub) unsubscribe(s *session, channel string) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	var removed bool
	if ok {
		if _, removed = subs[s.id]; removed {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()

	if removed && h.metrics != nil {
		h.metrics.subscriptions.Dec()
	}
}

// drop removes the session from the hub and every channel it joined.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)

	var removedSubs int
	for channel, subs := range h.channels {
		if _, ok := subs[s.id]; ok {
			delete(subs, s.id)
			removedSubs++
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.sessionsActive.Dec()
		for i := 0; i < removedSubs; i++ {
			h.metrics.subscriptions.Dec()
		}
	}
	h.logger.Debug("session disconnected", "session", s.id)
}

// close removes the session from the hub and stops its writer. The send
// channel is never closed so concurrent Send calls can't panic; frames
// queued after close are simply never read.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.hub.drop(s)
		close(s.done)
	})
}

// readPump consumes control frames until the connection dies.
func (s *session) readPump() {
	defer func() {
		s.close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("session read error", "session", s.id, "error", err)
			}
			return
		}

		var ctrl controlFrame
		if err := json.Unmarshal(data, &ctrl); err != nil {
			s.hub.logger.Debug("ignoring malformed control frame", "session", s.id)
			continue
		}

		switch ctrl.Type {
		case "subscribe":
			s.hub.subscribe(s, ctrl.Channel)
		case "unsubscribe":
			s.hub.unsubscribe(s, ctrl.Channel)
		default:
			s.hub.logger.Debug("ignoring unknown control type",
				"session", s.id, "type", ctrl.Type)
		}
	}
}

// writePump is the session's single writer goroutine. One writer per
// connection keeps per-channel ordering and satisfies gorilla's
// single-writer requirement.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
