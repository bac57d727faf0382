// Package gateway exposes the bridge's HTTP surface: like counters, the
// question/answer ledger, notes, the WebSocket upgrade endpoint, health,
// and metrics.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/gwonlab/fieldbridge/counter"
	"github.com/gwonlab/fieldbridge/errors"
	"github.com/gwonlab/fieldbridge/ledger"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/notes"
)

const (
	maxRequestSize         = 64 * 1024
	requestTimeout         = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultChatLimit = 20
	maxChatLimit     = 100

	// Upstream ask calls are the expensive path; everything else is
	// limited only by the listener.
	askRatePerSecond = 2
	askBurst         = 5
)

// HealthProbe reports whether one external dependency is reachable.
type HealthProbe func() bool

// Metrics holds prometheus metrics for the HTTP surface.
type Metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total HTTP requests per route and status class",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "request_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister("gateway", "requests", m.requests)
	registry.MustRegister("gateway", "request_seconds", m.duration)

	return m
}

// Server is the HTTP gateway.
type Server struct {
	addr     string
	counters *counter.Service
	ledger   *ledger.Service
	notes    *notes.Service
	logger   *slog.Logger
	metrics  *Metrics

	askLimiter      *rate.Limiter
	probes          map[string]HealthProbe
	shutdownTimeout time.Duration

	httpServer *http.Server
}

// NewServer assembles the gateway. The push handler serves the WebSocket
// upgrade endpoint; the metrics handler serves the scrape endpoint. A
// non-positive shutdown timeout falls back to the default.
func NewServer(addr string, counters *counter.Service, ledgerSvc *ledger.Service, notesSvc *notes.Service,
	pushHandler, metricsHandler http.Handler, probes map[string]HealthProbe,
	shutdownTimeout time.Duration, logger *slog.Logger, registry *metric.Registry) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		addr:            addr,
		counters:        counters,
		ledger:          ledgerSvc,
		notes:           notesSvc,
		logger:          logger,
		metrics:         newMetrics(registry),
		askLimiter:      rate.NewLimiter(rate.Limit(askRatePerSecond), askBurst),
		probes:          probes,
		shutdownTimeout: shutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/like/{id}", s.instrument("like_get", s.handleLikeGet))
	mux.HandleFunc("POST /api/like/{id}", s.instrument("like_post", s.handleLikePost))
	mux.HandleFunc("POST /api/chat", s.instrument("chat_post", s.handleChatPost))
	mux.HandleFunc("GET /api/chat", s.instrument("chat_get", s.handleChatGet))
	mux.HandleFunc("POST /api/notes", s.instrument("notes_post", s.handleNotePost))
	mux.HandleFunc("GET /api/notes", s.instrument("notes_get", s.handleNoteList))
	mux.HandleFunc("DELETE /api/notes/{id}", s.instrument("notes_delete", s.handleNoteDelete))
	mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealth))
	if pushHandler != nil {
		mux.Handle("/ws", pushHandler)
	}
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe runs the server until the context is canceled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http gateway listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.WrapFatal(err, "Server", "ListenAndServe", "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "ListenAndServe", "shutdown")
	}
	return nil
}

// instrument wraps a handler with the cross-cutting request plumbing:
// request id, CORS, timeout, size limit, and metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		applyCORS(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)

		if s.metrics != nil {
			s.metrics.requests.WithLabelValues(route,
				fmt.Sprintf("%dxx", recorder.status/100)).Inc()
			s.metrics.duration.Observe(time.Since(started).Seconds())
		}
		s.logger.Debug("request handled",
			"route", route, "status", recorder.status,
			"request_id", requestID, "duration", time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// getOrGenerateRequestID extracts the request ID from headers or
// generates a new one for tracing across the gateway's logs.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// mapErrorToHTTPStatus maps the bridge's failure taxonomy to status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrUpstreamDisabled):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe client-facing message. Input errors are
// shown verbatim; everything else is collapsed so internals never leak.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.IsNotFound(err):
		return "resource not found"
	case errors.IsInvalid(err):
		return unwrapMessage(err)
	case stderrors.Is(err, errors.ErrUpstreamDisabled):
		return errors.ErrUpstreamDisabled.Error()
	case stderrors.Is(err, errors.ErrUpstreamUnavailable):
		return errors.ErrUpstreamUnavailable.Error()
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

// unwrapMessage digs out the innermost message for client-facing input
// errors, dropping the component.method wrapping.
func unwrapMessage(err error) string {
	for {
		inner := stderrors.Unwrap(err)
		if inner == nil {
			return err.Error()
		}
		err = inner
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path, "status", status, "error", err)
	}
	writeErrorStatus(w, status, sanitizeError(err))
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": status,
	})
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.WrapInvalid(fmt.Errorf("malformed request body"),
			"Server", "decodeBody", "decode json")
	}
	return nil
}

// --- like counters ---

type likeResponse struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

func (s *Server) handleLikeGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	count, err := s.counters.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likeResponse{ID: id, Count: count})
}

func (s *Server) handleLikePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	count, err := s.counters.Increment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likeResponse{ID: id, Count: count})
}

// --- question/answer ledger ---

type chatRequest struct {
	Question string  `json:"question"`
	Answer   *string `json:"answer"`
}

// handleChatPost dispatches on the request shape: a bare question goes
// through ask-and-store; a question with an answer field is stored as-is.
func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Answer != nil {
		record, err := s.ledger.Store(r.Context(), req.Question, *req.Answer)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
		return
	}

	if !s.askLimiter.Allow() {
		writeErrorStatus(w, http.StatusTooManyRequests, "too many questions, slow down")
		return
	}

	record, err := s.ledger.Ask(r.Context(), req.Question)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, errors.WrapInvalid(
				fmt.Errorf("invalid limit %q", raw), "Server", "handleChatGet", "parse limit"))
			return
		}
		limit = min(parsed, maxChatLimit)
	}

	records, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- notes ---

type noteRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleNotePost(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Save(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleNoteList(w http.ResponseWriter, r *http.Request) {
	listed, err := s.notes.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

func (s *Server) handleNoteDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, errors.WrapInvalid(
			fmt.Errorf("invalid note id"), "Server", "handleNoteDelete", "parse id"))
		return
	}

	if err := s.notes.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- health ---

type healthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]bool, len(s.probes))
	healthy := true
	for name, probe := range s.probes {
		up := probe()
		checks[name] = up
		healthy = healthy && up
	}

	status := http.StatusOK
	resp := healthResponse{Status: "ok", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
