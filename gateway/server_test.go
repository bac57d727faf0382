package gateway_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/counter"
	"github.com/gwonlab/fieldbridge/gateway"
	"github.com/gwonlab/fieldbridge/ledger"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/notes"
	"github.com/gwonlab/fieldbridge/store"
	"github.com/gwonlab/fieldbridge/testutil"
)

type fixture struct {
	server    *gateway.Server
	transport *testutil.CaptureTransport
	answerer  *testutil.FakeAnswerer
}

func newFixture(t *testing.T, answerer ledger.Answerer) *fixture {
	t.Helper()

	registry := metric.NewRegistry()
	channels := config.Default().Channels
	transport := testutil.NewCaptureTransport()
	b := broadcast.New(transport, nil, registry)

	counters := counter.NewService(store.NewCounterStore(testutil.NewFakeKV()),
		b, channels, nil, registry)
	ledgerSvc := ledger.NewService(store.NewAnswerStore(testutil.NewFakeKV()),
		answerer, b, channels.Chat, nil, registry)
	notesSvc := notes.NewService(store.NewNoteStore(testutil.NewFakeKV()),
		nil, registry)

	probes := map[string]gateway.HealthProbe{
		"broker": func() bool { return true },
	}

	fake, _ := answerer.(*testutil.FakeAnswerer)
	return &fixture{
		server: gateway.NewServer(":0", counters, ledgerSvc, notesSvc,
			nil, registry.Handler(), probes, 0, nil, registry),
		transport: transport,
		answerer:  fake,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLikeGetUnseenIsZero(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/like/booth-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"booth-1","count":0}`, rec.Body.String())
}

func TestLikePostSequenceAndBroadcast(t *testing.T) {
	f := newFixture(t, nil)

	for want := 1; want <= 5; want++ {
		rec := f.do(t, http.MethodPost, "/api/like/booth-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t,
			fmt.Sprintf(`{"id":"booth-1","count":%d}`, want), rec.Body.String())
	}

	assert.Len(t, f.transport.FramesFor("/topic/like/booth-1"), 5)
}

func TestLikeInvalidIDIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/like/bad%20id", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":400`)
}

func TestChatAskRoundTrip(t *testing.T) {
	f := newFixture(t, &testutil.FakeAnswerer{Answer: "nine sharp"})

	rec := f.do(t, http.MethodPost, "/api/chat", `{"question":"opening time?"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	record := decode[store.AnswerRecord](t, rec)
	assert.Equal(t, "opening time?", record.Question)
	assert.Equal(t, "nine sharp", record.Answer)
	assert.Equal(t, []string{"opening time?"}, f.answerer.Questions())

	assert.Len(t, f.transport.FramesFor("/topic/chat"), 1)
}

func TestChatStoreOnlySkipsUpstream(t *testing.T) {
	f := newFixture(t, &testutil.FakeAnswerer{Answer: "unused"})

	rec := f.do(t, http.MethodPost, "/api/chat",
		`{"question":"prerecorded?","answer":"yes indeed"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	record := decode[store.AnswerRecord](t, rec)
	assert.Equal(t, "yes indeed", record.Answer)
	assert.Empty(t, f.answerer.Questions())
}

func TestChatEmptyQuestionIsBadRequest(t *testing.T) {
	f := newFixture(t, &testutil.FakeAnswerer{Answer: "x"})

	rec := f.do(t, http.MethodPost, "/api/chat", `{"question":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "question required")
}

func TestChatMalformedBodyIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatAskWithoutCredentialIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chat", `{"question":"anyone?"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatAskUpstreamFailureIsBadGateway(t *testing.T) {
	f := newFixture(t, &testutil.FakeAnswerer{Err: fmt.Errorf("upstream 500")})

	rec := f.do(t, http.MethodPost, "/api/chat", `{"question":"hello?"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatRecentWithLimit(t *testing.T) {
	f := newFixture(t, nil)

	for i := 1; i <= 4; i++ {
		rec := f.do(t, http.MethodPost, "/api/chat",
			fmt.Sprintf(`{"question":"q%d","answer":"a%d"}`, i, i))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/chat?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	records := decode[[]store.AnswerRecord](t, rec)
	require.Len(t, records, 2)
	assert.Equal(t, "q4", records[0].Question)
	assert.Equal(t, "q3", records[1].Question)
}

func TestChatRecentInvalidLimitIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	for _, limit := range []string{"0", "-1", "abc"} {
		rec := f.do(t, http.MethodGet, "/api/chat?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", limit)
	}
}

func TestNotesLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	created := f.do(t, http.MethodPost, "/api/notes", `{"text":"check the cables"}`)
	require.Equal(t, http.StatusCreated, created.Code)
	note := decode[store.Note](t, created)

	listed := f.do(t, http.MethodGet, "/api/notes", "")
	require.Equal(t, http.StatusOK, listed.Code)
	require.Len(t, decode[[]store.Note](t, listed), 1)

	deleted := f.do(t, http.MethodDelete, fmt.Sprintf("/api/notes/%d", note.ID), "")
	assert.Equal(t, http.StatusNoContent, deleted.Code)

	missing := f.do(t, http.MethodDelete, fmt.Sprintf("/api/notes/%d", note.ID), "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestNotesEmptyTextIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/notes", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "text required")
}

func TestNotesInvalidDeleteIDIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodDelete, "/api/notes/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzReportsChecks(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"broker":true}}`, rec.Body.String())
}

func TestHealthzDegradedWhenProbeFails(t *testing.T) {
	registry := metric.NewRegistry()
	channels := config.Default().Channels
	b := broadcast.New(testutil.NewCaptureTransport(), nil, nil)
	server := gateway.NewServer(":0",
		counter.NewService(store.NewCounterStore(testutil.NewFakeKV()), b, channels, nil, nil),
		ledger.NewService(store.NewAnswerStore(testutil.NewFakeKV()), nil, b, channels.Chat, nil, nil),
		notes.NewService(store.NewNoteStore(testutil.NewFakeKV()), nil, nil),
		nil, nil, map[string]gateway.HealthProbe{"broker": func() bool { return false }},
		0, nil, registry)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestMetricsEndpointScrapes(t *testing.T) {
	f := newFixture(t, nil)

	_ = f.do(t, http.MethodGet, "/api/like/booth-1", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fieldbridge_gateway_requests_total")
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/like/booth-1", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))

	rec2 := f.do(t, http.MethodGet, "/api/like/booth-1", "")
	assert.NotEmpty(t, rec2.Header().Get("X-Request-ID"))
}
