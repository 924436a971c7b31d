package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
)

func newTestServer(t *testing.T, cfg config.Config) (*Server, *broadcast.Service) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hub := broadcast.New(broadcast.Config{FlushWindow: 10 * time.Millisecond}, broadcast.Dependencies{Logger: logger})
	t.Cleanup(func() { _ = hub.Close() })
	return New(cfg, Dependencies{Hub: hub, Logger: logger}), hub
}

func baseConfig() config.Config {
	return config.Config{
		AuthMode:               config.AuthModeDisabled,
		APIKeys:                map[string]struct{}{},
		CORSAllowedOrigins:     map[string]struct{}{},
		MaxBodyBytes:           1 << 20,
		MaxCatchupEvents:       100,
		SubscriberPingInterval: time.Hour,
		SubscriberWriteTimeout: time.Second,
		SubscriberQueueSize:    16,
		SubscriberMaxDuration:  time.Minute,
	}
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, baseConfig())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rr.Body.String(), `"type":"not_found_error"`)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestServer_IngressThenHistory(t *testing.T) {
	s, hub := newTestServer(t, baseConfig())
	h := s.Handler()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transcripts",
		strings.NewReader(`{"sessionId":"s1","role":"assistant","text":"Hi, how can I help?","isFinal":true,"itemId":"it_1"}`))
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	hub.Flush("s1")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"text":"Hi, how can I help?"`)
	assert.Contains(t, rr.Body.String(), `"role":"agent"`)
}

func TestServer_RequiredAuth(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"vai_sk_test": {}}
	s, _ := newTestServer(t, cfg)
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	req.Header.Set("Authorization", "Bearer vai_sk_test")
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_UnsupportedAPIVersion(t *testing.T) {
	s, _ := newTestServer(t, baseConfig())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	req.Header.Set("X-VAI-Version", "2")
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"unsupported_version"`)
}

func TestServer_DrainLifecycle(t *testing.T) {
	s, _ := newTestServer(t, baseConfig())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/s1/transcripts"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), `"type":"catchup"`)

	require.Eventually(t, func() bool { return s.subscribers.Count() == 1 }, time.Second, 5*time.Millisecond)

	s.SetDraining()
	assert.Equal(t, 1, s.WarnSubscribersDraining())

	_, warning, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(warning), `"code":"server_draining"`)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, 529, resp.StatusCode)

	assert.Equal(t, 1, s.CancelSubscribers())
	require.True(t, s.WaitSubscribers(t.Context()))
}

func TestServer_EventStreamThroughMiddleware(t *testing.T) {
	cfg := baseConfig()
	cfg.LimitMaxConcurrentRequests = 1
	s, _ := newTestServer(t, cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/v1/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The open stream does not hold a request permit.
	history := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	history.RemoteAddr = "127.0.0.1:1"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, history)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestServer_WrongMethodOnKnownRoute(t *testing.T) {
	s, _ := newTestServer(t, baseConfig())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/transcripts", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code, rr.Body.String())
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
	assert.Contains(t, rr.Body.String(), `"code":"method_not_allowed"`)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/history", strings.NewReader("{}")))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code, rr.Body.String())
	assert.Equal(t, http.MethodGet, rr.Header().Get("Allow"))
}
