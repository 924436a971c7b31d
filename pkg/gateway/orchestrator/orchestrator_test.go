package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu     sync.Mutex
	closed bool
	answer SessionDescription
	msgs   chan []byte
	done   chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{msgs: make(chan []byte, 8), done: make(chan struct{})}
}

func (l *fakeLink) Offer(context.Context) (SessionDescription, error) {
	return SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (l *fakeLink) Accept(answer SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answer = answer
	return nil
}

func (l *fakeLink) Send(context.Context, []byte) error { return nil }
func (l *fakeLink) Messages() <-chan []byte          { return l.msgs }
func (l *fakeLink) Done() <-chan struct{}            { return l.done }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeTransport struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
	// hook runs inside Open, before the link is returned.
	hook func()
}

func (t *fakeTransport) Open(context.Context) (Link, error) {
	if t.hook != nil {
		t.hook()
	}
	if t.err != nil {
		return nil, t.err
	}
	l := newFakeLink()
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()
	return l, nil
}

type fakeSessions struct {
	mu          sync.Mutex
	created     int
	probes      int
	probeErr    error
	tokenErrs   []error
	sdpErrs     []error
	tokenCalls  []string
	sdpCalls    []string
	lastRequest TokenRequest
}

func (f *fakeSessions) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("sess_%d", f.created), nil
}

func (f *fakeSessions) ProbeSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeSessions) FetchToken(_ context.Context, sessionID string, req TokenRequest) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls = append(f.tokenCalls, sessionID)
	f.lastRequest = req
	if len(f.tokenErrs) > 0 {
		err := f.tokenErrs[0]
		f.tokenErrs = f.tokenErrs[1:]
		return Token{}, err
	}
	return Token{Value: "tok_" + sessionID}, nil
}

func (f *fakeSessions) ExchangeSignaling(_ context.Context, sessionID string, token Token, _ SessionDescription) (SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sdpCalls = append(f.sdpCalls, sessionID+"/"+token.Value)
	if len(f.sdpErrs) > 0 {
		err := f.sdpErrs[0]
		f.sdpErrs = f.sdpErrs[1:]
		return SessionDescription{}, err
	}
	return SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		ExchangeAttempts: 4,
		ExchangeBase:     time.Millisecond,
		ExchangeFactor:   1.5,
		RecreateSettle:   time.Millisecond,
		ConnectRetries:   3,
		ConnectBase:      time.Millisecond,
		ConnectCap:       4 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, sessions SessionAPI, transport Transport, states *[]State) *Orchestrator {
	t.Helper()
	var mu sync.Mutex
	o, err := New(Config{Retry: fastRetry()}, Dependencies{
		Sessions:  sessions,
		Transport: transport,
		OnStateChange: func(_ uint64, s State) {
			if states == nil {
				return
			}
			mu.Lock()
			*states = append(*states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	return o
}

func TestConnect_CreatesSessionAndWalksStates(t *testing.T) {
	sessions := &fakeSessions{}
	transport := &fakeTransport{}
	var states []State
	o := newTestOrchestrator(t, sessions, transport, &states)

	conn, err := o.Connect(context.Background(), Request{InputLanguage: "pt-BR", ReplyLanguage: "klingon"})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", conn.SessionID)
	assert.False(t, conn.Reused)
	assert.Equal(t, "tok_sess_1", conn.Token.Value)
	assert.Equal(t, StateConnected, o.State())
	assert.Equal(t, "sess_1", o.SessionID())
	assert.Equal(t, "pt", sessions.lastRequest.InputLanguage)
	assert.Equal(t, "en", sessions.lastRequest.ReplyLanguage)
	assert.Equal(t, "v=0 answer", transport.links[0].answer.SDP)

	assert.Equal(t, []State{
		StateAcquiringMedia,
		StateEstablishingSession,
		StateExchangingToken,
		StateExchangingSignaling,
		StateConnected,
	}, states)
}

func TestConnect_ReusesKnownSessionDespiteProbeFailure(t *testing.T) {
	sessions := &fakeSessions{probeErr: errors.New("probe timed out")}
	o := newTestOrchestrator(t, sessions, &fakeTransport{}, nil)

	conn, err := o.Connect(context.Background(), Request{SessionID: "existing"})
	require.NoError(t, err)
	assert.Equal(t, "existing", conn.SessionID)
	assert.True(t, conn.Reused)
	assert.Equal(t, 1, sessions.probes)
	assert.Zero(t, sessions.created)
}

func TestConnect_RetriesTransientTokenErrors(t *testing.T) {
	transient := &ExchangeError{Step: "token exchange", Code: CodeUnavailable, Status: 503, Retriable: true}
	sessions := &fakeSessions{tokenErrs: []error{transient, transient}}
	o := newTestOrchestrator(t, sessions, &fakeTransport{}, nil)

	conn, err := o.Connect(context.Background(), Request{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s", conn.SessionID)
	assert.Len(t, sessions.tokenCalls, 3)
}

func TestConnect_SessionNotFoundRecreatesSession(t *testing.T) {
	gone := &ExchangeError{Step: "signaling exchange", Code: CodeSessionNotFound, Status: 404}
	sessions := &fakeSessions{sdpErrs: []error{gone}}
	o := newTestOrchestrator(t, sessions, &fakeTransport{}, nil)

	conn, err := o.Connect(context.Background(), Request{SessionID: "dead"})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", conn.SessionID)
	assert.False(t, conn.Reused)
	assert.Equal(t, "sess_1", o.SessionID())
	// The old token is bound to the dead session, so a fresh one is fetched.
	assert.Equal(t, []string{"dead", "sess_1"}, sessions.tokenCalls)
	assert.Equal(t, []string{"dead/tok_dead", "sess_1/tok_sess_1"}, sessions.sdpCalls)
}

func TestConnect_NonRetriableAborts(t *testing.T) {
	denied := &ExchangeError{Step: "token exchange", Code: CodeUnauthorized, Status: 401, Message: "bad key"}
	sessions := &fakeSessions{tokenErrs: []error{denied}}
	transport := &fakeTransport{}
	var states []State
	o := newTestOrchestrator(t, sessions, transport, &states)

	_, err := o.Connect(context.Background(), Request{SessionID: "s"})
	require.Error(t, err)
	var xe *ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, CodeUnauthorized, xe.Code)
	assert.Len(t, sessions.tokenCalls, 1)
	assert.Equal(t, StateFailed, o.State())
	assert.NotContains(t, states, StateRetrying)
	require.Len(t, transport.links, 1)
	assert.True(t, transport.links[0].isClosed())
}

func TestConnect_TopLevelRetryOnNetworkErrors(t *testing.T) {
	transport := &fakeTransport{err: errors.New("ice connection failed: network unreachable")}
	var states []State
	o := newTestOrchestrator(t, &fakeSessions{}, transport, &states)

	_, err := o.Connect(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network unreachable")

	retries := 0
	for _, s := range states {
		if s == StateRetrying {
			retries++
		}
	}
	assert.Equal(t, 3, retries)
	assert.Equal(t, StateFailed, o.State())
}

func TestConnect_StaleAttemptLeavesStateUntouched(t *testing.T) {
	sessions := &fakeSessions{}
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, sessions, transport, nil)

	transport.hook = func() {
		transport.hook = nil
		require.NoError(t, o.Disconnect())
	}

	_, err := o.Connect(context.Background(), Request{})
	require.ErrorIs(t, err, ErrStaleAttempt)
	assert.Equal(t, StateIdle, o.State())
	assert.Empty(t, o.SessionID())
	assert.Zero(t, sessions.created)
	require.Len(t, transport.links, 1)
	assert.True(t, transport.links[0].isClosed())
}

func TestDisconnect_ClosesLiveLinkAndBumpsOp(t *testing.T) {
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, &fakeSessions{}, transport, nil)

	conn, err := o.Connect(context.Background(), Request{})
	require.NoError(t, err)
	before := o.CurrentOp()
	assert.Equal(t, before, conn.Op)

	require.NoError(t, o.Disconnect())
	assert.Equal(t, before+1, o.CurrentOp())
	assert.Equal(t, StateIdle, o.State())
	assert.True(t, transport.links[0].isClosed())
}

func TestConnect_SupersedesPreviousConnection(t *testing.T) {
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, &fakeSessions{}, transport, nil)

	_, err := o.Connect(context.Background(), Request{})
	require.NoError(t, err)
	second, err := o.Connect(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, transport.links[0].isClosed())
	assert.False(t, transport.links[1].isClosed())
	assert.Equal(t, "sess_1", second.SessionID)
	assert.True(t, second.Reused)
}

func TestExchangeBackoff_Schedule(t *testing.T) {
	b := &exchangeBackoff{max: 4, base: time.Second, factor: 1.5}
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}, got)

	b = &exchangeBackoff{max: 4, base: time.Second, factor: 1.5}
	b.overrideNext(900 * time.Millisecond)
	d, _ := b.Next()
	assert.Equal(t, 900*time.Millisecond, d)
	d, _ = b.Next()
	assert.Equal(t, 1500*time.Millisecond, d)
}

func TestConnectBackoff_CappedAtEightSeconds(t *testing.T) {
	b := connectBackoff(DefaultRetryConfig())
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got)

	cfg := DefaultRetryConfig()
	cfg.ConnectRetries = 6
	b = connectBackoff(cfg)
	var last time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		last = d
	}
	assert.Equal(t, 8*time.Second, last)
}

func TestConnectRetriable(t *testing.T) {
	for _, msg := range []string{
		"dial tcp: i/o timeout",
		"read: connection reset by peer",
		"ICE failed",
		"ice gathering: context deadline exceeded",
		"ICE connection state: disconnected",
		"upstream 503",
		"session not found",
		"Failed to fetch",
	} {
		assert.True(t, connectRetriable(errors.New(msg)), msg)
	}
	for _, msg := range []string{"invalid api key", "invalid invoice", "no such device", "price rejected by billing service"} {
		assert.False(t, connectRetriable(errors.New(msg)), msg)
	}
	assert.False(t, connectRetriable(ErrStaleAttempt))
	assert.False(t, connectRetriable(nil))
}

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{
		"":        "en",
		"EN":      "en",
		"pt-BR":   "pt",
		"pt_pt":   "pt",
		"es-419":  "es",
		"cmn":     "zh",
		"zh-TW":   "zh",
		"fr-CA":   "fr",
		"de-AT":   "de",
		"tlh":     "en",
		" ja ":    "ja",
		"sv":      "en",
		"ko-KR":   "ko",
		"en-US":   "en",
		"es-MX":   "es",
		"it":      "it",
		"unknown": "en",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeLanguage(in), in)
	}
}

func TestHTTPSessionAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"sess_http"}`))
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sess_http" {
			http.Error(w, `{"error":{"message":"no such session"}}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sessions/{id}/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"tok","expiresAt":"2026-04-01T10:00:00Z"}`))
	})
	mux.HandleFunc("POST /sessions/{id}/sdp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"session_unavailable","message":"draining"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewHTTPSessionAPI(srv.URL+"/", "key", srv.Client())
	ctx := context.Background()

	id, err := api.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess_http", id)

	require.NoError(t, api.ProbeSession(ctx, id))

	err = api.ProbeSession(ctx, "missing")
	var xe *ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, CodeSessionNotFound, xe.Code)
	assert.Equal(t, verdictRecreate, classifyExchange(err))

	tok, err := api.FetchToken(ctx, id, TokenRequest{InputLanguage: "en", ReplyLanguage: "en"})
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Value)

	_, err = api.ExchangeSignaling(ctx, id, tok, SessionDescription{Type: "offer", SDP: "v=0"})
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, CodeSessionUnavailable, xe.Code)
	assert.True(t, xe.Retriable)
	assert.Equal(t, verdictRecreate, classifyExchange(err))
}
