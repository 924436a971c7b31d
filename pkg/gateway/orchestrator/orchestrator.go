package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// State is the orchestrator's connection state.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateEstablishingSession
	StateExchangingToken
	StateExchangingSignaling
	StateConnected
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateEstablishingSession:
		return "establishing_session"
	case StateExchangingToken:
		return "exchanging_token"
	case StateExchangingSignaling:
		return "exchanging_signaling"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Retry        RetryConfig
	Voice        string
	ProbeTimeout time.Duration
}

type Dependencies struct {
	Sessions      SessionAPI
	Transport     Transport
	Logger        *slog.Logger
	OnStateChange func(op uint64, state State)
}

// Request describes one connection.
type Request struct {
	SessionID     string
	Voice         string
	InputLanguage string
	ReplyLanguage string
}

// Connection is a live, connected attempt.
type Connection struct {
	Op        uint64
	SessionID string
	Reused    bool
	Token     Token
	Link      Link
}

// Orchestrator establishes connections. Every attempt is identified by an op
// number; an attempt whose op is no longer current tears down what it opened
// and returns ErrStaleAttempt without touching orchestrator state.
type Orchestrator struct {
	cfg       Config
	sessions  SessionAPI
	transport Transport
	logger    *slog.Logger
	onChange  func(uint64, State)

	mu        sync.Mutex
	op        uint64
	state     State
	sessionID string
	live      *Connection
}

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Sessions == nil {
		return nil, ErrNoSessionAPI
	}
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  deps.Sessions,
		transport: deps.Transport,
		logger:    deps.Logger,
		onChange:  deps.OnStateChange,
	}, nil
}

func (o *Orchestrator) CurrentOp() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.op
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the most recently established session id.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Connect starts a new attempt, superseding any previous one.
func (o *Orchestrator) Connect(ctx context.Context, req Request) (*Connection, error) {
	o.mu.Lock()
	o.op++
	op := o.op
	prev := o.live
	o.live = nil
	if strings.TrimSpace(req.SessionID) != "" {
		o.sessionID = strings.TrimSpace(req.SessionID)
	}
	o.mu.Unlock()

	if prev != nil {
		_ = prev.Link.Close()
	}

	logger := o.logger.With("op", op)
	var conn *Connection
	attempt := 0
	err := retry.Do(ctx, connectBackoff(o.cfg.Retry), func(ctx context.Context) error {
		attempt++
		if attempt > 1 && !o.transition(op, StateRetrying) {
			return ErrStaleAttempt
		}
		c, err := o.attempt(ctx, op, req, logger)
		if err == nil {
			conn = c
			return nil
		}
		if connectRetriable(err) {
			logger.Warn("connection attempt failed; retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStaleAttempt) {
			logger.Debug("connection attempt abandoned")
			return nil, ErrStaleAttempt
		}
		o.transition(op, StateFailed)
		logger.Error("connection failed", "attempts", attempt, "error", err)
		return nil, fmt.Errorf("connect: %w", err)
	}
	logger.Info("connected", "session_id", conn.SessionID, "reused", conn.Reused, "attempts", attempt)
	return conn, nil
}

func (o *Orchestrator) attempt(ctx context.Context, op uint64, req Request, logger *slog.Logger) (_ *Connection, err error) {
	if !o.transition(op, StateAcquiringMedia) {
		return nil, ErrStaleAttempt
	}
	link, err := o.transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	defer func() {
		if err != nil {
			_ = link.Close()
		}
	}()

	if !o.transition(op, StateEstablishingSession) {
		return nil, ErrStaleAttempt
	}
	sessionID, reused, err := o.establish(ctx, op, logger)
	if err != nil {
		return nil, err
	}

	recreate := func(ctx context.Context) error {
		id, err := o.sessions.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("recreate session: %w", err)
		}
		if !o.setSession(op, id) {
			return ErrStaleAttempt
		}
		logger.Warn("session invalid; recreated", "old_session_id", sessionID, "session_id", id)
		sessionID, reused = id, false
		return nil
	}

	if !o.transition(op, StateExchangingToken) {
		return nil, ErrStaleAttempt
	}
	tokenReq := TokenRequest{
		Voice:         firstNonEmpty(req.Voice, o.cfg.Voice),
		InputLanguage: NormalizeLanguage(req.InputLanguage),
		ReplyLanguage: NormalizeLanguage(req.ReplyLanguage),
	}
	var token Token
	err = withExchangeRetry(ctx, o.cfg.Retry, o.cfg.Retry.ExchangeSettle, func(ctx context.Context) error {
		if !o.isCurrent(op) {
			return ErrStaleAttempt
		}
		t, err := o.sessions.FetchToken(ctx, sessionID, tokenReq)
		if err != nil {
			logger.Debug("token exchange failed", "session_id", sessionID, "error", err)
			return err
		}
		token = t
		return nil
	}, recreate)
	if err != nil {
		return nil, err
	}

	if !o.transition(op, StateExchangingSignaling) {
		return nil, ErrStaleAttempt
	}
	offer, err := link.Offer(ctx)
	if err != nil {
		return nil, err
	}
	tokenStale := false
	var answer SessionDescription
	err = withExchangeRetry(ctx, o.cfg.Retry, o.cfg.Retry.ExchangeSettle, func(ctx context.Context) error {
		if !o.isCurrent(op) {
			return ErrStaleAttempt
		}
		if tokenStale {
			t, err := o.sessions.FetchToken(ctx, sessionID, tokenReq)
			if err != nil {
				return err
			}
			token, tokenStale = t, false
		}
		a, err := o.sessions.ExchangeSignaling(ctx, sessionID, token, offer)
		if err != nil {
			logger.Debug("signaling exchange failed", "session_id", sessionID, "error", err)
			return err
		}
		answer = a
		return nil
	}, func(ctx context.Context) error {
		if err := recreate(ctx); err != nil {
			return err
		}
		tokenStale = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !o.isCurrent(op) {
		return nil, ErrStaleAttempt
	}
	if err := link.Accept(answer); err != nil {
		return nil, err
	}

	conn := &Connection{Op: op, SessionID: sessionID, Reused: reused, Token: token, Link: link}
	o.mu.Lock()
	if o.op != op {
		o.mu.Unlock()
		return nil, ErrStaleAttempt
	}
	o.live = conn
	o.state = StateConnected
	o.mu.Unlock()
	o.notify(op, StateConnected)
	return conn, nil
}

// establish creates a session when none is known, otherwise probes the known
// one. A failed probe is logged and the attempt proceeds.
func (o *Orchestrator) establish(ctx context.Context, op uint64, logger *slog.Logger) (string, bool, error) {
	sessionID := o.SessionID()
	if sessionID != "" {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
		err := o.sessions.ProbeSession(probeCtx, sessionID)
		cancel()
		if err != nil {
			logger.Warn("session probe failed; proceeding", "session_id", sessionID, "error", err)
		}
		return sessionID, true, nil
	}

	err := withExchangeRetry(ctx, o.cfg.Retry, 0, func(ctx context.Context) error {
		if !o.isCurrent(op) {
			return ErrStaleAttempt
		}
		id, err := o.sessions.CreateSession(ctx)
		if err != nil {
			return err
		}
		sessionID = id
		return nil
	}, nil)
	if err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	if !o.setSession(op, sessionID) {
		return "", false, ErrStaleAttempt
	}
	return sessionID, false, nil
}

// Disconnect invalidates any in-flight attempt and closes the live link.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	o.op++
	op := o.op
	conn := o.live
	o.live = nil
	o.state = StateIdle
	o.mu.Unlock()
	o.notify(op, StateIdle)

	if conn == nil {
		return nil
	}
	return conn.Link.Close()
}

func (o *Orchestrator) isCurrent(op uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.op == op
}

func (o *Orchestrator) transition(op uint64, state State) bool {
	o.mu.Lock()
	if o.op != op {
		o.mu.Unlock()
		return false
	}
	o.state = state
	o.mu.Unlock()
	o.notify(op, state)
	return true
}

func (o *Orchestrator) setSession(op uint64, sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.op != op {
		return false
	}
	o.sessionID = sessionID
	return true
}

func (o *Orchestrator) notify(op uint64, state State) {
	if o.onChange != nil {
		o.onChange(op, state)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
