package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/handlers"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-dialog/pkg/gateway/mw"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-dialog/pkg/gateway/subscribers"
)

// Dependencies are the collaborators shared with the serve command.
type Dependencies struct {
	Hub       handlers.TranscriptHub
	Store     handlers.Pinger
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	hub         handlers.TranscriptHub
	store       handlers.Pinger
	limiter     *ratelimit.Limiter
	lifecycle   *lifecycle.Lifecycle
	subscribers *subscribers.Tracker
}

func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lc := deps.Lifecycle
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		hub:    deps.Hub,
		store:  deps.Store,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                      cfg.LimitRPS,
			Burst:                    cfg.LimitBurst,
			MaxConcurrentRequests:    cfg.LimitMaxConcurrentRequests,
			MaxConcurrentSubscribers: cfg.LimitMaxConcurrentStreams,
		}),
		lifecycle:   lc,
		subscribers: subscribers.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:      s.cfg,
		Lifecycle:   s.lifecycle,
		Store:       s.store,
		Subscribers: s.subscribers,
	})

	s.mux.Handle("POST /v1/transcripts", handlers.IngressHandler{
		Config: s.cfg,
		Hub:    s.hub,
		Logger: s.logger,
	})
	s.mux.Handle("POST /v1/transcripts/catchup", handlers.CatchupIngressHandler{
		Config:  s.cfg,
		Hub:     s.hub,
		Logger:  s.logger,
		Limiter: s.limiter,
	})
	s.mux.Handle("GET /v1/sessions/{id}/history", handlers.HistoryHandler{Hub: s.hub})
	s.mux.Handle("GET /v1/sessions/{id}/transcripts", handlers.SubscribeHandler{
		Config:      s.cfg,
		Hub:         s.hub,
		Logger:      s.logger,
		Limiter:     s.limiter,
		Lifecycle:   s.lifecycle,
		Subscribers: s.subscribers,
	})

	s.mux.Handle("GET /v1/sessions/{id}/events", handlers.EventsHandler{
		Config:      s.cfg,
		Hub:         s.hub,
		Logger:      s.logger,
		Limiter:     s.limiter,
		Lifecycle:   s.lifecycle,
		Subscribers: s.subscribers,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.logger, h)
	h = mw.APIVersion(h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining marks the gateway as draining. New subscribers are refused and
// /readyz reports unavailable.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnSubscribersDraining sends a drain warning to every connected
// subscriber. It returns the number of subscribers warned.
func (s *Server) WarnSubscribersDraining() int {
	n := s.subscribers.WarnAll("server_draining", "gateway is shutting down; reconnect to resume")
	if n > 0 {
		s.logger.Info("warned subscribers of drain", "subscribers", n)
	}
	return n
}

// WaitSubscribers blocks until every subscriber has disconnected or ctx ends.
func (s *Server) WaitSubscribers(ctx context.Context) bool {
	return s.subscribers.Wait(ctx)
}

// CancelSubscribers force-closes the remaining subscribers.
func (s *Server) CancelSubscribers() int {
	n := s.subscribers.CancelAll()
	if n > 0 {
		s.logger.Warn("force-closed subscribers", "subscribers", n)
	}
	return n
}
