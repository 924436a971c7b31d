package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-dialog/pkg/gateway/subscribers"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the durable transcript store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config      config.Config
	Lifecycle   *lifecycle.Lifecycle
	Store       Pinger
	Subscribers *subscribers.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool              `json:"ok"`
		Phase         string            `json:"phase"`
		Draining      bool              `json:"draining,omitempty"`
		AuthMode      string            `json:"auth_mode"`
		StoreEnabled  bool              `json:"store_enabled"`
		LimitsEnabled bool              `json:"limits_enabled"`
		Subscribers   subscribers.Stats `json:"subscribers"`
		Issues        []string          `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	phase := h.Lifecycle.Phase()
	draining := phase == lifecycle.PhaseDraining
	if phase != lifecycle.PhaseServing {
		issues = append(issues, phase.String())
	}

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.SubscriberPingInterval <= 0 || h.Config.SubscriberMaxDuration <= 0 {
		issues = append(issues, "subscriber timings must be > 0")
	}
	if h.Config.DedupeLiveWindow <= 0 || h.Config.DedupeCatchupWindow <= 0 {
		issues = append(issues, "dedupe windows must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	if h.Store != nil {
		timeout := h.Config.StoreTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "transcript store unreachable")
		}
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0 ||
		h.Config.LimitMaxConcurrentStreams > 0

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:            ok,
		Phase:         phase.String(),
		Draining:      draining,
		AuthMode:      string(h.Config.AuthMode),
		StoreEnabled:  h.Store != nil,
		LimitsEnabled: limitsEnabled,
		Subscribers:   h.Subscribers.Stats(),
		Issues:        issues,
	})
}
