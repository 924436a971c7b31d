package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/limits"
	"github.com/vango-go/vai-dialog/pkg/gateway/principal"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
)

// TranscriptHub is the broadcast surface the HTTP handlers need.
type TranscriptHub interface {
	Submit(ctx context.Context, ev transcript.Event) (broadcast.Result, error)
	SubmitCatchup(ctx context.Context, events []transcript.Event) ([]broadcast.Result, error)
	Flush(sessionID string)
	Catchup(ctx context.Context, sessionID string) (broadcast.Catchup, error)
	Subscribe(ctx context.Context, sessionID string) (*broadcast.Subscription, error)
}

type ingressResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Key       string `json:"dedupeKey,omitempty"`
}

// IngressHandler accepts one relayed transcript event (POST /v1/transcripts).
type IngressHandler struct {
	Config config.Config
	Hub    TranscriptHub
	Logger *slog.Logger
}

func (h IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	body, apiErr, status := readBody(w, r, h.Config.MaxBodyBytes)
	if apiErr != nil {
		writeAPIError(w, reqID, apiErr, status)
		return
	}

	ev, err := protocol.DecodeRelayTranscript(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := limits.ValidateRelayEvent(ev, h.Config); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := handlerContext(r, h.Config.HandlerTimeout)
	defer cancel()
	res, err := h.Hub.Submit(ctx, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Duplicate && h.Logger != nil {
		h.Logger.Debug("relay duplicate", "request_id", reqID, "session_id", ev.SessionID, "role", ev.Role)
	}

	writeJSON(w, http.StatusAccepted, ingressResponse{
		Accepted:  res.Accepted,
		Duplicate: res.Duplicate,
		Ignored:   res.Ignored,
		Key:       string(res.Key),
	})
}

type catchupIngressResponse struct {
	Received   int `json:"received"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
}

// CatchupIngressHandler accepts a batch replayed by a reconnecting producer
// (POST /v1/transcripts/catchup). Each replayed event beyond the first is
// charged to the caller's request budget.
type CatchupIngressHandler struct {
	Config  config.Config
	Hub     TranscriptHub
	Logger  *slog.Logger
	Limiter *ratelimit.Limiter
}

func (h CatchupIngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	body, apiErr, status := readBody(w, r, h.Config.MaxBodyBytes)
	if apiErr != nil {
		writeAPIError(w, reqID, apiErr, status)
		return
	}

	events, err := protocol.DecodeRelayCatchup(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := limits.ValidateCatchupBatch(events, h.Config); err != nil {
		writeError(w, r, err)
		return
	}
	if h.Limiter != nil && len(events) > 1 {
		p := principal.Resolve(r, h.Config.TrustProxyHeaders)
		if dec := h.Limiter.Charge(p.Key, len(events)-1, time.Now()); !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			retryAfter := dec.RetryAfter
			writeAPIError(w, reqID, &apierror.Error{
				Type:       apierror.TypeRateLimit,
				Message:    "catch-up batch exceeds the request budget",
				Code:       "catchup_rate_limited",
				RetryAfter: &retryAfter,
			}, http.StatusTooManyRequests)
			return
		}
	}

	ctx, cancel := handlerContext(r, h.Config.HandlerTimeout)
	defer cancel()
	results, err := h.Hub.SubmitCatchup(ctx, events)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := catchupIngressResponse{Received: len(events)}
	sessions := make(map[string]struct{})
	for i, res := range results {
		switch {
		case res.Accepted:
			resp.Accepted++
			sessions[events[i].SessionID] = struct{}{}
		case res.Duplicate:
			resp.Duplicates++
		case res.Ignored:
			resp.Ignored++
		}
	}
	// The batch is complete, so there is nothing left to reorder against.
	for id := range sessions {
		h.Hub.Flush(id)
	}

	if h.Logger != nil {
		h.Logger.Info("catch-up batch",
			"request_id", reqID,
			"received", resp.Received,
			"accepted", resp.Accepted,
			"duplicates", resp.Duplicates,
		)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// HistoryHandler returns the retained transcript of a session
// (GET /v1/sessions/{id}/history).
type HistoryHandler struct {
	Hub TranscriptHub
}

func (h HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeAPIError(w, requestIDFrom(r), apierror.InvalidRequest("session id is required", "id"), http.StatusBadRequest)
		return
	}
	c, err := h.Hub.Catchup(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, catchupFrame(c))
}

// handlerContext bounds store-backed work by the configured handler timeout.
func handlerContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), timeout)
}

func catchupFrame(c broadcast.Catchup) protocol.ServerCatchup {
	entries := make([]protocol.ServerTranscript, 0, len(c.Entries))
	for _, e := range c.Entries {
		entries = append(entries, protocol.NewTranscriptFrame(e.Seq, e.Event))
	}
	return protocol.ServerCatchup{
		Type:       "catchup",
		SessionID:  c.SessionID,
		Provenance: string(c.Provenance),
		Entries:    entries,
		LastSeq:    c.LastSeq,
	}
}
