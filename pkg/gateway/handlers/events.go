package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-dialog/pkg/gateway/principal"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-dialog/pkg/gateway/sse"
	"github.com/vango-go/vai-dialog/pkg/gateway/subscribers"
)

// EventsHandler streams a session's transcript as Server-Sent Events
// (GET /v1/sessions/{id}/events) for clients that cannot hold a websocket.
//
// Transcript events carry their sequence number as the event id. A client
// reconnecting with Last-Event-ID receives only the retained entries after
// that id in its catchup event.
type EventsHandler struct {
	Config      config.Config
	Hub         TranscriptHub
	Logger      *slog.Logger
	Limiter     *ratelimit.Limiter
	Lifecycle   *lifecycle.Lifecycle
	Subscribers *subscribers.Tracker
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if h.Lifecycle.IsDraining() {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeAPIError(w, reqID, apierror.InvalidRequest("session id is required", "id"), http.StatusBadRequest)
		return
	}

	if h.Limiter != nil {
		p := principal.Resolve(r, h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireSubscriber(p.Key, time.Now())
		if !dec.Allowed {
			writeAPIError(w, reqID, &apierror.Error{Type: apierror.TypeRateLimit, Message: "too many active subscribers", Code: "too_many_subscribers"}, http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	maxDuration := h.Config.SubscriberMaxDuration
	if maxDuration <= 0 {
		maxDuration = 2 * time.Hour
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxDuration)
	defer cancel()

	sub, err := h.Hub.Subscribe(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	stream, err := sse.New(w)
	if err != nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.TypeAPI, Message: "streaming is not supported"}, http.StatusInternalServerError)
		return
	}

	subscriberID := "sub_" + uuid.NewString()
	logger := h.logger().With("request_id", reqID, "session_id", sessionID, "subscriber_id", subscriberID)

	snapshot, err := h.Hub.Catchup(ctx, sessionID)
	if err != nil {
		logger.Warn("catch-up failed", "error", err)
		_ = stream.Send("transcript-error", "", protocol.NewTranscriptErrorFrame("catch-up unavailable", time.Now()))
		snapshot = broadcast.Catchup{SessionID: sessionID, Provenance: "live"}
	}
	if resume, ok := sse.LastEventID(r); ok {
		snapshot = resumeAfter(snapshot, resume)
	}
	if err := stream.Send("catchup", seqID(snapshot.LastSeq), catchupFrame(snapshot)); err != nil {
		return
	}

	unregister := h.Subscribers.Register(subscriberID, subscribers.Handle{
		SessionID: sessionID,
		Transport: subscribers.TransportSSE,
		Cancel:    cancel,
		Warn: func(code, message string) error {
			return stream.Send("warning", "", protocol.NewWarningFrame(code, message))
		},
	})
	defer unregister()

	interval := h.Config.SubscriberPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := snapshot.LastSeq
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.Comment("ping"); err != nil {
				return
			}
		case d, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowSubscriber) {
					_ = stream.Send("warning", "", protocol.NewWarningFrame("slow_subscriber", "subscriber fell behind; reconnect to resume"))
				}
				return
			}
			if err := h.deliver(stream, d, &lastSeq); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func (h EventsHandler) deliver(stream *sse.Writer, d broadcast.Delivery, lastSeq *uint64) error {
	switch d.Type {
	case broadcast.DeliveryTranscript:
		if d.Entry == nil || (d.Entry.Seq != 0 && d.Entry.Seq <= *lastSeq) {
			return nil
		}
		if d.Entry.Seq > *lastSeq {
			*lastSeq = d.Entry.Seq
		}
		return stream.Send("transcript", seqID(d.Entry.Seq), protocol.NewTranscriptFrame(d.Entry.Seq, d.Entry.Event))
	case broadcast.DeliveryError:
		return stream.Send("transcript-error", "", protocol.NewTranscriptErrorFrame(d.Error, d.Timestamp))
	}
	return nil
}

func (h EventsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// resumeAfter drops snapshot entries the client already has. Entries without
// a sequence number (loaded from the durable store) are always kept.
func resumeAfter(c broadcast.Catchup, after uint64) broadcast.Catchup {
	kept := c.Entries[:0:0]
	for _, e := range c.Entries {
		if e.Seq == 0 || e.Seq > after {
			kept = append(kept, e)
		}
	}
	c.Entries = kept
	return c
}

func seqID(seq uint64) string {
	if seq == 0 {
		return ""
	}
	return strconv.FormatUint(seq, 10)
}
