package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-dialog/pkg/gateway/principal"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-dialog/pkg/gateway/subscribers"
)

// SubscribeHandler streams a session's transcript over a websocket
// (GET /v1/sessions/{id}/transcripts). The first frame is the catch-up
// snapshot; live transcript and transcript-error frames follow.
type SubscribeHandler struct {
	Config      config.Config
	Hub         TranscriptHub
	Logger      *slog.Logger
	Limiter     *ratelimit.Limiter
	Lifecycle   *lifecycle.Lifecycle
	Subscribers *subscribers.Tracker
}

func (h SubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if h.Lifecycle.IsDraining() {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
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

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	maxDuration := h.Config.SubscriberMaxDuration
	if maxDuration <= 0 {
		maxDuration = 2 * time.Hour
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxDuration)
	defer cancel()

	subscriberID := "sub_" + uuid.NewString()
	logger := h.logger().With("request_id", reqID, "session_id", sessionID, "subscriber_id", subscriberID)

	writer := newFrameWriter(conn, h.Config.SubscriberQueueSize, h.Config.SubscriberPingInterval, h.Config.SubscriberWriteTimeout)

	// Subscribe before taking the snapshot so nothing published in between is
	// lost; live entries already covered by the snapshot are skipped below.
	sub, err := h.Hub.Subscribe(ctx, sessionID)
	if err != nil {
		_ = writer.EnqueuePriority(protocol.NewTranscriptErrorFrame(subscribeFailure(err), time.Now()))
		writer.CloseWith(websocket.CloseTryAgainLater, "subscribe failed")
		cancel()
		_ = writer.Run(ctx)
		return
	}
	defer sub.Close()

	snapshot, err := h.Hub.Catchup(ctx, sessionID)
	if err != nil {
		logger.Warn("catch-up failed", "error", err)
		_ = writer.EnqueuePriority(protocol.NewTranscriptErrorFrame("catch-up unavailable", time.Now()))
		snapshot = broadcast.Catchup{SessionID: sessionID, Provenance: "live"}
	}
	_ = writer.Enqueue(catchupFrame(snapshot))

	unregister := h.Subscribers.Register(subscriberID, subscribers.Handle{
		SessionID: sessionID,
		Transport: subscribers.TransportWebSocket,
		Cancel:    cancel,
		Warn: func(code, message string) error {
			if code == "server_draining" {
				writer.CloseWith(websocket.CloseGoingAway, "server draining")
			}
			return writer.EnqueuePriority(protocol.NewWarningFrame(code, message))
		},
	})
	defer unregister()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.readLoop(ctx, cancel, conn)
	}()
	go func() {
		defer wg.Done()
		h.forward(ctx, cancel, sub, writer, snapshot.LastSeq, logger)
	}()

	if err := writer.Run(ctx); err != nil {
		logger.Debug("subscriber write failed", "error", err)
	}
	cancel()
	_ = conn.Close()
	wg.Wait()
}

// forward relays broadcast deliveries into the writer queues.
func (h SubscribeHandler) forward(ctx context.Context, cancel context.CancelFunc, sub *broadcast.Subscription, writer *frameWriter, lastSeq uint64, logger *slog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowSubscriber) {
					writer.CloseWith(websocket.CloseTryAgainLater, "subscriber too slow")
					_ = writer.EnqueuePriority(protocol.NewWarningFrame("slow_subscriber", "subscriber fell behind; reconnect to resume"))
				}
				return
			}
			switch d.Type {
			case broadcast.DeliveryTranscript:
				if d.Entry == nil || (d.Entry.Seq != 0 && d.Entry.Seq <= lastSeq) {
					continue
				}
				if err := writer.Enqueue(protocol.NewTranscriptFrame(d.Entry.Seq, d.Entry.Event)); err != nil {
					logger.Warn("subscriber queue overflow", "error", err)
					writer.CloseWith(websocket.CloseTryAgainLater, "subscriber too slow")
					return
				}
			case broadcast.DeliveryError:
				if err := writer.EnqueuePriority(protocol.NewTranscriptErrorFrame(d.Error, d.Timestamp)); err != nil {
					logger.Warn("subscriber priority queue overflow", "error", err)
				}
			}
		}
	}
}

// readLoop drains client frames so control frames are processed, and ends the
// subscription when the client goes away.
func (h SubscribeHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	if limit := h.Config.SubscriberMaxJSONMessageBytes; limit > 0 {
		conn.SetReadLimit(limit)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h SubscribeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h SubscribeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func subscribeFailure(err error) string {
	if errors.Is(err, broadcast.ErrClosed) {
		return "broadcast service is shutting down"
	}
	return "subscribe failed"
}
