package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errQueueFull = errors.New("subscriber queue full")

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// frameWriter owns all writes to one subscriber socket. Error and warning
// frames go on the priority queue and overtake queued transcripts.
type frameWriter struct {
	ws           wsConn
	pingInterval time.Duration
	writeTimeout time.Duration

	priority chan []byte
	normal   chan []byte

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newFrameWriter(ws wsConn, queueSize int, pingInterval, writeTimeout time.Duration) *frameWriter {
	if queueSize <= 0 {
		queueSize = 256
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &frameWriter{
		ws:           ws,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		priority:     make(chan []byte, 16),
		normal:       make(chan []byte, queueSize),
		closeCode:    websocket.CloseNormalClosure,
	}
}

// Enqueue queues a transcript-class frame without blocking.
func (w *frameWriter) Enqueue(v any) error {
	return w.push(w.normal, v)
}

// EnqueuePriority queues an error or warning frame without blocking.
func (w *frameWriter) EnqueuePriority(v any) error {
	return w.push(w.priority, v)
}

func (w *frameWriter) push(q chan []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case q <- data:
		return nil
	default:
		return errQueueFull
	}
}

// CloseWith sets the close frame sent when Run stops.
func (w *frameWriter) CloseWith(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCode = code
	w.closeReason = reason
}

// Run writes queued frames until ctx is done or a write fails.
func (w *frameWriter) Run(ctx context.Context) error {
	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	var pending []byte

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		default:
		}

		select {
		case data := <-w.priority:
			if err := w.write(data); err != nil {
				return err
			}
			continue
		default:
		}

		// A priority frame queued while a transcript was waiting still wins.
		if pending != nil {
			data := pending
			pending = nil
			if err := w.write(data); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case data := <-w.priority:
			if err := w.write(data); err != nil {
				return err
			}
		case data := <-w.normal:
			pending = data
		}
	}
}

func (w *frameWriter) write(data []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

// shutdown flushes a bounded number of priority frames, then sends the close
// frame and closes the socket.
func (w *frameWriter) shutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.writeTimeout < flushTimeout {
		flushTimeout = w.writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

flush:
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case data := <-w.priority:
			if err := w.write(data); err != nil {
				break flush
			}
		default:
			break flush
		}
	}

	w.mu.Lock()
	code, reason := w.closeCode, w.closeReason
	w.mu.Unlock()
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(w.writeTimeout))
	_ = w.ws.Close()
}
