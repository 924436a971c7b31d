package mw

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// recorder captures the status and body size of a response.
type recorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += int64(n)
	return n, err
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (rec *recorder) flush() { rec.ResponseWriter.(http.Flusher).Flush() }

func (rec *recorder) hijack() (net.Conn, *bufio.ReadWriter, error) {
	rec.status = http.StatusSwitchingProtocols
	rec.hijacked = true
	return rec.ResponseWriter.(http.Hijacker).Hijack()
}

type (
	flushRecorder       struct{ *recorder }
	hijackRecorder      struct{ *recorder }
	flushHijackRecorder struct{ *recorder }
)

func (w flushRecorder) Flush() { w.flush() }

func (w hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

func (w flushHijackRecorder) Flush() { w.flush() }

func (w flushHijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

// record wraps w, advertising exactly the optional interfaces w implements.
// SSE needs Flusher and websocket upgrades need Hijacker.
func record(w http.ResponseWriter) (http.ResponseWriter, *recorder) {
	rec := &recorder{ResponseWriter: w}
	_, canFlush := w.(http.Flusher)
	_, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackRecorder{rec}, rec
	case canFlush:
		return flushRecorder{rec}, rec
	case canHijack:
		return hijackRecorder{rec}, rec
	}
	return rec, rec
}

// AccessLog writes one record per request once the handler returns. For
// subscriber streams that is when the stream closes, so duration is the
// stream lifetime. Server errors log at warn.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, rec := record(w)
		next.ServeHTTP(wrapped, r)
		if logger == nil {
			return
		}

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		reqID, _ := RequestIDFrom(r.Context())
		attrs := []slog.Attr{
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", rec.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if rec.hijacked || isEventStream(r) {
			attrs = append(attrs, slog.Bool("stream", true))
		}
		logger.LogAttrs(r.Context(), level, "request", attrs...)
	})
}
