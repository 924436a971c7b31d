package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrStaleAttempt is returned by an attempt that was superseded by a newer
	// Connect or by Disconnect.
	ErrStaleAttempt = errors.New("connection attempt superseded")
	ErrNoTransport  = errors.New("orchestrator: transport is required")
	ErrNoSessionAPI = errors.New("orchestrator: session api is required")
)

// Exchange codes reported by the session collaborator.
const (
	CodeSessionNotFound    = "session_not_found"
	CodeSessionUnavailable = "session_unavailable"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "unavailable"
	CodeNetwork            = "network"
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
)

// ExchangeError is a failed call to the session collaborator.
type ExchangeError struct {
	Step      string
	Code      string
	Status    int
	Message   string
	Retriable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s failed: %s (%d): %s", e.Step, e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Step, e.Code, msg)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// SessionInvalid reports whether the error means the session id can never
// succeed and a new session is required.
func (e *ExchangeError) SessionInvalid() bool {
	return e != nil && (e.Code == CodeSessionNotFound || e.Code == CodeSessionUnavailable)
}

type exchangeVerdict int

const (
	verdictAbort exchangeVerdict = iota
	verdictRetry
	verdictRecreate
)

func classifyExchange(err error) exchangeVerdict {
	if err == nil {
		return verdictAbort
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStaleAttempt) {
		return verdictAbort
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		switch {
		case xe.SessionInvalid():
			return verdictRecreate
		case xe.Retriable:
			return verdictRetry
		default:
			return verdictAbort
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return verdictRetry
	}
	return verdictAbort
}

var retriableSubstrings = []string{
	"network",
	"timeout",
	"timed out",
	"ice connection",
	"ice candidate",
	"ice gathering",
	"ice failed",
	"connection reset",
	"econnreset",
	"session_not_found",
	"session not found",
	"failed to fetch",
	"503",
	"502",
}

// connectRetriable reports whether a whole connection attempt may be retried.
func connectRetriable(err error) bool {
	if err == nil || errors.Is(err, ErrStaleAttempt) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retriableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
