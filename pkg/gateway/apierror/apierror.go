package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
)

// Type categorizes errors.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeAPI            Type = "api_error"
	TypeOverloaded     Type = "overloaded_error"
)

// Error is the body of an HTTP error envelope.
type Error struct {
	Type       Type   `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: TypeInvalidRequest, Message: message, Param: param}
}

func NotFound(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message}
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	// Ingress decode errors.
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      TypeInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			Code:      decodeErr.Code,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Broadcast rejections.
	if errors.Is(err, broadcast.ErrInvalidEvent) {
		return &Error{
			Type:      TypeInvalidRequest,
			Message:   err.Error(),
			RequestID: requestID,
		}, http.StatusBadRequest
	}
	if errors.Is(err, broadcast.ErrClosed) {
		return &Error{
			Type:      TypeOverloaded,
			Message:   "broadcast service is shutting down",
			Code:      "draining",
			RequestID: requestID,
		}, 529
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return 529
	case TypeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
