package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/mw"
)

func requestIDFrom(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeAPIError(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := apierror.FromError(err, requestIDFrom(r))
	writeAPIError(w, apiErr.RequestID, apiErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody reads at most limit bytes. Oversized bodies are reported as a 413
// envelope error.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *apierror.Error, int) {
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &apierror.Error{
				Type:    apierror.TypeInvalidRequest,
				Message: "request body too large",
				Code:    "body_too_large",
			}, http.StatusRequestEntityTooLarge
		}
		return nil, apierror.InvalidRequest("failed to read request body", ""), http.StatusBadRequest
	}
	return body, nil, 0
}
