package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
)

const (
	apiVersionHeader = "X-VAI-Version"
	apiVersionQuery  = "v"
	apiVersion       = "1"
)

// APIVersion pins /v1 requests to the wire version this gateway speaks and
// echoes it on the response. Subscriber streams may pin it with the v query
// parameter instead of the header. Absent pins mean the current version.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path+"/", "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		param, bad := requestedVersion(r)
		if bad != "" {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.TypeInvalidRequest,
				Message:   "unsupported API version " + bad + "; this gateway speaks " + apiVersion,
				Param:     param,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}

		w.Header().Set(apiVersionHeader, apiVersion)
		next.ServeHTTP(w, r)
	})
}

// requestedVersion returns the first pinned version that is not supported,
// with the parameter it came from.
func requestedVersion(r *http.Request) (param, bad string) {
	for _, value := range r.Header.Values(apiVersionHeader) {
		for _, part := range strings.Split(value, ",") {
			if v := strings.TrimSpace(part); v != "" && v != apiVersion {
				return apiVersionHeader, v
			}
		}
	}
	if isWebSocketUpgrade(r) || isEventStream(r) {
		if v := strings.TrimSpace(r.URL.Query().Get(apiVersionQuery)); v != "" && v != apiVersion {
			return apiVersionQuery, v
		}
	}
	return "", ""
}
