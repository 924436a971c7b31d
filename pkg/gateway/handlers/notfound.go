package handlers

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
)

// NotFoundHandler is the fallback route. Known paths reached with the wrong
// method get a 405 with an Allow header instead of a 404.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if allow := allowedMethod(r.URL.Path); allow != "" {
		w.Header().Set("Allow", allow)
		writeAPIError(w, reqID, &apierror.Error{
			Type:    apierror.TypeInvalidRequest,
			Message: r.Method + " is not supported on " + r.URL.Path + "; use " + allow,
			Code:    "method_not_allowed",
		}, http.StatusMethodNotAllowed)
		return
	}
	writeAPIError(w, reqID, apierror.NotFound("no route for "+r.URL.Path), http.StatusNotFound)
}

func allowedMethod(path string) string {
	switch path {
	case "/v1/transcripts", "/v1/transcripts/catchup":
		return http.MethodPost
	}
	rest, ok := strings.CutPrefix(path, "/v1/sessions/")
	if !ok {
		return ""
	}
	id, leaf, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return ""
	}
	switch leaf {
	case "history", "transcripts", "events":
		return http.MethodGet
	}
	return ""
}
