package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
)

// corsPolicy is the browser surface: relay ingress posts, history reads and
// subscriber streams. Last-Event-ID lets EventSource resume.
var corsPolicy = struct {
	methods map[string]bool
	allow   string
	expose  string
	maxAge  string
}{
	methods: map[string]bool{http.MethodGet: true, http.MethodPost: true},
	allow:   "Authorization, Content-Type, Last-Event-ID, X-Request-ID, X-VAI-Version",
	expose:  "Retry-After, X-Request-ID, X-VAI-Version",
	maxAge:  "600",
}

// CORS answers preflights and tags responses for allowlisted origins only.
// An empty allowlist disables CORS.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		_, allowed := cfg.CORSAllowedOrigins[origin]
		allowed = allowed && origin != ""

		reqMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
		if r.Method == http.MethodOptions && reqMethod != "" {
			reqID, _ := RequestIDFrom(r.Context())
			switch {
			case !allowed:
				writeJSONError(w, http.StatusForbidden, &apierror.Error{
					Type:      apierror.TypePermission,
					Message:   "origin is not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
			case !corsPolicy.methods[strings.ToUpper(reqMethod)]:
				writeJSONError(w, http.StatusMethodNotAllowed, &apierror.Error{
					Type:      apierror.TypeInvalidRequest,
					Message:   "method " + reqMethod + " is not allowed",
					Param:     "Access-Control-Request-Method",
					RequestID: reqID,
				})
			default:
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST")
				h.Set("Access-Control-Allow-Headers", corsPolicy.allow)
				h.Set("Access-Control-Max-Age", corsPolicy.maxAge)
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsPolicy.expose)
		}
		next.ServeHTTP(w, r)
	})
}
