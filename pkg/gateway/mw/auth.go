package mw

import (
	"net/http"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/auth"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
)

// Auth resolves the caller's key against the configured keyring and checks
// that it grants the scope the route needs. Subscriber streams may carry the
// key in access_token.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	keys := auth.NewKeyring(cfg.APIKeys, cfg.SubscriberKeys)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())
		fail := func(status int, e *apierror.Error) {
			e.RequestID = reqID
			writeJSONError(w, status, e)
		}

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			fail(http.StatusInternalServerError, &apierror.Error{Type: apierror.TypeAPI, Message: "invalid auth_mode"})
			return
		}

		key, source, ok := auth.Extract(r, isWebSocketUpgrade(r) || isEventStream(r))
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				fail(http.StatusUnauthorized, &apierror.Error{
					Type:    apierror.TypeAuthentication,
					Message: "missing bearer token",
					Param:   "Authorization",
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		scope, known := keys.Lookup(key)
		if !known {
			fail(http.StatusUnauthorized, &apierror.Error{Type: apierror.TypeAuthentication, Message: "invalid api key"})
			return
		}
		if need := auth.RequiredScope(r); !scope.Has(need) {
			fail(http.StatusForbidden, &apierror.Error{
				Type:    apierror.TypePermission,
				Message: "api key may not " + need.String() + " transcripts",
				Code:    "insufficient_scope",
			})
			return
		}

		cred := &auth.Credential{Key: key, Source: source, Scope: scope}
		next.ServeHTTP(w, r.WithContext(auth.WithCredential(r.Context(), cred)))
	})
}
