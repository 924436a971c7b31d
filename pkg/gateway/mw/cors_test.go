package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-dialog/pkg/gateway/config"
)

func corsHandler(origins ...string) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return CORS(config.Config{CORSAllowedOrigins: allowed}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORS_DisabledByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	corsHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowlistedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	corsHandler("http://localhost:3000").ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{"Origin"}, rr.Header().Values("Vary"))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "X-VAI-Version")
}

func TestCORS_Preflight(t *testing.T) {
	h := corsHandler("https://app.example.com")

	cases := []struct {
		name   string
		origin string
		method string
		want   int
	}{
		{"allowed post", "https://app.example.com", "POST", http.StatusNoContent},
		{"allowed get", "https://app.example.com", "get", http.StatusNoContent},
		{"method not allowed", "https://app.example.com", "DELETE", http.StatusMethodNotAllowed},
		{"foreign origin", "https://evil.example.com", "POST", http.StatusForbidden},
		{"no origin", "", "POST", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/v1/transcripts", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			req.Header.Set("Access-Control-Request-Method", tc.method)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			require.Equal(t, tc.want, rr.Code, rr.Body.String())
			if tc.want == http.StatusNoContent {
				allow := rr.Header().Get("Access-Control-Allow-Headers")
				assert.Contains(t, allow, "X-VAI-Version")
				assert.Contains(t, allow, "Last-Event-ID")
				return
			}
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}
}
