// Package auth resolves gateway credentials and the scope each one grants.
//
// Relay producers hold full keys and may publish transcripts. Viewers hold
// subscriber keys, which only open transcript streams and read history.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type Scope uint8

const (
	ScopeSubscribe Scope = 1 << iota
	ScopePublish

	ScopeAll = ScopeSubscribe | ScopePublish
)

func (s Scope) Has(want Scope) bool { return s&want == want }

func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopePublish:
		return "publish"
	case ScopeSubscribe:
		return "subscribe"
	default:
		return "none"
	}
}

// Source records where a credential was read from.
type Source string

const (
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
)

// Credential is an authenticated key. Key must not be logged.
type Credential struct {
	Key    string
	Source Source
	Scope  Scope
}

type ctxKey struct{}

func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func CredentialFrom(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Credential)
	return c, ok && c != nil
}

// Keyring maps keys to the scope they grant. A key present in both sets
// keeps the full scope.
type Keyring struct {
	full      map[string]struct{}
	subscribe map[string]struct{}
}

func NewKeyring(full, subscribeOnly map[string]struct{}) Keyring {
	return Keyring{full: full, subscribe: subscribeOnly}
}

func (k Keyring) Lookup(key string) (Scope, bool) {
	if _, ok := k.full[key]; ok {
		return ScopeAll, true
	}
	if _, ok := k.subscribe[key]; ok {
		return ScopeSubscribe, true
	}
	return 0, false
}

func (k Keyring) Len() int { return len(k.full) + len(k.subscribe) }

// Extract reads the bearer token. When allowQuery is set, the access_token
// query parameter is accepted as a fallback for clients that cannot set
// headers (browser websockets and EventSource).
func Extract(r *http.Request, allowQuery bool) (string, Source, bool) {
	if token, ok := bearer(r.Header.Get("Authorization")); ok {
		return token, SourceHeader, true
	}
	if !allowQuery {
		return "", "", false
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, SourceQuery, true
	}
	return "", "", false
}

func bearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequiredScope reports the scope a request needs: relay ingress publishes,
// everything else reads.
func RequiredScope(r *http.Request) Scope {
	if r.Method == http.MethodPost && (r.URL.Path == "/v1/transcripts" || strings.HasPrefix(r.URL.Path, "/v1/transcripts/")) {
		return ScopePublish
	}
	return ScopeSubscribe
}
