// Package principal identifies the caller that per-principal budgets
// (request rate, concurrent subscribers) are charged to.
package principal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-dialog/pkg/gateway/auth"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Identity is the resolved caller. Key is a digest and safe to log; the raw
// key or address is only available through Raw.
type Identity struct {
	Kind  Kind
	Key   string
	Scope auth.Scope

	raw string
}

func (id Identity) Raw() string { return id.raw }

// LogValue keeps the raw credential out of structured logs.
func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(id.Kind)),
		slog.String("key", id.Key),
	)
}

var anonymous = Identity{Kind: KindAnon, Key: "anonymous"}

// Resolve charges authenticated callers to their key and everyone else to
// their client address.
func Resolve(r *http.Request, trustProxyHeaders bool) Identity {
	if r == nil {
		return anonymous
	}
	if c, ok := auth.CredentialFrom(r.Context()); ok && strings.TrimSpace(c.Key) != "" {
		return Identity{
			Kind:  KindAPIKey,
			Key:   ratelimit.PrincipalKeyFromAPIKey(c.Key),
			Scope: c.Scope,
			raw:   c.Key,
		}
	}
	ip := remoteIP(r)
	if trustProxyHeaders {
		if forwarded := forwardedIP(r.Header); forwarded != "" {
			ip = forwarded
		}
	}
	if ip == "" {
		return anonymous
	}
	return Identity{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip), raw: ip}
}

func remoteIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return normalizeIP(host)
}

// forwardedIP reads the client address a trusted proxy recorded. For lists,
// the left-most entry is the original client.
func forwardedIP(h http.Header) string {
	for _, name := range []string{"CF-Connecting-IP", "X-Real-IP"} {
		if ip := normalizeIP(h.Get(name)); ip != "" {
			return ip
		}
	}
	if raw := h.Get("Forwarded"); raw != "" {
		first, _, _ := strings.Cut(raw, ",")
		for _, pair := range strings.Split(first, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(k, "for") {
				continue
			}
			v = strings.Trim(v, `"`)
			if host, _, err := net.SplitHostPort(v); err == nil {
				v = host
			}
			if ip := normalizeIP(strings.Trim(v, "[]")); ip != "" {
				return ip
			}
		}
	}
	if raw := h.Get("X-Forwarded-For"); raw != "" {
		first, _, _ := strings.Cut(raw, ",")
		return normalizeIP(first)
	}
	return ""
}

func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
