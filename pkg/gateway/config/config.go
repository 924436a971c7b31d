package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-dialog/pkg/core/endpoint"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/orchestrator"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr     string
	LogLevel string

	AuthMode AuthMode
	APIKeys  map[string]struct{}
	// SubscriberKeys may read transcripts but not publish them.
	SubscriberKeys map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes     int64
	MaxCatchupEvents int

	// Relay payload caps enforced by pkg/gateway/limits. Zero disables a cap.
	MaxEventTextBytes   int64
	MaxCatchupTextBytes int64
	MaxIdentifierBytes  int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Subscriber websockets (/v1/sessions/{id}/transcripts).
	SubscriberPingInterval        time.Duration
	SubscriberWriteTimeout        time.Duration
	SubscriberQueueSize           int
	SubscriberMaxDuration         time.Duration
	SubscribersPerPrincipal       int
	SubscriberMaxJSONMessageBytes int64

	// Broadcast dedupe and fan-out.
	DedupeLiveWindow    time.Duration
	DedupeCatchupWindow time.Duration
	HistoryLimit        int
	FlushWindow         time.Duration
	SweepInterval       time.Duration
	IdleSessionTTL      time.Duration

	// Endpointing.
	BargeIn         bool
	FallbackTimeout time.Duration
	ExtendedTimeout time.Duration

	// Realtime session collaborator used by the connect command.
	SessionAPIURL  string
	SessionAPIKey  string
	Voice          string
	InputLanguage  string
	ReplyLanguage  string
	ConnectRetries int
	ICEServers     []string

	// Durable transcript store. Empty => memory only.
	DatabaseURL  string
	StoreTimeout time.Duration

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentStreams  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// Session API HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration
}

// LoadFromEnv reads the configuration from the process environment.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads the configuration through lookup, which returns "" for unset keys.
func Load(lookup func(string) string) (Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	env := source(lookup)

	cfg := Config{
		Addr:                          env.or("VAI_DIALOG_ADDR", ":8080"),
		LogLevel:                      env.or("VAI_DIALOG_LOG_LEVEL", "info"),
		AuthMode:                      AuthMode(env.or("VAI_DIALOG_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                       make(map[string]struct{}),
		SubscriberKeys:                make(map[string]struct{}),
		TrustProxyHeaders:             env.boolOr("VAI_DIALOG_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:                  env.int64Or("VAI_DIALOG_MAX_BODY_BYTES", 1<<20), // 1 MiB
		MaxCatchupEvents:              env.intOr("VAI_DIALOG_MAX_CATCHUP_EVENTS", 500),
		MaxEventTextBytes:             env.int64Or("VAI_DIALOG_MAX_EVENT_TEXT_BYTES", 32*1024),
		MaxCatchupTextBytes:           env.int64Or("VAI_DIALOG_MAX_CATCHUP_TEXT_BYTES", 512*1024),
		MaxIdentifierBytes:            env.intOr("VAI_DIALOG_MAX_IDENTIFIER_BYTES", 256),
		CORSAllowedOrigins:            make(map[string]struct{}),
		SubscriberPingInterval:        env.durationOr("VAI_DIALOG_WS_PING_INTERVAL", 20*time.Second),
		SubscriberWriteTimeout:        env.durationOr("VAI_DIALOG_WS_WRITE_TIMEOUT", 5*time.Second),
		SubscriberQueueSize:           env.intOr("VAI_DIALOG_WS_QUEUE_SIZE", 256),
		SubscriberMaxDuration:         env.durationOr("VAI_DIALOG_WS_MAX_DURATION", 2*time.Hour),
		SubscribersPerPrincipal:       env.intOr("VAI_DIALOG_WS_MAX_SUBSCRIBERS_PER_PRINCIPAL", 8),
		SubscriberMaxJSONMessageBytes: env.int64Or("VAI_DIALOG_WS_MAX_JSON_MESSAGE_BYTES", 4*1024),
		DedupeLiveWindow:              env.durationOr("VAI_DIALOG_DEDUPE_LIVE_WINDOW", 30*time.Second),
		DedupeCatchupWindow:           env.durationOr("VAI_DIALOG_DEDUPE_CATCHUP_WINDOW", 15*time.Second),
		HistoryLimit:                  env.intOr("VAI_DIALOG_HISTORY_LIMIT", 200),
		FlushWindow:                   env.durationOr("VAI_DIALOG_FLUSH_WINDOW", 80*time.Millisecond),
		SweepInterval:                 env.durationOr("VAI_DIALOG_SWEEP_INTERVAL", 10*time.Second),
		IdleSessionTTL:                env.durationOr("VAI_DIALOG_IDLE_SESSION_TTL", 30*time.Minute),
		BargeIn:                       env.boolOr("VAI_DIALOG_BARGE_IN", false),
		FallbackTimeout:               env.durationOr("VAI_DIALOG_FALLBACK_TIMEOUT", 800*time.Millisecond),
		ExtendedTimeout:               env.durationOr("VAI_DIALOG_EXTENDED_TIMEOUT", 2500*time.Millisecond),
		SessionAPIURL:                 env.or("VAI_DIALOG_SESSION_API_URL", ""),
		SessionAPIKey:                 env.or("VAI_DIALOG_SESSION_API_KEY", ""),
		Voice:                         env.or("VAI_DIALOG_VOICE", ""),
		InputLanguage:                 orchestrator.NormalizeLanguage(env.or("VAI_DIALOG_INPUT_LANGUAGE", "en")),
		ReplyLanguage:                 orchestrator.NormalizeLanguage(env.or("VAI_DIALOG_REPLY_LANGUAGE", "en")),
		ConnectRetries:                env.intOr("VAI_DIALOG_CONNECT_RETRIES", 3),
		ICEServers:                    splitCSV(env("VAI_DIALOG_ICE_SERVERS")),
		DatabaseURL:                   env.or("VAI_DIALOG_DATABASE_URL", ""),
		StoreTimeout:                  env.durationOr("VAI_DIALOG_STORE_TIMEOUT", 5*time.Second),
		LimitRPS:                      env.float64Or("VAI_DIALOG_RATE_LIMIT_RPS", 50.0),
		LimitBurst:                    env.intOr("VAI_DIALOG_RATE_LIMIT_BURST", 100),
		LimitMaxConcurrentRequests:    env.intOr("VAI_DIALOG_MAX_CONCURRENT_REQUESTS", 32),
		LimitMaxConcurrentStreams:     env.intOr("VAI_DIALOG_MAX_STREAMS_PER_PRINCIPAL", 8),
		ReadHeaderTimeout:             env.durationOr("VAI_DIALOG_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   env.durationOr("VAI_DIALOG_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:                env.durationOr("VAI_DIALOG_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:           env.durationOr("VAI_DIALOG_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:        env.durationOr("VAI_DIALOG_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: env.durationOr("VAI_DIALOG_RESPONSE_HEADER_TIMEOUT", 15*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_DIALOG_AUTH_MODE must be one of required|optional|disabled")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	default:
		return Config{}, fmt.Errorf("VAI_DIALOG_LOG_LEVEL must be one of debug|info|warn|error")
	}

	for _, key := range splitCSV(env("VAI_DIALOG_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, key := range splitCSV(env("VAI_DIALOG_SUBSCRIBER_KEYS")) {
		cfg.SubscriberKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(env("VAI_DIALOG_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxCatchupEvents <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_CATCHUP_EVENTS must be > 0")
	}
	if cfg.MaxEventTextBytes < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_EVENT_TEXT_BYTES must be >= 0")
	}
	if cfg.MaxCatchupTextBytes < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_CATCHUP_TEXT_BYTES must be >= 0")
	}
	if cfg.MaxIdentifierBytes < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_IDENTIFIER_BYTES must be >= 0")
	}
	if cfg.SubscriberPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_PING_INTERVAL must be > 0")
	}
	if cfg.SubscriberWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SubscriberQueueSize <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_QUEUE_SIZE must be > 0")
	}
	if cfg.SubscriberMaxDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_MAX_DURATION must be > 0")
	}
	if cfg.SubscribersPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_MAX_SUBSCRIBERS_PER_PRINCIPAL must be > 0")
	}
	if cfg.SubscriberMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_WS_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.DedupeLiveWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_DEDUPE_LIVE_WINDOW must be > 0")
	}
	if cfg.DedupeCatchupWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_DEDUPE_CATCHUP_WINDOW must be > 0")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_HISTORY_LIMIT must be > 0")
	}
	if cfg.FlushWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_FLUSH_WINDOW must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_SWEEP_INTERVAL must be > 0")
	}
	if cfg.IdleSessionTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_IDLE_SESSION_TTL must be > 0")
	}
	if cfg.FallbackTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_FALLBACK_TIMEOUT must be > 0")
	}
	if cfg.ExtendedTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_EXTENDED_TIMEOUT must be > 0")
	}
	if cfg.SessionAPIURL != "" {
		u, err := url.Parse(cfg.SessionAPIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("VAI_DIALOG_SESSION_API_URL must be an absolute URL")
		}
	}
	if cfg.ConnectRetries < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_CONNECT_RETRIES must be >= 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_STORE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_RESPONSE_HEADER_TIMEOUT must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_MAX_STREAMS_PER_PRINCIPAL must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_DIALOG_API_KEYS must be set when VAI_DIALOG_AUTH_MODE=required")
	}

	return cfg, nil
}

// Broadcast returns the broadcast service tuning.
func (c Config) Broadcast() broadcast.Config {
	cfg := broadcast.DefaultConfig()
	cfg.LiveWindow = c.DedupeLiveWindow
	cfg.CatchupWindow = c.DedupeCatchupWindow
	cfg.HistoryLimit = c.HistoryLimit
	cfg.FlushWindow = c.FlushWindow
	cfg.SweepInterval = c.SweepInterval
	cfg.IdleShardTTL = c.IdleSessionTTL
	cfg.StoreTimeout = c.StoreTimeout
	return cfg
}

// Endpoint returns the endpointing timers.
func (c Config) Endpoint() endpoint.Config {
	cfg := endpoint.DefaultConfig()
	cfg.FallbackTimeout = c.FallbackTimeout
	cfg.ExtendedTimeout = c.ExtendedTimeout
	return cfg
}

// Retry returns the orchestrator retry policy.
func (c Config) Retry() orchestrator.RetryConfig {
	cfg := orchestrator.DefaultRetryConfig()
	cfg.ConnectRetries = c.ConnectRetries
	return cfg
}

type source func(string) string

func (s source) or(key, def string) string {
	v := strings.TrimSpace(s(key))
	if v == "" {
		return def
	}
	return v
}

func (s source) int64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) intOr(key string, def int) int {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) float64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) boolOr(key string, def bool) bool {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// durationOr accepts Go durations ("750ms") and bare integers as milliseconds.
func (s source) durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
