package config

import (
	"strings"
	"testing"
	"time"
)

func mapLookup(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(mapLookup(map[string]string{"VAI_DIALOG_API_KEYS": "vai_sk_test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, int64(1<<20))
	}
	if cfg.DedupeLiveWindow != 30*time.Second || cfg.DedupeCatchupWindow != 15*time.Second {
		t.Fatalf("dedupe windows = %v/%v, want 30s/15s", cfg.DedupeLiveWindow, cfg.DedupeCatchupWindow)
	}
	if cfg.MaxEventTextBytes != 32*1024 || cfg.MaxCatchupTextBytes != 512*1024 || cfg.MaxIdentifierBytes != 256 {
		t.Fatalf("relay caps = %d/%d/%d", cfg.MaxEventTextBytes, cfg.MaxCatchupTextBytes, cfg.MaxIdentifierBytes)
	}
	if cfg.HistoryLimit != 200 {
		t.Fatalf("HistoryLimit = %d, want 200", cfg.HistoryLimit)
	}
	if cfg.FlushWindow != 80*time.Millisecond {
		t.Fatalf("FlushWindow = %v, want 80ms", cfg.FlushWindow)
	}
	if cfg.SweepInterval != 10*time.Second || cfg.IdleSessionTTL != 30*time.Minute {
		t.Fatalf("sweep = %v/%v, want 10s/30m", cfg.SweepInterval, cfg.IdleSessionTTL)
	}
	if cfg.FallbackTimeout != 800*time.Millisecond || cfg.ExtendedTimeout != 2500*time.Millisecond {
		t.Fatalf("endpoint timers = %v/%v, want 800ms/2.5s", cfg.FallbackTimeout, cfg.ExtendedTimeout)
	}
	if cfg.BargeIn {
		t.Fatalf("BargeIn = true, want false")
	}
	if cfg.ConnectRetries != 3 {
		t.Fatalf("ConnectRetries = %d, want 3", cfg.ConnectRetries)
	}
	if cfg.InputLanguage != "en" || cfg.ReplyLanguage != "en" {
		t.Fatalf("languages = %q/%q, want en/en", cfg.InputLanguage, cfg.ReplyLanguage)
	}
	if cfg.SubscriberPingInterval != 20*time.Second || cfg.SubscriberWriteTimeout != 5*time.Second {
		t.Fatalf("ws timers = %v/%v", cfg.SubscriberPingInterval, cfg.SubscriberWriteTimeout)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(mapLookup(map[string]string{
		"VAI_DIALOG_ADDR":                   ":9090",
		"VAI_DIALOG_AUTH_MODE":              "optional",
		"VAI_DIALOG_API_KEYS":               "k1,k2",
		"VAI_DIALOG_SUBSCRIBER_KEYS":        "view1",
		"VAI_DIALOG_LOG_LEVEL":              "DEBUG",
		"VAI_DIALOG_TRUST_PROXY_HEADERS":    "true",
		"VAI_DIALOG_CORS_ORIGINS":           "https://a.example,https://b.example",
		"VAI_DIALOG_DEDUPE_LIVE_WINDOW":     "45s",
		"VAI_DIALOG_DEDUPE_CATCHUP_WINDOW":  "20s",
		"VAI_DIALOG_FLUSH_WINDOW":           "120",
		"VAI_DIALOG_FALLBACK_TIMEOUT":       "1.2s",
		"VAI_DIALOG_EXTENDED_TIMEOUT":       "4000",
		"VAI_DIALOG_BARGE_IN":               "yes",
		"VAI_DIALOG_SESSION_API_URL":        "https://sessions.example/v1",
		"VAI_DIALOG_INPUT_LANGUAGE":         "pt-BR",
		"VAI_DIALOG_REPLY_LANGUAGE":         "klingon",
		"VAI_DIALOG_CONNECT_RETRIES":        "5",
		"VAI_DIALOG_ICE_SERVERS":            "stun:a.example:3478, stun:b.example:3478",
		"VAI_DIALOG_DATABASE_URL":           "postgres://localhost/dialog",
		"VAI_DIALOG_RATE_LIMIT_RPS":         "3.5",
		"VAI_DIALOG_RATE_LIMIT_BURST":       "8",
		"VAI_DIALOG_MAX_CONCURRENT_REQUESTS": "44",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.AuthMode != AuthModeOptional || cfg.LogLevel != "debug" {
		t.Fatalf("Addr/AuthMode/LogLevel = %q/%q/%q", cfg.Addr, cfg.AuthMode, cfg.LogLevel)
	}
	if _, ok := cfg.SubscriberKeys["view1"]; !ok {
		t.Fatalf("SubscriberKeys = %v, want view1", cfg.SubscriberKeys)
	}
	if len(cfg.APIKeys) != 2 || len(cfg.CORSAllowedOrigins) != 2 || !cfg.TrustProxyHeaders {
		t.Fatalf("auth/cors mismatch: %+v", cfg)
	}
	if cfg.FlushWindow != 120*time.Millisecond || cfg.ExtendedTimeout != 4*time.Second || cfg.FallbackTimeout != 1200*time.Millisecond {
		t.Fatalf("timers mismatch: %v/%v/%v", cfg.FlushWindow, cfg.ExtendedTimeout, cfg.FallbackTimeout)
	}
	if !cfg.BargeIn {
		t.Fatalf("BargeIn = false, want true")
	}
	if cfg.InputLanguage != "pt" || cfg.ReplyLanguage != "en" {
		t.Fatalf("languages = %q/%q, want pt/en", cfg.InputLanguage, cfg.ReplyLanguage)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "stun:b.example:3478" {
		t.Fatalf("ICEServers = %v", cfg.ICEServers)
	}
	if cfg.LimitRPS != 3.5 || cfg.LimitBurst != 8 || cfg.LimitMaxConcurrentRequests != 44 {
		t.Fatalf("limits mismatch: %v/%d/%d", cfg.LimitRPS, cfg.LimitBurst, cfg.LimitMaxConcurrentRequests)
	}

	bc := cfg.Broadcast()
	if bc.LiveWindow != 45*time.Second || bc.CatchupWindow != 20*time.Second || bc.FlushWindow != 120*time.Millisecond {
		t.Fatalf("broadcast config mismatch: %+v", bc)
	}
	if ec := cfg.Endpoint(); ec.ExtendedTimeout != 4*time.Second || ec.VAD.BaseThreshold != 0.5 {
		t.Fatalf("endpoint config mismatch: %+v", ec)
	}
	if rc := cfg.Retry(); rc.ConnectRetries != 5 || rc.ExchangeAttempts != 4 {
		t.Fatalf("retry config mismatch: %+v", rc)
	}
}

func TestLoadFromEnv_ReadsProcessEnv(t *testing.T) {
	t.Setenv("VAI_DIALOG_AUTH_MODE", "disabled")
	t.Setenv("VAI_DIALOG_ADDR", ":7070")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":7070" || cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("Addr/AuthMode = %q/%q", cfg.Addr, cfg.AuthMode)
	}
}

func TestLoad_RequiredAuthNeedsAPIKeys(t *testing.T) {
	_, err := Load(mapLookup(map[string]string{"VAI_DIALOG_AUTH_MODE": "required"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "VAI_DIALOG_API_KEYS") {
		t.Fatalf("error = %v, expected VAI_DIALOG_API_KEYS in message", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name      string
		key       string
		value     string
		errSubstr string
	}{
		{"auth mode", "VAI_DIALOG_AUTH_MODE", "sometimes", "VAI_DIALOG_AUTH_MODE"},
		{"log level", "VAI_DIALOG_LOG_LEVEL", "loud", "VAI_DIALOG_LOG_LEVEL"},
		{"flush window", "VAI_DIALOG_FLUSH_WINDOW", "0s", "VAI_DIALOG_FLUSH_WINDOW"},
		{"history limit", "VAI_DIALOG_HISTORY_LIMIT", "0", "VAI_DIALOG_HISTORY_LIMIT"},
		{"fallback timeout", "VAI_DIALOG_FALLBACK_TIMEOUT", "-1s", "VAI_DIALOG_FALLBACK_TIMEOUT"},
		{"session api url", "VAI_DIALOG_SESSION_API_URL", "sessions.local", "VAI_DIALOG_SESSION_API_URL"},
		{"connect retries", "VAI_DIALOG_CONNECT_RETRIES", "-1", "VAI_DIALOG_CONNECT_RETRIES"},
		{"ws queue", "VAI_DIALOG_WS_QUEUE_SIZE", "0", "VAI_DIALOG_WS_QUEUE_SIZE"},
		{"shutdown grace", "VAI_DIALOG_SHUTDOWN_GRACE_PERIOD", "0s", "VAI_DIALOG_SHUTDOWN_GRACE_PERIOD"},
		{"rate limit", "VAI_DIALOG_RATE_LIMIT_RPS", "-2", "VAI_DIALOG_RATE_LIMIT_RPS"},
		{"event text cap", "VAI_DIALOG_MAX_EVENT_TEXT_BYTES", "-1", "VAI_DIALOG_MAX_EVENT_TEXT_BYTES"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{"VAI_DIALOG_AUTH_MODE": "optional"}
			env[tc.key] = tc.value
			_, err := Load(mapLookup(env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}

func TestLoad_UnparseableValuesFallBackToDefaults(t *testing.T) {
	cfg, err := Load(mapLookup(map[string]string{
		"VAI_DIALOG_AUTH_MODE":     "disabled",
		"VAI_DIALOG_HISTORY_LIMIT": "lots",
		"VAI_DIALOG_SWEEP_INTERVAL": "soon",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HistoryLimit != 200 || cfg.SweepInterval != 10*time.Second {
		t.Fatalf("fallbacks = %d/%v", cfg.HistoryLimit, cfg.SweepInterval)
	}
}
