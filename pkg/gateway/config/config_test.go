package config

import (
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"REALTIME_RELAY_ADDR",
	"REALTIME_RELAY_CORS_ORIGINS",
	"REALTIME_RELAY_PATH",
	"REALTIME_RELAY_UPSTREAM_URL",
	"REALTIME_RELAY_UPSTREAM_HANDSHAKE_TIMEOUT",
	"REALTIME_RELAY_ISSUER_BASE_URL",
	"REALTIME_RELAY_ISSUER_TIMEOUT",
	"REALTIME_RELAY_OPENAI_API_KEY",
	"OPENAI_API_KEY",
	"REALTIME_RELAY_MODEL",
	"REALTIME_RELAY_VOICE",
	"REALTIME_RELAY_POOL_SIZE",
	"REALTIME_RELAY_POOL_SAFETY_MARGIN",
	"REALTIME_RELAY_POOL_MAX_ENTRY_AGE",
	"REALTIME_RELAY_POOL_REFILL_INTERVAL",
	"REALTIME_RELAY_KEEPALIVE_INTERVAL",
	"REALTIME_RELAY_WRITE_TIMEOUT",
	"REALTIME_RELAY_WARMING_BACKLOG",
	"REALTIME_RELAY_MAX_MESSAGE_BYTES",
	"REALTIME_RELAY_LIMIT_CONNECTS_PER_SEC",
	"REALTIME_RELAY_LIMIT_BURST",
	"REALTIME_RELAY_LIMIT_MAX_BRIDGES_PER_CLIENT",
	"REALTIME_RELAY_METRICS_ENABLED",
	"REALTIME_RELAY_READ_HEADER_TIMEOUT",
	"REALTIME_RELAY_SHUTDOWN_GRACE_PERIOD",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("REALTIME_RELAY_OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.RealtimePath != "/realtime" {
		t.Fatalf("RealtimePath = %q, want /realtime", cfg.RealtimePath)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
	if cfg.UpstreamURL != "wss://api.openai.com/v1/realtime" {
		t.Fatalf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.IssuerBaseURL != "https://api.openai.com" {
		t.Fatalf("IssuerBaseURL = %q", cfg.IssuerBaseURL)
	}
	if cfg.Model != "gpt-4o-realtime-preview" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.PoolSize != 5 {
		t.Fatalf("PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.PoolSafetyMargin != 10*time.Second {
		t.Fatalf("PoolSafetyMargin = %v, want 10s", cfg.PoolSafetyMargin)
	}
	if cfg.PoolMaxEntryAge != 50*time.Second {
		t.Fatalf("PoolMaxEntryAge = %v, want 50s", cfg.PoolMaxEntryAge)
	}
	if cfg.PoolRefillInterval != 15*time.Second {
		t.Fatalf("PoolRefillInterval = %v, want 15s", cfg.PoolRefillInterval)
	}
	if cfg.KeepaliveInterval != 10*time.Millisecond {
		t.Fatalf("KeepaliveInterval = %v, want 10ms", cfg.KeepaliveInterval)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("WriteTimeout = %v, want 5s", cfg.WriteTimeout)
	}
	if cfg.WarmingBacklog != 64 {
		t.Fatalf("WarmingBacklog = %d, want 64", cfg.WarmingBacklog)
	}
	if cfg.MaxMessageBytes != 4<<20 {
		t.Fatalf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, int64(4<<20))
	}
	if cfg.UpstreamHandshakeTimeout != 45*time.Second {
		t.Fatalf("UpstreamHandshakeTimeout = %v, want 45s", cfg.UpstreamHandshakeTimeout)
	}
	if cfg.LimitConnectsPerSec != 0 || cfg.LimitBurst != 0 || cfg.LimitMaxBridgesPerClient != 0 {
		t.Fatalf("limits should be disabled by default")
	}
	if !cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled = false, want true")
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("REALTIME_RELAY_OPENAI_API_KEY", "sk-test")
	t.Setenv("REALTIME_RELAY_ADDR", ":9090")
	t.Setenv("REALTIME_RELAY_CORS_ORIGINS", "https://app.example.com, http://localhost:3000 ,")
	t.Setenv("REALTIME_RELAY_PATH", "/voice")
	t.Setenv("REALTIME_RELAY_POOL_SIZE", "8")
	t.Setenv("REALTIME_RELAY_POOL_SAFETY_MARGIN", "5s")
	t.Setenv("REALTIME_RELAY_POOL_REFILL_INTERVAL", "0")
	t.Setenv("REALTIME_RELAY_KEEPALIVE_INTERVAL", "25ms")
	t.Setenv("REALTIME_RELAY_LIMIT_CONNECTS_PER_SEC", "0.5")
	t.Setenv("REALTIME_RELAY_LIMIT_BURST", "3")
	t.Setenv("REALTIME_RELAY_METRICS_ENABLED", "off")
	t.Setenv("REALTIME_RELAY_VOICE", "verse")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" || cfg.RealtimePath != "/voice" {
		t.Fatalf("Addr=%q RealtimePath=%q", cfg.Addr, cfg.RealtimePath)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v, want 2 entries", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["http://localhost:3000"]; !ok {
		t.Fatalf("expected trimmed localhost origin, got %v", cfg.CORSAllowedOrigins)
	}
	if cfg.PoolSize != 8 || cfg.PoolSafetyMargin != 5*time.Second || cfg.PoolRefillInterval != 0 {
		t.Fatalf("pool = %d/%v/%v", cfg.PoolSize, cfg.PoolSafetyMargin, cfg.PoolRefillInterval)
	}
	if cfg.KeepaliveInterval != 25*time.Millisecond {
		t.Fatalf("KeepaliveInterval = %v", cfg.KeepaliveInterval)
	}
	if cfg.LimitConnectsPerSec != 0.5 || cfg.LimitBurst != 3 {
		t.Fatalf("limits = %v/%d", cfg.LimitConnectsPerSec, cfg.LimitBurst)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled = true, want false")
	}
	if cfg.Voice != "verse" {
		t.Fatalf("Voice = %q", cfg.Voice)
	}
}

func TestLoadFromEnv_FallsBackToOpenAIAPIKey(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-shared")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-shared" {
		t.Fatalf("OpenAIAPIKey = %q", cfg.OpenAIAPIKey)
	}
}

func TestLoadFromEnv_InvalidNumbersFallBackToDefaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("REALTIME_RELAY_OPENAI_API_KEY", "sk-test")
	t.Setenv("REALTIME_RELAY_POOL_SIZE", "lots")
	t.Setenv("REALTIME_RELAY_KEEPALIVE_INTERVAL", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.PoolSize != 5 || cfg.KeepaliveInterval != 10*time.Millisecond {
		t.Fatalf("PoolSize=%d KeepaliveInterval=%v, want defaults", cfg.PoolSize, cfg.KeepaliveInterval)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing api key", map[string]string{"REALTIME_RELAY_OPENAI_API_KEY": ""}, "OPENAI_API_KEY"},
		{"relative path", map[string]string{"REALTIME_RELAY_PATH": "realtime"}, "REALTIME_RELAY_PATH must start with /"},
		{"zero pool", map[string]string{"REALTIME_RELAY_POOL_SIZE": "0"}, "REALTIME_RELAY_POOL_SIZE must be > 0"},
		{"negative margin", map[string]string{"REALTIME_RELAY_POOL_SAFETY_MARGIN": "-1s"}, "REALTIME_RELAY_POOL_SAFETY_MARGIN must be > 0"},
		{"negative entry age", map[string]string{"REALTIME_RELAY_POOL_MAX_ENTRY_AGE": "-1s"}, "REALTIME_RELAY_POOL_MAX_ENTRY_AGE must be >= 0"},
		{"zero keepalive", map[string]string{"REALTIME_RELAY_KEEPALIVE_INTERVAL": "0s"}, "REALTIME_RELAY_KEEPALIVE_INTERVAL must be > 0"},
		{"negative backlog", map[string]string{"REALTIME_RELAY_WARMING_BACKLOG": "-1"}, "REALTIME_RELAY_WARMING_BACKLOG must be >= 0"},
		{"zero message bytes", map[string]string{"REALTIME_RELAY_MAX_MESSAGE_BYTES": "0"}, "REALTIME_RELAY_MAX_MESSAGE_BYTES must be > 0"},
		{"negative limit", map[string]string{"REALTIME_RELAY_LIMIT_MAX_BRIDGES_PER_CLIENT": "-2"}, "REALTIME_RELAY_LIMIT_MAX_BRIDGES_PER_CLIENT must be >= 0"},
		{"zero grace", map[string]string{"REALTIME_RELAY_SHUTDOWN_GRACE_PERIOD": "0s"}, "REALTIME_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRelayEnv(t)
			t.Setenv("REALTIME_RELAY_OPENAI_API_KEY", "sk-test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}
