package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Allowed browser origins for the realtime path. Empty admits every
	// origin.
	CORSAllowedOrigins map[string]struct{}

	// Realtime websocket path, matched as a prefix.
	RealtimePath string

	// Upstream realtime service.
	UpstreamURL              string
	UpstreamHandshakeTimeout time.Duration
	IssuerBaseURL            string
	IssuerTimeout            time.Duration
	OpenAIAPIKey             string
	Model                    string
	Voice                    string

	// Credential pool.
	PoolSize           int
	PoolSafetyMargin   time.Duration
	PoolMaxEntryAge    time.Duration
	PoolRefillInterval time.Duration

	// Per-bridge behaviour.
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	WarmingBacklog    int
	MaxMessageBytes   int64

	// In-memory admission limits (per client IP).
	LimitConnectsPerSec      float64
	LimitBurst               int
	LimitMaxBridgesPerClient int

	MetricsEnabled bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("REALTIME_RELAY_ADDR", ":8080"),
		CORSAllowedOrigins:       make(map[string]struct{}),
		RealtimePath:             envOr("REALTIME_RELAY_PATH", "/realtime"),
		UpstreamURL:              envOr("REALTIME_RELAY_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamHandshakeTimeout: envDurationOr("REALTIME_RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", 45*time.Second),
		IssuerBaseURL:            envOr("REALTIME_RELAY_ISSUER_BASE_URL", "https://api.openai.com"),
		IssuerTimeout:            envDurationOr("REALTIME_RELAY_ISSUER_TIMEOUT", 15*time.Second),
		OpenAIAPIKey:             envOr("REALTIME_RELAY_OPENAI_API_KEY", envOr("OPENAI_API_KEY", "")),
		Model:                    envOr("REALTIME_RELAY_MODEL", "gpt-4o-realtime-preview"),
		Voice:                    envOr("REALTIME_RELAY_VOICE", ""),
		PoolSize:                 envIntOr("REALTIME_RELAY_POOL_SIZE", 5),
		PoolSafetyMargin:         envDurationOr("REALTIME_RELAY_POOL_SAFETY_MARGIN", 10*time.Second),
		PoolMaxEntryAge:          envDurationOr("REALTIME_RELAY_POOL_MAX_ENTRY_AGE", 50*time.Second),
		PoolRefillInterval:       envDurationOr("REALTIME_RELAY_POOL_REFILL_INTERVAL", 15*time.Second),
		KeepaliveInterval:        envDurationOr("REALTIME_RELAY_KEEPALIVE_INTERVAL", 10*time.Millisecond),
		WriteTimeout:             envDurationOr("REALTIME_RELAY_WRITE_TIMEOUT", 5*time.Second),
		WarmingBacklog:           envIntOr("REALTIME_RELAY_WARMING_BACKLOG", 64),
		MaxMessageBytes:          envInt64Or("REALTIME_RELAY_MAX_MESSAGE_BYTES", 4<<20), // 4 MiB
		LimitConnectsPerSec:      envFloat64Or("REALTIME_RELAY_LIMIT_CONNECTS_PER_SEC", 0),
		LimitBurst:               envIntOr("REALTIME_RELAY_LIMIT_BURST", 0),
		LimitMaxBridgesPerClient: envIntOr("REALTIME_RELAY_LIMIT_MAX_BRIDGES_PER_CLIENT", 0),
		MetricsEnabled:           envBoolOr("REALTIME_RELAY_METRICS_ENABLED", true),
		ReadHeaderTimeout:        envDurationOr("REALTIME_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("REALTIME_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("REALTIME_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("REALTIME_RELAY_OPENAI_API_KEY (or OPENAI_API_KEY) must be set")
	}
	if !strings.HasPrefix(cfg.RealtimePath, "/") {
		return Config{}, fmt.Errorf("REALTIME_RELAY_PATH must start with /")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("REALTIME_RELAY_MODEL must not be empty")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.IssuerTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_ISSUER_TIMEOUT must be > 0")
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_POOL_SIZE must be > 0")
	}
	if cfg.PoolSafetyMargin <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_POOL_SAFETY_MARGIN must be > 0")
	}
	if cfg.PoolMaxEntryAge < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_POOL_MAX_ENTRY_AGE must be >= 0")
	}
	if cfg.PoolRefillInterval < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_POOL_REFILL_INTERVAL must be >= 0")
	}
	if cfg.KeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WarmingBacklog < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_WARMING_BACKLOG must be >= 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LimitConnectsPerSec < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_LIMIT_CONNECTS_PER_SEC must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxBridgesPerClient < 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_LIMIT_MAX_BRIDGES_PER_CLIENT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
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

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
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
