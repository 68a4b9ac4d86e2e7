package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/pool"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// PoolStats is the read side of the credential pool.
type PoolStats interface {
	Stats() pool.Stats
}

type ReadyHandler struct {
	Config    config.Config
	Pool      PoolStats
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

type readyResp struct {
	OK                bool           `json:"ok"`
	Draining          bool           `json:"draining"`
	DrainingForMS     int64          `json:"draining_for_ms,omitempty"`
	PoolWarmed        bool           `json:"pool_warmed"`
	Pool              *pool.Stats    `json:"pool,omitempty"`
	ActiveBridges     int            `json:"active_bridges"`
	BridgesByState    map[string]int `json:"bridges_by_state,omitempty"`
	OriginsRestricted bool           `json:"origins_restricted"`
	LimitsEnabled     bool           `json:"limits_enabled"`
	Issues            []string       `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	issues := make([]string, 0, 4)

	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if h.Config.PoolSize <= 0 {
		issues = append(issues, "pool size must be > 0")
	}
	if h.Config.KeepaliveInterval <= 0 {
		issues = append(issues, "keepalive interval must be > 0")
	}
	if h.Config.WriteTimeout <= 0 {
		issues = append(issues, "write timeout must be > 0")
	}
	if h.Pool == nil {
		issues = append(issues, "credential pool is not running")
	}

	resp := readyResp{
		Draining:          h.Lifecycle.IsDraining(),
		PoolWarmed:        h.Lifecycle.IsWarmed(),
		ActiveBridges:     h.Sessions.Count(),
		OriginsRestricted: len(h.Config.CORSAllowedOrigins) > 0,
		LimitsEnabled: (h.Config.LimitConnectsPerSec > 0 && h.Config.LimitBurst > 0) ||
			h.Config.LimitMaxBridgesPerClient > 0,
		Issues: issues,
	}
	if since := h.Lifecycle.DrainingSince(); !since.IsZero() {
		resp.DrainingForMS = time.Since(since).Milliseconds()
	}
	if h.Pool != nil {
		stats := h.Pool.Stats()
		resp.Pool = &stats
	}
	if resp.ActiveBridges > 0 {
		resp.BridgesByState = h.Sessions.States()
	}

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case resp.Draining:
		status = http.StatusServiceUnavailable
	}
	resp.OK = status == http.StatusOK

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
