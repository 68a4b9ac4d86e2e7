package mw

import (
	"net/http"
	"strings"
)

// OriginGate decides whether a browser origin may use the relay.
type OriginGate interface {
	Allowed(origin string) bool
}

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	"Sec-WebSocket-Protocol",
}, ", ")

// CORS attaches credentialed CORS headers for origins the gate allows and
// answers preflight requests itself. A preflight from a rejected origin gets
// 403.
func CORS(gate OriginGate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := origin != "" && (gate == nil || gate.Allowed(origin))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !allowed {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			setCORSHeaders(w.Header(), origin)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			setCORSHeaders(w.Header(), origin)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	h.Add("Vary", "Origin")
}
