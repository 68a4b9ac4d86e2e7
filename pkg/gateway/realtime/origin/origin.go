// Package origin decides whether a declared browser origin may open a
// realtime session.
package origin

import "strings"

// Gatekeeper checks origins against an allow-list. A Gatekeeper with an empty
// allow-list admits every origin.
type Gatekeeper struct {
	allowed map[string]struct{}
}

// New builds a Gatekeeper from a set of exact origins.
func New(allowed map[string]struct{}) *Gatekeeper {
	g := &Gatekeeper{allowed: make(map[string]struct{}, len(allowed))}
	for o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		g.allowed[o] = struct{}{}
	}
	return g
}

// Allowed reports whether a connection declaring origin may proceed. Requests
// without an Origin header come from non-browser clients and are admitted.
func (g *Gatekeeper) Allowed(origin string) bool {
	if g == nil || len(g.allowed) == 0 {
		return true
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	_, ok := g.allowed[origin]
	return ok
}

// Restricted reports whether an allow-list is configured.
func (g *Gatekeeper) Restricted() bool {
	return g != nil && len(g.allowed) > 0
}
