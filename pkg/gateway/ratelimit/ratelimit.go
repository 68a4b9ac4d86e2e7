// Package ratelimit admits realtime connections per client key with a token
// bucket on connection attempts and a cap on concurrent bridges.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// ConnectsPerSec and Burst bound how fast one client may open sessions.
	// Either being zero disables the bucket.
	ConnectsPerSec float64
	Burst          int

	// MaxBridgesPerClient caps live bridges per client. Zero disables it.
	MaxBridgesPerClient int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

func (c Config) Enabled() bool {
	return (c.ConnectsPerSec > 0 && c.Burst > 0) || c.MaxBridgesPerClient > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb     tokenBucket
	active chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

// New returns nil when cfg enables no limit; a nil Limiter admits everything.
func New(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey identifies the caller by the remote IP, ignoring the port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireBridge decides whether client may open one more bridge. An allowed
// decision carries a permit that must be released when the bridge ends.
func (l *Limiter) AcquireBridge(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if client == "" {
		client = "unknown"
	}

	cl := l.getOrCreate(client, now)

	if l.cfg.ConnectsPerSec > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := cl.allowToken(now, l.cfg.ConnectsPerSec, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxBridgesPerClient > 0 {
		select {
		case cl.active <- struct{}{}:
			return Decision{Allowed: true, Permit: &Permit{release: func() { <-cl.active }}}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}
	return Decision{Allowed: true, Permit: &Permit{}}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.active) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}
	cl := &clientLimiter{
		active:   make(chan struct{}, max(1, l.cfg.MaxBridgesPerClient)),
		lastSeen: now,
	}
	l.m[client] = cl
	return cl
}

// gcLocked drops idle entries. Entries holding permits are kept so a
// recreated entry cannot exceed the bridge cap.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.active) == 0 {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rate float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	cl.tb.capacity = capacity

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+elapsed*rate)
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / rate))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
