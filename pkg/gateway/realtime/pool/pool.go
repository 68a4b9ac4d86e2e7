// Package pool keeps a bounded set of pre-issued upstream credentials warm so
// that bridges do not pay issuance latency on the hot path.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/credential"
)

const (
	DefaultTargetSize     = 5
	DefaultSafetyMargin   = 10 * time.Second
	DefaultMaxEntryAge    = 50 * time.Second
	DefaultRefillInterval = 15 * time.Second
)

// Source says where an acquired credential came from.
type Source string

const (
	SourcePool     Source = metrics.SourcePool
	SourceFallback Source = metrics.SourceFallback
)

type Config struct {
	// TargetSize is the number of credentials a refill tops the pool up to.
	TargetSize int
	// SafetyMargin is the minimum remaining validity of a handed-out credential.
	SafetyMargin time.Duration
	// MaxEntryAge evicts entries older than this on refill. 0 disables.
	MaxEntryAge time.Duration
	// RefillInterval schedules periodic refills in Run. 0 disables.
	RefillInterval time.Duration
}

// Entry is a credential resident in the pool.
type Entry struct {
	Credential credential.Credential
	CreatedAt  time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int  `json:"size"`
	Target    int  `json:"target"`
	Refilling bool `json:"refilling"`
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg     Config
	issuer  credential.Issuer
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries []Entry

	refilling atomic.Bool
	signal    chan struct{}
	onWarm    func(Stats)
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithOnWarm registers fn to run once Run has finished its initial refill,
// whether or not that refill reached the target size.
func WithOnWarm(fn func(Stats)) Option {
	return func(p *Pool) { p.onWarm = fn }
}

func New(issuer credential.Issuer, cfg Config, opts ...Option) *Pool {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultTargetSize
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MaxEntryAge < 0 {
		cfg.MaxEntryAge = 0
	}
	if cfg.RefillInterval < 0 {
		cfg.RefillInterval = 0
	}
	p := &Pool{
		cfg:     cfg,
		issuer:  issuer,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make([]Entry, 0, cfg.TargetSize),
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pre-warms the pool and then refills it whenever Acquire signals demand
// or the refill interval elapses. It returns when ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.Refill(ctx)
	if p.onWarm != nil {
		p.onWarm(p.Stats())
	}

	var tick <-chan time.Time
	if p.cfg.RefillInterval > 0 {
		ticker := time.NewTicker(p.cfg.RefillInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.signal:
			p.Refill(ctx)
		case <-tick:
			p.Refill(ctx)
		}
	}
}

// Signal asks the background worker for a refill without blocking. Signals
// sent while one is already pending coalesce.
func (p *Pool) Signal() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Refill evicts stale entries and tops the pool up to its target size. It
// returns false without doing anything when another refill is in flight.
// Issuance errors end the cycle and are only logged.
func (p *Pool) Refill(ctx context.Context) bool {
	if !p.refilling.CompareAndSwap(false, true) {
		return false
	}
	defer p.refilling.Store(false)

	if evicted := p.evict(); evicted > 0 {
		p.metrics.RecordEvictions(evicted)
		p.logger.Debug("evicted pooled credentials", "count", evicted)
	}

	added := 0
	outcome := "noop"
	for {
		if p.Size() >= p.cfg.TargetSize {
			if added > 0 {
				outcome = "filled"
			}
			break
		}
		if ctx.Err() != nil {
			outcome = "partial"
			break
		}

		cred, err := p.issue(ctx, "background")
		if err != nil {
			outcome = "partial"
			p.logger.Warn("pool refill aborted", "error", err, "size", p.Size(), "target", p.cfg.TargetSize)
			break
		}

		now := p.now()
		if !cred.ValidFor(now, p.cfg.SafetyMargin) {
			outcome = "partial"
			p.logger.Warn("issued credential is already inside the safety margin",
				"remaining_ms", cred.Remaining(now).Milliseconds(),
				"safety_margin_ms", p.cfg.SafetyMargin.Milliseconds(),
			)
			break
		}

		p.mu.Lock()
		if len(p.entries) >= p.cfg.TargetSize {
			p.mu.Unlock()
			outcome = "filled"
			break
		}
		p.entries = append(p.entries, Entry{Credential: cred, CreatedAt: now})
		size := len(p.entries)
		p.mu.Unlock()

		added++
		p.metrics.SetPoolSize(size)
	}

	p.metrics.RecordRefill(outcome)
	if added > 0 {
		p.logger.Debug("pool refilled", "added", added, "size", p.Size(), "target", p.cfg.TargetSize)
	}
	return true
}

// Acquire hands out one credential. It signals a background refill, takes
// the first pooled credential that is still valid beyond the safety margin,
// and falls back to synchronous issuance when none is available.
func (p *Pool) Acquire(ctx context.Context) (credential.Credential, Source, error) {
	p.Signal()

	if cred, ok := p.take(); ok {
		p.metrics.RecordAcquire(metrics.SourcePool)
		return cred, SourcePool, nil
	}

	p.logger.Info("credential pool empty, issuing synchronously")
	cred, err := p.issue(ctx, "sync")
	if err != nil {
		return credential.Credential{}, SourceFallback, fmt.Errorf("issue credential: %w", err)
	}
	p.metrics.RecordAcquire(metrics.SourceFallback)
	return cred, SourceFallback, nil
}

func (p *Pool) take() (credential.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i, e := range p.entries {
		if !e.Credential.ValidFor(now, p.cfg.SafetyMargin) {
			continue
		}
		// Entries skipped before i are already unusable.
		if i > 0 {
			p.metrics.RecordEvictions(i)
		}
		p.entries = append(p.entries[:0], p.entries[i+1:]...)
		p.metrics.SetPoolSize(len(p.entries))
		return e.Credential, true
	}

	if n := len(p.entries); n > 0 {
		p.metrics.RecordEvictions(n)
		p.entries = p.entries[:0]
		p.metrics.SetPoolSize(0)
	}
	return credential.Credential{}, false
}

func (p *Pool) evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !e.Credential.ValidFor(now, p.cfg.SafetyMargin) {
			continue
		}
		if p.cfg.MaxEntryAge > 0 && now.Sub(e.CreatedAt) > p.cfg.MaxEntryAge {
			continue
		}
		kept = append(kept, e)
	}
	evicted := len(p.entries) - len(kept)
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = Entry{}
	}
	p.entries = kept
	p.metrics.SetPoolSize(len(p.entries))
	return evicted
}

func (p *Pool) issue(ctx context.Context, path string) (credential.Credential, error) {
	start := time.Now()
	cred, err := p.issuer.Issue(ctx)
	p.metrics.RecordIssue(path, time.Since(start), err)
	return cred, err
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.Size(),
		Target:    p.cfg.TargetSize,
		Refilling: p.refilling.Load(),
	}
}
