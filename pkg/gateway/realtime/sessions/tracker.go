// Package sessions keeps a registry of live bridges so that the process can
// close them on shutdown and wait for them to finish.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker can do to a registered bridge.
type Handle struct {
	// Shutdown asks the bridge to close both legs. It must not block.
	Shutdown func(code int, reason string)
	// State reports the bridge state for logs and diagnostics.
	State func() string
}

type Tracker struct {
	mu      sync.Mutex
	bridges map[string]*tracked
	wg      sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{bridges: make(map[string]*tracked)}
}

// Register adds a bridge under id. The returned function removes it and is
// safe to call more than once. Registering an id twice replaces the older
// entry.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.bridges == nil {
		t.bridges = make(map[string]*tracked)
	}
	old := t.bridges[id]
	t.bridges[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *tracked) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.bridges[id] == entry {
			delete(t.bridges, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bridges)
}

// States returns the number of tracked bridges per reported state.
func (t *Tracker) States() map[string]int {
	out := map[string]int{}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.bridges {
		state := "unknown"
		if entry.handle.State != nil {
			state = entry.handle.State()
		}
		out[state]++
	}
	return out
}

// CloseAll asks every tracked bridge to shut down with code and reason and
// returns how many were asked.
func (t *Tracker) CloseAll(code int, reason string) (closed int) {
	if t == nil {
		return 0
	}

	var shutdowns []func(int, string)
	t.mu.Lock()
	for _, entry := range t.bridges {
		if entry.handle.Shutdown == nil {
			continue
		}
		shutdowns = append(shutdowns, entry.handle.Shutdown)
	}
	t.mu.Unlock()

	for _, shutdown := range shutdowns {
		shutdown(code, reason)
		closed++
	}
	return closed
}

// Wait blocks until every registered bridge has unregistered or ctx is done.
// It reports whether all bridges finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
