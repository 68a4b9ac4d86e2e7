package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process state shared by the readiness probe, the upgrade
// dispatcher and the shutdown sequence.
type Lifecycle struct {
	draining     atomic.Bool
	drainStarted atomic.Int64
	warmed       atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining && l.draining.CompareAndSwap(false, true) {
		l.drainStarted.Store(time.Now().UnixNano())
		return
	}
	if !draining {
		l.draining.Store(false)
		l.drainStarted.Store(0)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainStarted.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MarkWarmed records that the credential pool finished its first refill.
func (l *Lifecycle) MarkWarmed() {
	if l == nil {
		return
	}
	l.warmed.Store(true)
}

func (l *Lifecycle) IsWarmed() bool {
	if l == nil {
		return false
	}
	return l.warmed.Load()
}
