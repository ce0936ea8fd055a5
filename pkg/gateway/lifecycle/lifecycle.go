package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process state shared by handlers. Once draining, the
// gateway stops accepting calls and readiness fails.
type Lifecycle struct {
	started  time.Time
	draining atomic.Int64 // unix nanos when draining began, 0 when serving
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{started: now}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.draining.Store(0)
		return
	}
	l.draining.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load() != 0
}

// DrainingSince returns when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.draining.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.started.IsZero() {
		return 0
	}
	return now.Sub(l.started)
}
