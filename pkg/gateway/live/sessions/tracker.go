// Package sessions tracks open call connections so the server can cap them,
// warn them before a drain and cancel them on shutdown.
package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
)

// ErrFull is returned by Register when the tracker is at capacity.
var ErrFull = errors.New("too many concurrent calls")

type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Tracker struct {
	max      int
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most max sessions. max <= 0
// means no limit.
func NewTracker(max int) *Tracker {
	return &Tracker{
		max:      max,
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session. A session registered under an existing ID
// replaces the old entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	if old == nil && t.max > 0 && len(t.sessions) >= t.max {
		t.mu.Unlock()
		return func() {}, ErrFull
	}
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()
	metrics.ConnectionsActive.Inc()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		metrics.ConnectionsActive.Dec()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
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
