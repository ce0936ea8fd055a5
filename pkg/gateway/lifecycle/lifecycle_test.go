package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_Draining(t *testing.T) {
	start := time.Unix(1000, 0)
	l := New(start)
	if l.IsDraining() {
		t.Fatalf("new lifecycle is draining")
	}
	l.SetDraining(true)
	first, ok := l.DrainingSince()
	if !ok || !l.IsDraining() {
		t.Fatalf("draining not recorded")
	}
	l.SetDraining(true)
	if again, _ := l.DrainingSince(); !again.Equal(first) {
		t.Fatalf("second SetDraining moved the start: %v -> %v", first, again)
	}
	l.SetDraining(false)
	if l.IsDraining() {
		t.Fatalf("still draining after reset")
	}
	if got := l.Uptime(start.Add(3 * time.Second)); got != 3*time.Second {
		t.Fatalf("Uptime=%v, want 3s", got)
	}
}

func TestLifecycle_NilSafe(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() || l.Uptime(time.Now()) != 0 {
		t.Fatalf("nil lifecycle should be inert")
	}
}
