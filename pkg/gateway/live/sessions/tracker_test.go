package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func mustRegister(t *testing.T, tr *Tracker, id string, h Handle) func() {
	t.Helper()
	u, err := tr.Register(id, h)
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return u
}

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker(0)
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := mustRegister(t, tr, "s1", Handle{})
	u2 := mustRegister(t, tr, "s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_WaitTimesOutWhileOpen(t *testing.T) {
	tr := NewTracker(0)
	u := mustRegister(t, tr, "s1", Handle{})
	defer u()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with an open session")
	}
}

func TestTracker_MaxRejectsExtraSessions(t *testing.T) {
	tr := NewTracker(2)
	u1 := mustRegister(t, tr, "s1", Handle{})
	mustRegister(t, tr, "s2", Handle{})

	if _, err := tr.Register("s3", Handle{}); !errors.Is(err, ErrFull) {
		t.Fatalf("err=%v, want ErrFull", err)
	}
	// Replacing an existing ID does not need a free slot.
	mustRegister(t, tr, "s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	mustRegister(t, tr, "s3", Handle{})
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker(0)
	var c1, c2 atomic.Int64
	mustRegister(t, tr, "s1", Handle{Cancel: func() { c1.Add(1) }})
	mustRegister(t, tr, "s2", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_WarnAll_BestEffort(t *testing.T) {
	tr := NewTracker(0)
	var w1, w2 atomic.Int64
	mustRegister(t, tr, "s1", Handle{Warn: func(code, message string) error {
		w1.Add(1)
		return nil
	}})
	mustRegister(t, tr, "s2", Handle{Warn: func(code, message string) error {
		w2.Add(1)
		return errors.New("nope")
	}})

	if sent := tr.WarnAll("draining", "test"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	u, err := tr.Register("s1", Handle{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	u()
	if tr.Count() != 0 || tr.CancelAll() != 0 || tr.WarnAll("x", "y") != 0 || !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker misbehaved")
	}
}
