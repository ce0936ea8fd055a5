package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordedWrite struct {
	kind string
	text string
	id   string
}

type fakeWire struct {
	mu     sync.Mutex
	writes []recordedWrite
	gate   chan struct{}
	err    error
}

func (w *fakeWire) WriteFrame(f Frame) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, recordedWrite{kind: "frame", text: f.Text})
	return nil
}

func (w *fakeWire) WriteToolResult(r ToolResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, recordedWrite{kind: "ack", id: r.ID})
	return nil
}

func (w *fakeWire) snapshot() []recordedWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]recordedWrite, len(w.writes))
	copy(out, w.writes)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSender_PreservesFrameOrder(t *testing.T) {
	wire := &fakeWire{}
	s := NewSender(wire, SenderConfig{QueueSize: 64})
	defer s.Close()

	want := []string{"a", "b", "c", "d", "e"}
	for _, text := range want {
		if !s.Send(Frame{Text: text}) {
			t.Fatalf("Send(%q) dropped", text)
		}
	}
	waitFor(t, func() bool { return len(wire.snapshot()) == len(want) })

	for i, w := range wire.snapshot() {
		if w.text != want[i] {
			t.Fatalf("write %d=%q, want %q", i, w.text, want[i])
		}
	}
}

func TestSender_DropsNewestWhenFull(t *testing.T) {
	wire := &fakeWire{gate: make(chan struct{})}
	s := NewSender(wire, SenderConfig{QueueSize: 2})

	s.Send(Frame{Text: "blocked"})
	waitFor(t, func() bool { return len(s.normal) == 0 })
	s.Send(Frame{Text: "q1"})
	s.Send(Frame{Text: "q2"})
	if s.Send(Frame{Text: "overflow"}) {
		t.Fatalf("Send should report a drop when the queue is full")
	}
	if s.Dropped() != 1 {
		t.Fatalf("Dropped=%d, want 1", s.Dropped())
	}

	close(wire.gate)
	waitFor(t, func() bool { return len(wire.snapshot()) == 3 })
	s.Close()

	got := wire.snapshot()
	for i, want := range []string{"blocked", "q1", "q2"} {
		if got[i].text != want {
			t.Fatalf("write %d=%q, want %q", i, got[i].text, want)
		}
	}
}

func TestSender_AckPreemptsQueuedMedia(t *testing.T) {
	wire := &fakeWire{gate: make(chan struct{})}
	s := NewSender(wire, SenderConfig{QueueSize: 8})
	defer s.Close()

	s.Send(Frame{Text: "in-flight"})
	waitFor(t, func() bool { return len(s.normal) == 0 })
	s.Send(Frame{Text: "queued"})

	ackErr := make(chan error, 1)
	go func() {
		ackErr <- s.Acknowledge(context.Background(), ToolResult{ID: "call_1"})
	}()
	waitFor(t, func() bool { return len(s.priority) == 1 })
	close(wire.gate)

	if err := <-ackErr; err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	waitFor(t, func() bool { return len(wire.snapshot()) == 3 })
	got := wire.snapshot()
	if got[0].text != "in-flight" || got[1].kind != "ack" || got[2].text != "queued" {
		t.Fatalf("write order=%+v, want in-flight, ack, queued", got)
	}
}

func TestSender_AckRespectsContext(t *testing.T) {
	wire := &fakeWire{gate: make(chan struct{})}
	s := NewSender(wire, SenderConfig{})
	defer func() {
		close(wire.gate)
		s.Close()
	}()

	s.Send(Frame{Text: "stuck"})
	waitFor(t, func() bool { return len(s.normal) == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acknowledge(ctx, ToolResult{ID: "call_1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acknowledge err=%v, want deadline exceeded", err)
	}
}

func TestSender_WriteErrorReportedOnceAndCloseIsIdempotent(t *testing.T) {
	wire := &fakeWire{err: errors.New("broken pipe")}
	var calls int
	var mu sync.Mutex
	s := NewSender(wire, SenderConfig{OnError: func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})

	s.Send(Frame{Text: "x"})
	s.Send(Frame{Text: "y"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	s.Close()
	s.Close()
	if s.Send(Frame{Text: "z"}) {
		t.Fatalf("Send after Close should report false")
	}
	if err := s.Acknowledge(context.Background(), ToolResult{ID: "c"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Acknowledge after Close err=%v, want ErrSessionClosed", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("OnError calls=%d, want 1", calls)
	}
}
