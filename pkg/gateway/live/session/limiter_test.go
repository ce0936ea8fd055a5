package session

import (
	"testing"
	"time"
)

func TestInboundLimiter_NilWhenUnlimited(t *testing.T) {
	if l := newInboundLimiter(nil, 0, 0, 2); l != nil {
		t.Fatalf("limiter=%+v, want nil", l)
	}
	var l *inboundLimiter
	if !l.AllowAudio(1<<20) || !l.AllowVideo("camera") {
		t.Fatalf("nil limiter must allow")
	}
}

func TestInboundLimiter_AudioBytesRefill(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundLimiter(clock, 100, 0, 2) // 200 byte burst
	if !lim.AllowAudio(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if lim.AllowAudio(60) {
		t.Fatalf("expected deny 60 bytes")
	}
	now = now.Add(100 * time.Millisecond) // +10 bytes
	if !lim.AllowAudio(60) {
		t.Fatalf("expected allow after refill")
	}
	if !lim.AllowVideo("camera") {
		t.Fatalf("video unlimited when fps=0")
	}
}

func TestInboundLimiter_VideoPerSource(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundLimiter(clock, 0, 1, 2) // 2 frame burst per source
	for i := 0; i < 2; i++ {
		if !lim.AllowVideo("camera") {
			t.Fatalf("camera frame %d denied", i)
		}
	}
	if lim.AllowVideo("camera") {
		t.Fatalf("third camera frame allowed")
	}
	if !lim.AllowVideo("screen") {
		t.Fatalf("screen shares the camera bucket")
	}
	now = now.Add(time.Second)
	if !lim.AllowVideo("camera") {
		t.Fatalf("camera not refilled after 1s")
	}
}
