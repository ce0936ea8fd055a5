package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAcquireCall_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentCalls: 1})
	now := time.Now()

	first := l.AcquireCall("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireCall("p1", now)
	if second.Allowed || second.Reason != "concurrency" {
		t.Fatalf("second=%+v, want denied for concurrency", second)
	}
	if other := l.AcquireCall("p2", now); !other.Allowed {
		t.Fatalf("other principal should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireCall("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireCall_TokenBucketRefills(t *testing.T) {
	l := New(Config{ConnectRPS: 1, ConnectBurst: 2})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AcquireCall("p1", now); !d.Allowed {
			t.Fatalf("attempt %d denied", i)
		}
	}
	d := l.AcquireCall("p1", now)
	if d.Allowed || d.Reason != "rate" || d.RetryAfter != 1 {
		t.Fatalf("decision=%+v, want rate denial with retry 1", d)
	}
	if d := l.AcquireCall("p1", now.Add(1100*time.Millisecond)); !d.Allowed {
		t.Fatalf("bucket did not refill")
	}
}

func TestLimiter_NilAndDisabled(t *testing.T) {
	var l *Limiter
	d := l.AcquireCall("p1", time.Now())
	if !d.Allowed {
		t.Fatalf("nil limiter denied")
	}
	d.Permit.Release()

	if (Config{}).Enabled() {
		t.Fatalf("zero config reported enabled")
	}
	if !(Config{MaxConcurrentCalls: 1}).Enabled() {
		t.Fatalf("call cap not reported enabled")
	}
}

func TestLimiter_BoundsEntries(t *testing.T) {
	l := New(Config{MaxConcurrentCalls: 1, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Now()
	for _, p := range []string{"a", "b", "c"} {
		l.AcquireCall(p, now)
	}
	if n := len(l.m); n > 2 {
		t.Fatalf("entries=%d, want <= 2", n)
	}
}

func TestPrincipalKeyFromAPIKey(t *testing.T) {
	k := PrincipalKeyFromAPIKey("sk_secret")
	if !strings.HasPrefix(k, "k_") || len(k) != 34 || strings.Contains(k, "secret") {
		t.Fatalf("key=%q", k)
	}
	if PrincipalKeyFromAPIKey("") != "anonymous" {
		t.Fatalf("empty key should map to anonymous")
	}
}
