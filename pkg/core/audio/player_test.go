package audio

import (
	"math"
	"testing"
	"time"
)

func constPCM(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return SamplesToBytes(s)
}

func render(p *Player, n int) []int16 {
	buf := make([]byte, n*2)
	_, _ = p.Read(buf)
	return BytesToSamples(buf)
}

func TestPlayer_EnqueueIsGapless(t *testing.T) {
	p := NewPlayer(PlayerConfig{SampleRate: 1000, GainSmoothing: time.Nanosecond})

	if start := p.Enqueue(constPCM(10, 100)); start != 0 {
		t.Fatalf("first start=%d, want 0", start)
	}
	if start := p.Enqueue(constPCM(10, 200)); start != 10 {
		t.Fatalf("second start=%d, want 10", start)
	}

	out := render(p, 25)
	for i := 0; i < 10; i++ {
		if out[i] != 100 {
			t.Fatalf("sample %d=%d, want 100", i, out[i])
		}
	}
	for i := 10; i < 20; i++ {
		if out[i] != 200 {
			t.Fatalf("sample %d=%d, want 200", i, out[i])
		}
	}
	for i := 20; i < 25; i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d=%d, want silence", i, out[i])
		}
	}
}

func TestPlayer_LateChunkStartsAtPlayhead(t *testing.T) {
	p := NewPlayer(PlayerConfig{SampleRate: 1000})
	p.Enqueue(constPCM(10, 100))
	render(p, 30) // queue drained, clock at 30

	if start := p.Enqueue(constPCM(5, 100)); start != 30 {
		t.Fatalf("start=%d, want 30", start)
	}
	if p.NextStart() != 35 {
		t.Fatalf("NextStart=%d, want 35", p.NextStart())
	}
}

func TestPlayer_InterruptClearsAndReschedulesFromNow(t *testing.T) {
	p := NewPlayer(PlayerConfig{SampleRate: 1000, GainSmoothing: time.Nanosecond})
	p.Enqueue(constPCM(100, 500))
	p.Enqueue(constPCM(100, 500))
	render(p, 40)

	if dropped := p.Interrupt(); dropped != 160 {
		t.Fatalf("dropped=%d, want 160", dropped)
	}
	if p.Buffered() != 0 {
		t.Fatalf("Buffered=%v, want 0", p.Buffered())
	}
	if start := p.Enqueue(constPCM(10, 7)); start != 40 {
		t.Fatalf("start after interrupt=%d, want 40 (playhead)", start)
	}
	out := render(p, 12)
	if out[0] != 7 || out[9] != 7 {
		t.Fatalf("new chunk not rendered immediately: %v", out[:10])
	}
	if out[10] != 0 {
		t.Fatalf("stale queue tail rendered: %d", out[10])
	}
}

func TestPlayer_InterruptWhenIdleIsSafe(t *testing.T) {
	p := NewPlayer(PlayerConfig{})
	if dropped := p.Interrupt(); dropped != 0 {
		t.Fatalf("dropped=%d, want 0", dropped)
	}
}

func TestPlayer_VolumeRampsWithoutStep(t *testing.T) {
	p := NewPlayer(PlayerConfig{SampleRate: 24000, GainSmoothing: 10 * time.Millisecond})
	p.Enqueue(constPCM(2400, 10000))
	render(p, 100)

	p.SetVolume(0)
	out := render(p, 2000)

	// No sample-to-sample jump larger than a small fraction of full scale.
	prev := 10000.0
	for i, s := range out {
		if d := math.Abs(float64(s) - prev); d > 200 {
			t.Fatalf("step of %.0f at sample %d", d, i)
		}
		prev = float64(s)
	}
	if last := out[len(out)-1]; last > 100 {
		t.Fatalf("gain did not settle toward zero: last=%d", last)
	}
}

func TestPlayer_MutedStillAdvancesClock(t *testing.T) {
	p := NewPlayer(PlayerConfig{SampleRate: 1000, GainSmoothing: time.Nanosecond})
	p.SetMuted(true)
	p.Enqueue(constPCM(10, 1000))
	out := render(p, 10)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d=%d, want 0 while muted", i, s)
		}
	}
	if p.Playhead() != 10 {
		t.Fatalf("Playhead=%d, want 10", p.Playhead())
	}
}

func TestActivityMeter_RollingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewActivityMeter(0.05, 300*time.Millisecond, func() time.Time { return now })

	m.ObserveSilence(1600)
	if m.Active() {
		t.Fatalf("silence should not be active")
	}
	m.Observe(constPCM(1600, 8000))
	if !m.Active() {
		t.Fatalf("loud audio should be active, level=%v", m.Level())
	}
	now = now.Add(time.Second)
	if m.Active() {
		t.Fatalf("activity should expire after the window")
	}
}

func TestCalculateRMSEnergy(t *testing.T) {
	if got := CalculateRMSEnergy(nil); got != 0 {
		t.Fatalf("rms(nil)=%v, want 0", got)
	}
	got := CalculateRMSEnergy(constPCM(10, 16384))
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("rms=%v, want 0.5", got)
	}
	if peak := CalculatePeakAmplitude(constPCM(4, -32768)); peak != 1 {
		t.Fatalf("peak=%v, want 1", peak)
	}
}
