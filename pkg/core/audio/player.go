package audio

import (
	"math"
	"sync"
	"time"
)

// Player schedules synthesized audio on the output sample clock. Chunks play
// back to back in enqueue order; the clock only advances as Read renders
// samples, so scheduling never depends on wall time.
type Player struct {
	rate  int
	alpha float64
	meter *ActivityMeter

	mu        sync.Mutex
	queue     []scheduledChunk
	playhead  int64
	nextStart int64
	gain      float64
	volume    float64
	muted     bool
}

type scheduledChunk struct {
	start   int64
	samples []int16
}

// PlayerConfig configures a Player.
type PlayerConfig struct {
	SampleRate int
	// GainSmoothing is the time constant of the volume ramp.
	GainSmoothing time.Duration
	Meter         *ActivityMeter
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = OutputSampleRate
	}
	if cfg.GainSmoothing <= 0 {
		cfg.GainSmoothing = 15 * time.Millisecond
	}
	if cfg.Meter == nil {
		cfg.Meter = NewActivityMeter(0, 0, nil)
	}
	tau := cfg.GainSmoothing.Seconds() * float64(cfg.SampleRate)
	return &Player{
		rate:   cfg.SampleRate,
		alpha:  1 - math.Exp(-1/tau),
		meter:  cfg.Meter,
		gain:   1,
		volume: 1,
	}
}

// Enqueue schedules s16le PCM after everything already queued. It returns the
// sample index at which the chunk starts.
func (p *Player) Enqueue(pcm []byte) int64 {
	samples := BytesToSamples(pcm)
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.nextStart
	if start < p.playhead {
		start = p.playhead
	}
	if len(samples) == 0 {
		return start
	}
	p.queue = append(p.queue, scheduledChunk{start: start, samples: samples})
	p.nextStart = start + int64(len(samples))
	return start
}

// Interrupt drops everything queued or playing. The next Enqueue starts at
// the current playhead. It returns the number of samples discarded.
func (p *Player) Interrupt() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := p.nextStart - p.playhead
	if dropped < 0 {
		dropped = 0
	}
	p.queue = nil
	p.nextStart = p.playhead
	return dropped
}

// Reset clears the queue and restarts the clock at zero.
func (p *Player) Reset() {
	p.mu.Lock()
	p.queue = nil
	p.playhead = 0
	p.nextStart = 0
	p.mu.Unlock()
	p.meter.Reset()
}

// SetVolume sets the target output gain in [0,1]. Rendering ramps toward it.
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = clamp01(v)
	p.mu.Unlock()
}

// SetMuted silences output without discarding the schedule.
func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Read renders len(b)/2 samples of s16le PCM and advances the clock. Gaps in
// the schedule render as silence. It always fills b.
func (p *Player) Read(b []byte) (int, error) {
	n := len(b) / 2
	if n == 0 {
		return 0, nil
	}
	raw := make([]int16, n)

	p.mu.Lock()
	from := p.playhead
	to := from + int64(n)
	keep := p.queue[:0]
	for _, c := range p.queue {
		end := c.start + int64(len(c.samples))
		if end <= from {
			continue
		}
		if c.start < to {
			lo := max64(c.start, from)
			hi := min64(end, to)
			copy(raw[lo-from:hi-from], c.samples[lo-c.start:hi-c.start])
		}
		if end > to {
			keep = append(keep, c)
		}
	}
	p.queue = keep
	p.playhead = to

	target := p.volume
	if p.muted {
		target = 0
	}
	gain := p.gain
	for i, s := range raw {
		gain += (target - gain) * p.alpha
		v := float64(s) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		putSample(b[i*2:], int16(v))
	}
	p.gain = gain
	p.mu.Unlock()

	p.meter.ObserveSamples(raw)
	return n * 2, nil
}

// Playhead returns the number of samples rendered so far.
func (p *Player) Playhead() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playhead
}

// NextStart returns the sample index where the next chunk would be scheduled.
func (p *Player) NextStart() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextStart < p.playhead {
		return p.playhead
	}
	return p.nextStart
}

// Buffered returns the duration of audio scheduled but not yet rendered.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.nextStart - p.playhead
	if pending <= 0 {
		return 0
	}
	return time.Duration(pending) * time.Second / time.Duration(p.rate)
}

func (p *Player) SampleRate() int { return p.rate }

func putSample(b []byte, s int16) {
	b[0] = byte(uint16(s))
	b[1] = byte(uint16(s) >> 8)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
