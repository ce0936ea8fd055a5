package audio

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultActivityThreshold = 0.02
	DefaultActivityWindow    = 300 * time.Millisecond
)

// ActivityMeter reports whether audio above a threshold was observed within a
// rolling window. An open but silent stream is not active.
type ActivityMeter struct {
	threshold float64
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries []meterEntry
}

type meterEntry struct {
	at    time.Time
	sumSq float64
	n     int
}

func NewActivityMeter(threshold float64, window time.Duration, now func() time.Time) *ActivityMeter {
	if threshold <= 0 {
		threshold = DefaultActivityThreshold
	}
	if window <= 0 {
		window = DefaultActivityWindow
	}
	if now == nil {
		now = time.Now
	}
	return &ActivityMeter{threshold: threshold, window: window, now: now}
}

// Observe records a block of s16le PCM.
func (m *ActivityMeter) Observe(pcm []byte) {
	m.ObserveSamples(BytesToSamples(pcm))
}

// ObserveSamples records a block of samples.
func (m *ActivityMeter) ObserveSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.trimLocked(now)
	m.entries = append(m.entries, meterEntry{at: now, sumSq: sum, n: len(samples)})
}

// ObserveSilence records n silent samples.
func (m *ActivityMeter) ObserveSilence(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.trimLocked(now)
	m.entries = append(m.entries, meterEntry{at: now, n: n})
}

// Level returns the RMS level over the window.
func (m *ActivityMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked(m.now())
	var sum float64
	var n int
	for _, e := range m.entries {
		sum += e.sumSq
		n += e.n
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func (m *ActivityMeter) Active() bool {
	return m.Level() >= m.threshold
}

// Reset forgets all observations.
func (m *ActivityMeter) Reset() {
	m.mu.Lock()
	m.entries = m.entries[:0]
	m.mu.Unlock()
}

func (m *ActivityMeter) trimLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.entries) && m.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append(m.entries[:0], m.entries[i:]...)
	}
}
