package session

import (
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-companion/pkg/core/audio"
)

type bufferedReader interface {
	io.Reader
	Buffered() time.Duration
}

// pacedOutput is the audio.Output of a remote call. Each tick it reads one
// interval of playback from the player and emits it, so the client's own
// buffer stays short and an interrupt silences it within a tick.
type pacedOutput struct {
	interval time.Duration
	rate     int
	emit     func(pcm []byte)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ audio.Output = (*pacedOutput)(nil)

func newPacedOutput(interval time.Duration, rate int, emit func(pcm []byte)) *pacedOutput {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &pacedOutput{interval: interval, rate: rate, emit: emit}
}

func (p *pacedOutput) chunkBytes() int {
	return int(int64(p.rate)*int64(p.interval)/int64(time.Second)) * 2
}

// Start begins pacing src. Calling Start while running is a no-op.
func (p *pacedOutput) Start(src io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(src, p.stop, p.done)
	return nil
}

func (p *pacedOutput) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (p *pacedOutput) run(src io.Reader, stop, done chan struct{}) {
	defer close(done)
	br, _ := src.(bufferedReader)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		// Idle ticks would only send silence.
		if br != nil && br.Buffered() <= 0 {
			continue
		}
		buf := make([]byte, p.chunkBytes())
		n, err := src.Read(buf)
		if n > 0 {
			p.emit(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
