package localaudio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-companion/pkg/core/audio"
)

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedContext(sampleRate int, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

var _ audio.Output = (*Speaker)(nil)

// Speaker plays the pipeline's rendered output on the default device. It
// satisfies audio.Output.
type Speaker struct {
	sampleRate int
	buffer     time.Duration

	mu     sync.Mutex
	player *oto.Player
}

func NewSpeaker() *Speaker {
	return &Speaker{sampleRate: audio.OutputSampleRate, buffer: 100 * time.Millisecond}
}

// Start pulls src through an oto player. src must always fill reads; the
// playback scheduler renders silence when nothing is queued.
func (s *Speaker) Start(src io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return nil
	}
	ctx, err := sharedContext(s.sampleRate, s.buffer)
	if err != nil {
		return err
	}
	if ctx == nil {
		return errors.New("audio output context unavailable")
	}
	if err := ctx.Resume(); err != nil {
		return err
	}
	p := ctx.NewPlayer(src)
	p.Play()
	s.player = p
	return nil
}

func (s *Speaker) Stop() error {
	s.mu.Lock()
	p := s.player
	s.player = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	p.Pause()
	return p.Close()
}
