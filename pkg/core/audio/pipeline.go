package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/media"
)

// Output pulls rendered audio from the pipeline: a sound device, or a network
// pacer that forwards frames to a remote client.
type Output interface {
	// Start begins pulling from src. It fails when the platform refuses to
	// create or resume the output.
	Start(src io.Reader) error
	Stop() error
}

// Config configures a Pipeline.
type Config struct {
	Output            Output
	Logger            *slog.Logger
	ChunkSamples      int
	OutputSampleRate  int
	ActivityThreshold float64
	ActivityWindow    time.Duration
	GainSmoothing     time.Duration
	Now               func() time.Time
}

// Pipeline owns the input meter, the capture loop and the playback scheduler.
type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	inMeter  *ActivityMeter
	outMeter *ActivityMeter
	player   *Player

	dropped atomic.Int64

	mu        sync.Mutex
	outputUp  bool
	outputErr error
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = ChunkSamples
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = OutputSampleRate
	}
	outMeter := NewActivityMeter(cfg.ActivityThreshold, cfg.ActivityWindow, cfg.Now)
	return &Pipeline{
		cfg:      cfg,
		logger:   cfg.Logger,
		inMeter:  NewActivityMeter(cfg.ActivityThreshold, cfg.ActivityWindow, cfg.Now),
		outMeter: outMeter,
		player: NewPlayer(PlayerConfig{
			SampleRate:    cfg.OutputSampleRate,
			GainSmoothing: cfg.GainSmoothing,
			Meter:         outMeter,
		}),
	}
}

// StartCapture converts a microphone stream into 16 kHz mono chunks. enabled,
// if set, gates emission (mute); muted input is metered as silence.
func (p *Pipeline) StartCapture(ctx context.Context, stream media.Stream, enabled func() bool) <-chan Chunk {
	return capture(ctx, stream, captureConfig{
		chunkSamples: p.cfg.ChunkSamples,
		meter:        p.inMeter,
		enabled:      enabled,
	})
}

// OpenOutput resets the playback clock and starts the output. Failure is a
// recoverable audio_context error; ResumeOutput retries.
func (p *Pipeline) OpenOutput() error {
	p.player.Reset()
	p.inMeter.Reset()
	return p.startOutput()
}

// ResumeOutput retries a failed output start, typically after a user gesture.
func (p *Pipeline) ResumeOutput() error {
	p.mu.Lock()
	up := p.outputUp
	p.mu.Unlock()
	if up {
		return nil
	}
	return p.startOutput()
}

func (p *Pipeline) startOutput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outputUp {
		return nil
	}
	if p.cfg.Output == nil {
		p.outputUp = true
		return nil
	}
	if err := p.cfg.Output.Start(p.player); err != nil {
		p.outputErr = core.NewAudioContextError(err)
		p.logger.Warn("audio output unavailable", "error", err)
		return p.outputErr
	}
	p.outputUp = true
	p.outputErr = nil
	return nil
}

// CloseOutput stops the output and discards anything scheduled.
func (p *Pipeline) CloseOutput() {
	p.mu.Lock()
	up := p.outputUp
	p.outputUp = false
	p.mu.Unlock()
	p.player.Interrupt()
	if up && p.cfg.Output != nil {
		if err := p.cfg.Output.Stop(); err != nil {
			p.logger.Debug("audio output stop failed", "error", err)
		}
	}
}

// OutputReady reports whether audio output is running.
func (p *Pipeline) OutputReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputUp
}

// EnqueuePlayback schedules a chunk for gapless playback. While the output is
// down the chunk is dropped so no backlog builds.
func (p *Pipeline) EnqueuePlayback(pcm []byte) bool {
	if !p.OutputReady() {
		p.dropped.Add(1)
		return false
	}
	p.player.Enqueue(pcm)
	return true
}

// InterruptPlayback clears queued and playing output. Safe when idle.
func (p *Pipeline) InterruptPlayback() {
	if n := p.player.Interrupt(); n > 0 {
		p.logger.Debug("playback interrupted", "dropped_ms", int64(n)*1000/int64(p.player.SampleRate()))
	}
}

func (p *Pipeline) SetOutputVolume(v float64) { p.player.SetVolume(v) }

func (p *Pipeline) SetSpeakerEnabled(enabled bool) { p.player.SetMuted(!enabled) }

func (p *Pipeline) IsInputActive() bool { return p.inMeter.Active() }

func (p *Pipeline) IsOutputActive() bool { return p.outMeter.Active() }

func (p *Pipeline) Player() *Player { return p.player }

// DroppedPlayback counts chunks discarded while output was down.
func (p *Pipeline) DroppedPlayback() int64 { return p.dropped.Load() }
