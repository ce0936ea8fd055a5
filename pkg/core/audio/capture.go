package audio

import (
	"context"

	"github.com/vango-go/vai-companion/pkg/core/media"
)

// Chunk is one fixed-size block of 16 kHz mono s16le PCM.
type Chunk struct {
	Seq  int64
	Data []byte
}

type captureConfig struct {
	chunkSamples int
	meter        *ActivityMeter
	enabled      func() bool
}

// capture reads a microphone stream and emits fixed-size chunks until the
// stream ends or ctx is done. The returned channel is closed on exit.
func capture(ctx context.Context, stream media.Stream, cfg captureConfig) <-chan Chunk {
	out := make(chan Chunk, 8)
	go func() {
		defer close(out)

		var (
			rs       *resampler
			rsFrom   int
			pending  []int16
			seq      int64
			frames   = stream.Frames()
			chunkLen = cfg.chunkSamples
		)
		for {
			var f media.Frame
			var ok bool
			select {
			case <-ctx.Done():
				return
			case f, ok = <-frames:
				if !ok {
					return
				}
			}

			samples := Downmix(BytesToSamples(f.Data), f.Channels)
			rate := f.SampleRate
			if rate <= 0 {
				rate = InputSampleRate
			}
			if rs == nil || rsFrom != rate {
				rs = newResampler(rate, InputSampleRate)
				rsFrom = rate
			}
			samples = rs.process(samples)

			if cfg.enabled != nil && !cfg.enabled() {
				pending = pending[:0]
				if cfg.meter != nil {
					cfg.meter.ObserveSilence(len(samples))
				}
				continue
			}
			if cfg.meter != nil {
				cfg.meter.ObserveSamples(samples)
			}

			pending = append(pending, samples...)
			for len(pending) >= chunkLen {
				chunk := Chunk{Seq: seq, Data: SamplesToBytes(pending[:chunkLen])}
				seq++
				pending = append(pending[:0], pending[chunkLen:]...)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
