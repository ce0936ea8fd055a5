package audio

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/media"
)

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("capture did not finish")
		}
	}
}

func TestStartCapture_EmitsFixedChunks(t *testing.T) {
	p := New(Config{ChunkSamples: 160})
	src := media.NewChanStream(media.KindMicrophone, 16, nil)
	ch := p.StartCapture(context.Background(), src, nil)

	src.Push(media.Frame{Data: constPCM(100, 1000), SampleRate: InputSampleRate, Channels: 1})
	src.Push(media.Frame{Data: constPCM(300, 1000), SampleRate: InputSampleRate, Channels: 1})
	src.Stop()

	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("chunks=%d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Data) != 320 {
			t.Fatalf("chunk %d bytes=%d, want 320", i, len(c.Data))
		}
		if c.Seq != int64(i) {
			t.Fatalf("chunk %d seq=%d", i, c.Seq)
		}
	}
}

func TestStartCapture_ResamplesAndDownmixes(t *testing.T) {
	p := New(Config{ChunkSamples: 100})
	src := media.NewChanStream(media.KindMicrophone, 16, nil)
	ch := p.StartCapture(context.Background(), src, nil)

	// 48 kHz stereo, 20ms => 960 frames => 320 samples at 16 kHz.
	stereo := make([]int16, 960*2)
	for i := range stereo {
		stereo[i] = 3000
	}
	src.Push(media.Frame{Data: SamplesToBytes(stereo), SampleRate: 48000, Channels: 2})
	src.Stop()

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d, want 3", len(chunks))
	}
	for _, s := range BytesToSamples(chunks[0].Data) {
		if s != 3000 {
			t.Fatalf("sample=%d, want 3000", s)
		}
	}
}

func TestStartCapture_MutedEmitsNothing(t *testing.T) {
	p := New(Config{ChunkSamples: 100})
	src := media.NewChanStream(media.KindMicrophone, 16, nil)
	var enabled atomic.Bool
	ch := p.StartCapture(context.Background(), src, enabled.Load)

	src.Push(media.Frame{Data: constPCM(400, 20000), SampleRate: InputSampleRate, Channels: 1})
	src.Stop()

	if chunks := collect(t, ch); len(chunks) != 0 {
		t.Fatalf("chunks=%d, want 0 while muted", len(chunks))
	}
	if p.IsInputActive() {
		t.Fatalf("muted input should not read as active")
	}
}

type fakeOutput struct {
	err     error
	started atomic.Int64
	stopped atomic.Int64
}

func (o *fakeOutput) Start(io.Reader) error {
	if o.err != nil {
		return o.err
	}
	o.started.Add(1)
	return nil
}

func (o *fakeOutput) Stop() error {
	o.stopped.Add(1)
	return nil
}

func TestPipeline_OutputFailureIsRecoverable(t *testing.T) {
	out := &fakeOutput{err: errors.New("suspended by autoplay policy")}
	p := New(Config{Output: out})

	err := p.OpenOutput()
	if core.TypeOf(err) != core.ErrAudioContext {
		t.Fatalf("OpenOutput type=%q, want %q", core.TypeOf(err), core.ErrAudioContext)
	}
	if p.EnqueuePlayback(constPCM(10, 1)) {
		t.Fatalf("enqueue should drop while output is down")
	}
	if p.DroppedPlayback() != 1 {
		t.Fatalf("dropped=%d, want 1", p.DroppedPlayback())
	}

	out.err = nil
	if err := p.ResumeOutput(); err != nil {
		t.Fatalf("ResumeOutput: %v", err)
	}
	if !p.EnqueuePlayback(constPCM(10, 1)) {
		t.Fatalf("enqueue should succeed after resume")
	}

	p.CloseOutput()
	if out.stopped.Load() != 1 {
		t.Fatalf("stop calls=%d, want 1", out.stopped.Load())
	}
	if p.Player().Buffered() != 0 {
		t.Fatalf("close should discard scheduled audio")
	}
}
