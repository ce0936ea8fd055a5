package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePlayback struct {
	buffered atomic.Int64
	reads    atomic.Int32
}

func (p *fakePlayback) Read(b []byte) (int, error) {
	p.reads.Add(1)
	for i := range b {
		b[i] = 1
	}
	return len(b), nil
}

func (p *fakePlayback) Buffered() time.Duration { return time.Duration(p.buffered.Load()) }

type chunkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *chunkRecorder) emit(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, append([]byte(nil), pcm...))
}

func (r *chunkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func TestPacedOutput_ChunkSize(t *testing.T) {
	p := newPacedOutput(20*time.Millisecond, 24000, nil)
	if got := p.chunkBytes(); got != 960 {
		t.Fatalf("chunkBytes=%d, want 960", got)
	}
}

func TestPacedOutput_EmitsOnlyWhileBuffered(t *testing.T) {
	src := &fakePlayback{}
	rec := &chunkRecorder{}
	p := newPacedOutput(2*time.Millisecond, 24000, rec.emit)
	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	if src.reads.Load() != 0 || rec.count() != 0 {
		t.Fatalf("idle output read=%d emitted=%d, want none", src.reads.Load(), rec.count())
	}

	src.buffered.Store(int64(time.Second))
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for chunks")
		}
		time.Sleep(time.Millisecond)
	}
	rec.mu.Lock()
	size := len(rec.chunks[0])
	rec.mu.Unlock()
	if size != 96 {
		t.Fatalf("chunk=%d bytes, want 96", size)
	}
}

func TestPacedOutput_StopHaltsAndRestarts(t *testing.T) {
	src := &fakePlayback{}
	src.buffered.Store(int64(time.Second))
	rec := &chunkRecorder{}
	p := newPacedOutput(time.Millisecond, 24000, rec.emit)

	_ = p.Start(src)
	_ = p.Start(src) // no second goroutine
	time.Sleep(10 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := rec.count()
	time.Sleep(10 * time.Millisecond)
	if rec.count() != n {
		t.Fatalf("emitted after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	_ = p.Start(src)
	defer p.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == n {
		if time.Now().After(deadline) {
			t.Fatalf("no chunks after restart")
		}
		time.Sleep(time.Millisecond)
	}
}
