// Package media acquires and releases the capture streams a call uses:
// microphone, camera and screen share.
package media

import (
	"context"
	"sync"
)

// Kind identifies a capture device class.
type Kind string

const (
	KindMicrophone Kind = "microphone"
	KindCamera     Kind = "camera"
	KindScreen     Kind = "screen"
)

// Frame is one unit of captured media. Audio frames are 16-bit signed
// little-endian PCM; video frames are encoded images (MIMEType says which).
type Frame struct {
	Data       []byte
	MIMEType   string
	SampleRate int
	Channels   int
}

// Stream is a live capture track.
type Stream interface {
	Kind() Kind
	// Frames is closed when the stream stops.
	Frames() <-chan Frame
	// Stop releases the underlying device. Safe to call more than once.
	Stop()
	Stopped() bool
}

// Devices opens capture streams. Each call may block while the platform asks
// the user for permission; ctx cancels the wait.
type Devices interface {
	OpenMicrophone(ctx context.Context) (Stream, error)
	OpenCamera(ctx context.Context) (Stream, error)
	OpenScreen(ctx context.Context) (Stream, error)
}

// ChanStream is a Stream fed by Push. Producers (device callbacks, network
// readers) push frames; consumers read Frames.
type ChanStream struct {
	kind   Kind
	frames chan Frame
	onStop func()

	mu      sync.Mutex
	stopped bool
	dropped int64
}

// NewChanStream creates a stream with the given buffer. onStop, if set, runs
// once when the stream is stopped.
func NewChanStream(kind Kind, buffer int, onStop func()) *ChanStream {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChanStream{
		kind:   kind,
		frames: make(chan Frame, buffer),
		onStop: onStop,
	}
}

func (s *ChanStream) Kind() Kind { return s.kind }

func (s *ChanStream) Frames() <-chan Frame { return s.frames }

// Push enqueues a frame without blocking. It reports false when the stream is
// stopped or the buffer is full.
func (s *ChanStream) Push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped returns how many frames Push discarded because the buffer was full.
func (s *ChanStream) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChanStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.frames)
	onStop := s.onStop
	s.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

func (s *ChanStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
