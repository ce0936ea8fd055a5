package media

import (
	"context"
	"sync"
	"time"
)

// VideoSwitch is the single outgoing video path of a call. Camera and screen
// share are attached to it; swapping the source never touches audio.
type VideoSwitch struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current Stream
	changed chan struct{}
}

// NewVideoSwitch creates a switch that forwards at most fps frames per second.
func NewVideoSwitch(fps float64, now func() time.Time) *VideoSwitch {
	if now == nil {
		now = time.Now
	}
	var interval time.Duration
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	return &VideoSwitch{
		interval: interval,
		now:      now,
		changed:  make(chan struct{}, 1),
	}
}

// Set replaces the active video source. nil detaches video.
func (v *VideoSwitch) Set(s Stream) {
	v.mu.Lock()
	v.current = s
	v.mu.Unlock()
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Current returns the attached source, or nil.
func (v *VideoSwitch) Current() Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Run forwards frames from whichever source is attached until ctx is done.
func (v *VideoSwitch) Run(ctx context.Context, emit func(Frame)) {
	var last time.Time
	for {
		src := v.Current()
		var frames <-chan Frame
		if src != nil {
			frames = src.Frames()
		}

		select {
		case <-ctx.Done():
			return
		case <-v.changed:
			continue
		case f, ok := <-frames:
			if !ok {
				v.mu.Lock()
				if v.current == src {
					v.current = nil
				}
				v.mu.Unlock()
				continue
			}
			now := v.now()
			if v.interval > 0 && !last.IsZero() && now.Sub(last) < v.interval {
				continue
			}
			last = now
			emit(f)
		}
	}
}
