package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
)

type fakeDevices struct {
	mu     sync.Mutex
	opened map[Kind]int
	err    error
	gate   chan struct{}
	last   map[Kind]*ChanStream
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{opened: map[Kind]int{}, last: map[Kind]*ChanStream{}}
}

func (d *fakeDevices) open(ctx context.Context, kind Kind) (Stream, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.opened[kind]++
	s := NewChanStream(kind, 8, nil)
	d.last[kind] = s
	return s, nil
}

func (d *fakeDevices) OpenMicrophone(ctx context.Context) (Stream, error) {
	return d.open(ctx, KindMicrophone)
}
func (d *fakeDevices) OpenCamera(ctx context.Context) (Stream, error) {
	return d.open(ctx, KindCamera)
}
func (d *fakeDevices) OpenScreen(ctx context.Context) (Stream, error) {
	return d.open(ctx, KindScreen)
}

func (d *fakeDevices) openedCount(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[kind]
}

func TestManager_AcquireIsIdempotent(t *testing.T) {
	dev := newFakeDevices()
	m := NewManager(Config{Devices: dev})

	a, err := m.AcquireCamera(context.Background())
	if err != nil {
		t.Fatalf("AcquireCamera: %v", err)
	}
	b, err := m.AcquireCamera(context.Background())
	if err != nil {
		t.Fatalf("AcquireCamera (second): %v", err)
	}
	if a != b {
		t.Fatalf("second acquire returned a different stream")
	}
	if n := dev.openedCount(KindCamera); n != 1 {
		t.Fatalf("camera opened %d times, want 1", n)
	}

	m.ReleaseCamera()
	if !a.Stopped() {
		t.Fatalf("camera not stopped after release")
	}
	if _, err := m.AcquireCamera(context.Background()); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if n := dev.openedCount(KindCamera); n != 2 {
		t.Fatalf("camera opened %d times, want 2", n)
	}
}

func TestManager_ConcurrentAcquireOpensOnce(t *testing.T) {
	dev := newFakeDevices()
	dev.gate = make(chan struct{})
	m := NewManager(Config{Devices: dev})

	var wg sync.WaitGroup
	results := make([]Stream, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.AcquireMicrophone(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			results[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(dev.gate)
	wg.Wait()

	if n := dev.openedCount(KindMicrophone); n != 1 {
		t.Fatalf("microphone opened %d times, want 1", n)
	}
	for i, s := range results {
		if s != results[0] {
			t.Fatalf("result %d differs from result 0", i)
		}
	}
}

func TestManager_AcquireFailureIsMediaUnavailable(t *testing.T) {
	dev := newFakeDevices()
	dev.err = errors.New("permission denied")
	m := NewManager(Config{Devices: dev})

	_, err := m.AcquireMicrophone(context.Background())
	if core.TypeOf(err) != core.ErrMediaUnavailable {
		t.Fatalf("error type=%q, want %q", core.TypeOf(err), core.ErrMediaUnavailable)
	}

	m2 := NewManager(Config{})
	if _, err := m2.AcquireMicrophone(context.Background()); core.TypeOf(err) != core.ErrMediaUnavailable {
		t.Fatalf("nil devices error type=%q, want %q", core.TypeOf(err), core.ErrMediaUnavailable)
	}
}

func TestManager_ReleaseAllStopsEverythingOnce(t *testing.T) {
	dev := newFakeDevices()
	m := NewManager(Config{Devices: dev})
	ctx := context.Background()

	mic, _ := m.AcquireMicrophone(ctx)
	cam, _ := m.AcquireCamera(ctx)
	scr, _ := m.AcquireScreenShare(ctx)

	if n := m.ReleaseAll(); n != 3 {
		t.Fatalf("ReleaseAll stopped %d, want 3", n)
	}
	for _, s := range []Stream{mic, cam, scr} {
		if !s.Stopped() {
			t.Fatalf("%s not stopped", s.Kind())
		}
	}
	if n := m.ReleaseAll(); n != 0 {
		t.Fatalf("second ReleaseAll stopped %d, want 0", n)
	}
	if m.Video().Current() != nil {
		t.Fatalf("video source still attached after ReleaseAll")
	}
	if _, err := m.AcquireMicrophone(ctx); core.TypeOf(err) != core.ErrMediaUnavailable {
		t.Fatalf("acquire after release: type=%q, want media unavailable", core.TypeOf(err))
	}
}

func TestManager_LateGrantIsStopped(t *testing.T) {
	dev := newFakeDevices()
	dev.gate = make(chan struct{})
	m := NewManager(Config{Devices: dev})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireCamera(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.ReleaseAll()
	close(dev.gate)

	if err := <-errCh; core.TypeOf(err) != core.ErrMediaUnavailable {
		t.Fatalf("late grant error type=%q, want media unavailable", core.TypeOf(err))
	}
	dev.mu.Lock()
	late := dev.last[KindCamera]
	dev.mu.Unlock()
	if late == nil || !late.Stopped() {
		t.Fatalf("late camera stream should be stopped")
	}
}

func TestManager_VideoFollowsScreenThenCamera(t *testing.T) {
	dev := newFakeDevices()
	m := NewManager(Config{Devices: dev})
	ctx := context.Background()

	cam, _ := m.AcquireCamera(ctx)
	if m.Video().Current() != cam {
		t.Fatalf("video should be camera")
	}
	scr, _ := m.AcquireScreenShare(ctx)
	if m.Video().Current() != scr {
		t.Fatalf("video should be screen")
	}
	m.ReleaseScreenShare()
	if m.Video().Current() != cam {
		t.Fatalf("video should fall back to camera")
	}
	m.ReleaseCamera()
	if m.Video().Current() != nil {
		t.Fatalf("video should be detached")
	}
}

func TestVideoSwitch_ThrottlesFrames(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	v := NewVideoSwitch(1, clock)
	src := NewChanStream(KindCamera, 8, nil)
	v.Set(src)

	got := make(chan Frame, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx, func(f Frame) { got <- f })

	src.Push(Frame{Data: []byte{1}})
	src.Push(Frame{Data: []byte{2}})
	select {
	case f := <-got:
		if f.Data[0] != 1 {
			t.Fatalf("first frame=%d, want 1", f.Data[0])
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first frame")
	}
	select {
	case f := <-got:
		t.Fatalf("frame %d should have been throttled", f.Data[0])
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	src.Push(Frame{Data: []byte{3}})
	select {
	case f := <-got:
		if f.Data[0] != 3 {
			t.Fatalf("frame=%d, want 3", f.Data[0])
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame after interval")
	}
}
