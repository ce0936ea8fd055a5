package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
)

var errManagerClosed = errors.New("capture manager already released")

// Config configures a Manager.
type Config struct {
	Devices  Devices
	Logger   *slog.Logger
	VideoFPS float64
	Now      func() time.Time
}

// Manager holds the capture streams of one call. Streams acquired through it
// are stopped by ReleaseAll; after ReleaseAll the manager accepts no new
// acquisitions.
type Manager struct {
	devices Devices
	logger  *slog.Logger
	video   *VideoSwitch

	micEnabled atomic.Bool

	mu      sync.Mutex
	closed  bool
	held    map[Kind]Stream
	pending map[Kind]*pendingOpen
}

type pendingOpen struct {
	done   chan struct{}
	stream Stream
	err    error
}

// NewManager creates a manager. A nil Devices makes every acquisition fail
// with media_unavailable.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VideoFPS == 0 {
		cfg.VideoFPS = 1
	}
	m := &Manager{
		devices: cfg.Devices,
		logger:  cfg.Logger,
		video:   NewVideoSwitch(cfg.VideoFPS, cfg.Now),
		held:    make(map[Kind]Stream),
		pending: make(map[Kind]*pendingOpen),
	}
	m.micEnabled.Store(true)
	return m
}

// AcquireMicrophone opens the microphone, or returns the stream already held.
func (m *Manager) AcquireMicrophone(ctx context.Context) (Stream, error) {
	return m.acquire(ctx, KindMicrophone)
}

// AcquireCamera opens the camera and attaches it as the video source unless a
// screen share is active.
func (m *Manager) AcquireCamera(ctx context.Context) (Stream, error) {
	s, err := m.acquire(ctx, KindCamera)
	if err != nil {
		return nil, err
	}
	if m.Holding(KindScreen) == nil {
		m.video.Set(s)
	}
	return s, nil
}

// ReleaseCamera stops the camera. Video falls back to the screen share.
func (m *Manager) ReleaseCamera() {
	m.release(KindCamera)
	m.video.Set(m.Holding(KindScreen))
}

// AcquireScreenShare opens a screen capture and makes it the video source.
func (m *Manager) AcquireScreenShare(ctx context.Context) (Stream, error) {
	s, err := m.acquire(ctx, KindScreen)
	if err != nil {
		return nil, err
	}
	m.video.Set(s)
	return s, nil
}

// ReleaseScreenShare stops the screen capture. Video falls back to the camera.
func (m *Manager) ReleaseScreenShare() {
	m.release(KindScreen)
	m.video.Set(m.Holding(KindCamera))
}

// ReleaseAll stops every held stream and closes the manager. It returns the
// number of streams stopped; repeated calls return 0.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	m.closed = true
	streams := make([]Stream, 0, len(m.held))
	for kind, s := range m.held {
		streams = append(streams, s)
		delete(m.held, kind)
	}
	m.mu.Unlock()

	m.video.Set(nil)
	for _, s := range streams {
		s.Stop()
	}
	if len(streams) > 0 {
		m.logger.Debug("media released", "streams", len(streams))
	}
	return len(streams)
}

// Holding returns the held stream of the given kind, or nil.
func (m *Manager) Holding(kind Kind) Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[kind]
}

// Held returns the kinds currently held.
func (m *Manager) Held() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, 0, len(m.held))
	for _, kind := range []Kind{KindMicrophone, KindCamera, KindScreen} {
		if _, ok := m.held[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Video returns the outgoing video path.
func (m *Manager) Video() *VideoSwitch { return m.video }

// SetMicrophoneEnabled mutes or unmutes captured audio without releasing the device.
func (m *Manager) SetMicrophoneEnabled(enabled bool) { m.micEnabled.Store(enabled) }

func (m *Manager) MicrophoneEnabled() bool { return m.micEnabled.Load() }

func (m *Manager) acquire(ctx context.Context, kind Kind) (Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.NewMediaUnavailableError(string(kind), errManagerClosed)
	}
	if s := m.held[kind]; s != nil && !s.Stopped() {
		m.mu.Unlock()
		return s, nil
	}
	if p := m.pending[kind]; p != nil {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.stream, p.err
		case <-ctx.Done():
			return nil, core.NewMediaUnavailableError(string(kind), ctx.Err())
		}
	}
	p := &pendingOpen{done: make(chan struct{})}
	m.pending[kind] = p
	m.mu.Unlock()

	s, err := m.open(ctx, kind)

	m.mu.Lock()
	delete(m.pending, kind)
	switch {
	case err != nil:
		p.err = core.NewMediaUnavailableError(string(kind), err)
	case m.closed:
		// Permission was granted after the call was torn down.
		p.err = core.NewMediaUnavailableError(string(kind), errManagerClosed)
	default:
		m.held[kind] = s
		p.stream = s
	}
	closed := m.closed
	m.mu.Unlock()
	close(p.done)

	if err == nil && closed {
		s.Stop()
		m.logger.Warn("late media grant discarded", "kind", string(kind))
	}
	return p.stream, p.err
}

func (m *Manager) open(ctx context.Context, kind Kind) (Stream, error) {
	if m.devices == nil {
		return nil, errors.New("no capture devices")
	}
	var (
		s   Stream
		err error
	)
	switch kind {
	case KindMicrophone:
		s, err = m.devices.OpenMicrophone(ctx)
	case KindCamera:
		s, err = m.devices.OpenCamera(ctx)
	case KindScreen:
		s, err = m.devices.OpenScreen(ctx)
	default:
		return nil, errors.New("unknown media kind")
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("device returned no stream")
	}
	return s, nil
}

func (m *Manager) release(kind Kind) {
	m.mu.Lock()
	s := m.held[kind]
	delete(m.held, kind)
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}
