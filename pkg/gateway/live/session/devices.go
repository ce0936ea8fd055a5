package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
)

var (
	errGrantTimeout   = errors.New("client did not answer the media request")
	errNoCapability   = errors.New("client cannot provide this device")
	errDevicesClosed  = errors.New("connection closed")
	errPermissionDeny = errors.New("permission denied")
)

type grantResult struct {
	granted bool
	reason  string
}

// remoteDevices implements media.Devices over the call websocket. Opening a
// device sends media_request and blocks until the client answers with
// media_grant; frames then arrive as audio_frame and video_frame messages.
type remoteDevices struct {
	out          *outbox
	timeout      time.Duration
	videoFPS     float64
	capabilities map[string]bool
	newID        func() string
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]chan grantResult
	streams map[string]*media.ChanStream
	closed  bool
}

var _ media.Devices = (*remoteDevices)(nil)

func newRemoteDevices(out *outbox, timeout time.Duration, videoFPS float64, capabilities []string, newID func() string, now func() time.Time) *remoteDevices {
	d := &remoteDevices{
		out:      out,
		timeout:  timeout,
		videoFPS: videoFPS,
		newID:    newID,
		now:      now,
		pending:  make(map[string]chan grantResult),
		streams:  make(map[string]*media.ChanStream),
	}
	if len(capabilities) > 0 {
		d.capabilities = make(map[string]bool, len(capabilities))
		for _, c := range capabilities {
			d.capabilities[c] = true
		}
	}
	return d
}

func (d *remoteDevices) OpenMicrophone(ctx context.Context) (media.Stream, error) {
	return d.open(ctx, protocol.MediaMicrophone)
}

func (d *remoteDevices) OpenCamera(ctx context.Context) (media.Stream, error) {
	return d.open(ctx, protocol.MediaCamera)
}

func (d *remoteDevices) OpenScreen(ctx context.Context) (media.Stream, error) {
	return d.open(ctx, protocol.MediaScreen)
}

func (d *remoteDevices) open(ctx context.Context, kind string) (media.Stream, error) {
	if d.capabilities != nil && !d.capabilities[kind] {
		return nil, core.NewMediaUnavailableError(kind, errNoCapability)
	}

	id := d.newID()
	ch := make(chan grantResult, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, core.NewMediaUnavailableError(kind, errDevicesClosed)
	}
	d.pending[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	req := protocol.ServerMediaRequest{Type: "media_request", RequestID: id, Kind: kind}
	if kind == protocol.MediaMicrophone {
		req.Format = &protocol.AudioFormat{Encoding: protocol.EncodingPCM16, SampleRateHz: audio.InputSampleRate, Channels: 1}
	} else {
		req.FPS = d.videoFPS
	}
	if err := d.out.sendJSONPriority(req); err != nil {
		return nil, core.NewMediaUnavailableError(kind, err)
	}

	start := d.now()
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	var res grantResult
	select {
	case res = <-ch:
	case <-timer.C:
		metrics.MediaGrantDuration.WithLabelValues(kind, "timeout").Observe(d.now().Sub(start).Seconds())
		d.release(kind)
		return nil, core.NewMediaUnavailableError(kind, errGrantTimeout)
	case <-ctx.Done():
		metrics.MediaGrantDuration.WithLabelValues(kind, "canceled").Observe(d.now().Sub(start).Seconds())
		// The client may still grant; tell it to let go.
		d.release(kind)
		return nil, ctx.Err()
	}
	if !res.granted {
		metrics.MediaGrantDuration.WithLabelValues(kind, "denied").Observe(d.now().Sub(start).Seconds())
		cause := errPermissionDeny
		if res.reason != "" {
			cause = fmt.Errorf("%w: %s", errPermissionDeny, res.reason)
		}
		return nil, core.NewMediaUnavailableError(kind, cause)
	}
	metrics.MediaGrantDuration.WithLabelValues(kind, "granted").Observe(d.now().Sub(start).Seconds())

	var s *media.ChanStream
	s = media.NewChanStream(media.Kind(kind), 64, func() {
		d.mu.Lock()
		if d.streams[kind] == s {
			delete(d.streams, kind)
		}
		d.mu.Unlock()
		d.release(kind)
	})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.Stop()
		return nil, core.NewMediaUnavailableError(kind, errDevicesClosed)
	}
	prev := d.streams[kind]
	d.streams[kind] = s
	d.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return s, nil
}

func (d *remoteDevices) release(kind string) {
	_ = d.out.sendJSONPriority(protocol.ServerMediaRelease{Type: "media_release", Kind: kind})
}

// grant routes a media_grant to the waiting open. It reports false for an
// unknown or already answered request.
func (d *remoteDevices) grant(msg protocol.ClientMediaGrant) bool {
	d.mu.Lock()
	ch, ok := d.pending[msg.RequestID]
	if ok {
		delete(d.pending, msg.RequestID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- grantResult{granted: msg.Granted, reason: msg.Reason}
	return true
}

// push delivers a client frame to the open stream of that kind.
func (d *remoteDevices) push(kind string, f media.Frame) bool {
	d.mu.Lock()
	s := d.streams[kind]
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Push(f)
}

func (d *remoteDevices) active(kind string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[kind] != nil
}

// stopped ends the stream of kind after the client revoked the device.
func (d *remoteDevices) stopped(kind string) {
	d.mu.Lock()
	s := d.streams[kind]
	delete(d.streams, kind)
	d.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// close fails pending requests and stops every stream.
func (d *remoteDevices) close() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]chan grantResult)
	streams := d.streams
	d.streams = make(map[string]*media.ChanStream)
	d.mu.Unlock()
	for _, ch := range pending {
		ch <- grantResult{granted: false, reason: errDevicesClosed.Error()}
	}
	for _, s := range streams {
		s.Stop()
	}
}
