package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
)

func newTestDevices(timeout time.Duration, caps ...string) (*remoteDevices, *outbox) {
	out := newOutbox(16)
	n := 0
	newID := func() string {
		n++
		return "req_" + string(rune('0'+n))
	}
	return newRemoteDevices(out, timeout, 1, caps, newID, time.Now), out
}

func nextPriority(t *testing.T, out *outbox) map[string]any {
	t.Helper()
	select {
	case f := <-out.priority:
		var msg map[string]any
		if err := json.Unmarshal(f.textPayload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for priority frame")
	}
	return nil
}

type openResult struct {
	stream media.Stream
	err    error
}

func openAsync(d *remoteDevices, ctx context.Context, kind string) <-chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		s, err := d.open(ctx, kind)
		ch <- openResult{s, err}
	}()
	return ch
}

func TestRemoteDevices_GrantDeliversFrames(t *testing.T) {
	d, out := newTestDevices(time.Second)
	res := openAsync(d, context.Background(), protocol.MediaMicrophone)

	req := nextPriority(t, out)
	if req["type"] != "media_request" || req["kind"] != "microphone" {
		t.Fatalf("request=%v", req)
	}
	format, _ := req["format"].(map[string]any)
	if format["sample_rate_hz"] != float64(16000) {
		t.Fatalf("format=%v, want 16 kHz", format)
	}
	if !d.grant(protocol.ClientMediaGrant{RequestID: req["request_id"].(string), Granted: true}) {
		t.Fatalf("grant not routed")
	}
	r := <-res
	if r.err != nil {
		t.Fatalf("open: %v", r.err)
	}
	if !d.active(protocol.MediaMicrophone) {
		t.Fatalf("stream not active after grant")
	}
	if !d.push(protocol.MediaMicrophone, media.Frame{Data: []byte{1, 2}}) {
		t.Fatalf("push failed")
	}
	f := <-r.stream.Frames()
	if len(f.Data) != 2 {
		t.Fatalf("frame=%v", f.Data)
	}

	r.stream.Stop()
	rel := nextPriority(t, out)
	if rel["type"] != "media_release" || rel["kind"] != "microphone" {
		t.Fatalf("release=%v", rel)
	}
	if d.active(protocol.MediaMicrophone) {
		t.Fatalf("stream still active after stop")
	}
}

func TestRemoteDevices_DenyIsMediaUnavailable(t *testing.T) {
	d, out := newTestDevices(time.Second)
	res := openAsync(d, context.Background(), protocol.MediaCamera)

	req := nextPriority(t, out)
	if req["fps"] != float64(1) {
		t.Fatalf("fps=%v", req["fps"])
	}
	d.grant(protocol.ClientMediaGrant{RequestID: req["request_id"].(string), Granted: false, Reason: "NotAllowedError"})
	r := <-res
	if core.TypeOf(r.err) != core.ErrMediaUnavailable {
		t.Fatalf("err=%v, want media_unavailable", r.err)
	}
	if d.grant(protocol.ClientMediaGrant{RequestID: req["request_id"].(string), Granted: true}) {
		t.Fatalf("second answer to the same request was routed")
	}
}

func TestRemoteDevices_MissingCapabilityFailsWithoutAsking(t *testing.T) {
	d, out := newTestDevices(time.Second, protocol.MediaMicrophone)
	_, err := d.open(context.Background(), protocol.MediaScreen)
	if core.TypeOf(err) != core.ErrMediaUnavailable {
		t.Fatalf("err=%v, want media_unavailable", err)
	}
	if len(out.priority) != 0 {
		t.Fatalf("request sent for a device the client cannot provide")
	}
}

func TestRemoteDevices_TimeoutReleases(t *testing.T) {
	d, out := newTestDevices(20 * time.Millisecond)
	res := openAsync(d, context.Background(), protocol.MediaMicrophone)
	_ = nextPriority(t, out)
	r := <-res
	if !errors.Is(r.err, errGrantTimeout) {
		t.Fatalf("err=%v, want grant timeout", r.err)
	}
	rel := nextPriority(t, out)
	if rel["type"] != "media_release" {
		t.Fatalf("type=%v, want media_release", rel["type"])
	}
}

func TestRemoteDevices_CancelReturnsContextError(t *testing.T) {
	d, out := newTestDevices(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	res := openAsync(d, ctx, protocol.MediaScreen)
	_ = nextPriority(t, out)
	cancel()
	r := <-res
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", r.err)
	}
}

func TestRemoteDevices_CloseFailsPendingAndStopsStreams(t *testing.T) {
	d, out := newTestDevices(time.Minute)
	first := openAsync(d, context.Background(), protocol.MediaMicrophone)
	req := nextPriority(t, out)
	d.grant(protocol.ClientMediaGrant{RequestID: req["request_id"].(string), Granted: true})
	mic := <-first
	if mic.err != nil {
		t.Fatalf("open: %v", mic.err)
	}

	pending := openAsync(d, context.Background(), protocol.MediaCamera)
	_ = nextPriority(t, out)
	d.close()

	if r := <-pending; core.TypeOf(r.err) != core.ErrMediaUnavailable {
		t.Fatalf("pending err=%v, want media_unavailable", r.err)
	}
	if !mic.stream.Stopped() {
		t.Fatalf("granted stream not stopped on close")
	}
	if _, err := d.open(context.Background(), protocol.MediaCamera); err == nil {
		t.Fatalf("open after close succeeded")
	}
}

func TestRemoteDevices_StoppedByClient(t *testing.T) {
	d, out := newTestDevices(time.Minute)
	res := openAsync(d, context.Background(), protocol.MediaScreen)
	req := nextPriority(t, out)
	d.grant(protocol.ClientMediaGrant{RequestID: req["request_id"].(string), Granted: true})
	r := <-res

	d.stopped(protocol.MediaScreen)
	if _, ok := <-r.stream.Frames(); ok {
		t.Fatalf("frames channel still open")
	}
	if d.push(protocol.MediaScreen, media.Frame{Data: []byte{1}}) {
		t.Fatalf("push to a stopped device succeeded")
	}
}
