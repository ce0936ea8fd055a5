package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
)

var errBackpressure = errors.New("call outbound backpressure")

const outboundPriorityQueueSize = 16

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	// audioGen is set on audio chunks. A chunk whose generation is older than
	// the outbox's current one was interrupted and is skipped.
	audioGen uint64
	isAudio  bool

	textPayload   []byte
	binaryPayload []byte
}

// outbox queues server messages for the writer goroutine. Control messages
// (audio_reset, errors, media requests) go on the priority lane.
type outbox struct {
	priority chan outboundFrame
	normal   chan outboundFrame
	audioGen atomic.Uint64
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 256
	}
	return &outbox{
		priority: make(chan outboundFrame, max(1, min(size, outboundPriorityQueueSize))),
		normal:   make(chan outboundFrame, size),
	}
}

// interruptAudio invalidates every audio chunk queued so far.
func (o *outbox) interruptAudio() uint64 { return o.audioGen.Add(1) }

func (o *outbox) isStale(f outboundFrame) bool {
	return f.isAudio && f.audioGen != o.audioGen.Load()
}

func (o *outbox) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.enqueueNormal(outboundFrame{textPayload: payload})
}

func (o *outbox) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.enqueuePriority(outboundFrame{textPayload: payload})
}

func (o *outbox) enqueueNormal(frame outboundFrame) error {
	if o.isStale(frame) {
		return nil
	}
	select {
	case o.normal <- frame:
		return nil
	default:
		metrics.OutboundDropped.Inc()
		return errBackpressure
	}
}

// enqueuePriority evicts the oldest priority frames rather than fail.
func (o *outbox) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case o.priority <- frame:
			return nil
		default:
		}
		select {
		case <-o.priority:
			metrics.OutboundDropped.Inc()
		default:
		}
	}
	select {
	case o.priority <- frame:
		return nil
	default:
		metrics.OutboundDropped.Inc()
		return errBackpressure
	}
}

type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isStale      func(outboundFrame) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Drain priority before looking at the normal lane.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			continue
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A reset queued while this frame waited must go first.
			if err := w.drainPriority(writeTimeout); err != nil {
				return err
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) drainPriority(writeTimeout time.Duration) error {
	for {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if w.isStale != nil && w.isStale(frame) {
		return nil
	}
	var (
		messageType int
		payload     []byte
	)
	switch {
	case len(frame.textPayload) > 0:
		messageType, payload = websocket.TextMessage, frame.textPayload
	case len(frame.binaryPayload) > 0:
		messageType, payload = websocket.BinaryMessage, frame.binaryPayload
	default:
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(messageType, payload); err != nil {
		return err
	}
	if frame.isAudio {
		metrics.AudioChunksOut.Inc()
	}
	return nil
}
