package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrSessionClosed is returned for writes after Close.
var ErrSessionClosed = errors.New("transport: session closed")

// Wire is the backend write side a Sender serializes onto.
type Wire interface {
	WriteFrame(Frame) error
	WriteToolResult(ToolResult) error
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	QueueSize int
	Logger    *slog.Logger
	// OnError is called once with the first write error. The sender stops
	// writing afterwards.
	OnError func(error)
}

// Sender serializes frames and tool results onto a Wire from one goroutine.
// Tool results use a priority lane and preempt queued media; media frames
// keep their relative order.
type Sender struct {
	wire    Wire
	logger  *slog.Logger
	onError func(error)

	normal   chan Frame
	priority chan pendingAck

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	errOnce sync.Once
}

type pendingAck struct {
	result ToolResult
	reply  chan error
}

// NewSender starts a sender goroutine. Close stops it.
func NewSender(wire Wire, cfg SenderConfig) *Sender {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		wire:     wire,
		logger:   cfg.Logger,
		onError:  cfg.OnError,
		normal:   make(chan Frame, cfg.QueueSize),
		priority: make(chan pendingAck, 16),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Send queues f. When the queue is full the newest frame is dropped, so
// frames already queued are never reordered.
func (s *Sender) Send(f Frame) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.normal <- f:
		return true
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("outbound frame dropped", "dropped_total", n)
		}
		return false
	}
}

// Acknowledge writes a tool result ahead of queued media and waits for it.
func (s *Sender) Acknowledge(ctx context.Context, r ToolResult) error {
	ack := pendingAck{result: r, reply: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSessionClosed
	}
	select {
	case s.priority <- ack:
		s.mu.RUnlock()
	case <-s.done:
		s.mu.RUnlock()
		return ErrSessionClosed
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-ack.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-ack.reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// Dropped returns the number of frames discarded by Send.
func (s *Sender) Dropped() int64 { return s.dropped.Load() }

// Close stops the sender and waits for its goroutine. Queued frames are discarded.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

func (s *Sender) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Hard priority: drain tool results before touching media.
		select {
		case ack := <-s.priority:
			if !s.writeAck(ack) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case ack := <-s.priority:
			if !s.writeAck(ack) {
				return
			}
		case f := <-s.normal:
			if err := s.wire.WriteFrame(f); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Sender) writeAck(ack pendingAck) bool {
	err := s.wire.WriteToolResult(ack.result)
	ack.reply <- err
	if err != nil {
		s.fail(err)
		return false
	}
	return true
}

func (s *Sender) fail(err error) {
	s.errOnce.Do(func() {
		s.logger.Warn("transport write failed", "error", err)
		if s.onError != nil {
			s.onError(err)
		}
	})
}
