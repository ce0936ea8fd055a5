// Package transport defines the bidirectional live session with the AI
// backend: what a call sends (media, text, tool results) and the typed events
// it receives back.
package transport

import (
	"context"

	"github.com/vango-go/vai-companion/pkg/core/tools"
)

// Blob is an inline media payload.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Frame is one realtime input. Exactly one of Audio, Video or Text is
// normally set.
type Frame struct {
	Audio *Blob
	Video *Blob
	Text  string
	// EndOfTurn marks Text as a complete user turn.
	EndOfTurn bool
}

// Config is the per-session setup sent when the session opens.
type Config struct {
	Model             string
	Persona           string
	Voice             string
	SystemInstruction string
	Tools             []tools.Declaration

	InputTranscription  bool
	OutputTranscription bool
}

// ToolResult answers a tool call.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Observer receives session events one at a time in arrival order. No event
// is delivered before Dialer.Open returns.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Session is an open live session.
type Session interface {
	// Send queues a frame without blocking. Frames are written in call order.
	// It reports false when the frame was dropped (queue full or closed).
	Send(Frame) bool
	// AcknowledgeToolCall writes a tool result and waits for the write to
	// complete or ctx to end.
	AcknowledgeToolCall(ctx context.Context, result ToolResult) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer opens sessions. Open fails with connection_refused or
// authentication errors from pkg/core.
type Dialer interface {
	Open(ctx context.Context, cfg Config, obs Observer) (Session, error)
}
