package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/tools"
)

// terminalSink prints call events. Lines end in \r\n because the terminal is
// in raw mode during a call.
type terminalSink struct {
	call.NopSink
	tools.NopCallbacks

	out    io.Writer
	mu     sync.Mutex
	once   sync.Once
	ended  chan struct{}
	inCall bool
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out, ended: make(chan struct{})}
}

func (s *terminalSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\r\n", args...)
}

func (s *terminalSink) OnStateChange(snap call.Snapshot) {
	s.printf("[%s]", snap.State)
	if snap.State.InCall() {
		s.inCall = true
		return
	}
	if s.inCall {
		s.once.Do(func() { close(s.ended) })
	}
}

func (s *terminalSink) OnTranscript(u call.TranscriptUpdate) {
	if !u.Final {
		return
	}
	s.printf("%s: %s", u.Role, u.Text)
}

func (s *terminalSink) OnToolCall(r call.ToolCallReport) {
	s.printf("[tool %s]", r.Name)
}

func (s *terminalSink) OnSentiment(v call.Sentiment) {
	s.printf("[mood %s]", v)
}

func (s *terminalSink) OnWarning(code, message string) {
	s.printf("[warning %s: %s]", code, message)
}

func (s *terminalSink) OnError(err error) {
	s.printf("[error %v]", err)
}

func (s *terminalSink) OnCallRecord(r call.CallRecord) {
	s.printf("[call with %s ended after %s: %s]", r.Persona, r.Duration.Round(1e9), r.EndReason)
}

func (s *terminalSink) OnChatMessage(m tools.ChatMessage) {
	s.printf("[chat] %+v", m)
}
