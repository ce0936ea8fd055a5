package gemini_live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/transport"
)

// liveConn is the subset of *genai.Session used by a call.
type liveConn interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

// Open connects a live session. Events are delivered to obs from a single
// goroutine in arrival order. Delivery starts once the connection is up and
// may precede Open's return, so obs must not depend on the returned Session.
func (c *Client) Open(ctx context.Context, cfg transport.Config, obs transport.Observer) (transport.Session, error) {
	if obs == nil {
		return nil, core.NewInvalidRequestError("observer is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = c.liveModel
	}
	conn, err := c.connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, classifyConnectError(err)
	}

	s := &liveSession{
		id:       uuid.NewString(),
		conn:     conn,
		obs:      obs,
		recvDone: make(chan struct{}),
	}
	s.logger = c.logger.With("live_session_id", s.id, "model", model)
	s.sender = transport.NewSender(connWire{conn: conn}, transport.SenderConfig{
		QueueSize: c.queueSize,
		Logger:    s.logger,
		OnError:   s.writeFailed,
	})
	go s.receive()
	s.logger.Info("live session opened", "persona", cfg.Persona, "voice", cfg.Voice, "tools", len(cfg.Tools))
	return s, nil
}

func connectConfig(cfg transport.Config) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if v := strings.TrimSpace(cfg.Voice); v != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: v},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Tools) > 0 {
		out.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(cfg.Tools)}}
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, websocket.ErrBadHandshake) && (strings.Contains(msg, "401") || strings.Contains(msg, "403")) {
		return &core.Error{Type: core.ErrAuthentication, Message: "live handshake rejected", Cause: err}
	}
	if strings.Contains(msg, "api key not valid") || strings.Contains(msg, "permission_denied") {
		return &core.Error{Type: core.ErrAuthentication, Message: "gemini rejected the api key", Cause: err}
	}
	return core.NewConnectionRefusedError(err)
}

type liveSession struct {
	id     string
	conn   liveConn
	obs    transport.Observer
	logger *slog.Logger
	sender *transport.Sender

	recvDone chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *liveSession) Send(f transport.Frame) bool {
	return s.sender.Send(f)
}

func (s *liveSession) AcknowledgeToolCall(ctx context.Context, r transport.ToolResult) error {
	return s.sender.Acknowledge(ctx, r)
}

func (s *liveSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		// The connection goes first: a write blocked in the sender only
		// returns once it fails.
		s.closeErr = s.conn.Close()
		s.sender.Close()
		s.logger.Info("live session closed")
	})
	return s.closeErr
}

func (s *liveSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *liveSession) writeFailed(err error) {
	if s.isClosed() {
		return
	}
	s.emit(&transport.ErrorEvent{Err: core.NewStreamInterruptedError(err)})
}

func (s *liveSession) emit(ev transport.Event) {
	if s.isClosed() {
		return
	}
	s.obs.OnEvent(ev)
}

func (s *liveSession) receive() {
	defer close(s.recvDone)

	tr := &translator{sessionID: s.id}
	// The SDK may consume setupComplete during Connect, so the session counts
	// as open once the receive loop starts.
	for _, ev := range tr.open() {
		s.emit(ev)
	}
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(&transport.CloseEvent{Reason: "remote_closed"})
				return
			}
			s.logger.Warn("live receive failed", "error", err)
			s.emit(&transport.ErrorEvent{Err: core.NewStreamInterruptedError(err)})
			return
		}
		for _, ev := range tr.translate(msg) {
			s.emit(ev)
		}
	}
}

// connWire writes sender output onto the genai session.
type connWire struct {
	conn liveConn
}

func (w connWire) WriteFrame(f transport.Frame) error {
	switch {
	case f.Audio != nil:
		return w.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: f.Audio.MIMEType, Data: f.Audio.Data},
		})
	case f.Video != nil:
		return w.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{MIMEType: f.Video.MIMEType, Data: f.Video.Data},
		})
	case f.Text != "" && f.EndOfTurn:
		return w.conn.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: f.Text}}}},
		})
	case f.Text != "":
		return w.conn.SendRealtimeInput(genai.LiveRealtimeInput{Text: f.Text})
	}
	return nil
}

func (w connWire) WriteToolResult(r transport.ToolResult) error {
	return w.conn.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		}},
	})
}

// translator turns server messages into transport events. Transcription
// arrives as deltas; it is accumulated into cumulative partials and closed
// with a final at the end of each utterance.
type translator struct {
	sessionID string
	opened    bool
	input     strings.Builder
	output    strings.Builder
}

func (t *translator) translate(msg *genai.LiveServerMessage) []transport.Event {
	if msg == nil {
		return nil
	}
	var out []transport.Event
	if msg.SetupComplete != nil {
		out = append(out, t.open()...)
	}
	if sc := msg.ServerContent; sc != nil {
		out = append(out, t.serverContent(sc)...)
	}
	if tc := msg.ToolCall; tc != nil {
		out = append(out, t.flushInput()...)
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, &transport.ToolCallEvent{
				ID:              fc.ID,
				Name:            fc.Name,
				Args:            fc.Args,
				MustAcknowledge: true,
			})
		}
	}
	if msg.GoAway != nil {
		out = append(out, &transport.WarningEvent{Code: "go_away", Message: "backend will close the session soon"})
	}
	return out
}

func (t *translator) open() []transport.Event {
	if t.opened {
		return nil
	}
	t.opened = true
	return []transport.Event{&transport.OpenEvent{SessionID: t.sessionID}}
}

func (t *translator) serverContent(sc *genai.LiveServerContent) []transport.Event {
	var out []transport.Event
	if it := sc.InputTranscription; it != nil {
		if it.Text != "" {
			t.input.WriteString(it.Text)
			out = append(out, &transport.InputTranscriptEvent{Text: strings.TrimSpace(t.input.String())})
		}
		if it.Finished {
			out = append(out, t.flushInput()...)
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			out = append(out, t.flushInput()...)
			out = append(out, &transport.AudioChunkEvent{
				Data:       p.InlineData.Data,
				SampleRate: audio.SampleRateFromMIME(p.InlineData.MIMEType, audio.OutputSampleRate),
			})
		}
	}
	if ot := sc.OutputTranscription; ot != nil {
		if ot.Text != "" {
			out = append(out, t.flushInput()...)
			t.output.WriteString(ot.Text)
			out = append(out, &transport.OutputTranscriptEvent{Text: strings.TrimSpace(t.output.String())})
		}
		if ot.Finished {
			out = append(out, t.flushOutput()...)
		}
	}
	if sc.Interrupted {
		out = append(out, t.flushOutput()...)
		out = append(out, &transport.InterruptedEvent{})
	}
	if sc.TurnComplete {
		out = append(out, t.flushInput()...)
		out = append(out, t.flushOutput()...)
		out = append(out, &transport.TurnCompleteEvent{})
	}
	return out
}

func (t *translator) flushInput() []transport.Event {
	text := strings.TrimSpace(t.input.String())
	t.input.Reset()
	if text == "" {
		return nil
	}
	return []transport.Event{&transport.InputTranscriptEvent{Text: text, Final: true}}
}

func (t *translator) flushOutput() []transport.Event {
	text := strings.TrimSpace(t.output.String())
	t.output.Reset()
	if text == "" {
		return nil
	}
	return []transport.Event{&transport.OutputTranscriptEvent{Text: text, Final: true}}
}
