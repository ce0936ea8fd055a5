package session

import (
	"sync"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/tools"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
)

// forwarder turns call events and companion tool effects into server
// messages on the outbox.
type forwarder struct {
	out      *outbox
	partials bool
	onError  func(err error)

	mu     sync.Mutex
	inCall bool
}

var (
	_ call.EventSink     = (*forwarder)(nil)
	_ tools.AppCallbacks = (*forwarder)(nil)
)

func (f *forwarder) OnStateChange(s call.Snapshot) {
	msg := protocol.ServerState{
		Type:              "state",
		Epoch:             s.Epoch,
		State:             string(s.State),
		Persona:           protocol.Persona{Name: s.Persona.Name, Voice: s.Persona.Voice},
		DurationSeconds:   s.DurationSeconds(),
		Muted:             s.Toggles.Muted,
		SpeakerEnabled:    s.Toggles.SpeakerEnabled,
		CameraEnabled:     s.Toggles.CameraEnabled,
		ScreenSharing:     s.Toggles.ScreenSharing,
		OutputVolume:      s.OutputVolume,
		Speaking:          string(s.Speaking),
		EndReason:         s.EndReason,
		SystemInstruction: s.SystemInstruction,
	}
	if s.LastError != nil {
		msg.Error = s.LastError.Error()
		msg.ErrorCode = string(core.TypeOf(s.LastError))
	}
	f.trackCall(s)
	if !s.State.InCall() {
		f.out.interruptAudio()
	}
	_ = f.out.sendJSONPriority(msg)
}

func (f *forwarder) trackCall(s call.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := s.State.InCall()
	switch {
	case in && !f.inCall:
		metrics.CallsActive.Inc()
		metrics.CallsStarted.Inc()
	case !in && f.inCall:
		metrics.CallsActive.Dec()
		reason := s.EndReason
		if reason == "" {
			reason = "unknown"
		}
		metrics.CallsEnded.WithLabelValues(reason).Inc()
	}
	f.inCall = in
}

// release settles the active-call gauge when the connection goes away.
func (f *forwarder) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inCall {
		metrics.CallsActive.Dec()
		metrics.CallsEnded.WithLabelValues(call.ReasonShutdown).Inc()
		f.inCall = false
	}
}

func (f *forwarder) OnTranscript(u call.TranscriptUpdate) {
	if !u.Final && !f.partials {
		return
	}
	_ = f.out.sendJSON(protocol.ServerTranscript{
		Type:  "transcript",
		Epoch: u.Epoch,
		Role:  string(u.Role),
		Text:  u.Text,
		Final: u.Final,
	})
}

func (f *forwarder) OnSpeakersDetected(speakers []string) {
	_ = f.out.sendJSON(protocol.ServerSpeakersDetected{Type: "speakers_detected", Speakers: speakers})
}

func (f *forwarder) OnToolCall(r call.ToolCallReport) {
	status := r.Status
	if status == "" {
		status = "ok"
	}
	metrics.ToolCalls.WithLabelValues(r.Name, status).Inc()
	msg := protocol.ServerToolCall{
		Type:         "tool_call",
		Epoch:        r.Epoch,
		ID:           r.ID,
		Name:         r.Name,
		Args:         r.Args,
		Status:       status,
		Duplicate:    r.Duplicate,
		Acknowledged: r.Acknowledged,
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	_ = f.out.sendJSON(msg)
}

func (f *forwarder) OnSpeaking(s call.Speaking) {
	_ = f.out.sendJSON(protocol.ServerSpeaking{Type: "speaking", Speaking: string(s)})
}

func (f *forwarder) OnDurationTick(seconds int) {
	_ = f.out.sendJSON(protocol.ServerDuration{Type: "duration", Seconds: seconds})
}

func (f *forwarder) OnSentiment(s call.Sentiment) {
	_ = f.out.sendJSON(protocol.ServerSentiment{Type: "sentiment", Sentiment: string(s)})
}

func (f *forwarder) OnTurnComplete() {
	_ = f.out.sendJSON(protocol.ServerTurnComplete{Type: "turn_complete"})
}

func (f *forwarder) OnInterrupted() {
	f.out.interruptAudio()
	_ = f.out.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: "interrupted"})
}

func (f *forwarder) OnWarning(code, message string) {
	_ = f.out.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (f *forwarder) OnError(err error) {
	if err == nil {
		return
	}
	typ := core.TypeOf(err)
	label := string(typ)
	if label == "" {
		label = "unknown"
	}
	metrics.Errors.WithLabelValues(label).Inc()
	msg := protocol.ServerError{Type: "error", Scope: "call", Code: label, Message: err.Error()}
	if ce, ok := core.AsError(err); ok {
		msg.Param = ce.Param
		msg.Retryable = ce.IsRetryable()
	}
	_ = f.out.sendJSONPriority(msg)
	if f.onError != nil {
		f.onError(err)
	}
}

func (f *forwarder) OnCallRecord(r call.CallRecord) {
	metrics.CallDuration.Observe(r.Duration.Seconds())
	_ = f.out.sendJSON(protocol.ServerCallRecord{Type: "call_record", Record: wireRecord(r)})
}

func wireRecord(r call.CallRecord) protocol.CallRecord {
	return protocol.CallRecord{
		ID:         r.ID,
		Persona:    r.Persona,
		DurationMS: r.Duration.Milliseconds(),
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339),
		Direction:  string(r.Direction),
		EndReason:  r.EndReason,
	}
}

func (f *forwarder) appEvent(event string, payload any) {
	_ = f.out.sendJSON(protocol.ServerAppEvent{Type: "app_event", Event: event, Payload: payload})
}

func (f *forwarder) OnModeChange(mode string) {
	f.appEvent("mode_change", map[string]string{"mode": mode})
}

func (f *forwarder) OnSettingChange(key, value string) {
	f.appEvent("setting_change", map[string]string{"key": key, "value": value})
}

func (f *forwarder) OnWhiteboardDraw(elements []tools.WhiteboardElement) {
	f.appEvent("whiteboard_draw", map[string]any{"elements": elements})
}

func (f *forwarder) OnScheduleEvent(ev tools.CalendarEvent) { f.appEvent("schedule_event", ev) }
func (f *forwarder) OnChatMessage(msg tools.ChatMessage)    { f.appEvent("chat_message", msg) }

func (f *forwarder) OnViewChange(view string) {
	f.appEvent("view_change", map[string]string{"view": view})
}

func (f *forwarder) OnTogglePersona() { f.appEvent("toggle_persona", nil) }
func (f *forwarder) OnClearChat()     { f.appEvent("clear_chat", nil) }
func (f *forwarder) OnExportChat()    { f.appEvent("export_chat", nil) }

func (f *forwarder) OnSuggestions(s []tools.Suggestion) {
	f.appEvent("suggestions", map[string]any{"suggestions": s})
}

func (f *forwarder) OnMemory(m tools.Memory)               { f.appEvent("memory", m) }
func (f *forwarder) OnProactive(p tools.Proactive)         { f.appEvent("proactive", p) }
func (f *forwarder) OnImageRequest(req tools.ImageRequest) { f.appEvent("image_request", req) }
func (f *forwarder) OnChart(c tools.Chart)                 { f.appEvent("chart", c) }
