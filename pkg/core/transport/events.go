package transport

// Event is a session event.
type Event interface {
	EventType() string
}

// OpenEvent fires once the backend has accepted the session setup.
type OpenEvent struct {
	SessionID string
}

// AudioChunkEvent carries synthesized s16le mono PCM.
type AudioChunkEvent struct {
	Data       []byte
	SampleRate int
}

// InputTranscriptEvent transcribes the user's speech. A partial supersedes
// the previous partial of the same utterance; a final is permanent.
type InputTranscriptEvent struct {
	Text  string
	Final bool
}

// OutputTranscriptEvent transcribes the model's speech.
type OutputTranscriptEvent struct {
	Text  string
	Final bool
}

// ToolCallEvent is a function call requested by the model.
type ToolCallEvent struct {
	ID              string
	Name            string
	Args            map[string]any
	MustAcknowledge bool
}

// TurnCompleteEvent ends one model turn.
type TurnCompleteEvent struct{}

// InterruptedEvent signals that the user barged in over model speech.
type InterruptedEvent struct{}

// WarningEvent is advisory, e.g. the backend announcing it will disconnect.
type WarningEvent struct {
	Code    string
	Message string
}

// ErrorEvent reports a session failure. The session is unusable afterwards.
type ErrorEvent struct {
	Err error
}

// CloseEvent reports that the session ended.
type CloseEvent struct {
	Reason string
}

func (e *OpenEvent) EventType() string             { return "open" }
func (e *AudioChunkEvent) EventType() string       { return "audio_chunk" }
func (e *InputTranscriptEvent) EventType() string  { return "input_transcript" }
func (e *OutputTranscriptEvent) EventType() string { return "output_transcript" }
func (e *ToolCallEvent) EventType() string         { return "tool_call" }
func (e *TurnCompleteEvent) EventType() string     { return "turn_complete" }
func (e *InterruptedEvent) EventType() string      { return "interrupted" }
func (e *WarningEvent) EventType() string          { return "warning" }
func (e *ErrorEvent) EventType() string            { return "error" }
func (e *CloseEvent) EventType() string            { return "close" }
