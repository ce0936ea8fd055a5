// Package call drives the lifecycle of a live call: it acquires media, opens
// the backend session, routes session events and owns the per-call state.
package call

import (
	"time"
)

// State is the call lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateStandby       State = "standby"
	StateRinging       State = "ringing"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StatePaused        State = "paused"
	StateDisconnecting State = "disconnecting"
)

// InCall reports whether a call is in progress (including setup).
func (s State) InCall() bool {
	switch s {
	case StateRinging, StateConnecting, StateConnected, StatePaused:
		return true
	}
	return false
}

// acceptsToggles reports whether live toggles have an effect in s.
func (s State) acceptsToggles() bool {
	switch s {
	case StateConnecting, StateConnected, StatePaused:
		return true
	}
	return false
}

// Speaking is the speaking-party indicator.
type Speaking string

const (
	SpeakingNone  Speaking = "none"
	SpeakingUser  Speaking = "user"
	SpeakingModel Speaking = "model"
)

// Sentiment is a coarse classification of the latest user utterance.
type Sentiment string

const (
	SentimentUnknown  Sentiment = ""
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps a label to a Sentiment, or SentimentUnknown.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(s) {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return Sentiment(s)
	}
	return SentimentUnknown
}

// Persona is an AI identity and the prebuilt voice it speaks with.
type Persona struct {
	Name  string `json:"name"`
	Voice string `json:"voice"`
}

// Toggles are the independent per-call switches.
type Toggles struct {
	Muted          bool `json:"muted"`
	SpeakerEnabled bool `json:"speaker_enabled"`
	CameraEnabled  bool `json:"camera_enabled"`
	ScreenSharing  bool `json:"screen_sharing"`
}

// Snapshot is a read-only view of the call.
type Snapshot struct {
	Epoch             uint64        `json:"epoch"`
	State             State         `json:"state"`
	Persona           Persona       `json:"persona"`
	SystemInstruction string        `json:"system_instruction,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	Duration          time.Duration `json:"duration"`
	Toggles           Toggles       `json:"toggles"`
	OutputVolume      float64       `json:"output_volume"`
	Speaking          Speaking      `json:"speaking"`
	EndReason         string        `json:"end_reason,omitempty"`
	LastError         error         `json:"-"`
}

// DurationSeconds is the connected time in whole seconds.
func (s Snapshot) DurationSeconds() int {
	return int(s.Duration / time.Second)
}

// Direction says who placed a call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallRecord summarizes a call that reached connected.
type CallRecord struct {
	ID        string        `json:"id"`
	Persona   string        `json:"persona"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Direction Direction     `json:"type"`
	EndReason string        `json:"end_reason"`
}

// End reasons.
const (
	ReasonUserEnded      = "user_ended"
	ReasonEndCallTool    = "end_call"
	ReasonRemoteClosed   = "remote_closed"
	ReasonStreamError    = "stream_error"
	ReasonToolAckTimeout = "tool_call_timeout"
	ReasonStartFailed    = "start_failed"
	ReasonShutdown       = "shutdown"
)
