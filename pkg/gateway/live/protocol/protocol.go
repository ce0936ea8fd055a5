package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	EncodingPCM16 = "pcm_s16le"
)

// Media kinds used by media_request and media_grant.
const (
	MediaMicrophone = "microphone"
	MediaCamera     = "camera"
	MediaScreen     = "screen"
)

// Control operations.
const (
	OpPause            = "pause"
	OpResume           = "resume"
	OpToggleMute       = "toggle_mute"
	OpToggleSpeaker    = "toggle_speaker"
	OpToggleCamera     = "toggle_camera"
	OpStartScreenShare = "start_screen_share"
	OpStopScreenShare  = "stop_screen_share"
	OpTogglePersona    = "toggle_persona"
	OpResumeAudio      = "resume_audio"
	OpPolishTranscript = "polish_transcript"
	OpHistory          = "history"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes one direction of call audio.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloFeatures struct {
	AudioTransport         string `json:"audio_transport,omitempty"`
	WantPartialTranscripts bool   `json:"want_partial_transcripts,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	Features        HelloFeatures `json:"features,omitempty"`
	// Capabilities lists the media kinds the client can grant.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Persona mirrors call.Persona on the wire.
type Persona struct {
	Name  string `json:"name"`
	Voice string `json:"voice,omitempty"`
}

type Education struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Year        int    `json:"year,omitempty"`
}

// Contact is a character the model plays for the call.
type Contact struct {
	Name        string      `json:"name"`
	Title       string      `json:"title,omitempty"`
	Personality string      `json:"personality,omitempty"`
	Backstory   string      `json:"backstory,omitempty"`
	CityOfBirth string      `json:"city_of_birth,omitempty"`
	CurrentCity string      `json:"current_city,omitempty"`
	Education   []Education `json:"education,omitempty"`
	Hobbies     []string    `json:"hobbies,omitempty"`
	Friends     []string    `json:"friends,omitempty"`
}

type ClientStart struct {
	Type              string   `json:"type"`
	Persona           *Persona `json:"persona,omitempty"`
	Contact           *Contact `json:"contact,omitempty"`
	Greeting          string   `json:"greeting,omitempty"`
	SystemInstruction string   `json:"system_instruction,omitempty"`
	SeedContext       string   `json:"seed_context,omitempty"`
	Muted             bool     `json:"muted,omitempty"`
	SpeakerOff        bool     `json:"speaker_off,omitempty"`
	Camera            bool     `json:"camera,omitempty"`
	ScreenShare       bool     `json:"screen_share,omitempty"`
	Incoming          bool     `json:"incoming,omitempty"`
}

type ClientEnd struct {
	Type string `json:"type"`
	// Target is idle or standby. Empty means idle.
	Target string `json:"target,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

type ClientSetVolume struct {
	Type   string  `json:"type"`
	Volume float64 `json:"volume"`
}

type ClientSetPersona struct {
	Type    string  `json:"type"`
	Persona Persona `json:"persona"`
}

type ClientSetSpeakerName struct {
	Type      string `json:"type"`
	SpeakerID string `json:"speaker_id"`
	Name      string `json:"name"`
}

type ClientSendText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientMediaGrant answers a media_request.
type ClientMediaGrant struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ClientVideoFrame struct {
	Type     string `json:"type"`
	Kind     string `json:"kind"`
	Seq      int64  `json:"seq,omitempty"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

// ClientMediaStopped reports that the user revoked a device mid-call.
type ClientMediaStopped struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start", "")
		}
		if msg.Contact != nil && strings.TrimSpace(msg.Contact.Name) == "" {
			return nil, badRequest("start.contact.name is required", "contact.name")
		}
		if msg.Contact != nil && strings.TrimSpace(msg.SystemInstruction) != "" {
			return nil, badRequest("start.contact and start.system_instruction are exclusive", "system_instruction")
		}
		return msg, nil
	case "end":
		var msg ClientEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end", "")
		}
		switch strings.TrimSpace(msg.Target) {
		case "":
			msg.Target = "idle"
		case "idle", "standby":
			msg.Target = strings.TrimSpace(msg.Target)
		default:
			return nil, badRequest("end.target must be idle or standby", "target")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case OpPause, OpResume, OpToggleMute, OpToggleSpeaker, OpToggleCamera,
			OpStartScreenShare, OpStopScreenShare, OpTogglePersona, OpResumeAudio,
			OpPolishTranscript, OpHistory:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	case "set_volume":
		var msg ClientSetVolume
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_volume", "")
		}
		return msg, nil
	case "set_persona":
		var msg ClientSetPersona
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_persona", "")
		}
		if strings.TrimSpace(msg.Persona.Name) == "" {
			return nil, badRequest("set_persona.persona.name is required", "persona.name")
		}
		return msg, nil
	case "set_speaker_name":
		var msg ClientSetSpeakerName
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_speaker_name", "")
		}
		if strings.TrimSpace(msg.SpeakerID) == "" {
			return nil, badRequest("set_speaker_name.speaker_id is required", "speaker_id")
		}
		return msg, nil
	case "send_text":
		var msg ClientSendText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid send_text", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("send_text.text is required", "text")
		}
		return msg, nil
	case "media_grant":
		var msg ClientMediaGrant
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media_grant", "")
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, badRequest("media_grant.request_id is required", "request_id")
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "video_frame":
		var msg ClientVideoFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid video_frame", "")
		}
		if msg.Kind != MediaCamera && msg.Kind != MediaScreen {
			return nil, badRequest("video_frame.kind must be camera or screen", "kind")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("video_frame.data_b64 is required", "data_b64")
		}
		if strings.TrimSpace(msg.MIMEType) == "" {
			msg.MIMEType = "image/jpeg"
		}
		return msg, nil
	case "media_stopped":
		var msg ClientMediaStopped
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media_stopped", "")
		}
		if !validKind(msg.Kind) {
			return nil, badRequest("media_stopped.kind is invalid", "kind")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func validKind(kind string) bool {
	switch kind {
	case MediaMicrophone, MediaCamera, MediaScreen:
		return true
	}
	return false
}

// ValidateHello checks the handshake and fills defaults.
func ValidateHello(msg *ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	for i, kind := range msg.Capabilities {
		if !validKind(kind) {
			return badRequest("hello.capabilities entries must be microphone, camera or screen", fmt.Sprintf("capabilities[%d]", i))
		}
	}

	transport := strings.TrimSpace(msg.Features.AudioTransport)
	switch transport {
	case "":
		msg.Features.AudioTransport = AudioTransportBase64JSON
		return nil
	case AudioTransportBinary, AudioTransportBase64JSON:
		msg.Features.AudioTransport = transport
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckFeatures struct {
	AudioTransport string `json:"audio_transport"`
}

type HelloAckLimits struct {
	MaxMessageBytes     int64   `json:"max_message_bytes"`
	MaxAudioFrameBytes  int     `json:"max_audio_frame_bytes"`
	MaxAudioBPS         int64   `json:"max_audio_bps,omitempty"`
	MaxVideoFPS         int     `json:"max_video_fps,omitempty"`
	InboundBurstSeconds int     `json:"inbound_burst_seconds,omitempty"`
	VideoFPS            float64 `json:"video_fps"`
	MaxCallMS           int64   `json:"max_call_ms"`
}

type ServerHelloAck struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	SessionID       string           `json:"session_id"`
	AudioIn         AudioFormat      `json:"audio_in"`
	AudioOut        AudioFormat      `json:"audio_out"`
	Features        HelloAckFeatures `json:"features"`
	Limits          *HelloAckLimits  `json:"limits,omitempty"`
	Personas        []Persona        `json:"personas"`
	Voices          []string         `json:"voices"`
	Tools           []string         `json:"tools"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Param     string         `json:"param,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerMediaRequest asks the client to open a device and stream it.
type ServerMediaRequest struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id"`
	Kind      string       `json:"kind"`
	Format    *AudioFormat `json:"format,omitempty"`
	FPS       float64      `json:"fps,omitempty"`
}

// ServerMediaRelease tells the client to stop a device.
type ServerMediaRelease struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

type ServerState struct {
	Type              string  `json:"type"`
	Epoch             uint64  `json:"epoch"`
	State             string  `json:"state"`
	Persona           Persona `json:"persona"`
	DurationSeconds   int     `json:"duration_seconds"`
	Muted             bool    `json:"muted"`
	SpeakerEnabled    bool    `json:"speaker_enabled"`
	CameraEnabled     bool    `json:"camera_enabled"`
	ScreenSharing     bool    `json:"screen_sharing"`
	OutputVolume      float64 `json:"output_volume"`
	Speaking          string  `json:"speaking"`
	EndReason         string  `json:"end_reason,omitempty"`
	Error             string  `json:"error,omitempty"`
	ErrorCode         string  `json:"error_code,omitempty"`
	SystemInstruction string  `json:"system_instruction,omitempty"`
}

type ServerTranscript struct {
	Type  string `json:"type"`
	Epoch uint64 `json:"epoch"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type ServerSpeakersDetected struct {
	Type     string   `json:"type"`
	Speakers []string `json:"speakers"`
}

type ServerToolCall struct {
	Type         string         `json:"type"`
	Epoch        uint64         `json:"epoch"`
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Args         map[string]any `json:"args,omitempty"`
	Status       string         `json:"status"`
	Duplicate    bool           `json:"duplicate,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Error        string         `json:"error,omitempty"`
}

// ServerAppEvent carries the effect of a companion tool call to the UI.
type ServerAppEvent struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type ServerSpeaking struct {
	Type     string `json:"type"`
	Speaking string `json:"speaking"`
}

type ServerDuration struct {
	Type    string `json:"type"`
	Seconds int    `json:"seconds"`
}

type ServerSentiment struct {
	Type      string `json:"type"`
	Sentiment string `json:"sentiment"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerAudioReset struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ServerAudioChunk struct {
	Type         string `json:"type"`
	Seq          int64  `json:"seq"`
	SampleRateHz int    `json:"sample_rate_hz"`
	AudioB64     string `json:"audio_b64,omitempty"`
}

type CallRecord struct {
	ID         string `json:"id"`
	Persona    string `json:"persona"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
	Direction  string `json:"direction"`
	EndReason  string `json:"end_reason"`
}

type ServerCallRecord struct {
	Type   string     `json:"type"`
	Record CallRecord `json:"record"`
}

type ServerHistory struct {
	Type    string       `json:"type"`
	Records []CallRecord `json:"records"`
}

type ServerTranscriptPolished struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}
