package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Hello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"client":{"name":"web","version":"0.3.0"},
		"capabilities":["microphone","camera"],
		"features":{"audio_transport":"binary"}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientHello", msg)
	}
	if hello.Features.AudioTransport != AudioTransportBinary || len(hello.Capabilities) != 2 {
		t.Fatalf("hello=%+v", hello)
	}
}

func TestDecodeClientMessage_HelloDefaultsTransport(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"hello","protocol_version":"1"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if got := msg.(ClientHello).Features.AudioTransport; got != AudioTransportBase64JSON {
		t.Fatalf("audio_transport=%q, want base64_json", got)
	}
}

func TestDecodeClientMessage_HelloRejects(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		code  string
		param string
	}{
		{"missing version", `{"type":"hello"}`, "bad_request", "protocol_version"},
		{"future version", `{"type":"hello","protocol_version":"2"}`, "unsupported", "protocol_version"},
		{"bad capability", `{"type":"hello","protocol_version":"1","capabilities":["speaker"]}`, "bad_request", "capabilities[0]"},
		{"bad transport", `{"type":"hello","protocol_version":"1","features":{"audio_transport":"opus"}}`, "unsupported", "features.audio_transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.raw))
			decErr, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("err=%v (%T), want *DecodeError", err, err)
			}
			if decErr.Code != tc.code || decErr.Param != tc.param {
				t.Fatalf("code=%q param=%q, want %q %q", decErr.Code, decErr.Param, tc.code, tc.param)
			}
		})
	}
}

func TestDecodeClientMessage_Start(t *testing.T) {
	raw := []byte(`{"type":"start","persona":{"name":"Agent Zara","voice":"Kore"},"greeting":"hi","camera":true}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	start := msg.(ClientStart)
	if start.Persona == nil || start.Persona.Voice != "Kore" || !start.Camera || start.Greeting != "hi" {
		t.Fatalf("start=%+v", start)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"start","contact":{"title":"Lawyer"}}`)); err == nil {
		t.Fatalf("contact without name accepted")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"start","contact":{"name":"A"},"system_instruction":"x"}`)); err == nil {
		t.Fatalf("contact with system_instruction accepted")
	}
}

func TestDecodeClientMessage_EndTarget(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"end"}`))
	if err != nil || msg.(ClientEnd).Target != "idle" {
		t.Fatalf("end default msg=%+v err=%v", msg, err)
	}
	msg, err = DecodeClientMessage([]byte(`{"type":"end","target":" standby "}`))
	if err != nil || msg.(ClientEnd).Target != "standby" {
		t.Fatalf("end standby msg=%+v err=%v", msg, err)
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"end","target":"ringing"}`)); err == nil {
		t.Fatalf("end to ringing accepted")
	}
}

func TestDecodeClientMessage_Control(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"control","op":" toggle_mute "}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if msg.(ClientControl).Op != OpToggleMute {
		t.Fatalf("op=%q", msg.(ClientControl).Op)
	}
	_, err = DecodeClientMessage([]byte(`{"type":"control","op":"self_destruct"}`))
	if decErr, ok := err.(*DecodeError); !ok || decErr.Code != "unsupported" {
		t.Fatalf("err=%v, want unsupported", err)
	}
}

func TestDecodeClientMessage_MediaMessages(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"media_grant","request_id":"mr_1","granted":false,"reason":"denied"}`))
	if err != nil {
		t.Fatalf("media_grant err=%v", err)
	}
	if g := msg.(ClientMediaGrant); g.Granted || g.Reason != "denied" {
		t.Fatalf("grant=%+v", g)
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"media_grant","granted":true}`)); err == nil {
		t.Fatalf("media_grant without request_id accepted")
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"video_frame","kind":"screen","data_b64":"AAAA"}`))
	if err != nil {
		t.Fatalf("video_frame err=%v", err)
	}
	if v := msg.(ClientVideoFrame); v.MIMEType != "image/jpeg" {
		t.Fatalf("mime default=%q", v.MIMEType)
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"video_frame","kind":"microphone","data_b64":"AAAA"}`)); err == nil {
		t.Fatalf("video_frame from microphone accepted")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"audio_frame","data_b64":" "}`)); err == nil {
		t.Fatalf("empty audio_frame accepted")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"media_stopped","kind":"camera"}`)); err != nil {
		t.Fatalf("media_stopped err=%v", err)
	}
}

func TestDecodeClientMessage_Invalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":"launch"}`, `{"type":"send_text","text":"  "}`, `{"type":"set_persona","persona":{}}`} {
		if _, err := DecodeClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s accepted", raw)
		}
	}
}

func TestServerMessages_JSONShape(t *testing.T) {
	b, err := json.Marshal(ServerAudioChunk{Type: "audio_chunk", Seq: 3, SampleRateHz: 24000, AudioB64: "AQI="})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"sample_rate_hz":24000`) || !strings.Contains(string(b), `"audio_b64":"AQI="`) {
		t.Fatalf("audio_chunk json=%s", b)
	}
	b, _ = json.Marshal(ServerState{Type: "state", State: "connected", Persona: Persona{Name: "Agent Zero"}})
	if strings.Contains(string(b), "end_reason") {
		t.Fatalf("empty end_reason should be omitted: %s", b)
	}
}
