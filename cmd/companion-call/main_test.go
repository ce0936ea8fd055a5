package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/core/call"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseCallConfig_Defaults(t *testing.T) {
	cfg, err := parseCallConfig(nil, envMap(map[string]string{"GEMINI_API_KEY": " k "}))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.APIKey != "k" {
		t.Fatalf("APIKey=%q", cfg.APIKey)
	}
	if cfg.Persona.Name != "Agent Zero" || cfg.Persona.Voice != "Algieba" {
		t.Fatalf("persona=%+v", cfg.Persona)
	}
	if cfg.Greeting == "" {
		t.Fatalf("expected a default greeting")
	}
}

func TestParseCallConfig_PersonaAndVoice(t *testing.T) {
	cfg, err := parseCallConfig([]string{"-persona", "agent zara", "-voice", "Puck", "-max", "2m"}, envMap(map[string]string{"GEMINI_API_KEY": "k"}))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Persona.Name != "Agent Zara" || cfg.Persona.Voice != "Puck" || cfg.MaxLength != 2*time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestParseCallConfig_Errors(t *testing.T) {
	env := envMap(map[string]string{"GEMINI_API_KEY": "k"})
	cases := []struct {
		name string
		args []string
		env  func(string) string
		want string
	}{
		{"missing key", nil, envMap(nil), "GEMINI_API_KEY"},
		{"unknown persona", []string{"-persona", "Bob"}, env, "unknown persona"},
		{"unknown voice", []string{"-voice", "Nope"}, env, "unknown voice"},
		{"negative max", []string{"-max", "-1s"}, env, "-max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCallConfig(tc.args, tc.env)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}

type fakeControls struct {
	snap    call.Snapshot
	paused  int
	resumed int
}

func (f *fakeControls) ToggleMute() bool {
	f.snap.Toggles.Muted = !f.snap.Toggles.Muted
	return true
}

func (f *fakeControls) ToggleSpeaker() bool {
	f.snap.Toggles.SpeakerEnabled = !f.snap.Toggles.SpeakerEnabled
	return true
}

func (f *fakeControls) Pause() bool {
	f.paused++
	f.snap.State = call.StatePaused
	return true
}

func (f *fakeControls) Resume() bool {
	f.resumed++
	f.snap.State = call.StateConnected
	return true
}

func (f *fakeControls) Snapshot() call.Snapshot { return f.snap }

func TestHandleKey(t *testing.T) {
	c := &fakeControls{snap: call.Snapshot{State: call.StateConnected}}
	var out bytes.Buffer

	if handleKey(c, 'm', &out) || !c.snap.Toggles.Muted {
		t.Fatalf("m did not mute")
	}
	if !strings.Contains(out.String(), "[muted=true]") {
		t.Fatalf("out=%q", out.String())
	}
	handleKey(c, 'p', &out)
	handleKey(c, 'p', &out)
	if c.paused != 1 || c.resumed != 1 {
		t.Fatalf("paused=%d resumed=%d", c.paused, c.resumed)
	}
	for _, k := range []byte{'q', 0x1b, 0x03} {
		if !handleKey(c, k, &out) {
			t.Fatalf("key %q did not quit", k)
		}
	}
	if handleKey(c, 'x', &out) {
		t.Fatalf("unbound key quit")
	}
}

func TestTerminalSink_ClosesEndedAfterCall(t *testing.T) {
	var out bytes.Buffer
	s := newTerminalSink(&out)
	s.OnStateChange(call.Snapshot{State: call.StateIdle})
	select {
	case <-s.ended:
		t.Fatalf("ended before the call started")
	default:
	}
	s.OnStateChange(call.Snapshot{State: call.StateConnected})
	s.OnTranscript(call.TranscriptUpdate{Role: call.RoleModel, Text: "hi there", Final: true})
	s.OnStateChange(call.Snapshot{State: call.StateIdle})
	s.OnStateChange(call.Snapshot{State: call.StateIdle})
	select {
	case <-s.ended:
	default:
		t.Fatalf("ended not closed")
	}
	if !strings.Contains(out.String(), "model: hi there\r\n") {
		t.Fatalf("out=%q", out.String())
	}
}
