package companion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/core/transport"
)

type stubDevices struct{}

func (stubDevices) OpenMicrophone(context.Context) (media.Stream, error) {
	return media.NewChanStream(media.KindMicrophone, 4, nil), nil
}
func (stubDevices) OpenCamera(context.Context) (media.Stream, error) {
	return nil, errors.New("no camera")
}
func (stubDevices) OpenScreen(context.Context) (media.Stream, error) {
	return nil, errors.New("no screen")
}

type stubSession struct {
	obs transport.Observer
}

func (s *stubSession) Send(transport.Frame) bool { return true }
func (s *stubSession) AcknowledgeToolCall(context.Context, transport.ToolResult) error {
	return nil
}
func (s *stubSession) Close() error { return nil }

type stubDialer struct {
	mu       sync.Mutex
	configs  []transport.Config
	sessions []*stubSession
}

func (d *stubDialer) Open(_ context.Context, cfg transport.Config, obs transport.Observer) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &stubSession{obs: obs}
	d.configs = append(d.configs, cfg)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *stubDialer) last() (*stubSession, transport.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1], d.configs[len(d.configs)-1]
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	sentiment string
	gate      chan struct{}
	polished  string
	polishErr error
	texts     []string
	names     map[string]string
}

func (a *fakeAnalyzer) DetectSentiment(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sentiment, nil
}

func (a *fakeAnalyzer) PolishTranscript(_ context.Context, transcript string, names map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = names
	if a.polishErr != nil {
		return transcript, a.polishErr
	}
	return a.polished, nil
}

type sentimentSink struct {
	call.NopSink
	mu         sync.Mutex
	sentiments []call.Sentiment
	records    int
}

func (s *sentimentSink) OnSentiment(v call.Sentiment) {
	s.mu.Lock()
	s.sentiments = append(s.sentiments, v)
	s.mu.Unlock()
}

func (s *sentimentSink) OnCallRecord(call.CallRecord) {
	s.mu.Lock()
	s.records++
	s.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContext(t *testing.T, a *fakeAnalyzer, sink call.EventSink) (*LiveContext, *stubDialer) {
	t.Helper()
	d := &stubDialer{}
	opts := []Option{WithLogger(quietLogger())}
	if a != nil {
		opts = append(opts, WithAnalyzer(a))
	}
	lc := New(Dependencies{Dialer: d, Devices: stubDevices{}, Sink: sink}, opts...)
	t.Cleanup(lc.Close)
	return lc, d
}

func connect(t *testing.T, lc *LiveContext, d *stubDialer, start func() error) *stubSession {
	t.Helper()
	if err := start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess, _ := d.last()
	sess.obs.OnEvent(&transport.OpenEvent{})
	waitFor(t, "connected", func() bool { return lc.Snapshot().State == call.StateConnected })
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_DefaultPersonaAndCompanionTools(t *testing.T) {
	lc, d := newTestContext(t, nil, nil)
	if got := lc.Snapshot().Persona; got != AgentZero {
		t.Fatalf("persona=%+v, want Agent Zero", got)
	}
	connect(t, lc, d, func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	})

	_, cfg := d.last()
	if cfg.Voice != "Algieba" || cfg.SystemInstruction != DefaultInstruction(AgentZero) {
		t.Fatalf("config voice=%q instruction=%q", cfg.Voice, cfg.SystemInstruction)
	}
	names := map[string]bool{}
	for _, decl := range cfg.Tools {
		names[decl.Name] = true
	}
	for _, want := range []string{"end_call", "set_ai_mode", "whiteboard_draw", "generate_interactive_chart"} {
		if !names[want] {
			t.Fatalf("tool %q not advertised; have %v", want, names)
		}
	}
}

func TestCallContact_UsesContactInstruction(t *testing.T) {
	lc, d := newTestContext(t, nil, nil)
	if _, err := lc.CallContact(context.Background(), Contact{}, call.StartOptions{}); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("empty contact err=%v, want invalid_request", err)
	}

	c := Contact{Name: "Aisha Patel", Title: "Human Rights Lawyer", CityOfBirth: "London"}
	connect(t, lc, d, func() error {
		_, err := lc.CallContact(context.Background(), c, call.StartOptions{})
		return err
	})
	_, cfg := d.last()
	if !strings.HasPrefix(cfg.SystemInstruction, "You are Aisha Patel, Human Rights Lawyer.") {
		t.Fatalf("instruction=%q", cfg.SystemInstruction)
	}
}

func TestSentiment_AppliedForCurrentCall(t *testing.T) {
	a := &fakeAnalyzer{sentiment: "positive"}
	sink := &sentimentSink{}
	lc, d := newTestContext(t, a, sink)
	sess := connect(t, lc, d, func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	})

	sess.obs.OnEvent(&transport.InputTranscriptEvent{Text: "this is great"})
	sess.obs.OnEvent(&transport.InputTranscriptEvent{Text: "this is great", Final: true})
	sess.obs.OnEvent(&transport.OutputTranscriptEvent{Text: "glad to hear", Final: true})
	waitFor(t, "sentiment", func() bool { return lc.Transcript().Sentiment == call.SentimentPositive })

	a.mu.Lock()
	texts := append([]string(nil), a.texts...)
	a.mu.Unlock()
	if len(texts) != 1 || texts[0] != "this is great" {
		t.Fatalf("analyzed=%q, want only the final user line", texts)
	}
	waitFor(t, "sink sentiment", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.sentiments) == 1
	})
}

func TestSentiment_StaleResultDropped(t *testing.T) {
	a := &fakeAnalyzer{sentiment: "negative", gate: make(chan struct{})}
	lc, d := newTestContext(t, a, nil)
	start := func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	}
	sess := connect(t, lc, d, start)
	sess.obs.OnEvent(&transport.InputTranscriptEvent{Text: "ugh", Final: true})
	waitFor(t, "analysis started", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.texts) == 1
	})

	if err := lc.End(call.StateIdle); err != nil {
		t.Fatalf("End: %v", err)
	}
	connect(t, lc, d, start)
	close(a.gate)
	time.Sleep(20 * time.Millisecond)

	if got := lc.Transcript().Sentiment; got != call.SentimentUnknown {
		t.Fatalf("sentiment=%q leaked into the next call", got)
	}
}

func TestHistory_RecordsConnectedCalls(t *testing.T) {
	sink := &sentimentSink{}
	lc, d := newTestContext(t, nil, sink)
	start := func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	}
	for i := 0; i < 2; i++ {
		connect(t, lc, d, start)
		if err := lc.End(call.StateIdle); err != nil {
			t.Fatalf("End: %v", err)
		}
	}
	waitFor(t, "records", func() bool { return len(lc.History()) == 2 })
	h := lc.History()
	if h[0].Persona != AgentZero.Name || h[0].Direction != call.DirectionOutgoing {
		t.Fatalf("record=%+v", h[0])
	}
	if h[0].ID == h[1].ID {
		t.Fatalf("record ids not unique")
	}
}

func TestPolishTranscript(t *testing.T) {
	a := &fakeAnalyzer{polished: "Ana: Hello."}
	lc, d := newTestContext(t, a, nil)

	if out, err := lc.PolishTranscript(context.Background()); out != "" || err != nil {
		t.Fatalf("empty transcript out=%q err=%v", out, err)
	}

	sess := connect(t, lc, d, func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	})
	lc.SetSpeakerName("Speaker 1", "Ana")
	sess.obs.OnEvent(&transport.InputTranscriptEvent{Text: "speaker 1 hello", Final: true})
	waitFor(t, "transcript", func() bool { return lc.Transcript().Original != "" })

	out, err := lc.PolishTranscript(context.Background())
	if err != nil || out != "Ana: Hello." {
		t.Fatalf("polish out=%q err=%v", out, err)
	}
	if a.names["Speaker 1"] != "Ana" {
		t.Fatalf("speaker names not passed: %v", a.names)
	}

	a.polishErr = errors.New("quota")
	out, err = lc.PolishTranscript(context.Background())
	if err == nil || out != "User: speaker 1 hello" {
		t.Fatalf("failed polish out=%q err=%v, want raw transcript and error", out, err)
	}
}

func TestPersonaControls(t *testing.T) {
	lc, d := newTestContext(t, nil, nil)

	next, err := lc.TogglePersona()
	if err != nil || next != AgentZara {
		t.Fatalf("TogglePersona=%+v err=%v", next, err)
	}
	if err := lc.SetVoice("Robot"); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("SetVoice(Robot) err=%v, want invalid_request", err)
	}
	if err := lc.SetVoice("Charon"); err != nil {
		t.Fatalf("SetVoice(Charon): %v", err)
	}
	if got := lc.Snapshot().Persona; got.Name != "Agent Zara" || got.Voice != "Charon" {
		t.Fatalf("persona=%+v", got)
	}

	connect(t, lc, d, func() error {
		_, err := lc.Start(context.Background(), call.StartOptions{})
		return err
	})
	if _, err := lc.TogglePersona(); core.TypeOf(err) != core.ErrInvalidState {
		t.Fatalf("TogglePersona during call err=%v, want invalid_state", err)
	}
}
