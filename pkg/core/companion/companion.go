// Package companion is the composition root for live calls. A LiveContext
// wires capture devices, the audio pipeline, a live session dialer and the
// companion tool set into one call state machine, and adds the per-call
// extras around it: sentiment, transcript polishing and call history.
package companion

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/core/tools"
	"github.com/vango-go/vai-companion/pkg/core/transport"
)

// Analyzer runs text analysis outside the live session.
type Analyzer interface {
	DetectSentiment(ctx context.Context, text string) (string, error)
	PolishTranscript(ctx context.Context, transcript string, speakerNames map[string]string) (string, error)
}

// Dependencies are the collaborators of a LiveContext.
type Dependencies struct {
	Dialer  transport.Dialer
	Devices media.Devices
	// Output plays synthesized audio. Nil leaves the player to be drained by
	// the caller through Pipeline().
	Output audio.Output
	// App receives the effects of companion tool calls.
	App         tools.AppCallbacks
	ToolOptions tools.CompanionOptions
	// Sink receives call events after the LiveContext has seen them.
	Sink call.EventSink

	Model          string
	Persona        call.Persona
	ToolAckTimeout time.Duration
	VideoFPS       float64
	HistorySize    int
}

// Option configures a LiveContext.
type Option func(*LiveContext)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lc *LiveContext) {
		lc.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(lc *LiveContext) {
		lc.tracer = t
	}
}

// WithAnalyzer enables sentiment detection and transcript polishing.
func WithAnalyzer(a Analyzer) Option {
	return func(lc *LiveContext) {
		lc.analyzer = a
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lc *LiveContext) {
		lc.now = now
	}
}

const sentimentTimeout = 10 * time.Second

// LiveContext is the facade UI code talks to. It is safe for concurrent use.
type LiveContext struct {
	machine  *call.Machine
	pipeline *audio.Pipeline
	sink     call.EventSink
	history  *History

	logger   *slog.Logger
	tracer   trace.Tracer
	analyzer Analyzer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a LiveContext. The persona defaults to Agent Zero.
func New(deps Dependencies, opts ...Option) *LiveContext {
	lc := &LiveContext{
		sink:    deps.Sink,
		history: NewHistory(deps.HistorySize),
	}
	for _, opt := range opts {
		opt(lc)
	}
	if lc.logger == nil {
		lc.logger = slog.Default()
	}
	if lc.tracer == nil {
		lc.tracer = noop.NewTracerProvider().Tracer("")
	}
	if lc.now == nil {
		lc.now = time.Now
	}
	if lc.sink == nil {
		lc.sink = call.NopSink{}
	}
	if deps.Persona.Name == "" {
		deps.Persona = AgentZero
	}
	lc.ctx, lc.cancel = context.WithCancel(context.Background())

	lc.pipeline = audio.New(audio.Config{Output: deps.Output, Logger: lc.logger, Now: lc.now})
	app, toolOpts := deps.App, deps.ToolOptions
	lc.machine = call.New(call.Config{
		Dialer:   deps.Dialer,
		Devices:  deps.Devices,
		Pipeline: lc.pipeline,
		RegisterTools: func(r *tools.Registry) error {
			return tools.RegisterCompanionTools(r, app, toolOpts)
		},
		Sink:           lc,
		Logger:         lc.logger,
		Tracer:         lc.tracer,
		Model:          deps.Model,
		Persona:        deps.Persona,
		Instruction:    DefaultInstruction,
		ToolAckTimeout: deps.ToolAckTimeout,
		VideoFPS:       deps.VideoFPS,
		Now:            lc.now,
	})
	return lc
}

// Start places a call with the current persona.
func (lc *LiveContext) Start(ctx context.Context, opts call.StartOptions) (call.Snapshot, error) {
	return lc.machine.Start(ctx, opts)
}

// CallContact places a call in which the model plays c.
func (lc *LiveContext) CallContact(ctx context.Context, c Contact, opts call.StartOptions) (call.Snapshot, error) {
	if strings.TrimSpace(c.Name) == "" {
		return call.Snapshot{}, core.NewInvalidRequestErrorWithParam("contact name is required", "name")
	}
	opts.SystemInstruction = ContactInstruction(c)
	return lc.machine.Start(ctx, opts)
}

// End hangs up into idle or standby.
func (lc *LiveContext) End(target call.State) error { return lc.machine.End(target) }

func (lc *LiveContext) Pause() bool         { return lc.machine.Pause() }
func (lc *LiveContext) Resume() bool        { return lc.machine.Resume() }
func (lc *LiveContext) ToggleMute() bool    { return lc.machine.ToggleMute() }
func (lc *LiveContext) ToggleSpeaker() bool { return lc.machine.ToggleSpeaker() }

func (lc *LiveContext) ToggleCamera(ctx context.Context) (bool, error) {
	return lc.machine.ToggleCamera(ctx)
}

func (lc *LiveContext) StartScreenShare(ctx context.Context) (bool, error) {
	return lc.machine.StartScreenShare(ctx)
}

func (lc *LiveContext) StopScreenShare() bool { return lc.machine.StopScreenShare() }

func (lc *LiveContext) SetOutputVolume(v float64) float64 { return lc.machine.SetOutputVolume(v) }

// SetPersona selects the persona for the next call.
func (lc *LiveContext) SetPersona(p call.Persona) error {
	if p.Voice != "" && !ValidVoice(p.Voice) {
		return core.NewInvalidRequestErrorWithParam("unknown voice "+p.Voice, "voice")
	}
	return lc.machine.SetPersona(p)
}

// TogglePersona switches between Agent Zero and Agent Zara.
func (lc *LiveContext) TogglePersona() (call.Persona, error) {
	next := OtherPersona(lc.machine.Snapshot().Persona)
	if err := lc.machine.SetPersona(next); err != nil {
		return call.Persona{}, err
	}
	return next, nil
}

// SetVoice changes the voice of the current persona for the next call.
func (lc *LiveContext) SetVoice(voice string) error {
	p := lc.machine.Snapshot().Persona
	p.Voice = voice
	return lc.SetPersona(p)
}

func (lc *LiveContext) SetSpeakerName(id, name string) { lc.machine.SetSpeakerName(id, name) }
func (lc *LiveContext) SendText(text string) bool      { return lc.machine.SendText(text) }
func (lc *LiveContext) ResumeAudio() error             { return lc.machine.ResumeAudio() }

func (lc *LiveContext) Snapshot() call.Snapshot             { return lc.machine.Snapshot() }
func (lc *LiveContext) Transcript() call.TranscriptSnapshot { return lc.machine.Transcript() }

// History returns recent calls, newest first.
func (lc *LiveContext) History() []call.CallRecord { return lc.history.Records() }

// Pipeline exposes the audio pipeline, e.g. for a network output pacer.
func (lc *LiveContext) Pipeline() *audio.Pipeline { return lc.pipeline }

// PolishTranscript rewrites the current transcript with speaker names
// applied. Without an analyzer it returns the raw transcript.
func (lc *LiveContext) PolishTranscript(ctx context.Context) (string, error) {
	raw := lc.machine.TranscriptText()
	if lc.analyzer == nil || strings.TrimSpace(raw) == "" {
		return raw, nil
	}
	ctx, span := lc.tracer.Start(ctx, "companion.polish_transcript",
		trace.WithAttributes(attribute.Int("transcript.bytes", len(raw))))
	defer span.End()

	names := lc.machine.Transcript().SpeakerNames
	out, err := lc.analyzer.PolishTranscript(ctx, raw, names)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lc.logger.Warn("transcript polish failed", "error", err)
		return raw, err
	}
	return out, nil
}

// Close ends any call and waits for background analysis to stop.
func (lc *LiveContext) Close() {
	lc.once.Do(func() {
		lc.cancel()
		lc.machine.Close()
		lc.wg.Wait()
	})
}

var _ call.EventSink = (*LiveContext)(nil)

// OnStateChange and the other call.EventSink methods observe the machine and
// forward to the configured sink.
func (lc *LiveContext) OnStateChange(s call.Snapshot) { lc.sink.OnStateChange(s) }

func (lc *LiveContext) OnTranscript(u call.TranscriptUpdate) {
	lc.sink.OnTranscript(u)
	if u.Role == call.RoleUser && u.Final && lc.analyzer != nil {
		lc.detectSentiment(u.Epoch, u.Text)
	}
}

func (lc *LiveContext) OnSpeakersDetected(ids []string)  { lc.sink.OnSpeakersDetected(ids) }
func (lc *LiveContext) OnToolCall(r call.ToolCallReport) { lc.sink.OnToolCall(r) }
func (lc *LiveContext) OnSpeaking(s call.Speaking)       { lc.sink.OnSpeaking(s) }
func (lc *LiveContext) OnDurationTick(secs int)          { lc.sink.OnDurationTick(secs) }
func (lc *LiveContext) OnSentiment(s call.Sentiment)     { lc.sink.OnSentiment(s) }
func (lc *LiveContext) OnTurnComplete()                  { lc.sink.OnTurnComplete() }
func (lc *LiveContext) OnInterrupted()                   { lc.sink.OnInterrupted() }
func (lc *LiveContext) OnWarning(code, msg string)       { lc.sink.OnWarning(code, msg) }
func (lc *LiveContext) OnError(err error)                { lc.sink.OnError(err) }

func (lc *LiveContext) OnCallRecord(r call.CallRecord) {
	lc.history.Add(r)
	lc.sink.OnCallRecord(r)
}

func (lc *LiveContext) detectSentiment(epoch uint64, text string) {
	if lc.ctx.Err() != nil {
		return
	}
	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()
		ctx, cancel := context.WithTimeout(lc.ctx, sentimentTimeout)
		defer cancel()
		label, err := lc.analyzer.DetectSentiment(ctx, text)
		if err != nil {
			lc.logger.Debug("sentiment detection failed", "epoch", epoch, "error", err)
			return
		}
		if s := call.ParseSentiment(label); s != call.SentimentUnknown {
			lc.machine.ReportSentiment(epoch, s)
		}
	}()
}
