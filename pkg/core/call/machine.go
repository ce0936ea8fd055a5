package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/core/tools"
	"github.com/vango-go/vai-companion/pkg/core/transport"
)

// Media is the capture side of one call. *media.Manager implements it.
type Media interface {
	AcquireMicrophone(ctx context.Context) (media.Stream, error)
	AcquireCamera(ctx context.Context) (media.Stream, error)
	ReleaseCamera()
	AcquireScreenShare(ctx context.Context) (media.Stream, error)
	ReleaseScreenShare()
	ReleaseAll() int
	Video() *media.VideoSwitch
	SetMicrophoneEnabled(bool)
	MicrophoneEnabled() bool
}

// Config configures a Machine.
type Config struct {
	Dialer  transport.Dialer
	Devices media.Devices
	// NewMedia creates the capture manager for each call. Defaults to a
	// media.Manager over Devices.
	NewMedia func() Media
	Pipeline *audio.Pipeline
	// RegisterTools adds application tools to the registry built for each
	// session. end_call is always registered by the machine.
	RegisterTools func(*tools.Registry) error
	Sink          EventSink
	Logger        *slog.Logger
	Tracer        trace.Tracer

	Model   string
	Persona Persona
	// Instruction builds the system instruction for a persona when Start has
	// no override.
	Instruction func(Persona) string

	ToolAckTimeout  time.Duration
	MonitorInterval time.Duration
	VideoFPS        float64
	EventBuffer     int
	Now             func() time.Time
}

// StartOptions are per-call overrides.
type StartOptions struct {
	Persona *Persona
	// Greeting is sent as the first user turn so the model speaks first.
	Greeting string
	// SystemInstruction replaces the persona instruction for this call.
	SystemInstruction string
	// SeedContext is injected before the model's first turn.
	SeedContext string
	Muted       bool
	SpeakerOff  bool
	Camera      bool
	ScreenShare bool
	Direction   Direction
}

// Machine is the single owner of call state. All methods are safe for
// concurrent use; at most one call exists at a time.
type Machine struct {
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	sink       EventSink
	pipeline   *audio.Pipeline
	now        func() time.Time
	notify     *notifier
	transcript *TranscriptBuffer

	mu            sync.Mutex
	state         State
	epoch         uint64
	run           *callRun
	persona       Persona
	instruction   string
	toggles       Toggles
	volume        float64
	speaking      Speaking
	lastErr       error
	endReason     string
	lastStartedAt time.Time
	lastDuration  time.Duration
	closed        bool
}

// callRun is the state of one call epoch.
type callRun struct {
	epoch     uint64
	ctx       context.Context
	cancel    context.CancelFunc
	media     Media
	direction Direction
	persona   Persona
	events    chan transport.Event

	// Set once before the event loop starts.
	session    transport.Session
	dispatcher *tools.Dispatcher

	// Guarded by Machine.mu.
	torndown    bool
	startedAt   time.Time
	activeSince time.Time
	accumulated time.Duration
	lastTick    int

	paused       atomic.Bool
	endRequested atomic.Bool
}

func (r *callRun) push(ev transport.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *callRun) duration(now time.Time) time.Duration {
	d := r.accumulated
	if !r.activeSince.IsZero() {
		d += now.Sub(r.activeSince)
	}
	return d
}

func (r *callRun) stopClock(now time.Time) {
	if r.activeSince.IsZero() {
		return
	}
	r.accumulated += now.Sub(r.activeSince)
	r.activeSince = time.Time{}
}

func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = audio.New(audio.Config{Logger: cfg.Logger, Now: cfg.Now})
	}
	if cfg.ToolAckTimeout <= 0 {
		cfg.ToolAckTimeout = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 100 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.NewMedia == nil {
		devices, logger, fps, now := cfg.Devices, cfg.Logger, cfg.VideoFPS, cfg.Now
		cfg.NewMedia = func() Media {
			return media.NewManager(media.Config{Devices: devices, Logger: logger, VideoFPS: fps, Now: now})
		}
	}
	return &Machine{
		cfg:        cfg,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		sink:       cfg.Sink,
		pipeline:   cfg.Pipeline,
		now:        cfg.Now,
		notify:     newNotifier(),
		transcript: NewTranscriptBuffer(),
		state:      StateIdle,
		persona:    cfg.Persona,
		toggles:    Toggles{SpeakerEnabled: true},
		volume:     1,
		speaking:   SpeakingNone,
	}
}

var errCallEnded = core.NewInvalidStateError("call ended before it connected")

// Start places a call. While a call is already in progress it returns the
// current snapshot and does nothing else. Start blocks through media
// permission and the session handshake; End cancels both.
func (m *Machine) Start(ctx context.Context, opts StartOptions) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, core.NewInvalidStateError("call machine is closed")
	}
	if m.state.InCall() {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.logger.Debug("start ignored, call in progress", "epoch", snap.Epoch, "state", snap.State)
		return snap, nil
	}
	if m.state == StateDisconnecting {
		m.mu.Unlock()
		return Snapshot{}, core.NewInvalidStateError("previous call is still ending")
	}

	seed := strings.TrimSpace(opts.SeedContext)
	if seed == "" && m.state == StateStandby {
		if prev := m.transcript.Text(); prev != "" {
			seed = "Earlier in this conversation:\n" + prev
		}
	}
	m.transcript.Reset()

	m.epoch++
	if opts.Persona != nil {
		m.persona = *opts.Persona
	}
	m.instruction = strings.TrimSpace(opts.SystemInstruction)
	if m.instruction == "" && m.cfg.Instruction != nil {
		m.instruction = m.cfg.Instruction(m.persona)
	}
	direction := opts.Direction
	if direction == "" {
		direction = DirectionOutgoing
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &callRun{
		epoch:     m.epoch,
		ctx:       runCtx,
		cancel:    cancel,
		media:     m.cfg.NewMedia(),
		direction: direction,
		persona:   m.persona,
		events:    make(chan transport.Event, m.cfg.EventBuffer),
	}
	m.run = run
	m.toggles = Toggles{Muted: opts.Muted, SpeakerEnabled: !opts.SpeakerOff}
	m.lastErr = nil
	m.endReason = ""
	m.lastStartedAt = time.Time{}
	m.lastDuration = 0
	m.speaking = SpeakingNone
	m.setStateLocked(StateRinging)
	instruction := m.instruction
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "call.start", trace.WithAttributes(
		attribute.Int64("call.epoch", int64(run.epoch)),
		attribute.String("call.persona", run.persona.Name),
	))
	defer span.End()

	m.logger.Info("call starting", "epoch", run.epoch, "persona", run.persona.Name)
	if err := m.connect(ctx, run, instruction, seed, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

func (m *Machine) connect(ctx context.Context, run *callRun, instruction, seed string, opts StartOptions) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(run.ctx, cancel)
	defer stop()

	run.media.SetMicrophoneEnabled(!opts.Muted)
	mic, err := run.media.AcquireMicrophone(opCtx)
	if err != nil {
		return m.abortStart(run, err)
	}
	if opts.Camera {
		m.acquireVideo(opCtx, run, media.KindCamera)
	}
	if opts.ScreenShare {
		m.acquireVideo(opCtx, run, media.KindScreen)
	}

	m.mu.Lock()
	if !m.currentLocked(run) {
		m.mu.Unlock()
		return errCallEnded
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	reg := tools.NewRegistry()
	if err := reg.Register(tools.EndCallDeclaration, m.endCallHandler(run)); err != nil {
		return m.abortStart(run, err)
	}
	if m.cfg.RegisterTools != nil {
		if err := m.cfg.RegisterTools(reg); err != nil {
			return m.abortStart(run, core.NewInvalidRequestError(err.Error()))
		}
	}
	run.dispatcher = tools.NewDispatcher(tools.DispatcherConfig{Registry: reg, Logger: m.logger, Now: m.now})

	if m.cfg.Dialer == nil {
		return m.abortStart(run, core.NewConnectionRefusedError(errors.New("no live session dialer configured")))
	}
	sess, err := m.cfg.Dialer.Open(opCtx, transport.Config{
		Model:               m.cfg.Model,
		Persona:             run.persona.Name,
		Voice:               run.persona.Voice,
		SystemInstruction:   instruction,
		Tools:               reg.Declarations(),
		InputTranscription:  true,
		OutputTranscription: true,
	}, transport.ObserverFunc(run.push))
	if err != nil {
		if _, ok := core.AsError(err); !ok {
			err = core.NewConnectionRefusedError(err)
		}
		return m.abortStart(run, err)
	}

	m.mu.Lock()
	if !m.currentLocked(run) {
		m.mu.Unlock()
		_ = sess.Close()
		return errCallEnded
	}
	run.session = sess
	m.mu.Unlock()

	go m.processEvents(run)
	go m.pumpAudio(run, mic)
	go m.pumpVideo(run)
	go m.monitor(run)

	if text := openingText(seed, opts.Greeting); text != "" {
		sess.Send(transport.Frame{Text: text, EndOfTurn: true})
	}
	return nil
}

func openingText(seed, greeting string) string {
	greeting = strings.TrimSpace(greeting)
	switch {
	case seed != "" && greeting != "":
		return seed + "\n\n" + greeting
	case seed != "":
		return seed
	default:
		return greeting
	}
}

// abortStart fails a call that has not connected. If the call was already
// ended by someone else the caller sees errCallEnded.
func (m *Machine) abortStart(run *callRun, err error) error {
	if !m.isCurrent(run) {
		return errCallEnded
	}
	m.logger.Warn("call failed to start", "epoch", run.epoch, "error", err)
	m.teardown(run, ReasonStartFailed, StateIdle, err)
	return err
}

func (m *Machine) acquireVideo(ctx context.Context, run *callRun, kind media.Kind) error {
	var err error
	if kind == media.KindCamera {
		_, err = run.media.AcquireCamera(ctx)
	} else {
		_, err = run.media.AcquireScreenShare(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(run) {
		return errCallEnded
	}
	if err != nil {
		m.logger.Warn("video source unavailable", "epoch", run.epoch, "kind", kind, "error", err)
		m.post(func() { m.sink.OnError(err) })
		return err
	}
	if kind == media.KindCamera {
		m.toggles.CameraEnabled = true
	} else {
		m.toggles.ScreenSharing = true
	}
	m.emitStateLocked()
	return nil
}

func (m *Machine) endCallHandler(run *callRun) tools.Handler {
	return func(context.Context, map[string]any) (map[string]any, error) {
		run.endRequested.Store(true)
		return map[string]any{"status": "ending"}, nil
	}
}

// End hangs up. target is StateIdle (hard reset) or StateStandby (keep the
// transcript as context for the next call); empty means idle. A call that
// has not connected always returns to idle.
func (m *Machine) End(target State) error {
	if target == "" {
		target = StateIdle
	}
	if target != StateIdle && target != StateStandby {
		return core.NewInvalidRequestErrorWithParam("end target must be idle or standby", "target")
	}
	m.mu.Lock()
	run := m.run
	if run == nil || run.torndown {
		if run == nil && m.state == StateStandby && target == StateIdle {
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, span := m.tracer.Start(run.ctx, "call.end", trace.WithAttributes(
		attribute.Int64("call.epoch", int64(run.epoch)),
		attribute.String("call.target", string(target)),
	))
	defer span.End()
	m.teardown(run, ReasonUserEnded, target, nil)
	return nil
}

// teardown is the only path that ends a call. It runs at most once per call
// and releases media, closes the session and stops output.
func (m *Machine) teardown(run *callRun, reason string, target State, cause error) bool {
	m.mu.Lock()
	if run.torndown || m.run != run {
		m.mu.Unlock()
		return false
	}
	run.torndown = true
	now := m.now()
	run.stopClock(now)
	prev := m.state
	if prev == StateConnected || prev == StatePaused {
		m.setStateLocked(StateDisconnecting)
	} else {
		target = StateIdle
	}
	sess := run.session
	m.endReason = reason
	if cause != nil {
		m.lastErr = cause
	}
	m.mu.Unlock()

	m.logger.Info("call ending", "epoch", run.epoch, "reason", reason, "from", prev)
	run.cancel()
	released := run.media.ReleaseAll()
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Debug("session close failed", "epoch", run.epoch, "error", err)
		}
	}
	m.pipeline.CloseOutput()

	m.mu.Lock()
	m.run = nil
	m.toggles.CameraEnabled = false
	m.toggles.ScreenSharing = false
	m.speaking = SpeakingNone
	m.lastStartedAt = run.startedAt
	m.lastDuration = run.duration(now)
	var rec *CallRecord
	if !run.startedAt.IsZero() {
		rec = &CallRecord{
			ID:        uuid.NewString(),
			Persona:   run.persona.Name,
			Duration:  m.lastDuration,
			Timestamp: run.startedAt,
			Direction: run.direction,
			EndReason: reason,
		}
	}
	m.setStateLocked(target)
	if cause != nil {
		m.post(func() { m.sink.OnError(cause) })
	}
	if rec != nil {
		r := *rec
		m.post(func() { m.sink.OnCallRecord(r) })
	}
	duration := m.lastDuration
	m.mu.Unlock()

	m.logger.Info("call ended", "epoch", run.epoch, "reason", reason, "state", target,
		"released_streams", released, "duration", duration)
	return true
}

// Pause suspends microphone capture and the duration clock. The session
// stays open.
func (m *Machine) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.run
	if run == nil || run.torndown || m.state != StateConnected {
		return false
	}
	run.stopClock(m.now())
	run.paused.Store(true)
	m.setStateLocked(StatePaused)
	return true
}

// Resume restarts capture and the clock after Pause.
func (m *Machine) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.run
	if run == nil || run.torndown || m.state != StatePaused {
		return false
	}
	run.activeSince = m.now()
	run.paused.Store(false)
	m.setStateLocked(StateConnected)
	return true
}

// ToggleMute flips the microphone mute. It reports false (and does nothing)
// when no call is connecting, connected or paused.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.liveRunLocked()
	if run == nil {
		return false
	}
	m.toggles.Muted = !m.toggles.Muted
	run.media.SetMicrophoneEnabled(!m.toggles.Muted)
	m.emitStateLocked()
	return true
}

// ToggleSpeaker flips speaker output. Same rules as ToggleMute.
func (m *Machine) ToggleSpeaker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveRunLocked() == nil {
		return false
	}
	m.toggles.SpeakerEnabled = !m.toggles.SpeakerEnabled
	m.pipeline.SetSpeakerEnabled(m.toggles.SpeakerEnabled)
	m.emitStateLocked()
	return true
}

// ToggleCamera turns the camera on or off. Turning it on may block on a
// permission prompt; the audio path is never touched.
func (m *Machine) ToggleCamera(ctx context.Context) (bool, error) {
	m.mu.Lock()
	run := m.liveRunLocked()
	if run == nil {
		m.mu.Unlock()
		return false, nil
	}
	if m.toggles.CameraEnabled {
		run.media.ReleaseCamera()
		m.toggles.CameraEnabled = false
		m.emitStateLocked()
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()
	return m.acquireLive(ctx, run, media.KindCamera)
}

// StartScreenShare switches the outgoing video to the screen.
func (m *Machine) StartScreenShare(ctx context.Context) (bool, error) {
	m.mu.Lock()
	run := m.liveRunLocked()
	if run == nil {
		m.mu.Unlock()
		return false, nil
	}
	if m.toggles.ScreenSharing {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()
	return m.acquireLive(ctx, run, media.KindScreen)
}

// StopScreenShare falls back to the camera if it is on.
func (m *Machine) StopScreenShare() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.liveRunLocked()
	if run == nil || !m.toggles.ScreenSharing {
		return false
	}
	run.media.ReleaseScreenShare()
	m.toggles.ScreenSharing = false
	m.emitStateLocked()
	return true
}

func (m *Machine) acquireLive(ctx context.Context, run *callRun, kind media.Kind) (bool, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(run.ctx, cancel)
	defer stop()
	if err := m.acquireVideo(opCtx, run, kind); err != nil {
		if errors.Is(err, errCallEnded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetOutputVolume sets the playback volume in [0,1]. Allowed in any state;
// the value carries over to later calls.
func (m *Machine) SetOutputVolume(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	m.mu.Lock()
	m.volume = v
	m.pipeline.SetOutputVolume(v)
	m.emitStateLocked()
	m.mu.Unlock()
	return v
}

// SetPersona selects the persona for the next call. The voice of a live
// session cannot change, so it fails while a call is in progress.
func (m *Machine) SetPersona(p Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.InCall() || m.state == StateDisconnecting {
		return core.NewInvalidStateError("persona cannot change during a call")
	}
	m.persona = p
	m.emitStateLocked()
	return nil
}

// SetSpeakerName labels a detected speaker. Names persist across calls.
func (m *Machine) SetSpeakerName(id, name string) {
	m.transcript.SetSpeakerName(id, name)
}

// SendText sends a typed user turn and records it in the transcript.
func (m *Machine) SendText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	m.mu.Lock()
	run := m.run
	if run == nil || run.torndown || run.session == nil || (m.state != StateConnected && m.state != StatePaused) {
		m.mu.Unlock()
		return false
	}
	m.applyTranscriptLocked(run, RoleUser, text, true)
	sess := run.session
	m.mu.Unlock()
	return sess.Send(transport.Frame{Text: text, EndOfTurn: true})
}

// ReportSentiment records a sentiment computed for the given call. Results
// for an older call are ignored.
func (m *Machine) ReportSentiment(epoch uint64, s Sentiment) bool {
	if s == SentimentUnknown {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil || m.run.torndown || m.run.epoch != epoch {
		return false
	}
	m.transcript.SetSentiment(s)
	m.post(func() { m.sink.OnSentiment(s) })
	return true
}

// ResumeAudio retries a failed audio output start, e.g. after a user gesture.
func (m *Machine) ResumeAudio() error {
	m.mu.Lock()
	run := m.run
	live := run != nil && !run.torndown && (m.state == StateConnected || m.state == StatePaused)
	m.mu.Unlock()
	if !live {
		return core.NewInvalidStateError("no connected call")
	}
	if err := m.pipeline.ResumeOutput(); err != nil {
		return err
	}
	m.mu.Lock()
	if core.TypeOf(m.lastErr) == core.ErrAudioContext {
		m.lastErr = nil
		m.emitStateLocked()
	}
	m.mu.Unlock()
	return nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) Transcript() TranscriptSnapshot {
	return m.transcript.Snapshot()
}

// TranscriptText renders the committed transcript as labelled lines.
func (m *Machine) TranscriptText() string {
	return m.transcript.Text()
}

// Close ends any call and stops event delivery. The machine cannot be
// reused.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	run := m.run
	m.mu.Unlock()
	if run != nil {
		m.teardown(run, ReasonShutdown, StateIdle, nil)
	}
	m.notify.close()
}

func (m *Machine) processEvents(run *callRun) {
	for {
		select {
		case <-run.ctx.Done():
			return
		case ev := <-run.events:
			m.handleEvent(run, ev)
		}
	}
}

func (m *Machine) handleEvent(run *callRun, ev transport.Event) {
	switch e := ev.(type) {
	case *transport.OpenEvent:
		m.onOpen(run)
	case *transport.AudioChunkEvent:
		if m.isCurrent(run) {
			m.pipeline.EnqueuePlayback(e.Data)
		}
	case *transport.InputTranscriptEvent:
		m.onTranscript(run, RoleUser, e.Text, e.Final)
	case *transport.OutputTranscriptEvent:
		m.onTranscript(run, RoleModel, e.Text, e.Final)
	case *transport.ToolCallEvent:
		m.onToolCall(run, e)
	case *transport.TurnCompleteEvent:
		if m.isCurrent(run) {
			m.post(m.sink.OnTurnComplete)
		}
	case *transport.InterruptedEvent:
		if m.isCurrent(run) {
			m.pipeline.InterruptPlayback()
			m.post(m.sink.OnInterrupted)
		}
	case *transport.WarningEvent:
		if m.isCurrent(run) {
			m.logger.Warn("live session warning", "epoch", run.epoch, "code", e.Code, "message", e.Message)
			code, msg := e.Code, e.Message
			m.post(func() { m.sink.OnWarning(code, msg) })
		}
	case *transport.ErrorEvent:
		err := e.Err
		if _, ok := core.AsError(err); !ok {
			err = core.NewStreamInterruptedError(err)
		}
		m.teardown(run, ReasonStreamError, StateIdle, err)
	case *transport.CloseEvent:
		m.teardown(run, ReasonRemoteClosed, StateIdle, nil)
	}
}

func (m *Machine) onOpen(run *callRun) {
	m.mu.Lock()
	if !m.currentLocked(run) || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	now := m.now()
	run.startedAt = now
	run.activeSince = now
	speaker, volume := m.toggles.SpeakerEnabled, m.volume
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.logger.Info("call connected", "epoch", run.epoch)

	if err := m.pipeline.OpenOutput(); err != nil {
		m.mu.Lock()
		if m.currentLocked(run) {
			m.lastErr = err
			m.emitStateLocked()
			m.post(func() { m.sink.OnError(err) })
		}
		m.mu.Unlock()
	}
	m.pipeline.SetSpeakerEnabled(speaker)
	m.pipeline.SetOutputVolume(volume)
}

func (m *Machine) onTranscript(run *callRun, role Role, text string, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(run) {
		return
	}
	m.applyTranscriptLocked(run, role, text, final)
}

func (m *Machine) applyTranscriptLocked(run *callRun, role Role, text string, final bool) {
	added := m.transcript.Apply(role, text, final)
	upd := TranscriptUpdate{Epoch: run.epoch, Role: role, Text: text, Final: final}
	m.post(func() { m.sink.OnTranscript(upd) })
	if len(added) > 0 {
		m.post(func() { m.sink.OnSpeakersDetected(added) })
	}
}

func (m *Machine) onToolCall(run *callRun, ev *transport.ToolCallEvent) {
	if !m.isCurrent(run) {
		return
	}
	ctx, span := m.tracer.Start(run.ctx, "call.tool", trace.WithAttributes(
		attribute.String("tool.name", ev.Name),
		attribute.String("tool.call_id", ev.ID),
	))
	defer span.End()

	// The window covers the handler and the acknowledgement. The handler runs
	// off the event loop so a stuck callback cannot hold back other events.
	ackCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolAckTimeout)
	defer cancel()
	done := make(chan tools.Result, 1)
	go func() {
		done <- run.dispatcher.Dispatch(ackCtx, tools.Call{ID: ev.ID, Name: ev.Name, Args: ev.Args})
	}()
	var res tools.Result
	select {
	case res = <-done:
	case <-ackCtx.Done():
		if !errors.Is(ackCtx.Err(), context.DeadlineExceeded) {
			return
		}
		m.handlerStalled(run, ev)
		span.SetAttributes(attribute.String("tool.status", tools.StatusTimeout))
		return
	}
	span.SetAttributes(attribute.String("tool.status", res.Status), attribute.Bool("tool.duplicate", res.Duplicate))
	report := ToolCallReport{
		Epoch:     run.epoch,
		ID:        ev.ID,
		Name:      ev.Name,
		Args:      ev.Args,
		Status:    res.Status,
		Duplicate: res.Duplicate,
		Err:       res.Err,
	}
	if ev.MustAcknowledge {
		if err := m.acknowledge(ackCtx, run, ev, res); err != nil {
			span.RecordError(err)
			report.Err = err
		} else {
			report.Acknowledged = true
		}
	}
	m.post(func() { m.sink.OnToolCall(report) })

	if run.endRequested.Load() {
		m.teardown(run, ReasonEndCallTool, StateIdle, nil)
	}
}

// handlerStalled handles a tool handler that outlived ToolAckTimeout. A call
// the backend is waiting on ends; otherwise the result is abandoned.
func (m *Machine) handlerStalled(run *callRun, ev *transport.ToolCallEvent) {
	if !m.isCurrent(run) {
		return
	}
	terr := core.NewToolCallTimeoutError(ev.Name, ev.ID)
	m.logger.Warn("tool handler timed out", "epoch", run.epoch, "tool", ev.Name,
		"call_id", ev.ID, "timeout", m.cfg.ToolAckTimeout)
	report := ToolCallReport{Epoch: run.epoch, ID: ev.ID, Name: ev.Name, Args: ev.Args, Status: tools.StatusTimeout, Err: terr}
	m.post(func() { m.sink.OnToolCall(report) })
	if ev.MustAcknowledge {
		m.teardown(run, ReasonToolAckTimeout, StateIdle, terr)
	}
}

// acknowledge answers a tool call before ctx, which carries the
// ToolAckTimeout deadline, expires. A stalled acknowledgement ends the call.
func (m *Machine) acknowledge(ctx context.Context, run *callRun, ev *transport.ToolCallEvent, res tools.Result) error {
	err := run.session.AcknowledgeToolCall(ctx, transport.ToolResult{ID: ev.ID, Name: ev.Name, Response: res.Response})
	if err == nil {
		return nil
	}
	if !m.isCurrent(run) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		terr := core.NewToolCallTimeoutError(ev.Name, ev.ID)
		m.logger.Warn("tool call acknowledgement timed out", "epoch", run.epoch, "tool", ev.Name,
			"call_id", ev.ID, "timeout", m.cfg.ToolAckTimeout)
		m.teardown(run, ReasonToolAckTimeout, StateIdle, terr)
		return terr
	}
	m.logger.Warn("tool call acknowledgement failed", "epoch", run.epoch, "tool", ev.Name, "call_id", ev.ID, "error", err)
	return err
}

func (m *Machine) pumpAudio(run *callRun, mic media.Stream) {
	enabled := func() bool {
		return !run.paused.Load() && run.media.MicrophoneEnabled()
	}
	mime := audio.MIMEType(audio.InputSampleRate)
	for c := range m.pipeline.StartCapture(run.ctx, mic, enabled) {
		run.session.Send(transport.Frame{Audio: &transport.Blob{MIMEType: mime, Data: c.Data}})
	}
}

func (m *Machine) pumpVideo(run *callRun) {
	run.media.Video().Run(run.ctx, func(f media.Frame) {
		run.session.Send(transport.Frame{Video: &transport.Blob{MIMEType: f.MIMEType, Data: f.Data}})
	})
}

func (m *Machine) monitor(run *callRun) {
	t := time.NewTicker(m.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-t.C:
			m.tick(run)
		}
	}
}

// tick updates the speaking indicator and emits whole-second duration ticks.
func (m *Machine) tick(run *callRun) {
	speaking := SpeakingNone
	switch {
	case m.pipeline.IsOutputActive():
		speaking = SpeakingModel
	case m.pipeline.IsInputActive() && !run.paused.Load() && run.media.MicrophoneEnabled():
		speaking = SpeakingUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(run) {
		return
	}
	if speaking != m.speaking {
		m.speaking = speaking
		m.post(func() { m.sink.OnSpeaking(speaking) })
	}
	if m.state == StateConnected {
		if secs := int(run.duration(m.now()) / time.Second); secs != run.lastTick {
			run.lastTick = secs
			m.post(func() { m.sink.OnDurationTick(secs) })
		}
	}
}

func (m *Machine) isCurrent(run *callRun) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(run)
}

func (m *Machine) currentLocked(run *callRun) bool {
	return m.run == run && !run.torndown
}

func (m *Machine) liveRunLocked() *callRun {
	run := m.run
	if run == nil || run.torndown || !m.state.acceptsToggles() {
		return nil
	}
	return run
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("call state", "epoch", m.epoch, "from", m.state, "to", s)
	m.state = s
	m.emitStateLocked()
}

func (m *Machine) emitStateLocked() {
	snap := m.snapshotLocked()
	m.post(func() { m.sink.OnStateChange(snap) })
}

func (m *Machine) post(f func()) {
	m.notify.post(f)
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Epoch:             m.epoch,
		State:             m.state,
		Persona:           m.persona,
		SystemInstruction: m.instruction,
		Toggles:           m.toggles,
		OutputVolume:      m.volume,
		Speaking:          m.speaking,
		EndReason:         m.endReason,
		LastError:         m.lastErr,
		StartedAt:         m.lastStartedAt,
		Duration:          m.lastDuration,
	}
	if run := m.run; run != nil && !run.torndown {
		snap.StartedAt = run.startedAt
		snap.Duration = run.duration(m.now())
	}
	return snap
}
