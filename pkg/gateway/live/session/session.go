package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/companion"
	"github.com/vango-go/vai-companion/pkg/core/media"
	"github.com/vango-go/vai-companion/pkg/core/transport"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
)

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioBytesPerSecond int64
	MaxVideoFPS            int
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	MaxCallDuration        time.Duration
	PacerInterval          time.Duration
	MediaGrantTimeout      time.Duration
	ToolAckTimeout         time.Duration
	VideoFPS               float64
	HistorySize            int
	OutboundQueueSize      int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Dialer    transport.Dialer
	Analyzer  companion.Analyzer
	Hello     protocol.ClientHello
	SessionID string
	RequestID string
	Model     string
	Persona   call.Persona
	Config    Config
	Now       func() time.Time
}

// CallSession serves one /v1/call websocket. The client drives a
// companion.LiveContext with control messages and streams its devices on
// request; the server streams call events and paced model audio back.
type CallSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	hello     protocol.ClientHello
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	out     *outbox
	devices *remoteDevices
	pacer   *pacedOutput
	events  *forwarder
	live    *companion.LiveContext
	limiter *inboundLimiter

	audioSeq atomic.Int64
	binary   bool
	wg       sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if strings.TrimSpace(deps.Model) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.MediaGrantTimeout <= 0 {
		cfg.MediaGrantTimeout = 30 * time.Second
	}
	if cfg.PacerInterval <= 0 {
		cfg.PacerInterval = 20 * time.Millisecond
	}
	if cfg.VideoFPS <= 0 {
		cfg.VideoFPS = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		conn:      deps.Conn,
		logger:    deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		hello:     deps.Hello,
		sessionID: deps.SessionID,
		requestID: deps.RequestID,
		cfg:       cfg,
		now:       deps.Now,
		ctx:       ctx,
		cancel:    cancel,
		binary:    deps.Hello.Features.AudioTransport == protocol.AudioTransportBinary,
	}
	s.out = newOutbox(cfg.OutboundQueueSize)
	s.devices = newRemoteDevices(s.out, cfg.MediaGrantTimeout, cfg.VideoFPS, deps.Hello.Capabilities, uuid.NewString, deps.Now)
	s.pacer = newPacedOutput(cfg.PacerInterval, audio.OutputSampleRate, s.emitAudio)
	s.events = &forwarder{
		out:      s.out,
		partials: deps.Hello.Features.WantPartialTranscripts,
	}
	s.limiter = newInboundLimiter(deps.Now, cfg.MaxAudioBytesPerSecond, cfg.MaxVideoFPS, cfg.InboundBurstSeconds)

	opts := []companion.Option{
		companion.WithLogger(s.logger),
		companion.WithClock(deps.Now),
	}
	if deps.Tracer != nil {
		opts = append(opts, companion.WithTracer(deps.Tracer))
	}
	if deps.Analyzer != nil {
		opts = append(opts, companion.WithAnalyzer(deps.Analyzer))
	}
	s.live = companion.New(companion.Dependencies{
		Dialer:         deps.Dialer,
		Devices:        s.devices,
		Output:         s.pacer,
		App:            s.events,
		Sink:           s.events,
		Model:          deps.Model,
		Persona:        deps.Persona,
		ToolAckTimeout: cfg.ToolAckTimeout,
		VideoFPS:       cfg.VideoFPS,
		HistorySize:    cfg.HistorySize,
	}, opts...)
	return s, nil
}

// Run serves the connection until the client leaves, the session is
// canceled or the call time limit passes.
func (s *CallSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          writerCtx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.out.priority,
			normal:       s.out.normal,
			isStale:      s.out.isStale,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	// Initial state so the client can render before its first action.
	s.events.OnStateChange(s.live.Snapshot())

	var limitCh <-chan time.Time
	if s.cfg.MaxCallDuration > 0 {
		limitTimer := time.NewTimer(s.cfg.MaxCallDuration)
		defer limitTimer.Stop()
		limitCh = limitTimer.C
	}

	err := s.loop(readCh, writerErrCh, limitCh)
	s.shutdown()

	stopWriter()
	wait := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
	return err
}

func (s *CallSession) loop(readCh <-chan inboundFrame, writerErrCh <-chan error, limitCh <-chan time.Time) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case <-limitCh:
			s.logger.Info("call session time limit reached")
			_ = s.live.End(call.StateIdle)
			_ = s.sendSessionError("session_limit", "maximum session duration reached", true)
			return nil
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			if err := s.handleFrame(frame); err != nil {
				return err
			}
		}
	}
}

// shutdown ends any call and releases the client's devices. Messages it
// produces still reach the writer before the socket closes.
func (s *CallSession) shutdown() {
	s.devices.close()
	s.live.Close()
	s.cancel()
	s.wg.Wait()
	s.events.release()
}

func (s *CallSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) handleFrame(frame inboundFrame) error {
	switch frame.messageType {
	case websocket.BinaryMessage:
		if !s.binary {
			metrics.InboundFrames.WithLabelValues("audio", "rejected").Inc()
			return s.sendSessionError("bad_request", "binary frames require audio_transport=binary", false)
		}
		s.handleAudio(frame.data)
		return nil
	case websocket.TextMessage:
	default:
		return nil
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		code := "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		return s.sendSessionError(code, err.Error(), false)
	}

	switch m := msg.(type) {
	case protocol.ClientHello:
		return s.sendSessionError("bad_request", "hello already received", false)
	case protocol.ClientStart:
		s.start(m)
	case protocol.ClientEnd:
		if err := s.live.End(call.State(m.Target)); err != nil {
			s.sendRequestError(err)
		}
	case protocol.ClientControl:
		s.control(m.Op)
	case protocol.ClientSetVolume:
		s.live.SetOutputVolume(m.Volume)
	case protocol.ClientSetPersona:
		p := call.Persona{Name: strings.TrimSpace(m.Persona.Name), Voice: strings.TrimSpace(m.Persona.Voice)}
		if p.Voice == "" {
			p.Voice = s.live.Snapshot().Persona.Voice
		}
		if err := s.live.SetPersona(p); err != nil {
			s.sendRequestError(err)
		}
	case protocol.ClientSetSpeakerName:
		s.live.SetSpeakerName(m.SpeakerID, m.Name)
	case protocol.ClientSendText:
		if !s.live.SendText(m.Text) {
			_ = s.sendWarning("not_connected", "text can only be sent during a connected call")
		}
	case protocol.ClientMediaGrant:
		if !s.devices.grant(m) {
			_ = s.sendWarning("unknown_request", "no pending media request "+m.RequestID)
		}
	case protocol.ClientAudioFrame:
		data, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			metrics.InboundFrames.WithLabelValues("audio", "rejected").Inc()
			return s.sendSessionError("bad_request", "audio_frame.data_b64 is not valid base64", false)
		}
		s.handleAudio(data)
	case protocol.ClientVideoFrame:
		return s.handleVideo(m)
	case protocol.ClientMediaStopped:
		s.mediaStopped(m.Kind)
	}
	return nil
}

func (s *CallSession) start(m protocol.ClientStart) {
	opts := call.StartOptions{
		Greeting:          m.Greeting,
		SystemInstruction: m.SystemInstruction,
		SeedContext:       m.SeedContext,
		Muted:             m.Muted,
		SpeakerOff:        m.SpeakerOff,
		Camera:            m.Camera,
		ScreenShare:       m.ScreenShare,
		Direction:         call.DirectionOutgoing,
	}
	if m.Incoming {
		opts.Direction = call.DirectionIncoming
	}
	if m.Persona != nil {
		p := call.Persona{Name: strings.TrimSpace(m.Persona.Name), Voice: strings.TrimSpace(m.Persona.Voice)}
		if p.Voice != "" && !companion.ValidVoice(p.Voice) {
			s.sendRequestError(core.NewInvalidRequestErrorWithParam("unknown voice "+p.Voice, "persona.voice"))
			return
		}
		current := s.live.Snapshot().Persona
		if p.Name == "" {
			p.Name = current.Name
		}
		if p.Voice == "" {
			p.Voice = current.Voice
		}
		opts.Persona = &p
	}
	// Start blocks on media grants that arrive through this read loop.
	s.async(func(ctx context.Context) {
		var err error
		if m.Contact != nil {
			_, err = s.live.CallContact(ctx, contactFromWire(*m.Contact), opts)
		} else {
			_, err = s.live.Start(ctx, opts)
		}
		if err != nil {
			s.logger.Debug("call start failed", "error", err)
			s.sendRequestError(err)
		}
	})
}

func (s *CallSession) control(op string) {
	var applied bool
	switch op {
	case protocol.OpPause:
		applied = s.live.Pause()
	case protocol.OpResume:
		applied = s.live.Resume()
	case protocol.OpToggleMute:
		applied = s.live.ToggleMute()
	case protocol.OpToggleSpeaker:
		applied = s.live.ToggleSpeaker()
	case protocol.OpStopScreenShare:
		applied = s.live.StopScreenShare()
	case protocol.OpToggleCamera:
		s.async(func(ctx context.Context) {
			if _, err := s.live.ToggleCamera(ctx); err != nil {
				s.sendRequestError(err)
			}
		})
		return
	case protocol.OpStartScreenShare:
		s.async(func(ctx context.Context) {
			if _, err := s.live.StartScreenShare(ctx); err != nil {
				s.sendRequestError(err)
			}
		})
		return
	case protocol.OpTogglePersona:
		if _, err := s.live.TogglePersona(); err != nil {
			s.sendRequestError(err)
		}
		return
	case protocol.OpResumeAudio:
		if err := s.live.ResumeAudio(); err != nil {
			s.sendError(err)
		}
		return
	case protocol.OpPolishTranscript:
		s.async(func(ctx context.Context) {
			text, err := s.live.PolishTranscript(ctx)
			msg := protocol.ServerTranscriptPolished{Type: "transcript_polished", Text: text}
			if err != nil {
				msg.Error = err.Error()
			}
			_ = s.out.sendJSON(msg)
		})
		return
	case protocol.OpHistory:
		records := s.live.History()
		msg := protocol.ServerHistory{Type: "history", Records: make([]protocol.CallRecord, 0, len(records))}
		for _, r := range records {
			msg.Records = append(msg.Records, wireRecord(r))
		}
		_ = s.out.sendJSON(msg)
		return
	default:
		return
	}
	if !applied {
		_ = s.sendWarning("ignored", op+" has no effect in state "+string(s.live.Snapshot().State))
	}
}

func (s *CallSession) handleAudio(data []byte) {
	switch {
	case len(data) == 0 || len(data)%2 != 0:
		metrics.InboundFrames.WithLabelValues("audio", "rejected").Inc()
		return
	case s.cfg.MaxAudioFrameBytes > 0 && len(data) > s.cfg.MaxAudioFrameBytes:
		metrics.InboundFrames.WithLabelValues("audio", "too_large").Inc()
		_ = s.sendWarning("frame_too_large", fmt.Sprintf("audio frame exceeds %d bytes", s.cfg.MaxAudioFrameBytes))
		return
	case !s.limiter.AllowAudio(len(data)):
		metrics.InboundFrames.WithLabelValues("audio", "rate_limited").Inc()
		return
	}
	ok := s.devices.push(protocol.MediaMicrophone, media.Frame{
		Data:       data,
		SampleRate: audio.InputSampleRate,
		Channels:   1,
	})
	if !ok {
		metrics.InboundFrames.WithLabelValues("audio", "dropped").Inc()
		return
	}
	metrics.InboundFrames.WithLabelValues("audio", "accepted").Inc()
}

func (s *CallSession) handleVideo(m protocol.ClientVideoFrame) error {
	if !s.limiter.AllowVideo(m.Kind) {
		metrics.InboundFrames.WithLabelValues(m.Kind, "rate_limited").Inc()
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		metrics.InboundFrames.WithLabelValues(m.Kind, "rejected").Inc()
		return s.sendSessionError("bad_request", "video_frame.data_b64 is not valid base64", false)
	}
	if !s.devices.push(m.Kind, media.Frame{Data: data, MIMEType: m.MIMEType}) {
		metrics.InboundFrames.WithLabelValues(m.Kind, "dropped").Inc()
		return nil
	}
	metrics.InboundFrames.WithLabelValues(m.Kind, "accepted").Inc()
	return nil
}

// mediaStopped handles a device the user revoked outside the call UI.
func (s *CallSession) mediaStopped(kind string) {
	switch kind {
	case protocol.MediaCamera:
		if s.live.Snapshot().Toggles.CameraEnabled {
			s.async(func(ctx context.Context) {
				_, _ = s.live.ToggleCamera(ctx)
			})
			return
		}
	case protocol.MediaScreen:
		if s.live.StopScreenShare() {
			return
		}
	case protocol.MediaMicrophone:
		if s.devices.active(kind) {
			_ = s.sendWarning("microphone_stopped", "microphone was stopped by the client; the model no longer hears the user")
		}
	}
	s.devices.stopped(kind)
}

// async runs f outside the read loop. f must return once ctx is done.
func (s *CallSession) async(f func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

// emitAudio sends one paced chunk of model audio to the client.
func (s *CallSession) emitAudio(pcm []byte) {
	seq := s.audioSeq.Add(1)
	frame := outboundFrame{isAudio: true, audioGen: s.out.audioGen.Load()}
	if s.binary {
		frame.binaryPayload = append([]byte(nil), pcm...)
	} else {
		payload, err := json.Marshal(protocol.ServerAudioChunk{
			Type:         "audio_chunk",
			Seq:          seq,
			SampleRateHz: audio.OutputSampleRate,
			AudioB64:     base64.StdEncoding.EncodeToString(pcm),
		})
		if err != nil {
			return
		}
		frame.textPayload = payload
	}
	if err := s.out.enqueueNormal(frame); errors.Is(err, errBackpressure) {
		s.logger.Debug("audio chunk dropped", "seq", seq)
	}
}

// sendRequestError reports a failed client request. Errors the call
// reports itself through the event stream are not repeated.
func (s *CallSession) sendRequestError(err error) {
	switch core.TypeOf(err) {
	case core.ErrInvalidRequest, core.ErrInvalidState, "":
		s.sendError(err)
	}
}

func (s *CallSession) sendError(err error) {
	msg := protocol.ServerError{Type: "error", Scope: "request", Code: string(core.TypeOf(err)), Message: err.Error()}
	if ce, ok := core.AsError(err); ok {
		msg.Message = ce.Message
		msg.Param = ce.Param
		msg.Retryable = ce.IsRetryable()
	}
	if msg.Code == "" {
		msg.Code = string(core.ErrAPI)
	}
	_ = s.out.sendJSON(msg)
}

func (s *CallSession) sendWarning(code, message string) error {
	return s.out.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *CallSession) sendSessionError(code, message string, close bool) error {
	msg := protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Close: close}
	if close {
		return s.out.sendJSONPriority(msg)
	}
	return s.out.sendJSON(msg)
}

func (s *CallSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Close releases a session that will never Run.
func (s *CallSession) Close() {
	if s == nil {
		return
	}
	s.shutdown()
}

func (s *CallSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

func contactFromWire(c protocol.Contact) companion.Contact {
	out := companion.Contact{
		Name:        strings.TrimSpace(c.Name),
		Title:       c.Title,
		Personality: c.Personality,
		Backstory:   c.Backstory,
		CityOfBirth: c.CityOfBirth,
		CurrentCity: c.CurrentCity,
		Hobbies:     c.Hobbies,
		Friends:     c.Friends,
	}
	for _, e := range c.Education {
		out.Education = append(out.Education, companion.Education{Institution: e.Institution, Degree: e.Degree, Year: e.Year})
	}
	return out
}
