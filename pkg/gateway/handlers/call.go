package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/companion"
	"github.com/vango-go/vai-companion/pkg/core/transport"
	"github.com/vango-go/vai-companion/pkg/gateway/auth"
	"github.com/vango-go/vai-companion/pkg/gateway/config"
	"github.com/vango-go/vai-companion/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-companion/pkg/gateway/live/session"
	"github.com/vango-go/vai-companion/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-companion/pkg/gateway/metrics"
	"github.com/vango-go/vai-companion/pkg/gateway/mw"
	"github.com/vango-go/vai-companion/pkg/gateway/ratelimit"
)

// CallHandler handles /v1/call websocket sessions.
type CallHandler struct {
	Config    config.Config
	Dialer    transport.Dialer
	Analyzer  companion.Analyzer
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	// Limiter admits calls per API key. Nil admits everything.
	Limiter *ratelimit.Limiter
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, r, http.StatusServiceUnavailable, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"})
		return
	}
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && !mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin) {
		mw.WriteJSONError(w, r, http.StatusForbidden, &core.Error{Type: core.ErrAuthentication, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if h.Dialer == nil {
		mw.WriteJSONError(w, r, http.StatusServiceUnavailable, core.NewConnectionRefusedError(errors.New("no live backend configured")))
		return
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	var apiKey string
	if principal != nil {
		apiKey = principal.APIKey
	}
	dec := h.Limiter.AcquireCall(ratelimit.PrincipalKeyFromAPIKey(apiKey), time.Now())
	if !dec.Allowed {
		metrics.CallsRejected.WithLabelValues(dec.Reason).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		mw.WriteJSONError(w, r, http.StatusTooManyRequests, &core.Error{
			Type:    core.ErrOverloaded,
			Message: "too many calls for this api key",
			Code:    "rate_limited",
		})
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.CallMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.CallMaxMessageBytes)
	}

	handshakeTimeout := h.Config.CallHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		code := "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		h.writeWSError(conn, code, err.Error())
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := "call_" + mw.RandHex(8)
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.logger(),
		Tracer:    h.Tracer,
		Dialer:    h.Dialer,
		Analyzer:  h.Analyzer,
		Hello:     hello,
		SessionID: sessionID,
		RequestID: reqID,
		Model:     h.Config.LiveModel,
		Persona:   DefaultPersona(h.Config.DefaultPersona),
		Config: session.Config{
			MaxAudioFrameBytes:     h.Config.CallMaxAudioFrameBytes,
			MaxJSONMessageBytes:    h.Config.CallMaxMessageBytes,
			MaxAudioBytesPerSecond: h.Config.CallMaxAudioBytesPerSecond,
			MaxVideoFPS:            h.Config.CallMaxVideoFPS,
			InboundBurstSeconds:    h.Config.CallInboundBurstSeconds,
			PingInterval:           h.Config.CallWSPingInterval,
			WriteTimeout:           h.Config.CallWSWriteTimeout,
			MaxCallDuration:        h.Config.CallMaxDuration,
			PacerInterval:          h.Config.CallPacerInterval,
			MediaGrantTimeout:      h.Config.MediaGrantTimeout,
			ToolAckTimeout:         h.Config.ToolAckTimeout,
			VideoFPS:               h.Config.VideoFPS,
			HistorySize:            h.Config.HistorySize,
			OutboundQueueSize:      h.Config.CallOutboundQueueSize,
		},
	})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize call session")
		return
	}

	unregister, err := h.Calls.Register(sessionID, sessions.Handle{
		Cancel: s.Cancel,
		Warn:   s.SendWarning,
	})
	if err != nil {
		s.Close()
		metrics.CallsRejected.WithLabelValues("capacity").Inc()
		_ = conn.WriteJSON(protocol.ServerError{
			Type:      "error",
			Scope:     "session",
			Code:      string(core.ErrOverloaded),
			Message:   err.Error(),
			Retryable: true,
			Close:     true,
		})
		return
	}
	defer unregister()

	if err := conn.WriteJSON(h.helloAck(sessionID, hello)); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := s.Run(); err != nil {
		h.logger().Warn("call session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

func (h CallHandler) helloAck(sessionID string, hello protocol.ClientHello) protocol.ServerHelloAck {
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		AudioIn:         protocol.AudioFormat{Encoding: protocol.EncodingPCM16, SampleRateHz: audio.InputSampleRate, Channels: 1},
		AudioOut:        protocol.AudioFormat{Encoding: protocol.EncodingPCM16, SampleRateHz: audio.OutputSampleRate, Channels: 1},
		Features:        protocol.HelloAckFeatures{AudioTransport: hello.Features.AudioTransport},
		Limits: &protocol.HelloAckLimits{
			MaxMessageBytes:    h.Config.CallMaxMessageBytes,
			MaxAudioFrameBytes: h.Config.CallMaxAudioFrameBytes,
			VideoFPS:           h.Config.VideoFPS,
			MaxCallMS:          h.Config.CallMaxDuration.Milliseconds(),
		},
		Personas: wirePersonas(),
		Voices:   append([]string(nil), companion.Voices...),
		Tools:    toolNames(),
	}
	if h.Config.CallMaxAudioBytesPerSecond > 0 {
		ack.Limits.MaxAudioBPS = h.Config.CallMaxAudioBytesPerSecond
	}
	if h.Config.CallMaxVideoFPS > 0 {
		ack.Limits.MaxVideoFPS = h.Config.CallMaxVideoFPS
	}
	if (h.Config.CallMaxAudioBytesPerSecond > 0 || h.Config.CallMaxVideoFPS > 0) && h.Config.CallInboundBurstSeconds > 0 {
		ack.Limits.InboundBurstSeconds = h.Config.CallInboundBurstSeconds
	}
	return ack
}

func (h CallHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Close: true})
}

func (h CallHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
