package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-companion/pkg/core/companion"
	"github.com/vango-go/vai-companion/pkg/core/transport"
	"github.com/vango-go/vai-companion/pkg/gateway/config"
	"github.com/vango-go/vai-companion/pkg/gateway/handlers"
	"github.com/vango-go/vai-companion/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-companion/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-companion/pkg/gateway/mw"
	"github.com/vango-go/vai-companion/pkg/gateway/ratelimit"
)

// Backend is the model service calls are placed against.
type Backend struct {
	Dialer   transport.Dialer
	Analyzer companion.Analyzer
	Tracer   trace.Tracer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	backend   Backend
	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, backend Backend) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if backend.Tracer == nil {
		backend.Tracer = noop.NewTracerProvider().Tracer("companion-gateway")
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		backend:   backend,
		lifecycle: lifecycle.New(time.Now()),
		calls:     sessions.NewTracker(cfg.MaxConcurrentCalls),
	}
	limits := ratelimit.Config{
		ConnectRPS:         cfg.CallConnectRPS,
		ConnectBurst:       cfg.CallConnectBurst,
		MaxConcurrentCalls: cfg.MaxCallsPerKey,
	}
	if limits.Enabled() {
		s.limiter = ratelimit.New(limits)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Dialer:    s.backend.Dialer,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	})
	if s.cfg.MetricsEnabled {
		s.mux.Handle("/metrics", promhttp.Handler())
	}

	s.mux.Handle("/v1/voices", handlers.VoicesHandler{})
	s.mux.Handle("/v1/tools", handlers.ToolsHandler{})
	s.mux.Handle("/v1/call", handlers.CallHandler{
		Config:    s.cfg,
		Dialer:    s.backend.Dialer,
		Analyzer:  s.backend.Analyzer,
		Tracer:    s.backend.Tracer,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Limiter:   s.limiter,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new calls and fails readiness.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnCallsDraining tells every open call the gateway is shutting down.
func (s *Server) WarnCallsDraining() int {
	return s.calls.WarnAll("draining", "gateway is shutting down; the call will end soon")
}

// WaitCalls blocks until every call has closed or ctx is done.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CancelCalls ends every open call.
func (s *Server) CancelCalls() int {
	return s.calls.CancelAll()
}

// ActiveCalls reports open call sessions.
func (s *Server) ActiveCalls() int {
	return s.calls.Count()
}
