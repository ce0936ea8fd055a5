package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-companion/pkg/core/transport"
	"github.com/vango-go/vai-companion/pkg/gateway/config"
	"github.com/vango-go/vai-companion/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-companion/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Dialer    transport.Dialer
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		AuthMode    string   `json:"auth_mode"`
		Draining    bool     `json:"draining,omitempty"`
		ActiveCalls int      `json:"active_calls"`
		MaxCalls    int      `json:"max_calls,omitempty"`
		LiveModel   string   `json:"live_model,omitempty"`
		UptimeMS    int64    `json:"uptime_ms"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Dialer == nil {
		issues = append(issues, "no live backend configured")
	}
	if h.Config.ToolAckTimeout <= 0 {
		issues = append(issues, "tool ack timeout must be > 0")
	}
	if h.Config.VideoFPS <= 0 {
		issues = append(issues, "video fps must be > 0")
	}
	if h.Config.CallMaxDuration <= 0 {
		issues = append(issues, "call max duration must be > 0")
	}
	if h.Config.CallMaxMessageBytes <= 0 || h.Config.CallMaxAudioFrameBytes <= 0 {
		issues = append(issues, "call message budgets must be > 0")
	}
	if int64(h.Config.CallMaxAudioFrameBytes) > h.Config.CallMaxMessageBytes {
		issues = append(issues, "audio frame budget must be <= message budget")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		AuthMode:    string(h.Config.AuthMode),
		Draining:    draining,
		ActiveCalls: h.Calls.Count(),
		MaxCalls:    h.Config.MaxConcurrentCalls,
		LiveModel:   h.Config.LiveModel,
		UptimeMS:    h.Lifecycle.Uptime(time.Now()).Milliseconds(),
		Issues:      issues,
	})
}
