package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS and websocket Origin allowlist. Empty rejects browser origins.
	CORSAllowedOrigins map[string]struct{}

	// Backend.
	GeminiAPIKey  string
	LiveModel     string
	AnalysisModel string

	// Call behaviour.
	DefaultPersona    string
	ToolAckTimeout    time.Duration
	VideoFPS          float64
	HistorySize       int
	MediaGrantTimeout time.Duration

	// Call websocket (/v1/call).
	MaxConcurrentCalls         int
	CallMaxDuration            time.Duration
	CallMaxMessageBytes        int64
	CallMaxAudioFrameBytes     int
	CallMaxAudioBytesPerSecond int64
	CallMaxVideoFPS            int
	CallInboundBurstSeconds    int
	CallOutboundQueueSize      int
	CallPacerInterval          time.Duration
	CallWSPingInterval         time.Duration
	CallWSWriteTimeout         time.Duration
	CallHandshakeTimeout       time.Duration

	// Per API key admission for /v1/call. Zero disables a limit.
	CallConnectRPS   float64
	CallConnectBurst int
	MaxCallsPerKey   int

	MetricsEnabled bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("COMPANION_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("COMPANION_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		CORSAllowedOrigins:         make(map[string]struct{}),
		GeminiAPIKey:               envOr("COMPANION_GEMINI_API_KEY", strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))),
		LiveModel:                  envOr("COMPANION_LIVE_MODEL", ""),
		AnalysisModel:              envOr("COMPANION_ANALYSIS_MODEL", ""),
		DefaultPersona:             envOr("COMPANION_DEFAULT_PERSONA", "Agent Zero"),
		ToolAckTimeout:             envDurationOr("COMPANION_TOOL_ACK_TIMEOUT", 5*time.Second),
		VideoFPS:                   envFloat64Or("COMPANION_VIDEO_FPS", 1),
		HistorySize:                envIntOr("COMPANION_HISTORY_SIZE", 50),
		MediaGrantTimeout:          envDurationOr("COMPANION_MEDIA_GRANT_TIMEOUT", 30*time.Second),
		MaxConcurrentCalls:         envIntOr("COMPANION_MAX_CONCURRENT_CALLS", 64),
		CallMaxDuration:            envDurationOr("COMPANION_CALL_MAX_DURATION", 2*time.Hour),
		CallMaxMessageBytes:        envInt64Or("COMPANION_CALL_MAX_MESSAGE_BYTES", 2<<20), // 2 MiB, video frames
		CallMaxAudioFrameBytes:     envIntOr("COMPANION_CALL_MAX_AUDIO_FRAME_BYTES", 16384),
		CallMaxAudioBytesPerSecond: envInt64Or("COMPANION_CALL_MAX_AUDIO_BPS", 192*1024),
		CallMaxVideoFPS:            envIntOr("COMPANION_CALL_MAX_VIDEO_FPS", 5),
		CallInboundBurstSeconds:    envIntOr("COMPANION_CALL_INBOUND_BURST_SECONDS", 2),
		CallOutboundQueueSize:      envIntOr("COMPANION_CALL_OUTBOUND_QUEUE", 256),
		CallPacerInterval:          envDurationOr("COMPANION_CALL_PACER_INTERVAL", 20*time.Millisecond),
		CallWSPingInterval:         envDurationOr("COMPANION_CALL_WS_PING_INTERVAL", 20*time.Second),
		CallWSWriteTimeout:         envDurationOr("COMPANION_CALL_WS_WRITE_TIMEOUT", 5*time.Second),
		CallHandshakeTimeout:       envDurationOr("COMPANION_CALL_HANDSHAKE_TIMEOUT", 5*time.Second),
		CallConnectRPS:             envFloat64Or("COMPANION_CALL_CONNECT_RPS", 0),
		CallConnectBurst:           envIntOr("COMPANION_CALL_CONNECT_BURST", 0),
		MaxCallsPerKey:             envIntOr("COMPANION_MAX_CALLS_PER_KEY", 0),
		MetricsEnabled:             envBoolOr("COMPANION_METRICS_ENABLED", true),
		ReadHeaderTimeout:          envDurationOr("COMPANION_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("COMPANION_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("COMPANION_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("COMPANION_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("COMPANION_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("COMPANION_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("COMPANION_API_KEYS must be set when COMPANION_AUTH_MODE=required")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return fmt.Errorf("COMPANION_GEMINI_API_KEY (or GEMINI_API_KEY) must be set")
	}
	if cfg.ToolAckTimeout <= 0 {
		return fmt.Errorf("COMPANION_TOOL_ACK_TIMEOUT must be > 0")
	}
	if cfg.VideoFPS <= 0 {
		return fmt.Errorf("COMPANION_VIDEO_FPS must be > 0")
	}
	if cfg.HistorySize <= 0 {
		return fmt.Errorf("COMPANION_HISTORY_SIZE must be > 0")
	}
	if cfg.MediaGrantTimeout <= 0 {
		return fmt.Errorf("COMPANION_MEDIA_GRANT_TIMEOUT must be > 0")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return fmt.Errorf("COMPANION_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.CallMaxDuration <= 0 {
		return fmt.Errorf("COMPANION_CALL_MAX_DURATION must be > 0")
	}
	if cfg.CallMaxMessageBytes <= 0 {
		return fmt.Errorf("COMPANION_CALL_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.CallMaxAudioFrameBytes <= 0 {
		return fmt.Errorf("COMPANION_CALL_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.CallMaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("COMPANION_CALL_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.CallMaxVideoFPS < 0 {
		return fmt.Errorf("COMPANION_CALL_MAX_VIDEO_FPS must be >= 0")
	}
	if cfg.CallInboundBurstSeconds < 0 {
		return fmt.Errorf("COMPANION_CALL_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.CallMaxAudioBytesPerSecond > 0 || cfg.CallMaxVideoFPS > 0) && cfg.CallInboundBurstSeconds < 1 {
		return fmt.Errorf("COMPANION_CALL_INBOUND_BURST_SECONDS must be >= 1 when inbound limits are enabled")
	}
	if cfg.CallOutboundQueueSize <= 0 {
		return fmt.Errorf("COMPANION_CALL_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.CallPacerInterval <= 0 {
		return fmt.Errorf("COMPANION_CALL_PACER_INTERVAL must be > 0")
	}
	if cfg.CallWSPingInterval <= 0 {
		return fmt.Errorf("COMPANION_CALL_WS_PING_INTERVAL must be > 0")
	}
	if cfg.CallWSWriteTimeout <= 0 {
		return fmt.Errorf("COMPANION_CALL_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.CallHandshakeTimeout <= 0 {
		return fmt.Errorf("COMPANION_CALL_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.CallConnectRPS < 0 || cfg.CallConnectBurst < 0 {
		return fmt.Errorf("COMPANION_CALL_CONNECT_RPS and COMPANION_CALL_CONNECT_BURST must be >= 0")
	}
	if (cfg.CallConnectRPS > 0) != (cfg.CallConnectBurst > 0) {
		return fmt.Errorf("COMPANION_CALL_CONNECT_RPS and COMPANION_CALL_CONNECT_BURST must be set together")
	}
	if cfg.MaxCallsPerKey < 0 {
		return fmt.Errorf("COMPANION_MAX_CALLS_PER_KEY must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("COMPANION_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("COMPANION_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("COMPANION_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
