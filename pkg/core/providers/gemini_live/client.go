// Package gemini_live opens Gemini Live API sessions through the genai SDK and
// adapts them to the transport contract used by the call core.
package gemini_live

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-companion/pkg/core"
)

const (
	// DefaultLiveModel is the native-audio model used for calls.
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	// DefaultAnalysisModel is used for sentiment and transcript polishing.
	DefaultAnalysisModel = "gemini-2.5-flash"
)

// Credentials identify the caller to the Gemini API.
type Credentials struct {
	APIKey string
}

// Client is an initialized Gemini client. It is safe for concurrent use.
type Client struct {
	genai         *genai.Client
	logger        *slog.Logger
	liveModel     string
	analysisModel string
	queueSize     int
	connect       connectFunc
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger used by sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithLiveModel overrides the default live model.
func WithLiveModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.liveModel = model
		}
	}
}

// WithAnalysisModel overrides the model used by the Analyzer.
func WithAnalysisModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.analysisModel = model
		}
	}
}

// WithSendQueueSize sets the outbound frame queue capacity per session.
func WithSendQueueSize(n int) Option {
	return func(c *Client) {
		c.queueSize = n
	}
}

// NewClient builds a client from explicit credentials. It fails with an
// authentication error when no key is given.
func NewClient(ctx context.Context, creds Credentials, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(creds.APIKey)
	if key == "" {
		return nil, core.NewAuthenticationError("gemini api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &core.Error{Type: core.ErrAuthentication, Message: "initialize gemini client", Cause: err}
	}
	c := &Client{
		genai:         gc,
		logger:        slog.Default(),
		liveModel:     DefaultLiveModel,
		analysisModel: DefaultAnalysisModel,
		queueSize:     256,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
		return gc.Live.Connect(ctx, model, cfg)
	}
	return c, nil
}

// LiveModel returns the model used for calls.
func (c *Client) LiveModel() string { return c.liveModel }
