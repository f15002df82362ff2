package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Config for the OpenAI-compatible client. Per-tenant endpoint settings
// override these defaults call by call.
type Config struct {
	APIKey      string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g., "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // default call timeout; 0 means no ceiling
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg: cfg,
		// Deadlines come from the call context so a zero timeout can mean unlimited.
		http:   &http.Client{},
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}
