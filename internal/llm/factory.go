package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"blab/internal/config"
)

// NewClient builds the provider client named by cfg, wrapped with the
// configured per-call timeout and error classification.
func NewClient(ctx context.Context, cfg config.ModelConfig) (Client, error) {
	provider := strings.ToLower(cfg.Provider)
	var c Client
	switch provider {
	case "openai":
		c = NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "gemini":
		g, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		c = g
	case "claude":
		c = NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "ollama":
		// served through the OpenAI-compatible API; the key is ignored
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://127.0.0.1:11434"
		}
		if !strings.HasSuffix(baseURL, "/v1") {
			baseURL = fmt.Sprintf("%s/v1", strings.TrimRight(baseURL, "/"))
		}
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		c = NewOpenAIClient(apiKey, cfg.Model, baseURL)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
	return WithTimeout(c, provider, cfg.Timeout()), nil
}

// WithTimeout bounds every call to c and turns its errors into TransportErrors.
func WithTimeout(c Client, provider string, timeout time.Duration) Client {
	return &timed{next: c, provider: provider, timeout: timeout}
}

type timed struct {
	next     Client
	provider string
	timeout  time.Duration
}

func (t *timed) Generate(ctx context.Context, msgs []Message) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	out, err := t.next.Generate(ctx, msgs)
	if err != nil {
		return "", classify(t.provider, err)
	}
	return out, nil
}

func (t *timed) Close() error {
	if c, ok := t.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
