package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models blab.yml.
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Housekeeper HousekeeperConfig `yaml:"housekeeper"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
}

// ModelConfig is the model access surface used by the planner.
type ModelConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
	MaxImageCount  int    `yaml:"max_image_count"`
}

func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// KeyRequired reports whether the provider needs an API key.
func (m ModelConfig) KeyRequired() bool {
	return !strings.EqualFold(m.Provider, "ollama")
}

// HousekeeperConfig configures the loopback control endpoint and agent limits.
type HousekeeperConfig struct {
	Addr                  string `yaml:"addr"`
	Port                  int    `yaml:"port"`
	TokenEnv              string `yaml:"token_env"`
	IdempotencyTTLSeconds int    `yaml:"idempotency_ttl_seconds"`
	IdempotencyCapacity   int    `yaml:"idempotency_capacity"`
	MaxParseAttempts      int    `yaml:"max_parse_attempts"`
	MaxToolRounds         int    `yaml:"max_tool_rounds"`
	MaxToolCalls          int    `yaml:"max_tool_calls"`
	PromptsFile           string `yaml:"prompts_file"`
}

func (h HousekeeperConfig) ListenAddr() string {
	return net.JoinHostPort(h.Addr, fmt.Sprintf("%d", h.Port))
}

func (h HousekeeperConfig) IdempotencyTTL() time.Duration {
	return time.Duration(h.IdempotencyTTLSeconds) * time.Second
}

// Token reads the shared secret from the configured environment variable.
func (h HousekeeperConfig) Token() string {
	if h.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(h.TokenEnv))
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with blab init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Model.Provider) {
	case "openai", "ollama", "claude", "gemini":
	default:
		return fmt.Errorf("config.model.provider must be one of openai, ollama, claude, gemini")
	}
	if c.Model.TimeoutSeconds < 0 {
		return fmt.Errorf("config.model.timeout_seconds must not be negative")
	}
	if c.Model.MaxImageCount < 0 {
		return fmt.Errorf("config.model.max_image_count must not be negative")
	}
	h := c.Housekeeper
	ip := net.ParseIP(h.Addr)
	if h.Addr != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("config.housekeeper.addr must be a loopback address, got %q", h.Addr)
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("config.housekeeper.port must be between 1 and 65535")
	}
	if h.IdempotencyTTLSeconds <= 0 || h.IdempotencyCapacity <= 0 {
		return fmt.Errorf("config.housekeeper idempotency ttl and capacity must be positive")
	}
	if h.MaxParseAttempts < 1 {
		return fmt.Errorf("config.housekeeper.max_parse_attempts must be at least 1")
	}
	if h.MaxToolRounds < 0 || h.MaxToolCalls < 0 {
		return fmt.Errorf("config.housekeeper tool limits must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "blab.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ApplyEnv overrides model settings from BLAB_MODEL_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("BLAB_MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := getenv("BLAB_MODEL_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := getenv("BLAB_MODEL_BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
	if v := getenv("BLAB_MODEL_NAME"); v != "" {
		c.Model.Model = v
	}
}

const defaultTemplate = `model:
  provider: openai
  base_url: ""
  model: gpt-4o-mini
  api_key: ""
  timeout_seconds: 60
  enabled: false
  max_image_count: 4

housekeeper:
  addr: 127.0.0.1
  port: 48765
  token_env: BLAB_HOUSEKEEPER_TOKEN
  idempotency_ttl_seconds: 600
  idempotency_capacity: 256
  max_parse_attempts: 3
  max_tool_rounds: 4
  max_tool_calls: 8
  prompts_file: ""

webhooks: []
`
