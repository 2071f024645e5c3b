package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
	BackendGateway   = "gateway"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const (
	// SystemPrompt is sent ahead of every history
	SystemPrompt = "You are a helpful AI assistant. Provide clear, concise, and helpful responses."

	// GenerationErrorText replaces the assistant reply when a stream fails
	GenerationErrorText = "Sorry, I encountered an error generating a response. Please try again."

	DefaultModel     = "gpt-4"
	DefaultMaxTokens = 1000
)

// Config holds application configuration
type Config struct {
	Backend      string `toml:"backend" env:"BACKEND"`
	DefaultModel string `toml:"default_model" env:"DEFAULT_MODEL"`
	SessionID    string `toml:"-"`
	Debug        bool   `toml:"debug" env:"DEBUG"`
	LogDir       string `toml:"log_dir" env:"LOG_DIR"`
	MaxTokens    int    `toml:"max_tokens" env:"MAX_TOKENS"`

	// RequestTimeout bounds connecting and waiting for response headers, not reading a stream
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ModelCacheTTL  time.Duration `toml:"model_cache_ttl" env:"MODEL_CACHE_TTL"`

	Store     StoreConfig    `toml:"store" envPrefix:"STORE_"`
	Identity  IdentityConfig `toml:"identity" envPrefix:"IDENTITY_"`
	Ollama    OllamaConfig   `toml:"ollama" envPrefix:"OLLAMA_"`
	OpenAI    ProviderConfig `toml:"openai" envPrefix:"OPENAI_"`
	Grok      ProviderConfig `toml:"grok" envPrefix:"GROK_"`
	Anthropic ProviderConfig `toml:"anthropic" envPrefix:"ANTHROPIC_"`
	Gateway   GatewayConfig  `toml:"gateway" envPrefix:"GATEWAY_"`
}

// StoreConfig selects the record store
type StoreConfig struct {
	Driver string `toml:"driver" env:"DRIVER"`
	Path   string `toml:"path" env:"PATH"` // sqlite file
	URL    string `toml:"url" env:"URL"`   // postgres connection string
}

// IdentityConfig describes who is signed in. File takes precedence over ID.
type IdentityConfig struct {
	File        string `toml:"file" env:"FILE"`
	ID          string `toml:"id" env:"ID"`
	DisplayName string `toml:"display_name" env:"DISPLAY_NAME"`
	Email       string `toml:"email" env:"EMAIL"`
}

// OllamaConfig points at a local Ollama daemon
type OllamaConfig struct {
	URL   string `toml:"url" env:"URL"`
	Model string `toml:"model" env:"MODEL"` // format "model:version" (e.g., "llama3:latest")
}

// ProviderConfig is shared by the hosted HTTP providers
type ProviderConfig struct {
	APIKey  string `toml:"api_key" env:"API_KEY"`
	BaseURL string `toml:"base_url" env:"BASE_URL"`
}

// GatewayConfig points at a WebSocket completion gateway
type GatewayConfig struct {
	URL string `toml:"url" env:"URL"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend:        BackendOpenAI,
		DefaultModel:   DefaultModel,
		LogDir:         "logs",
		MaxTokens:      DefaultMaxTokens,
		RequestTimeout: 90 * time.Second,
		ModelCacheTTL:  time.Hour,
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "streamchat.db",
		},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "llama3:latest",
		},
		OpenAI:    ProviderConfig{BaseURL: "https://api.openai.com/v1"},
		Grok:      ProviderConfig{BaseURL: "https://api.x.ai/v1"},
		Anthropic: ProviderConfig{BaseURL: "https://api.anthropic.com/v1"},
	}
}

// DefaultPath returns ~/.streamchat/config.toml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".streamchat", "config.toml")
}

// Load builds the configuration from defaults, the TOML file at path (if it
// exists) and STREAMCHAT_* environment variables, in that order. Callers apply
// flag overrides and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STREAMCHAT_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	// providers' conventional key variables
	applyKey(&cfg.OpenAI, "OPENAI_API_KEY")
	applyKey(&cfg.Anthropic, "ANTHROPIC_API_KEY")
	applyKey(&cfg.Grok, "GROK_API_KEY")

	return cfg, nil
}

func applyKey(p *ProviderConfig, name string) {
	if p.APIKey == "" {
		p.APIKey = os.Getenv(name)
	}
}

// Validate checks enumerated settings
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI, BackendGateway:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case StorePostgres:
		if c.Store.URL == "" {
			return errors.New("store.url is required for postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}

	if c.Backend == BackendGateway && c.Gateway.URL == "" {
		return errors.New("gateway.url is required for the gateway backend")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}
