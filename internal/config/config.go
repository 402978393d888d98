// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported provider names.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// Default model identifiers, used when the *_MODEL variables are unset.
const (
	DefaultAnthropicModel = "claude-3-haiku-20240307"
	DefaultOpenAIModel    = "gpt-4o-mini"
)

// Config holds all application configuration.
type Config struct {
	Host               string
	Port               string
	Provider           string
	MaxTokens          int
	LLMTimeout         time.Duration
	IdleDelay          time.Duration
	AllowedOrigins     []string
	MaxRequestBodySize int64
	GRPCHealthAddr     string
	LogLevel           slog.Level
	SessionStateTTL    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               getEnv("CLM_HOST", "0.0.0.0"),
		Port:               getEnv("CLM_PORT", "8000"),
		Provider:           strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", ProviderClaude))),
		MaxTokens:          getEnvInt("LLM_MAX_TOKENS", 300),
		LLMTimeout:         time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
		IdleDelay:          time.Duration(getEnvInt("CLM_IDLE_DELAY_MS", 500)) * time.Millisecond,
		AllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		GRPCHealthAddr:     getEnv("GRPC_HEALTH_ADDR", ""),
		LogLevel:           parseLevel(getEnv("LOG_LEVEL", "info")),
		SessionStateTTL:    time.Duration(getEnvInt("SESSION_STATE_TTL_MINUTES", 60)) * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("CLM_PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("CLM_PORT must be numeric: %q", c.Port)
	}
	if !IsSupportedProvider(c.Provider) {
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderClaude, ProviderOpenAI, c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_SECONDS must be > 0")
	}
	if c.IdleDelay < 0 {
		return fmt.Errorf("CLM_IDLE_DELAY_MS cannot be negative")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.SessionStateTTL <= 0 {
		return fmt.Errorf("SESSION_STATE_TTL_MINUTES must be > 0")
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// IsSupportedProvider reports whether name is one of the known providers.
func IsSupportedProvider(name string) bool {
	return name == ProviderClaude || name == ProviderOpenAI
}

// Credential is what a provider client needs to be built.
type Credential struct {
	Provider string
	APIKey   string
	Model    string
	// KeyVar names the environment variable the key comes from.
	KeyVar string
}

// Present reports whether an API key is available.
func (c Credential) Present() bool {
	return c.APIKey != ""
}

// EnvCredentials resolves provider credentials from the process environment
// each time it is asked, so a key exported after startup is picked up by a
// later provider switch.
type EnvCredentials struct{}

// Lookup returns the credential for provider. Unknown providers yield a zero
// Credential.
func (EnvCredentials) Lookup(provider string) Credential {
	switch provider {
	case ProviderClaude:
		return Credential{
			Provider: provider,
			APIKey:   strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			Model:    getEnv("ANTHROPIC_MODEL", DefaultAnthropicModel),
			KeyVar:   "ANTHROPIC_API_KEY",
		}
	case ProviderOpenAI:
		return Credential{
			Provider: provider,
			APIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:    getEnv("OPENAI_MODEL", DefaultOpenAIModel),
			KeyVar:   "OPENAI_API_KEY",
		}
	default:
		return Credential{Provider: provider}
	}
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
