package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/jwebster45206/adventure95/pkg/prompts"
	"github.com/jwebster45206/adventure95/pkg/story"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	RedisURL string `envconfig:"REDIS_URL" default:"localhost:6379"`

	// LLM providers
	DefaultProvider string        `envconfig:"DEFAULT_PROVIDER" default:"openai"`
	DefaultModel    string        `envconfig:"DEFAULT_MODEL" default:"gpt-4o-mini"`
	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY"`
	GroqAPIKey      string        `envconfig:"GROQ_API_KEY"`
	OllamaURL       string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	LLMTimeout      time.Duration `envconfig:"LLM_TIMEOUT" default:"90s"`

	// Story generation
	TotalTurns         int    `envconfig:"TOTAL_TURNS" default:"16"`
	HistoryMode        string `envconfig:"HISTORY_MODE" default:"full"`
	HistoryLastN       int    `envconfig:"HISTORY_LAST_N" default:"8"`
	HistoryTokenBudget int    `envconfig:"HISTORY_TOKEN_BUDGET" default:"6000"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.TotalTurns <= 0 {
		return fmt.Errorf("TOTAL_TURNS must be positive, got %d", c.TotalTurns)
	}
	if _, err := prompts.ParseHistoryMode(c.HistoryMode); err != nil {
		return fmt.Errorf("HISTORY_MODE: %w", err)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	return nil
}

// HistoryPolicy returns the configured context-window policy.
func (c *Config) HistoryPolicy() prompts.HistoryPolicy {
	mode, err := prompts.ParseHistoryMode(c.HistoryMode)
	if err != nil {
		mode = prompts.HistoryFull
	}
	return prompts.HistoryPolicy{
		Mode:        mode,
		LastN:       c.HistoryLastN,
		TokenBudget: c.HistoryTokenBudget,
	}
}

// DefaultTotalTurns is the configured turn count for games created without one.
func (c *Config) DefaultTotalTurns() int {
	if c.TotalTurns <= 0 {
		return story.DefaultTotalTurns
	}
	return c.TotalTurns
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
