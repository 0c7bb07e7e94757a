// Package config loads the workflow engine's runtime configuration from a
// TOML file overlaid with environment variables, following the teacher's
// own three-tier precedence: environment variable > TOML file >
// hardcoded default. Unlike the teacher's framework-wide Config, this one
// is scoped to what the engine's components actually need.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// LLMConfig configures the primary and fallback model providers used by
// the LLM Gateway.
type LLMConfig struct {
	Provider         string        `toml:"provider"`
	Model            string        `toml:"model"`
	APIKey           string        `toml:"api_key"`
	FallbackProvider string        `toml:"fallback_provider"`
	FallbackModel    string        `toml:"fallback_model"`
	FallbackAPIKey   string        `toml:"fallback_api_key"`
	Timeout          time.Duration `toml:"timeout"`
	RetryAttempts    int           `toml:"retry_attempts"`
	RetryDelay       time.Duration `toml:"retry_delay"`
}

// TokenLimiterConfig holds admission-window settings loaded from TOML and
// the environment. The Token Limiter does not read them; it enforces
// tokenlimiter.DefaultSettings or a per-user SetSettings override.
type TokenLimiterConfig struct {
	Window          time.Duration `toml:"window"`
	MaxTokens       int           `toml:"max_tokens"`
	WarningFraction float64       `toml:"warning_fraction"`
}

// RedisConfig configures the shared Redis connection used by the Token
// Limiter and the Status Stream. Following the teacher's DB-isolation
// convention, each consumer gets its own logical DB number.
type RedisConfig struct {
	URL              string `toml:"url"`
	TokenLimiterDB   int    `toml:"token_limiter_db"`
	StatusStreamDB   int    `toml:"status_stream_db"`
}

// PostgresConfig configures the persistence adapter's connection pool.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	MaxConns     int32  `toml:"max_conns"`
	MinConns     int32  `toml:"min_conns"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" | "console"
}

// OrchestratorConfig bounds cross-workflow concurrency.
type OrchestratorConfig struct {
	MaxConcurrentWorkflows int `toml:"max_concurrent_workflows"`
}

// Config is the top-level configuration for the engine binary.
type Config struct {
	LLM          LLMConfig           `toml:"llm"`
	TokenLimiter TokenLimiterConfig  `toml:"token_limiter"`
	Redis        RedisConfig         `toml:"redis"`
	Postgres     PostgresConfig      `toml:"postgres"`
	Logging      LoggingConfig       `toml:"logging"`
	Orchestrator OrchestratorConfig  `toml:"orchestrator"`
}

// Default returns the hardcoded baseline, the lowest-precedence tier.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-5",
			FallbackProvider: "openai",
			FallbackModel:    "gpt-4o-mini",
			Timeout:          30 * time.Second,
			RetryAttempts:    3,
			RetryDelay:       2 * time.Second,
		},
		TokenLimiter: TokenLimiterConfig{
			Window:          1 * time.Hour,
			MaxTokens:       100000,
			WarningFraction: 0.8,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379",
			TokenLimiterDB: 1,
			StatusStreamDB: 2,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost:5432/workflowengine",
			MaxConns: 10,
			MinConns: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentWorkflows: 16,
		},
	}
}

// Load reads a TOML file (if path is non-empty and exists) over the
// defaults, then overlays environment variables, matching the teacher's
// LoadFromFile-then-LoadFromEnv ordering.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.loadFromEnv()
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("WORKFLOWENGINE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("WORKFLOWENGINE_LLM_FALLBACK_API_KEY"); v != "" {
		c.LLM.FallbackAPIKey = v
	}
	if v := os.Getenv("WORKFLOWENGINE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("WORKFLOWENGINE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("WORKFLOWENGINE_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("WORKFLOWENGINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WORKFLOWENGINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("WORKFLOWENGINE_TOKEN_LIMITER_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TokenLimiter.MaxTokens = n
		}
	}
	if v := os.Getenv("WORKFLOWENGINE_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxConcurrentWorkflows = n
		}
	}
}
