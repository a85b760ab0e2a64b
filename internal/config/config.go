// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/kiro-gateway/kiro-claude-gateway/internal/claude"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// API settings
	APIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Kiro API settings
	KiroAPITimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Pool / health settings
	MaxErrorCount       int64
	MaxRetries          int
	RequestBaseDelay    time.Duration
	SaveDebounce        time.Duration
	HealthCheckInterval time.Duration

	// Token refresh heartbeat
	CronRefreshToken bool
	CronNearMinutes  time.Duration

	// Persistence paths
	ProviderPoolsFilePath string
	CredentialsDir        string

	// System prompt overlay
	SystemPromptFilePath string
	SystemPromptMode     string // "overwrite" or "append"

	// Prompt logging
	PromptLogMode     string // "none", "console", "file"
	PromptLogBaseName string

	// Request size limits
	MaxKiroRequestBody int
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            8081,
		Host:            "0.0.0.0",
		GracefulTimeout: 10 * time.Second,

		MaxConns:            100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		KiroAPITimeout:      5 * time.Minute,

		LogLevel: "info",
		LogJSON:  true,

		MaxErrorCount:       3,
		MaxRetries:          3,
		RequestBaseDelay:    time.Second,
		SaveDebounce:        time.Second,
		HealthCheckInterval: 10 * time.Minute,

		CronRefreshToken: true,
		CronNearMinutes:  15 * time.Minute,

		ProviderPoolsFilePath: "configs/provider_pools.json",
		CredentialsDir:        "configs",

		SystemPromptMode: "append",
		PromptLogMode:    "none",

		MaxKiroRequestBody: claude.MaxKiroRequestBodyDefault,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REQUIRED_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("PROVIDER_POOLS_FILE_PATH"); v != "" {
		c.ProviderPoolsFilePath = v
	}
	if v := os.Getenv("MAX_ERROR_COUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxErrorCount = n
		}
	}
	if v := os.Getenv("REQUEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("REQUEST_BASE_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestBaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SAVE_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SaveDebounce = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheckInterval = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("CRON_REFRESH_TOKEN"); v != "" {
		c.CronRefreshToken = v == "true" || v == "1"
	}
	if v := os.Getenv("CRON_NEAR_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CronNearMinutes = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("SYSTEM_PROMPT_FILE_PATH"); v != "" {
		c.SystemPromptFilePath = v
	}
	if v := os.Getenv("SYSTEM_PROMPT_MODE"); v == "overwrite" || v == "append" {
		c.SystemPromptMode = v
	}
	if v := os.Getenv("PROMPT_LOG_MODE"); v == "none" || v == "console" || v == "file" {
		c.PromptLogMode = v
	}
	if v := os.Getenv("PROMPT_LOG_BASE_NAME"); v != "" {
		c.PromptLogBaseName = v
	}
	if v := os.Getenv("GO_KIRO_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("GO_KIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GO_KIRO_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("MAX_KIRO_REQUEST_BODY"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.MaxKiroRequestBody = size
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests.
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "Shared API key for gateway callers")
	flag.StringVar(&c.ProviderPoolsFilePath, "pool-file", c.ProviderPoolsFilePath, "Path to the provider pool JSON file")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
