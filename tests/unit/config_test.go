// Package unit contains unit tests for the Kiro server.
package unit

import (
	"os"
	"testing"
	"time"

	"github.com/kiro-gateway/kiro-claude-gateway/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	os.Clearenv()

	cfg := config.Load()

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "configs/provider_pools.json", cfg.ProviderPoolsFilePath)
	assert.Equal(t, int64(3), cfg.MaxErrorCount)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RequestBaseDelay)
	assert.Equal(t, time.Second, cfg.SaveDebounce)
	assert.Equal(t, 10*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, 15*time.Minute, cfg.CronNearMinutes)
	assert.Equal(t, "append", cfg.SystemPromptMode)
	assert.Equal(t, "none", cfg.PromptLogMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestConfigFromEnv(t *testing.T) {
	os.Setenv("SERVER_PORT", "9000")
	os.Setenv("HOST", "127.0.0.1")
	os.Setenv("REQUIRED_API_KEY", "test-key")
	os.Setenv("PROVIDER_POOLS_FILE_PATH", "/tmp/pools.json")
	os.Setenv("MAX_ERROR_COUNT", "5")
	os.Setenv("REQUEST_MAX_RETRIES", "7")
	os.Setenv("REQUEST_BASE_DELAY", "250")
	os.Setenv("SYSTEM_PROMPT_MODE", "overwrite")
	os.Setenv("PROMPT_LOG_MODE", "console")
	defer os.Clearenv()

	cfg := config.Load()

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "/tmp/pools.json", cfg.ProviderPoolsFilePath)
	assert.Equal(t, int64(5), cfg.MaxErrorCount)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestBaseDelay)
	assert.Equal(t, "overwrite", cfg.SystemPromptMode)
	assert.Equal(t, "console", cfg.PromptLogMode)
}

func TestConfigInvalidEnvValues(t *testing.T) {
	os.Setenv("SERVER_PORT", "invalid")
	os.Setenv("MAX_ERROR_COUNT", "not-a-number")
	os.Setenv("SYSTEM_PROMPT_MODE", "bogus")
	defer os.Clearenv()

	cfg := config.Load()

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, int64(3), cfg.MaxErrorCount)
	assert.Equal(t, "append", cfg.SystemPromptMode)
}
