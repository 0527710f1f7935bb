package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Limits(t *testing.T) {
	t.Run("all limit knobs", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENT_TASKS", "3")
		t.Setenv("TASK_TIMEOUT", "90s")
		t.Setenv("MAX_RETRIES", "0")
		t.Setenv("RETRY_DELAY", "500ms")
		t.Setenv("CACHE_TTL", "1h")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 3, cfg.Limits.MaxConcurrentTasks)
		assert.Equal(t, "90s", cfg.Limits.TaskTimeout)
		assert.Equal(t, 0, cfg.Limits.MaxRetries)
		assert.Equal(t, "500ms", cfg.Limits.RetryDelay)
		assert.Equal(t, "1h", cfg.Limits.CacheTTL)
	})

	t.Run("invalid numbers are ignored", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENT_TASKS", "many")
		t.Setenv("MAX_RETRIES", "-4")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 5, cfg.Limits.MaxConcurrentTasks)
		assert.Equal(t, 2, cfg.Limits.MaxRetries)
	})
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("GEMINI_API_KEY selects gemini when unset", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")
		t.Setenv("OLLAMA_HOST", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "g-key", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})

	t.Run("explicit provider is kept", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")
		t.Setenv("OLLAMA_HOST", "http://localhost:11434")

		cfg := DefaultConfig()
		cfg.LLM.Provider = "ollama"
		cfg.applyEnvOverrides()

		assert.Equal(t, "ollama", cfg.LLM.Provider)
		assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	})
}

func TestEnvOverrides_AuthTokens(t *testing.T) {
	t.Setenv("RESEARCHD_AUTH_TOKENS", "abc=alice, def=bob,broken,=nobody")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, map[string]string{"abc": "alice", "def": "bob"}, cfg.Auth.Tokens)
}

func TestEnvOverrides_Server(t *testing.T) {
	t.Setenv("RESEARCHD_ADDR", "127.0.0.1:9999")
	t.Setenv("RESEARCHD_CACHE_DRIVER", "postgres")
	t.Setenv("RESEARCHD_CACHE_DSN", "postgres://localhost/research")
	t.Setenv("RESEARCHD_TELEMETRY", "true")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Cache.Driver)
	assert.Equal(t, "postgres://localhost/research", cfg.Cache.DSN)
	assert.True(t, cfg.Telemetry.Enabled)
}
