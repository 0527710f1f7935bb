package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all researchd configuration.
type Config struct {
	Name string `yaml:"name"`

	Server    ServerConfig    `yaml:"server"`
	Limits    Limits          `yaml:"limits"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Workers   WorkersConfig   `yaml:"workers"`
	LLM       LLMConfig       `yaml:"llm"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"` // empty = any origin
	SweepInterval   string   `yaml:"sweep_interval"`  // registry retention sweep
}

// SessionConfig configures connection sessions.
type SessionConfig struct {
	PingInterval     string `yaml:"ping_interval"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
	WriteTimeout     string `yaml:"write_timeout"`
	ResumeWindow     string `yaml:"resume_window"`
	OutboundQueue    int    `yaml:"outbound_queue"`
}

// CacheConfig configures the completed-result cache.
type CacheConfig struct {
	Driver     string `yaml:"driver"` // memory, sqlite, postgres
	DSN        string `yaml:"dsn"`
	MaxEntries int    `yaml:"max_entries"`
}

// AuthConfig configures principal resolution.
// Tokens maps a bearer token to a principal. When URL is set, tokens are
// resolved by the remote service instead.
type AuthConfig struct {
	Tokens  map[string]string `yaml:"tokens"`
	URL     string            `yaml:"url"`
	Timeout string            `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Interval    string `yaml:"interval"` // metric export interval
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "researchd",

		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
			SweepInterval:   "5m",
		},

		Limits: DefaultLimits(),

		Session: SessionConfig{
			PingInterval:     "30s",
			HandshakeTimeout: "10s",
			WriteTimeout:     "10s",
			ResumeWindow:     "2m",
			OutboundQueue:    256,
		},

		Cache: CacheConfig{
			Driver:     "memory",
			MaxEntries: 1000,
		},

		Workers: DefaultWorkersConfig(),

		LLM: LLMConfig{
			Provider: "none",
			Timeout:  "60s",
		},

		Auth: AuthConfig{
			Timeout: "5s",
		},

		Telemetry: TelemetryConfig{
			ServiceName: "researchd",
			Interval:    "60s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file, then applies a .env file (if
// present) and environment overrides. A missing config file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Limits
	if v := envInt("MAX_CONCURRENT_TASKS"); v > 0 {
		c.Limits.MaxConcurrentTasks = v
	}
	if v := os.Getenv("TASK_TIMEOUT"); v != "" {
		c.Limits.TaskTimeout = v
	}
	if v, ok := os.LookupEnv("MAX_RETRIES"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Limits.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		c.Limits.RetryDelay = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		c.Limits.CacheTTL = v
	}

	// Server and cache
	if v := os.Getenv("RESEARCHD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RESEARCHD_CACHE_DRIVER"); v != "" {
		c.Cache.Driver = v
	}
	if v := os.Getenv("RESEARCHD_CACHE_DSN"); v != "" {
		c.Cache.DSN = v
	}

	// LLM backends
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" || c.LLM.Provider == "none" {
			c.LLM.Provider = "gemini"
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.LLM.BaseURL = host
		if c.LLM.Provider == "" || c.LLM.Provider == "none" {
			c.LLM.Provider = "ollama"
		}
	}
	if v := os.Getenv("RESEARCHD_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}

	// Search backend
	if v := os.Getenv("RESEARCHD_SEARCH_URL"); v != "" {
		c.Workers.SearchURL = v
	}

	// Auth: comma separated token=principal pairs
	if v := os.Getenv("RESEARCHD_AUTH_TOKENS"); v != "" {
		if c.Auth.Tokens == nil {
			c.Auth.Tokens = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			token, principal, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || token == "" {
				continue
			}
			c.Auth.Tokens[token] = principal
		}
	}
	if v := os.Getenv("RESEARCHD_AUTH_URL"); v != "" {
		c.Auth.URL = v
	}

	if v := os.Getenv("RESEARCHD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RESEARCHD_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetSweepInterval returns how often terminal tasks are swept.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Server.SweepInterval, 5*time.Minute)
}

// GetPingInterval returns the keepalive interval.
func (c *Config) GetPingInterval() time.Duration {
	return parseDuration(c.Session.PingInterval, 30*time.Second)
}

// GetHandshakeTimeout returns how long a new connection has to authenticate.
func (c *Config) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.Session.HandshakeTimeout, 10*time.Second)
}

// GetWriteTimeout returns the per-frame write deadline.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Session.WriteTimeout, 10*time.Second)
}

// GetResumeWindow returns how long a dead session can be resumed.
func (c *Config) GetResumeWindow() time.Duration {
	return parseDuration(c.Session.ResumeWindow, 2*time.Minute)
}

// GetAuthTimeout returns the remote auth call timeout.
func (c *Config) GetAuthTimeout() time.Duration {
	return parseDuration(c.Auth.Timeout, 5*time.Second)
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// GetTelemetryInterval returns the metric export interval.
func (c *Config) GetTelemetryInterval() time.Duration {
	return parseDuration(c.Telemetry.Interval, 60*time.Second)
}

// ValidCacheDrivers lists supported cache backends.
var ValidCacheDrivers = []string{"memory", "sqlite", "postgres"}

// ValidProviders lists supported LLM providers. "none" selects the
// heuristic workers.
var ValidProviders = []string{"none", "gemini", "ollama"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if !contains(ValidCacheDrivers, c.Cache.Driver) {
		return fmt.Errorf("invalid cache driver: %s (valid: %v)", c.Cache.Driver, ValidCacheDrivers)
	}
	if c.Cache.Driver != "memory" && c.Cache.DSN == "" {
		return fmt.Errorf("cache driver %s requires a dsn", c.Cache.Driver)
	}
	if !contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM provider gemini requires an API key (set GEMINI_API_KEY)")
	}
	if c.Session.OutboundQueue < 1 {
		return fmt.Errorf("session.outbound_queue must be >= 1")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
