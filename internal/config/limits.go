package config

import (
	"fmt"
	"time"
)

// Limits bounds task execution. Each field has an environment override of
// the same upper-case name.
type Limits struct {
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"` // worker calls in flight, all tasks
	TaskTimeout        string `yaml:"task_timeout" json:"task_timeout"`                 // per focus area, retries included
	MaxRetries         int    `yaml:"max_retries" json:"max_retries"`                   // retries after the first attempt
	RetryDelay         string `yaml:"retry_delay" json:"retry_delay"`
	CacheTTL           string `yaml:"cache_ttl" json:"cache_ttl"`
	MinQueryLength     int    `yaml:"min_query_length" json:"min_query_length"`
	MaxQueryLength     int    `yaml:"max_query_length" json:"max_query_length"`
	MaxFocusAreas      int    `yaml:"max_focus_areas" json:"max_focus_areas"`
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentTasks: 5,
		TaskTimeout:        "5m",
		MaxRetries:         2,
		RetryDelay:         "2s",
		CacheTTL:           "24h",
		MinQueryLength:     3,
		MaxQueryLength:     1000,
		MaxFocusAreas:      3,
	}
}

// Validate checks that limits are within acceptable ranges.
func (l Limits) Validate() error {
	if l.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if l.MinQueryLength < 1 || l.MaxQueryLength < l.MinQueryLength {
		return fmt.Errorf("query length bounds invalid: min=%d max=%d", l.MinQueryLength, l.MaxQueryLength)
	}
	if l.MaxFocusAreas < 1 {
		return fmt.Errorf("max_focus_areas must be >= 1")
	}
	for name, v := range map[string]string{
		"task_timeout": l.TaskTimeout,
		"retry_delay":  l.RetryDelay,
		"cache_ttl":    l.CacheTTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// GetTaskTimeout returns TASK_TIMEOUT as a duration.
func (l Limits) GetTaskTimeout() time.Duration {
	return parseDuration(l.TaskTimeout, 5*time.Minute)
}

// GetRetryDelay returns RETRY_DELAY as a duration.
func (l Limits) GetRetryDelay() time.Duration {
	d, err := time.ParseDuration(l.RetryDelay)
	if err != nil || d < 0 {
		return 2 * time.Second
	}
	return d
}

// GetCacheTTL returns CACHE_TTL as a duration.
func (l Limits) GetCacheTTL() time.Duration {
	return parseDuration(l.CacheTTL, 24*time.Hour)
}
