package config

import "time"

// WorkersConfig configures the worker capabilities.
type WorkersConfig struct {
	// Retrieval
	SearchURL    string `yaml:"search_url"` // HTML search endpoint, query appended as q=
	MaxSources   int    `yaml:"max_sources"`
	FetchTimeout string `yaml:"fetch_timeout"`
	MaxPageBytes int64  `yaml:"max_page_bytes"`
	UserAgent    string `yaml:"user_agent"`

	// Headless browser rendering for pages that need JavaScript.
	Browser        bool   `yaml:"browser"`
	BrowserBinPath string `yaml:"browser_bin_path"`

	// Citation scoring: registrable domain -> reliability (0-1).
	DomainScores map[string]float64 `yaml:"domain_scores"`

	// Knowledge graph extraction
	MaxEntities int `yaml:"max_entities"`
}

// LLMConfig configures the optional text generation backend used for
// decomposition, analysis and synthesis.
type LLMConfig struct {
	Provider string `yaml:"provider"` // none, gemini, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// DefaultWorkersConfig returns the stock worker settings.
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		SearchURL:    "https://html.duckduckgo.com/html/",
		MaxSources:   5,
		FetchTimeout: "20s",
		MaxPageBytes: 2 * 1024 * 1024,
		UserAgent:    "researchd/1.0 (+https://github.com/deepresearch)",
		MaxEntities:  12,
		DomainScores: map[string]float64{
			"wikipedia.org": 0.8,
			"arxiv.org":     0.9,
			"nature.com":    0.95,
			"github.com":    0.7,
		},
	}
}

// GetFetchTimeout returns the per-request fetch timeout.
func (w WorkersConfig) GetFetchTimeout() time.Duration {
	return parseDuration(w.FetchTimeout, 20*time.Second)
}
