// Package llm wraps the text generation backends used by the decomposer,
// analyst and synthesizer. Generation itself is opaque to the rest of the
// system: callers hand in a prompt and get text back.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/logging"
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func (f GeneratorFunc) Name() string { return "func" }

// New builds the backend selected by cfg. Provider "none" (or empty) returns
// a nil Generator and no error; callers then use heuristic workers.
func New(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (Generator, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "gemini":
		gen, err = NewGenAI(ctx, cfg.APIKey, cfg.Model)
	case "ollama":
		gen, err = NewOllama(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logging.Workers("LLM backend ready: %s", gen.Name())
	if timeout > 0 {
		gen = withTimeout{gen: gen, timeout: timeout}
	}
	return gen, nil
}

type withTimeout struct {
	gen     Generator
	timeout time.Duration
}

func (w withTimeout) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.gen.Generate(ctx, prompt)
}

func (w withTimeout) Name() string { return w.gen.Name() }

// GenerateJSON asks gen for JSON and decodes it into v. Code fences and
// leading prose around the JSON value are tolerated.
func GenerateJSON(ctx context.Context, gen Generator, prompt string, v any) error {
	timer := logging.StartTimer(logging.CategoryWorkers, "llm "+gen.Name())
	defer timer.StopWithThreshold(30 * time.Second)

	text, err := gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%s generate: %w", gen.Name(), err)
	}
	raw := ExtractJSON(text)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%s returned invalid JSON: %w", gen.Name(), err)
	}
	return nil
}

// ExtractJSON returns the first JSON object or array in s.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
