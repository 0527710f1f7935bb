package workers

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
)

// Decomposer splits a research query into ordered focus area topics.
type Decomposer interface {
	Decompose(ctx context.Context, query string, max int) ([]string, error)
}

// HeuristicDecomposer derives focus areas from fixed research angles.
type HeuristicDecomposer struct{}

var focusTemplates = []string{
	"%s: overview and key concepts",
	"%s: recent developments",
	"%s: challenges and open problems",
	"%s: applications and impact",
	"%s: future outlook",
}

// Decompose implements Decomposer.
func (HeuristicDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if max <= 0 || max > len(focusTemplates) {
		max = len(focusTemplates)
	}
	out := make([]string, 0, max)
	for _, tmpl := range focusTemplates[:max] {
		out = append(out, fmt.Sprintf(tmpl, query))
	}
	return out, nil
}

// LLMDecomposer asks a text generation backend for focus areas and falls
// back to Fallback when the backend fails or returns nothing usable.
type LLMDecomposer struct {
	Gen      llm.Generator
	Fallback Decomposer
}

// Decompose implements Decomposer.
func (d *LLMDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	if max <= 0 {
		max = 5
	}
	prompt := fmt.Sprintf(
		"Break the research question %q into at most %d distinct, independently researchable focus areas. "+
			`Reply with JSON only: {"focus_areas": ["..."]}`, query, max)

	var reply struct {
		FocusAreas []string `json:"focus_areas"`
	}
	err := llm.GenerateJSON(ctx, d.Gen, prompt, &reply)
	areas := dedupeTopics(reply.FocusAreas, max)
	if err == nil && len(areas) > 0 {
		return areas, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if d.Fallback == nil {
		if err == nil {
			err = fmt.Errorf("%s returned no focus areas", d.Gen.Name())
		}
		return nil, err
	}
	logging.WorkersWarn("LLM decomposition failed, using fallback: %v", err)
	return d.Fallback.Decompose(ctx, query, max)
}

func dedupeTopics(topics []string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range topics {
		t = collapseSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}
