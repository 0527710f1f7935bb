package workers

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

// Synthesis is the final answer of a task.
type Synthesis struct {
	Summary   string
	FollowUps []string
}

// Synthesizer merges completed focus areas into a summary and follow-up
// questions.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, areas []types.FocusArea) (Synthesis, error)
}

// HeuristicSynthesizer concatenates focus area summaries and asks about the
// areas that failed or were not reached.
type HeuristicSynthesizer struct {
	MaxFollowUps int
}

// Synthesize implements Synthesizer.
func (s HeuristicSynthesizer) Synthesize(ctx context.Context, query string, areas []types.FocusArea) (Synthesis, error) {
	max := s.MaxFollowUps
	if max <= 0 {
		max = 3
	}

	var sb strings.Builder
	var followUps []string
	for _, a := range areas {
		if a.Completed && a.Summary != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "%s\n%s", topicTitle(a.Topic, query), a.Summary)
			continue
		}
		if !a.Completed {
			followUps = append(followUps, fmt.Sprintf("What is known about %s?", lowerFirst(topicTitle(a.Topic, query))))
		}
	}
	if sb.Len() == 0 {
		return Synthesis{}, fmt.Errorf("no completed focus areas to synthesize")
	}

	for _, a := range areas {
		if !a.Completed || len(followUps) >= max {
			continue
		}
		for _, p := range a.KeyPoints {
			if len(followUps) >= max {
				break
			}
			if terms := keywords(p); len(terms) > 0 {
				followUps = append(followUps, fmt.Sprintf("How does %s relate to %s?", strings.Join(firstN(terms, 2), " "), query))
				break
			}
		}
	}
	if len(followUps) < max {
		followUps = append(followUps, fmt.Sprintf("What are the most cited sources on %s?", query))
	}
	if len(followUps) > max {
		followUps = followUps[:max]
	}
	return Synthesis{Summary: sb.String(), FollowUps: followUps}, nil
}

// LLMSynthesizer asks a text generation backend to write the final answer
// and falls back to Fallback when it fails.
type LLMSynthesizer struct {
	Gen      llm.Generator
	Fallback Synthesizer
}

// Synthesize implements Synthesizer.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, query string, areas []types.FocusArea) (Synthesis, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research question: %q\n\nFindings per focus area:\n", query)
	for _, a := range areas {
		if !a.Completed {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n", a.Topic, a.Summary)
		for _, p := range a.KeyPoints {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	sb.WriteString("\nWrite a concise synthesized answer and up to 3 follow-up questions. " +
		`Reply with JSON only: {"summary": "...", "follow_up_questions": ["..."]}`)

	var reply struct {
		Summary   string   `json:"summary"`
		FollowUps []string `json:"follow_up_questions"`
	}
	err := llm.GenerateJSON(ctx, s.Gen, sb.String(), &reply)
	if err == nil && strings.TrimSpace(reply.Summary) != "" {
		return Synthesis{Summary: strings.TrimSpace(reply.Summary), FollowUps: dedupeTopics(reply.FollowUps, 3)}, nil
	}
	if ctx.Err() != nil {
		return Synthesis{}, ctx.Err()
	}
	if s.Fallback == nil {
		if err == nil {
			err = fmt.Errorf("%s returned an empty summary", s.Gen.Name())
		}
		return Synthesis{}, err
	}
	logging.WorkersWarn("LLM synthesis failed, using fallback: %v", err)
	return s.Fallback.Synthesize(ctx, query, areas)
}

// topicTitle strips the "query: " prefix heuristic focus areas carry.
func topicTitle(topic, query string) string {
	if rest, ok := strings.CutPrefix(topic, query+": "); ok && rest != "" {
		return strings.ToUpper(rest[:1]) + rest[1:]
	}
	return topic
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
