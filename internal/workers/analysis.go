package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"deepresearch/internal/llm"
)

// ExtractiveAnalyst summarizes a focus area by picking the sentences that
// best overlap the focus area's terms.
type ExtractiveAnalyst struct {
	MaxPoints int
}

func (a *ExtractiveAnalyst) Kind() Kind { return KindAnalysis }

type scoredSentence struct {
	text  string
	score float64
	order int
}

// Run implements Stage.
func (a *ExtractiveAnalyst) Run(ctx context.Context, req Request, res *Result) error {
	if len(res.Documents) == 0 {
		return ErrNoSources
	}
	max := a.MaxPoints
	if max <= 0 {
		max = 5
	}

	terms := keywords(req.FocusArea + " " + req.Query)
	var candidates []scoredSentence
	seen := make(map[string]bool)
	order := 0
	for _, doc := range res.Documents {
		for _, s := range sentenceSplit.Split(doc.Text, -1) {
			s = collapseSpace(s)
			if len(s) < 40 || len(s) > 400 {
				continue
			}
			key := strings.ToLower(s)
			if seen[key] {
				continue
			}
			seen[key] = true
			score := overlap(terms, s) * (0.5 + doc.Source.ReliabilityScore)
			candidates = append(candidates, scoredSentence{text: s, score: score, order: order})
			order++
		}
	}
	if len(candidates) == 0 {
		for _, doc := range res.Documents {
			if doc.Source.Snippet != "" {
				candidates = append(candidates, scoredSentence{text: doc.Source.Snippet, order: len(candidates)})
			}
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("nothing to analyze for %q", req.FocusArea)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	res.KeyPoints = res.KeyPoints[:0]
	for _, c := range candidates {
		res.KeyPoints = append(res.KeyPoints, ensurePeriod(c.text))
	}
	summaryLen := 2
	if len(res.KeyPoints) < summaryLen {
		summaryLen = len(res.KeyPoints)
	}
	res.Summary = strings.Join(res.KeyPoints[:summaryLen], " ")
	return nil
}

// LLMAnalyst asks a text generation backend to summarize the retrieved
// documents.
type LLMAnalyst struct {
	Gen      llm.Generator
	MaxChars int
}

func (a *LLMAnalyst) Kind() Kind { return KindAnalysis }

type analysisReply struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Run implements Stage.
func (a *LLMAnalyst) Run(ctx context.Context, req Request, res *Result) error {
	if len(res.Documents) == 0 {
		return ErrNoSources
	}
	budget := a.MaxChars
	if budget <= 0 {
		budget = 12000
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a research analyst. Research question: %q\nFocus area: %q\n\n", req.Query, req.FocusArea)
	sb.WriteString("Sources:\n")
	per := budget / len(res.Documents)
	for i, doc := range res.Documents {
		text := doc.Text
		if len(text) > per {
			text = text[:per]
		}
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, doc.Source.Title, doc.Source.URL, text)
	}
	sb.WriteString(`Reply with JSON only: {"summary": "2-4 sentences", "key_points": ["..."]}`)

	var reply analysisReply
	if err := llm.GenerateJSON(ctx, a.Gen, sb.String(), &reply); err != nil {
		return err
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return fmt.Errorf("%s returned an empty summary", a.Gen.Name())
	}
	res.Summary = strings.TrimSpace(reply.Summary)
	res.KeyPoints = res.KeyPoints[:0]
	for _, p := range reply.KeyPoints {
		if p = strings.TrimSpace(p); p != "" {
			res.KeyPoints = append(res.KeyPoints, p)
		}
	}
	return nil
}

var keywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true,
	"how": true, "why": true, "are": true, "is": true, "of": true, "in": true,
	"on": true, "to": true, "a": true, "an": true, "its": true, "does": true,
	"about": true, "from": true, "into": true, "vs": true,
}

func keywords(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) < 3 || keywordStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func overlap(terms []string, sentence string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(sentence)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func ensurePeriod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}
