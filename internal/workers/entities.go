package workers

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"deepresearch/internal/graph"
)

var (
	capitalizedPhrase = regexp.MustCompile(`\b(?:[A-Z][a-zA-Z0-9\-]+)(?:\s+(?:of\s+|for\s+)?[A-Z][a-zA-Z0-9\-]+){0,3}\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?]\s+`)
)

// Words that are capitalized only because they start a sentence.
var entityStopwords = map[string]bool{
	"the": true, "this": true, "that": true, "these": true, "those": true,
	"a": true, "an": true, "in": true, "on": true, "at": true, "it": true,
	"its": true, "for": true, "and": true, "but": true, "or": true, "if": true,
	"when": true, "while": true, "however": true, "as": true, "we": true,
	"they": true, "there": true, "what": true, "how": true, "why": true,
	"many": true, "some": true, "most": true, "also": true, "by": true,
	"with": true, "from": true, "to": true, "of": true, "is": true, "are": true,
	"read": true, "see": true, "click": true, "share": true,
}

// EntityExtractor builds a knowledge graph fragment from retrieved text:
// the focus area becomes a topic node, recurring capitalized phrases become
// entity nodes, and phrases that share a sentence are linked.
type EntityExtractor struct {
	MaxEntities int
}

func (x *EntityExtractor) Kind() Kind { return KindKnowledgeGraph }

type entityStat struct {
	label    string
	count    int
	reliable float64
}

// Run implements Stage.
func (x *EntityExtractor) Run(ctx context.Context, req Request, res *Result) error {
	max := x.MaxEntities
	if max <= 0 {
		max = 12
	}

	stats := make(map[string]*entityStat)
	pairs := make(map[[2]string]int)

	for _, doc := range res.Documents {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, sentence := range sentenceSplit.Split(doc.Text, -1) {
			found := phrasesIn(sentence)
			for _, label := range found {
				id := graph.NodeID(label)
				s, ok := stats[id]
				if !ok {
					s = &entityStat{label: label}
					stats[id] = s
				}
				s.count++
				if doc.Source.ReliabilityScore > s.reliable {
					s.reliable = doc.Source.ReliabilityScore
				}
			}
			for i := 0; i < len(found); i++ {
				for j := i + 1; j < len(found); j++ {
					a, b := graph.NodeID(found[i]), graph.NodeID(found[j])
					if a == b {
						continue
					}
					if a > b {
						a, b = b, a
					}
					pairs[[2]string{a, b}]++
				}
			}
		}
	}

	ranked := make([]string, 0, len(stats))
	for id := range stats {
		ranked = append(ranked, id)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := stats[ranked[i]], stats[ranked[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	kept := make(map[string]bool, len(ranked))
	for _, id := range ranked {
		kept[id] = true
	}

	topic := strings.TrimSpace(req.FocusArea)
	frag := &res.Fragment
	if topic != "" {
		frag.Nodes = append(frag.Nodes, graph.Node{Label: topic, Type: "topic", Confidence: 1})
	}
	for _, id := range ranked {
		s := stats[id]
		conf := entityConfidence(s.count, s.reliable)
		frag.Nodes = append(frag.Nodes, graph.Node{Label: s.label, Type: "entity", Confidence: conf})
		if topic != "" && graph.NodeID(topic) != id {
			frag.Edges = append(frag.Edges, graph.Edge{
				Source:     topic,
				Target:     s.label,
				Label:      "covers",
				Weight:     minFloat(1, 0.2*float64(s.count)),
				Confidence: conf,
			})
		}
	}

	keys := make([][2]string, 0, len(pairs))
	for k := range pairs {
		if kept[k[0]] && kept[k[1]] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		n := pairs[k]
		frag.Edges = append(frag.Edges, graph.Edge{
			Source:     stats[k[0]].label,
			Target:     stats[k[1]].label,
			Label:      "related_to",
			Weight:     minFloat(1, 0.25*float64(n)),
			Confidence: minFloat(stats[k[0]].reliable, stats[k[1]].reliable),
		})
	}
	return nil
}

func phrasesIn(sentence string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range capitalizedPhrase.FindAllString(sentence, -1) {
		words := strings.Fields(m)
		for len(words) > 0 && entityStopwords[strings.ToLower(words[0])] {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		label := strings.Join(words, " ")
		if len(words) == 1 && len(label) < 3 {
			continue
		}
		id := graph.NodeID(label)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, label)
	}
	return out
}

func entityConfidence(count int, reliability float64) float64 {
	if reliability == 0 {
		reliability = 0.5
	}
	freq := minFloat(1, 0.3+0.15*float64(count))
	return minFloat(1, freq*reliability+0.1)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
