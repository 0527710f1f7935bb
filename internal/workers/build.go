package workers

import (
	"context"
	"fmt"
	"net/http"

	"deepresearch/internal/config"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
)

// Set is the worker wiring the coordinator runs with.
type Set struct {
	Worker      Worker
	Decomposer  Decomposer
	Synthesizer Synthesizer

	closers []func() error
}

// Close releases browser and backend resources.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// FromConfig builds the worker pipeline, decomposer and synthesizer. With no
// LLM provider configured every capability uses its heuristic variant.
func FromConfig(ctx context.Context, cfg *config.Config) (*Set, error) {
	gen, err := llm.New(ctx, cfg.LLM, cfg.GetLLMTimeout())
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}

	set := &Set{}
	wc := cfg.Workers
	retriever := &WebRetriever{
		SearchURL:    wc.SearchURL,
		MaxSources:   wc.MaxSources,
		FetchTimeout: wc.GetFetchTimeout(),
		UserAgent:    wc.UserAgent,
		Client:       &http.Client{Timeout: wc.GetFetchTimeout()},
	}
	if wc.Browser {
		rf := NewRodFetcher(wc.BrowserBinPath)
		retriever.Pages = rf
		set.closers = append(set.closers, rf.Close)
	} else {
		retriever.Pages = &HTTPFetcher{Client: retriever.Client, UserAgent: wc.UserAgent, MaxBytes: wc.MaxPageBytes}
	}

	var analyst Stage = &ExtractiveAnalyst{}
	var decomposer Decomposer = HeuristicDecomposer{}
	var synthesizer Synthesizer = HeuristicSynthesizer{}
	if gen != nil {
		analyst = &LLMAnalyst{Gen: gen}
		decomposer = &LLMDecomposer{Gen: gen, Fallback: decomposer}
		synthesizer = &LLMSynthesizer{Gen: gen, Fallback: synthesizer}
	}

	pipeline := NewPipeline(
		retriever,
		&CitationScorer{DomainScores: wc.DomainScores},
		&EntityExtractor{MaxEntities: wc.MaxEntities},
		analyst,
	)
	set.Worker = pipeline
	set.Decomposer = decomposer
	set.Synthesizer = synthesizer

	logging.Workers("worker pipeline: %v (browser=%v, llm=%v)", pipeline.Kinds(), wc.Browser, gen != nil)
	return set, nil
}
