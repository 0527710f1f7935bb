// Package workers implements the capabilities that research a single focus
// area: retrieval, citation scoring, knowledge graph extraction and
// analysis. A Pipeline chains them into the Worker the coordinator calls.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deepresearch/internal/graph"
	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

// Kind names a worker capability.
type Kind string

const (
	KindRetrieval      Kind = "retrieval"
	KindCitation       Kind = "citation"
	KindKnowledgeGraph Kind = "knowledge_graph"
	KindAnalysis       Kind = "analysis"
)

// ErrNoSources is returned when retrieval finds nothing to work with.
var ErrNoSources = errors.New("no sources found")

// Request identifies one focus area of one task.
type Request struct {
	TaskID    string
	Query     string
	FocusArea string
	Index     int
	Attempt   int
}

// FragmentID is the graph fragment identity for this focus area. Retries of
// the same area share it, so a fragment is merged at most once.
func (r Request) FragmentID() string {
	return fmt.Sprintf("%s/%d", r.TaskID, r.Index)
}

// Document is retrieved text with its source.
type Document struct {
	Source types.Source
	Text   string
}

// Result is what a focus area produced. On failure it may still carry
// whatever the earlier stages produced.
type Result struct {
	Summary   string
	KeyPoints []string
	Sources   []types.Source
	Documents []Document
	Fragment  graph.Fragment
}

// Worker researches one focus area.
type Worker interface {
	Research(ctx context.Context, req Request) (*Result, error)
}

// Stage is one capability of the pipeline. It reads and enriches res.
type Stage interface {
	Kind() Kind
	Run(ctx context.Context, req Request, res *Result) error
}

// StageError records which capability failed.
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs stages in order and stops at the first failure, returning
// the partial result alongside the error.
type Pipeline struct {
	stages []Stage
}

// NewPipeline chains stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Kinds lists the capabilities in execution order.
func (p *Pipeline) Kinds() []Kind {
	out := make([]Kind, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, s.Kind())
	}
	return out
}

// Research implements Worker.
func (p *Pipeline) Research(ctx context.Context, req Request) (*Result, error) {
	log := logging.WithTask(logging.CategoryWorkers, req.TaskID)
	res := &Result{Fragment: graph.Fragment{ID: req.FragmentID()}}

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()
		if err := stage.Run(ctx, req, res); err != nil {
			log.Warn("focus %d %q: %s failed after %v: %v", req.Index, req.FocusArea, stage.Kind(), time.Since(start), err)
			return res, &StageError{Kind: stage.Kind(), Err: err}
		}
		log.Debug("focus %d %q: %s done in %v", req.Index, req.FocusArea, stage.Kind(), time.Since(start))
	}
	return res, nil
}
