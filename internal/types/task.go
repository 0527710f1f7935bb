// Package types holds the research task data model shared by the registry,
// coordinator, sessions and clients.
package types

import (
	"time"

	"deepresearch/internal/graph"
)

// TaskStatus is the lifecycle state of a research task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s -> next is a legal transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// Source is a retrieved reference.
type Source struct {
	URL              string  `json:"url"`
	Title            string  `json:"title"`
	Snippet          string  `json:"snippet,omitempty"`
	Domain           string  `json:"domain,omitempty"`
	ReliabilityScore float64 `json:"reliability_score"`
}

// FocusArea is one sub-topic of a query. A focus area is concluded once it
// is either Completed or Failed, never both.
type FocusArea struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
	Completed bool     `json:"completed"`
	Failed    bool     `json:"failed"`
	Error     string   `json:"error,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
}

// Concluded reports whether the focus area finished either way.
func (f FocusArea) Concluded() bool {
	return f.Completed || f.Failed
}

// Clone returns a deep copy.
func (f FocusArea) Clone() FocusArea {
	out := f
	out.KeyPoints = append([]string(nil), f.KeyPoints...)
	out.Sources = append([]Source(nil), f.Sources...)
	return out
}

// Task is a research task. The registry owns the canonical copy; everything
// handed out is a Clone.
type Task struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id,omitempty"`
	Principal      string      `json:"principal,omitempty"`
	Query          string      `json:"query"`
	Status         TaskStatus  `json:"status"`
	Progress       int         `json:"progress"`
	Seq            uint64      `json:"seq"`
	ContinuousMode bool        `json:"continuous_mode"`
	FocusAreas     []FocusArea `json:"focus_areas"`
	Summary        string      `json:"summary,omitempty"`
	FollowUps      []string    `json:"followup_questions,omitempty"`
	Graph          graph.Graph `json:"-"`
	CacheHit       bool        `json:"cache_hit,omitempty"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.FocusAreas = make([]FocusArea, len(t.FocusAreas))
	for i, fa := range t.FocusAreas {
		out.FocusAreas[i] = fa.Clone()
	}
	out.FollowUps = append([]string(nil), t.FollowUps...)
	out.Graph = t.Graph.Clone()
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

// Concluded counts focus areas that have finished.
func (t *Task) Concluded() (completed, failed int) {
	for _, fa := range t.FocusAreas {
		switch {
		case fa.Completed:
			completed++
		case fa.Failed:
			failed++
		}
	}
	return completed, failed
}

// SourceCount returns the number of sources across all focus areas.
func (t *Task) SourceCount() int {
	n := 0
	for _, fa := range t.FocusAreas {
		n += len(fa.Sources)
	}
	return n
}

// CurrentFocus returns the first focus area still running, if any.
func (t *Task) CurrentFocus() string {
	for _, fa := range t.FocusAreas {
		if !fa.Concluded() {
			return fa.Topic
		}
	}
	return ""
}

// CachedResult is the cacheable outcome of a completed task.
type CachedResult struct {
	Query      string      `json:"query"`
	Summary    string      `json:"summary"`
	FocusAreas []FocusArea `json:"focus_areas"`
	FollowUps  []string    `json:"followup_questions"`
	Graph      graph.View  `json:"graph"`
	StoredAt   time.Time   `json:"stored_at"`
}
