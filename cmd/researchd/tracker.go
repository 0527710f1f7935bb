package main

import (
	"errors"
	"fmt"
	"strings"

	"deepresearch/internal/client"
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"
)

// tracker folds the event stream of one request into display state.
type tracker struct {
	RequestID string
	TaskID    string

	Status   types.TaskStatus
	State    string
	Progress int
	Focus    string
	Sources  int
	Areas    []protocol.FocusStatus
	Nodes    int
	Edges    int

	FollowUps []string
	Result    *protocol.ResearchCompleted
	Err       *protocol.Error
	Finished  bool
}

func newTracker(requestID string) *tracker {
	return &tracker{RequestID: requestID, Status: types.StatusPending, State: protocol.StateQueued}
}

// Apply folds ev in and reports whether it belonged to this request.
func (t *tracker) Apply(ev client.Event) bool {
	env := ev.Envelope
	switch {
	case t.TaskID == "" && env.RequestID == t.RequestID:
		t.TaskID = env.TaskID
	case t.TaskID != "" && env.TaskID == t.TaskID:
	default:
		return false
	}
	if env.Progress > t.Progress {
		t.Progress = env.Progress
	}

	switch m := ev.Message.(type) {
	case protocol.ResearchUpdate:
		t.Status = m.Status
		t.State = m.AssistantState
		t.Focus = m.CurrentFocusArea
		t.Sources = m.SourcesFound
		if len(m.FocusAreas) > 0 {
			t.Areas = m.FocusAreas
		}
	case protocol.KnowledgeGraphUpdate:
		t.Nodes = len(m.PartialGraph.Nodes)
		t.Edges = len(m.PartialGraph.Edges)
	case protocol.FollowupQuestions:
		t.FollowUps = m.Questions
	case protocol.ResearchCompleted:
		t.Result = &m
		t.Status = types.StatusCompleted
		t.State = protocol.StateIdle
	case protocol.Error:
		t.Err = &m
		if m.ErrorCode != protocol.CodeTaskFailed {
			// Request-level rejection: no task will follow.
			t.Finished = true
		}
	}
	if protocol.IsTerminal(ev.Message) {
		t.Finished = true
	}
	return true
}

// StatusLine is a one-line summary of the current state.
func (t *tracker) StatusLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3d%%] %s", t.Progress, t.State)
	if t.Focus != "" {
		fmt.Fprintf(&b, ": %s", t.Focus)
	}
	done, failed := 0, 0
	for _, a := range t.Areas {
		switch {
		case a.Completed:
			done++
		case a.Failed:
			failed++
		}
	}
	if len(t.Areas) > 0 {
		fmt.Fprintf(&b, " (%d/%d areas", done, len(t.Areas))
		if failed > 0 {
			fmt.Fprintf(&b, ", %d failed", failed)
		}
		b.WriteString(")")
	}
	if t.Sources > 0 {
		fmt.Fprintf(&b, " %d sources", t.Sources)
	}
	return b.String()
}

// Report renders the result as markdown.
func (t *tracker) Report() string {
	var b strings.Builder
	if t.Result == nil {
		switch {
		case t.Err != nil:
			fmt.Fprintf(&b, "**%s**: %s\n", t.Err.ErrorCode, t.Err.ErrorMessage)
		case t.Status == types.StatusCancelled:
			b.WriteString("Research cancelled.\n")
		}
		return b.String()
	}

	r := t.Result
	fmt.Fprintf(&b, "# %s\n\n", r.Query)
	if r.CacheHit {
		b.WriteString("_Served from cache._\n\n")
	}
	if r.Summary != "" {
		b.WriteString(r.Summary)
		b.WriteString("\n\n")
	}
	for _, fa := range r.FocusAreas {
		if !fa.Completed {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", fa.Topic)
		for _, kp := range fa.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", kp)
		}
		if len(fa.Sources) > 0 {
			b.WriteString("\nSources:\n")
			for _, src := range fa.Sources {
				title := src.Title
				if title == "" {
					title = src.URL
				}
				fmt.Fprintf(&b, "- [%s](%s)\n", title, src.URL)
			}
		}
		b.WriteString("\n")
	}
	if t.Nodes > 0 {
		fmt.Fprintf(&b, "_Knowledge graph: %d entities, %d relations._\n\n", t.Nodes, t.Edges)
	}
	if len(t.FollowUps) > 0 {
		b.WriteString("## Follow-up questions\n\n")
		for _, q := range t.FollowUps {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return b.String()
}

var errInterrupted = errors.New("interrupted before the research finished")

// Outcome maps the final state to the command's error.
func (t *tracker) Outcome() error {
	switch {
	case t.Err != nil:
		return fmt.Errorf("%s: %s", t.Err.ErrorCode, t.Err.ErrorMessage)
	case t.Status == types.StatusCancelled:
		return errors.New("research cancelled")
	case !t.Finished:
		if t.TaskID != "" {
			return fmt.Errorf("%w (task %s)", errInterrupted, t.TaskID)
		}
		return errInterrupted
	}
	return nil
}
