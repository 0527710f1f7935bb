package types

import (
	"testing"
	"time"

	"deepresearch/internal/graph"
)

func TestTaskStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Task{
		ID:          "t1",
		FocusAreas:  []FocusArea{{Topic: "hardware", KeyPoints: []string{"a"}, Sources: []Source{{URL: "u"}}}},
		FollowUps:   []string{"q?"},
		Graph:       graph.Merge(graph.New(), graph.Fragment{ID: "f", Nodes: []graph.Node{{Label: "Qubit"}}}),
		CompletedAt: &now,
	}

	cp := orig.Clone()
	cp.FocusAreas[0].KeyPoints[0] = "changed"
	cp.FocusAreas[0].Sources[0].URL = "changed"
	cp.FollowUps[0] = "changed"
	cp.Graph.Nodes["x"] = graph.Node{ID: "x"}
	*cp.CompletedAt = now.Add(time.Hour)

	if orig.FocusAreas[0].KeyPoints[0] != "a" || orig.FocusAreas[0].Sources[0].URL != "u" {
		t.Error("focus area shared with clone")
	}
	if orig.FollowUps[0] != "q?" {
		t.Error("follow-ups shared with clone")
	}
	if _, ok := orig.Graph.Nodes["x"]; ok {
		t.Error("graph shared with clone")
	}
	if !orig.CompletedAt.Equal(now) {
		t.Error("completed_at shared with clone")
	}
}

func TestTask_Concluded(t *testing.T) {
	task := &Task{FocusAreas: []FocusArea{
		{Topic: "a", Completed: true, Sources: []Source{{}, {}}},
		{Topic: "b", Failed: true},
		{Topic: "c"},
	}}
	c, f := task.Concluded()
	if c != 1 || f != 1 {
		t.Errorf("Concluded() = %d,%d want 1,1", c, f)
	}
	if task.CurrentFocus() != "c" {
		t.Errorf("CurrentFocus() = %q", task.CurrentFocus())
	}
	if task.SourceCount() != 2 {
		t.Errorf("SourceCount() = %d", task.SourceCount())
	}
}
