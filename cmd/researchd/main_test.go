package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"deepresearch/internal/client"
	"deepresearch/internal/graph"
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(taskID, requestID string, progress int, msg protocol.ServerMessage) client.Event {
	return client.Event{
		Envelope: protocol.Envelope{Type: msg.Type(), TaskID: taskID, RequestID: requestID, Progress: progress},
		Message:  msg,
	}
}

func completedStream(requestID string) []client.Event {
	return []client.Event{
		event("task-1", requestID, 0, protocol.ResearchUpdate{
			Status:         types.StatusInProgress,
			AssistantState: protocol.StateResearching,
			FocusAreas:     []protocol.FocusStatus{{Topic: "alpha"}, {Topic: "beta"}},
		}),
		event("task-9", "other", 10, protocol.ResearchUpdate{Status: types.StatusInProgress}),
		event("task-1", requestID, 50, protocol.ResearchUpdate{
			Status:           types.StatusInProgress,
			AssistantState:   protocol.StateResearching,
			CurrentFocusArea: "beta",
			SourcesFound:     3,
			FocusAreas:       []protocol.FocusStatus{{Topic: "alpha", Completed: true}, {Topic: "beta"}},
		}),
		event("task-1", requestID, 50, protocol.KnowledgeGraphUpdate{PartialGraph: graph.View{
			Nodes: []graph.Node{{ID: "a", Label: "Alpha"}, {ID: "b", Label: "Beta"}},
			Edges: []graph.Edge{{Source: "a", Target: "b"}},
		}}),
		event("task-1", requestID, 100, protocol.FollowupQuestions{Questions: []string{"What next?"}}),
		event("task-1", requestID, 100, protocol.ResearchCompleted{
			Query:   "quantum computing",
			Summary: "Quantum computers are coming.",
			FocusAreas: []types.FocusArea{
				{Topic: "alpha", Completed: true, KeyPoints: []string{"Qubits decohere."}, Sources: []types.Source{{URL: "https://example.org/a", Title: "A"}}},
				{Topic: "beta", Failed: true, Error: "timeout"},
			},
		}),
	}
}

func TestTrackerFollowsRequest(t *testing.T) {
	st := newTracker("req-1")
	stream := completedStream("req-1")

	assert.True(t, st.Apply(stream[0]))
	assert.Equal(t, "task-1", st.TaskID)
	assert.False(t, st.Apply(stream[1]), "events of other tasks are ignored")

	st.Apply(stream[2])
	assert.Equal(t, "[ 50%] researching: beta (1/2 areas) 3 sources", st.StatusLine())

	for _, ev := range stream[3:] {
		st.Apply(ev)
	}
	require.True(t, st.Finished)
	assert.NoError(t, st.Outcome())
	assert.Equal(t, 2, st.Nodes)
	assert.Equal(t, 1, st.Edges)

	report := st.Report()
	assert.Contains(t, report, "# quantum computing")
	assert.Contains(t, report, "Quantum computers are coming.")
	assert.Contains(t, report, "## alpha")
	assert.Contains(t, report, "- [A](https://example.org/a)")
	assert.NotContains(t, report, "## beta")
	assert.Contains(t, report, "- What next?")
}

func TestTrackerRejectedRequest(t *testing.T) {
	st := newTracker("req-1")
	st.Apply(event("", "req-1", 0, protocol.Error{ErrorCode: protocol.CodeValidation, ErrorMessage: "invalid query: too short"}))

	assert.True(t, st.Finished)
	err := st.Outcome()
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.CodeValidation)
	assert.Contains(t, st.Report(), "invalid query")
}

func TestTrackerCancelledAndInterrupted(t *testing.T) {
	st := newTracker("req-1")
	st.Apply(event("task-1", "req-1", 10, protocol.ResearchUpdate{Status: types.StatusInProgress}))
	assert.ErrorIs(t, st.Outcome(), errInterrupted)

	st.Apply(event("task-1", "req-1", 10, protocol.ResearchUpdate{Status: types.StatusCancelled, AssistantState: protocol.StateIdle}))
	assert.True(t, st.Finished)
	assert.EqualError(t, st.Outcome(), "research cancelled")
	assert.Equal(t, "Research cancelled.\n", st.Report())
}

func TestQueryModelQuitsOnTerminal(t *testing.T) {
	m := newQueryModel(nil, "req-1", "quantum computing")
	stream := completedStream("req-1")

	var model tea.Model = m
	var cmd tea.Cmd
	model, cmd = model.Update(eventMsg(stream[0]))
	require.NotNil(t, cmd)
	view := model.View()
	assert.Contains(t, view, "quantum computing")
	assert.Contains(t, view, "alpha")

	for _, ev := range stream[2:] {
		model, cmd = model.Update(eventMsg(ev))
	}
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, model.View())
	assert.Contains(t, model.(queryModel).renderReport(), "Quantum computers are coming.")
}

func TestQueryModelStreamClosed(t *testing.T) {
	m := newQueryModel(nil, "req-1", "q")
	model, cmd := m.Update(streamClosedMsg{err: client.ErrConnectionLost})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.ErrorIs(t, model.(queryModel).streamErr, client.ErrConnectionLost)
}

func TestStatusLinePerUpdate(t *testing.T) {
	st := newTracker("req-1")
	var out bytes.Buffer
	for _, ev := range completedStream("req-1") {
		if !st.Apply(ev) {
			continue
		}
		if _, ok := ev.Message.(protocol.ResearchUpdate); ok {
			out.WriteString(st.StatusLine() + "\n")
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestCacheCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "researchd.yaml")
	cfg := "cache:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "cache.db") + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append(args, "--config", cfgPath))
		require.NoError(t, rootCmd.ExecuteContext(context.Background()))
		return out.String()
	}

	assert.Contains(t, run("cache", "stats"), "entries: 0")
	assert.Contains(t, run("cache", "purge"), "purged 0 expired entries")
	assert.Contains(t, run("cache", "forget", "Quantum", "Computing"), `forgot "quantum computing"`)
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "one two three", joinArgs([]string{"one", "two", "three"}))
}
