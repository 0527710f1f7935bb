package coordinator

import (
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"
)

// StateOf derives the assistant state shown to clients.
func StateOf(t *types.Task) string {
	switch t.Status {
	case types.StatusPending:
		return protocol.StateQueued
	case types.StatusInProgress:
		if t.CurrentFocus() == "" {
			return protocol.StateSynthesizing
		}
		return protocol.StateResearching
	default:
		return protocol.StateIdle
	}
}

func updateMessage(t *types.Task, state string) protocol.ResearchUpdate {
	areas := make([]protocol.FocusStatus, len(t.FocusAreas))
	for i, fa := range t.FocusAreas {
		areas[i] = protocol.FocusStatus{
			Topic:     fa.Topic,
			Completed: fa.Completed,
			Failed:    fa.Failed,
			Error:     fa.Error,
		}
	}
	return protocol.ResearchUpdate{
		Status:           t.Status,
		Progress:         min(t.Progress, maxOpenProgress),
		CurrentFocusArea: t.CurrentFocus(),
		SourcesFound:     t.SourceCount(),
		AssistantState:   state,
		FocusAreas:       areas,
	}
}

// maxOpenProgress is the highest progress a non-terminal event may carry.
const maxOpenProgress = 99

// EventProgress is the progress to stamp on msg for task t: 100 is
// reserved for the terminal event.
func EventProgress(t *types.Task, msg protocol.ServerMessage) int {
	if protocol.IsTerminal(msg) {
		return t.Progress
	}
	return min(t.Progress, maxOpenProgress)
}

func graphMessage(t *types.Task) protocol.KnowledgeGraphUpdate {
	return protocol.KnowledgeGraphUpdate{PartialGraph: t.Graph.View()}
}

func hasGraph(t *types.Task) bool {
	nodes, edges := t.Graph.Len()
	return nodes+edges > 0
}

// completionMessages is the event tail of a completed task; the final
// research_completed is terminal.
func completionMessages(t *types.Task) []protocol.ServerMessage {
	msgs := []protocol.ServerMessage{updateMessage(t, protocol.StateIdle)}
	if hasGraph(t) {
		msgs = append(msgs, graphMessage(t))
	}
	areas := make([]types.FocusArea, len(t.FocusAreas))
	for i, fa := range t.FocusAreas {
		areas[i] = fa.Clone()
	}
	return append(msgs,
		protocol.FollowupQuestions{Questions: append([]string{}, t.FollowUps...)},
		protocol.ResearchCompleted{
			RequestID:  t.RequestID,
			Query:      t.Query,
			Summary:    t.Summary,
			FocusAreas: areas,
			CacheHit:   t.CacheHit,
		},
	)
}

func failureMessages(t *types.Task) []protocol.ServerMessage {
	return []protocol.ServerMessage{
		updateMessage(t, protocol.StateIdle),
		protocol.Error{ErrorCode: protocol.CodeTaskFailed, ErrorMessage: t.Error},
	}
}

// SnapshotMessages renders the current state of t as the messages a newly
// subscribed session needs: status, the graph so far, and for terminal
// tasks the same terminal tail a live subscriber received.
func SnapshotMessages(t *types.Task) []protocol.ServerMessage {
	switch t.Status {
	case types.StatusCompleted:
		return completionMessages(t)
	case types.StatusFailed:
		msgs := failureMessages(t)
		if hasGraph(t) {
			msgs = append([]protocol.ServerMessage{msgs[0], graphMessage(t)}, msgs[1:]...)
		}
		return msgs
	case types.StatusCancelled:
		var msgs []protocol.ServerMessage
		if hasGraph(t) {
			msgs = append(msgs, graphMessage(t))
		}
		return append(msgs, updateMessage(t, protocol.StateIdle))
	}
	msgs := []protocol.ServerMessage{updateMessage(t, StateOf(t))}
	if hasGraph(t) {
		msgs = append(msgs, graphMessage(t))
	}
	return msgs
}
