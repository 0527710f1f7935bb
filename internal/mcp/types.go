package mcp

import (
	"deepresearch/internal/graph"
	"deepresearch/internal/types"
)

// StartResearchArgs is the input for the start_research tool.
type StartResearchArgs struct {
	Query          string `json:"query" jsonschema:"The research question, 3 to 1000 characters"`
	ContinuousMode bool   `json:"continuous_mode,omitempty" jsonschema:"Research every focus area instead of stopping after the first"`
	ForceRefresh   bool   `json:"force_refresh,omitempty" jsonschema:"Ignore any cached result for this query"`
}

// StartResearchOutput identifies the task that was created.
type StartResearchOutput struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	CacheHit bool   `json:"cache_hit"`
}

// CheckResearchArgs is the input for the check_research tool.
type CheckResearchArgs struct {
	// TaskIDs filters to specific tasks. Empty returns all tasks.
	TaskIDs []string `json:"task_ids,omitempty" jsonschema:"Filter to specific task IDs. Empty returns all."`
}

// CheckResearchOutput is a compact status view with aggregate counts.
type CheckResearchOutput struct {
	Summary TaskSummary  `json:"summary"`
	Tasks   []TaskStatus `json:"tasks"`
}

// TaskSummary counts matched tasks by status.
type TaskSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// TaskStatus is the per-task view in check_research. It omits the result;
// use get_research_result for that.
type TaskStatus struct {
	ID               string `json:"id"`
	Query            string `json:"query"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	AssistantState   string `json:"assistant_state"`
	CurrentFocusArea string `json:"current_focus_area,omitempty"`
	AreasCompleted   int    `json:"areas_completed"`
	AreasFailed      int    `json:"areas_failed"`
	AreasTotal       int    `json:"areas_total"`
	Error            string `json:"error,omitempty"`
	ElapsedSeconds   int    `json:"elapsed_seconds"`
}

// GetResearchResultArgs is the input for the get_research_result tool.
type GetResearchResultArgs struct {
	TaskID      string `json:"task_id" jsonschema:"Task ID returned by start_research"`
	WaitSeconds int    `json:"wait_seconds,omitempty" jsonschema:"Block up to this many seconds (max 300) for the task to finish"`
}

// GetResearchResultOutput is the full result of a task.
type GetResearchResultOutput struct {
	ID         string            `json:"id"`
	Query      string            `json:"query"`
	Status     string            `json:"status"`
	Finished   bool              `json:"finished"`
	Summary    string            `json:"summary,omitempty"`
	FocusAreas []types.FocusArea `json:"focus_areas,omitempty"`
	FollowUps  []string          `json:"followup_questions,omitempty"`
	Graph      graph.View        `json:"graph"`
	CacheHit   bool              `json:"cache_hit,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// CancelResearchArgs is the input for the cancel_research tool.
type CancelResearchArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task ID to cancel"`
}

// CancelResearchOutput reports the task's status after the request.
type CancelResearchOutput struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
