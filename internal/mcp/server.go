// Package mcp exposes the research coordinator as Model Context Protocol
// tools so an assistant can start, poll, fetch and cancel research tasks.
package mcp

import (
	"context"
	"fmt"
	"time"

	"deepresearch/internal/coordinator"
	"deepresearch/internal/logging"
	"deepresearch/internal/types"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxWait caps get_research_result's wait_seconds.
const maxWait = 300 * time.Second

// Options configures the tool server.
type Options struct {
	Name    string
	Version string
	// Principal owns every task started through this server.
	Principal string
}

// Server adapts a coordinator.Manager to MCP tools.
type Server struct {
	mgr       *coordinator.Manager
	principal string
	server    *gomcp.Server
	now       func() time.Time
}

// NewServer registers the research tools.
func NewServer(mgr *coordinator.Manager, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "researchd"
	}
	if opts.Version == "" {
		opts.Version = "v1.0.0"
	}
	if opts.Principal == "" {
		opts.Principal = "mcp"
	}

	s := &Server{
		mgr:       mgr,
		principal: opts.Principal,
		server:    gomcp.NewServer(&gomcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
		now:       time.Now,
	}

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "start_research",
		Description: "Start a research task for a question. Returns immediately with a task id; poll with check_research.",
	}, s.startResearch)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "check_research",
		Description: "Report status and progress of research tasks without their results.",
	}, s.checkResearch)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_research_result",
		Description: "Return the summary, focus areas, follow-up questions and knowledge graph of a task, optionally waiting for it to finish.",
	}, s.getResearchResult)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_research",
		Description: "Cancel a running research task.",
	}, s.cancelResearch)
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *gomcp.Server { return s.server }

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	logging.MCP("serving tools over stdio as principal %q", s.principal)
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) startResearch(ctx context.Context, req *gomcp.CallToolRequest, args StartResearchArgs) (*gomcp.CallToolResult, StartResearchOutput, error) {
	task, err := s.mgr.Start(context.WithoutCancel(ctx), coordinator.StartRequest{
		Principal:      s.principal,
		Query:          args.Query,
		ContinuousMode: args.ContinuousMode,
		ForceRefresh:   args.ForceRefresh,
	})
	if err != nil {
		logging.MCPWarn("start_research rejected: %v", err)
		return nil, StartResearchOutput{}, err
	}
	logging.MCPDebug("start_research %s (cache_hit=%v)", task.ID, task.CacheHit)
	return nil, StartResearchOutput{TaskID: task.ID, Status: string(task.Status), CacheHit: task.CacheHit}, nil
}

func (s *Server) checkResearch(ctx context.Context, req *gomcp.CallToolRequest, args CheckResearchArgs) (*gomcp.CallToolResult, CheckResearchOutput, error) {
	var tasks []*types.Task
	if len(args.TaskIDs) == 0 {
		tasks = s.mgr.List(s.principal)
	} else {
		for _, id := range args.TaskIDs {
			t, err := s.mgr.Authorize(id, s.principal)
			if err != nil {
				return nil, CheckResearchOutput{}, fmt.Errorf("task %s: %w", id, coordinator.ErrNotFound)
			}
			tasks = append(tasks, t)
		}
	}

	out := CheckResearchOutput{Tasks: make([]TaskStatus, 0, len(tasks))}
	for _, t := range tasks {
		out.Summary.Total++
		switch t.Status {
		case types.StatusPending:
			out.Summary.Pending++
		case types.StatusInProgress:
			out.Summary.InProgress++
		case types.StatusCompleted:
			out.Summary.Completed++
		case types.StatusFailed:
			out.Summary.Failed++
		case types.StatusCancelled:
			out.Summary.Cancelled++
		}
		out.Tasks = append(out.Tasks, s.status(t))
	}
	return nil, out, nil
}

func (s *Server) status(t *types.Task) TaskStatus {
	completed, failed := t.Concluded()
	end := s.now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	st := TaskStatus{
		ID:             t.ID,
		Query:          t.Query,
		Status:         string(t.Status),
		Progress:       t.Progress,
		AssistantState: coordinator.StateOf(t),
		AreasCompleted: completed,
		AreasFailed:    failed,
		AreasTotal:     len(t.FocusAreas),
		Error:          t.Error,
		ElapsedSeconds: int(end.Sub(t.CreatedAt).Seconds()),
	}
	if !t.Status.IsTerminal() {
		st.CurrentFocusArea = t.CurrentFocus()
	}
	return st
}

func (s *Server) getResearchResult(ctx context.Context, req *gomcp.CallToolRequest, args GetResearchResultArgs) (*gomcp.CallToolResult, GetResearchResultOutput, error) {
	if _, err := s.mgr.Authorize(args.TaskID, s.principal); err != nil {
		return nil, GetResearchResultOutput{}, fmt.Errorf("task %s: %w", args.TaskID, coordinator.ErrNotFound)
	}

	if args.WaitSeconds > 0 {
		wait := min(time.Duration(args.WaitSeconds)*time.Second, maxWait)
		timer := time.NewTimer(wait)
		select {
		case <-s.mgr.Done(args.TaskID):
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	t, err := s.mgr.Get(args.TaskID)
	if err != nil {
		return nil, GetResearchResultOutput{}, err
	}
	return nil, GetResearchResultOutput{
		ID:         t.ID,
		Query:      t.Query,
		Status:     string(t.Status),
		Finished:   t.Status.IsTerminal(),
		Summary:    t.Summary,
		FocusAreas: t.FocusAreas,
		FollowUps:  t.FollowUps,
		Graph:      t.Graph.View(),
		CacheHit:   t.CacheHit,
		Error:      t.Error,
	}, nil
}

func (s *Server) cancelResearch(ctx context.Context, req *gomcp.CallToolRequest, args CancelResearchArgs) (*gomcp.CallToolResult, CancelResearchOutput, error) {
	t, err := s.mgr.Cancel(args.TaskID, s.principal)
	if err != nil {
		return nil, CancelResearchOutput{}, err
	}
	logging.MCP("cancel_research %s", t.ID)
	return nil, CancelResearchOutput{TaskID: t.ID, Status: string(t.Status)}, nil
}
