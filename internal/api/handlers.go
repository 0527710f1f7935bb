package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"deepresearch/internal/auth"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/graph"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
	"deepresearch/internal/session"
	"deepresearch/internal/types"
)

type principalKey struct{}

// PrincipalFrom returns the principal resolved by requireAuth.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "missing bearer token")
			return
		}
		principal, err := s.authn.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrAuthFailed) {
				logging.APIWarn("auth backend error: %v", err)
			}
			writeError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// TaskResponse is the REST view of a task.
type TaskResponse struct {
	*types.Task
	AssistantState string     `json:"assistant_state"`
	Graph          graph.View `json:"graph"`
}

func newTaskResponse(t *types.Task) TaskResponse {
	return TaskResponse{Task: t, AssistantState: coordinator.StateOf(t), Graph: t.Graph.View()}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body protocol.ResearchQuery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadMessage, "invalid JSON body: "+err.Error())
		return
	}

	task, err := s.mgr.Start(r.Context(), coordinator.StartRequest{
		Principal:      PrincipalFrom(r.Context()),
		RequestID:      r.Header.Get("X-Request-ID"),
		Query:          body.Query,
		ContinuousMode: body.ContinuousMode,
		ForceRefresh:   body.ForceRefresh,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}

	status := http.StatusAccepted
	if task.Status.IsTerminal() {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/research/"+task.ID)
	writeJSON(w, status, newTaskResponse(task))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.mgr.List(PrincipalFrom(r.Context()))
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.mgr.Authorize(r.PathValue("id"), PrincipalFrom(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.mgr.Cancel(r.PathValue("id"), PrincipalFrom(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	ActiveTasks int    `json:"active_tasks"`
	Tasks       int    `json:"tasks"`
	Sessions    int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		ActiveTasks: s.mgr.Active(),
		Tasks:       s.mgr.Registry().Len(),
		Sessions:    s.hub.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIDebug("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.Error{ErrorCode: code, ErrorMessage: message})
}

func writeTaskError(w http.ResponseWriter, err error) {
	code := session.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeValidation:
		status = http.StatusBadRequest
	case protocol.CodeTaskNotFound:
		status = http.StatusNotFound
	case protocol.CodeAlreadyFinished:
		status = http.StatusConflict
	}
	if errors.Is(err, coordinator.ErrShuttingDown) {
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.APIError("request failed: %v", err)
	}
	writeError(w, status, code, err.Error())
}
