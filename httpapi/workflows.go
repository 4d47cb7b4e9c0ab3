package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

type createWorkflowRequest struct {
	WorkflowType           string              `json:"workflow_type"`
	Context                json.RawMessage     `json:"context,omitempty"`
	Steps                  []workflow.StepSpec `json:"steps,omitempty"`
	ApprovalSchema         json.RawMessage     `json:"approval_schema,omitempty"`
	ApprovalTimeoutSeconds int64               `json:"approval_timeout_seconds,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Code: "validation_error"})
		return
	}
	if req.WorkflowType == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "workflow_type is required", Code: "validation_error"})
		return
	}

	created, err := s.engine.Create(r.Context(), workflow.CreateRequest{
		Type:            req.WorkflowType,
		Context:         req.Context,
		Steps:           req.Steps,
		ApprovalSchema:  req.ApprovalSchema,
		ApprovalTimeout: time.Duration(req.ApprovalTimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	state := storage.WorkflowState(r.URL.Query().Get("state"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Code: "validation_error"})
			return
		}
		limit = n
	}

	workflows, err := s.store.ListWorkflows(r.Context(), state, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})
}

func (s *Server) workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid workflow id", Code: "validation_error"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.store.EventsByWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.store.StepsByWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.MarkFailed(r.Context(), id, "Cancelled by user", false); err != nil {
		s.writeError(w, err)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRetryWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	retried, err := s.engine.RetryWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"retried": retried, "workflow": wf})
}

func (s *Server) handleRollbackWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	target := storage.WorkflowState(r.URL.Query().Get("target_state"))
	if target == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "target_state is required", Code: "validation_error"})
		return
	}
	reason := r.URL.Query().Get("reason")
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	if err := s.engine.RollbackWorkflow(r.Context(), id, target, reason, actor); err != nil {
		s.writeError(w, err)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}
