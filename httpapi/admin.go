package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/signoff-io/signoff/storage"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Code: "validation_error"})
			return
		}
		limit = n
	}
	entries, err := s.store.ListDLQ(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) dlqID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid dlq id", Code: "validation_error"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dlqID(w, r)
	if !ok {
		return
	}
	entry, err := s.store.GetDLQ(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.retryDLQEntry(r.Context(), entry); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteDLQ(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"retried": true, "id": id})
}

func (s *Server) handleRetryAllDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListDLQ(r.Context(), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	retried, failed := 0, 0
	for _, entry := range entries {
		if err := s.retryDLQEntry(r.Context(), entry); err != nil {
			failed++
			s.logger.Warn("dlq retry failed", "id", entry.ID, "error", err)
			continue
		}
		if err := s.store.DeleteDLQ(r.Context(), entry.ID); err != nil {
			failed++
			continue
		}
		retried++
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"retried": retried, "failed": failed})
}

// retryDLQEntry re-drives a dead-lettered item. Workflow snapshots get
// their retry budget reset and re-enter the engine; dead events are
// re-published as-is.
func (s *Server) retryDLQEntry(ctx context.Context, entry *storage.DLQEntry) error {
	if entry.OriginalEventType == "workflow.failed" && entry.WorkflowID != nil {
		w, err := s.store.GetWorkflow(ctx, *entry.WorkflowID)
		if err != nil {
			return err
		}
		// Operator-initiated retry overrides the exhausted budget.
		w.RetryCount = 0
		if err := s.store.UpdateWorkflowCAS(ctx, w, w.Version); err != nil {
			return err
		}
		_, err = s.engine.RetryWorkflow(ctx, *entry.WorkflowID)
		return err
	}

	payload := map[string]any{}
	if len(entry.EventData) > 0 {
		if err := json.Unmarshal(entry.EventData, &payload); err != nil {
			return fmt.Errorf("decode dead event payload: %w", err)
		}
	}
	return s.bus.Publish(ctx, entry.OriginalEventType, payload)
}

func (s *Server) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dlqID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDLQ(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (s *Server) handleClearDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearDLQ(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}
