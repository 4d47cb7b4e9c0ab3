package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleRollbackApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid approval id", Code: "validation_error"})
		return
	}
	a, err := s.approvals.Rollback(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type callbackRequest struct {
	Decision     string          `json:"decision"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Code: "validation_error"})
		return
	}

	a, err := s.approvals.RespondByToken(r.Context(), token, req.Decision, req.ResponseData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}
