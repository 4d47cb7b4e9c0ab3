package httpapi

import (
	"errors"
	"net/http"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/chat"
	"github.com/signoff-io/signoff/eventbus"
	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps domain errors to HTTP statuses: 404 unknown ids, 403
// signature and token failures, 400 validation and state-machine
// violations, 503 bus back-pressure, 500 otherwise.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		invalidTransition *workflow.InvalidTransitionError
		validation        *approval.ValidationError
	)

	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, signing.ErrInvalidToken),
		errors.Is(err, signing.ErrSignatureInvalid),
		errors.Is(err, signing.ErrSignatureExpired):
		status, code = http.StatusForbidden, "forbidden"
	case errors.As(err, &invalidTransition):
		status, code = http.StatusBadRequest, "invalid_state_transition"
	case errors.As(err, &validation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, approval.ErrExpired):
		status, code = http.StatusBadRequest, "expired"
	case errors.Is(err, approval.ErrAlreadyProcessed):
		status, code = http.StatusBadRequest, "already_processed"
	case errors.Is(err, approval.ErrNotRejected):
		status, code = http.StatusBadRequest, "not_rejected"
	case errors.Is(err, workflow.ErrRollbackBudgetExhausted):
		status, code = http.StatusBadRequest, "rollback_budget_exhausted"
	case errors.Is(err, chat.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, eventbus.ErrQueueFull):
		status, code = http.StatusServiceUnavailable, "queue_full"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
