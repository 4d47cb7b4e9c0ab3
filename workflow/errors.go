package workflow

import (
	"errors"
	"fmt"

	"github.com/signoff-io/signoff/storage"
)

// Core errors.
var (
	// ErrConcurrentModification signals a lost optimistic version check.
	// The caller must re-read the workflow and retry the transition.
	ErrConcurrentModification = errors.New("workflow modified concurrently")

	// ErrRollbackBudgetExhausted signals that the workflow reached its
	// maximum number of explicit rollbacks.
	ErrRollbackBudgetExhausted = errors.New("rollback budget exhausted")
)

// InvalidTransitionError is returned for an attempted illegal state move.
type InvalidTransitionError struct {
	From storage.WorkflowState
	To   storage.WorkflowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// HandlerError wraps a task handler failure. The step is marked failed and
// the workflow transitions to FAILED; the workflow remains retryable.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("task handler %q: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
