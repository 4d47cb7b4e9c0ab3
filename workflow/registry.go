package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// TaskInput is what a task handler receives. WorkflowID and StepID form
// the idempotency key handlers must use toward external systems: the
// executor will replay a step on retry, so handlers must check for prior
// effects before issuing new ones.
type TaskInput struct {
	WorkflowID uuid.UUID
	StepID     uuid.UUID
	Input      json.RawMessage
}

// TaskHandler performs the effectful work of a task step. It must be
// retry-safe and honor context cancellation on long operations.
type TaskHandler func(ctx context.Context, in TaskInput) (json.RawMessage, error)

// RollbackInput is what a rollback handler receives: the recorded output
// of the completed step being compensated.
type RollbackInput struct {
	WorkflowID uuid.UUID
	StepID     uuid.UUID
	Output     json.RawMessage
}

// RollbackHandler compensates a previously completed task step.
type RollbackHandler func(ctx context.Context, in RollbackInput) error

// Registry maps task handler names to their implementations. It is
// populated at startup and read-only afterward.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]TaskHandler
	rollbacks map[string]RollbackHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]TaskHandler),
		rollbacks: make(map[string]RollbackHandler),
	}
}

// RegisterTask registers a task handler under the given name.
func (r *Registry) RegisterTask(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = h
}

// RegisterRollback registers a compensation handler for a task handler name.
func (r *Registry) RegisterRollback(name string, h RollbackHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[name] = h
}

// Task looks up a task handler by name.
func (r *Registry) Task(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[name]
	return h, ok
}

// Rollback looks up a rollback handler by task handler name.
func (r *Registry) Rollback(name string) (RollbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rollbacks[name]
	return h, ok
}
