// Package agent defines the capability contract external agents
// implement, a name- and intent-based router, and an LLM-backed
// conversational agent that turns free text into orchestrator calls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

// TaskRequest asks an agent to perform the work of a task step.
type TaskRequest struct {
	Handler    string          `json:"handler"`
	WorkflowID uuid.UUID       `json:"workflow_id"`
	StepID     uuid.UUID       `json:"step_id"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ApprovalNotice informs an agent of a settled approval it may have been
// waiting on.
type ApprovalNotice struct {
	ApprovalID   uuid.UUID       `json:"approval_id"`
	WorkflowID   uuid.UUID       `json:"workflow_id"`
	Decision     string          `json:"decision"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
}

// Agent is the capability contract. The core never knows concrete agent
// types; it dispatches through this interface only.
type Agent interface {
	Name() string
	Capabilities() []string
	ExecuteTask(ctx context.Context, req TaskRequest) (json.RawMessage, error)
	HandleApprovalResponse(ctx context.Context, n ApprovalNotice) error
}

type intentRoute struct {
	pattern *regexp.Regexp
	agent   Agent
}

// Router registers agents by name and by regex-matched intents.
// Registration happens at startup; routing is read-only afterward.
type Router struct {
	mu      sync.RWMutex
	byName  map[string]Agent
	intents []intentRoute
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byName: make(map[string]Agent)}
}

// Register adds an agent under its name with the given intent patterns.
// Patterns are matched case-insensitively in registration order.
func (r *Router) Register(a Agent, intentPatterns ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[a.Name()]; exists {
		return fmt.Errorf("agent %q already registered", a.Name())
	}
	routes := make([]intentRoute, 0, len(intentPatterns))
	for _, p := range intentPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("compile intent pattern %q: %w", p, err)
		}
		routes = append(routes, intentRoute{pattern: re, agent: a})
	}
	r.byName[a.Name()] = a
	r.intents = append(r.intents, routes...)
	return nil
}

// ByName looks an agent up by its registered name.
func (r *Router) ByName(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Route returns the first agent whose intent pattern matches the text.
func (r *Router) Route(text string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.intents {
		if route.pattern.MatchString(text) {
			return route.agent, true
		}
	}
	return nil, false
}

// Names lists registered agents with their capabilities.
func (r *Router) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.byName))
	for name, a := range r.byName {
		out[name] = a.Capabilities()
	}
	return out
}
