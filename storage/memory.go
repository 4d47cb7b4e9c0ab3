package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by unit tests and dev mode.
// A single mutex serializes all access, which trivially satisfies the
// row-locking contract of the Locked update variants.
type MemoryStore struct {
	mu sync.Mutex

	workflows     map[uuid.UUID]*Workflow
	steps         map[uuid.UUID]*WorkflowStep
	approvals     map[uuid.UUID]*Approval
	events        map[uuid.UUID][]*WorkflowEvent
	dlq           []*DLQEntry
	dlqSeq        int64
	idempotency   map[string]*IdempotencyRecord
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[uuid.UUID]*Workflow),
		steps:         make(map[uuid.UUID]*WorkflowStep),
		approvals:     make(map[uuid.UUID]*Approval),
		events:        make(map[uuid.UUID][]*WorkflowEvent),
		idempotency:   make(map[string]*IdempotencyRecord),
		conversations: make(map[string]*Conversation),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyWorkflow(w *Workflow) *Workflow {
	c := *w
	if w.PreviousState != nil {
		prev := *w.PreviousState
		c.PreviousState = &prev
	}
	return &c
}

func copyStep(s *WorkflowStep) *WorkflowStep {
	c := *s
	if s.ApprovalID != nil {
		id := *s.ApprovalID
		c.ApprovalID = &id
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyApproval(a *Approval) *Approval {
	c := *a
	if a.RespondedAt != nil {
		t := *a.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

// CreateWorkflow stores a new workflow row.
func (m *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[w.ID]; exists {
		return ErrDuplicateKey
	}
	m.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (m *MemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(w), nil
}

// ListWorkflows returns workflows newest-first, optionally filtered by state.
func (m *MemoryStore) ListWorkflows(_ context.Context, state WorkflowState, limit int) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		if state != "" && w.State != state {
			continue
		}
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateWorkflowCAS writes w only if the stored version matches.
func (m *MemoryStore) UpdateWorkflowCAS(_ context.Context, w *Workflow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.workflows[w.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	w.Version = expectedVersion + 1
	w.UpdatedAt = time.Now().UTC()
	m.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// CreateSteps stores a batch of workflow steps.
func (m *MemoryStore) CreateSteps(_ context.Context, steps []*WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range steps {
		if _, exists := m.steps[s.ID]; exists {
			return ErrDuplicateKey
		}
	}
	for _, s := range steps {
		m.steps[s.ID] = copyStep(s)
	}
	return nil
}

// StepsByWorkflow returns the workflow's steps in step order.
func (m *MemoryStore) StepsByWorkflow(_ context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsOrdered(workflowID), nil
}

func (m *MemoryStore) stepsOrdered(workflowID uuid.UUID) []*WorkflowStep {
	var out []*WorkflowStep
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

// NextPendingStep returns the smallest-ordered pending step.
func (m *MemoryStore) NextPendingStep(_ context.Context, workflowID uuid.UUID) (*WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.stepsOrdered(workflowID) {
		if s.Status == StepStatusPending {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// FirstResumableStep returns the smallest-ordered failed or running step.
func (m *MemoryStore) FirstResumableStep(_ context.Context, workflowID uuid.UUID) (*WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.stepsOrdered(workflowID) {
		if s.Status == StepStatusFailed || s.Status == StepStatusRunning {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// StepByApproval finds the step linked to the given approval.
func (m *MemoryStore) StepByApproval(_ context.Context, approvalID uuid.UUID) (*WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.steps {
		if s.ApprovalID != nil && *s.ApprovalID == approvalID {
			return copyStep(s), nil
		}
	}
	return nil, ErrNotFound
}

// RunningSteps returns steps currently in running status.
func (m *MemoryStore) RunningSteps(_ context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowStep
	for _, s := range m.stepsOrdered(workflowID) {
		if s.Status == StepStatusRunning {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpdateStep overwrites a step row.
func (m *MemoryStore) UpdateStep(_ context.Context, s *WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[s.ID]; !ok {
		return ErrNotFound
	}
	m.steps[s.ID] = copyStep(s)
	return nil
}

// UpdateStepLocked applies fn to the step while holding the store lock.
func (m *MemoryStore) UpdateStepLocked(_ context.Context, id uuid.UUID, fn func(*WorkflowStep) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[id]
	if !ok {
		return ErrNotFound
	}
	working := copyStep(s)
	if err := fn(working); err != nil {
		return err
	}
	m.steps[id] = working
	return nil
}

// ResetStepsFrom resets steps at or after fromOrder back to pending.
func (m *MemoryStore) ResetStepsFrom(_ context.Context, workflowID uuid.UUID, fromOrder int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.steps {
		if s.WorkflowID != workflowID || s.StepOrder < fromOrder {
			continue
		}
		s.Status = StepStatusPending
		s.TaskOutput = nil
		s.ApprovalID = nil
		s.StartedAt = nil
		s.CompletedAt = nil
	}
	return nil
}

// CreateApproval stores a new approval row.
func (m *MemoryStore) CreateApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.approvals[a.ID]; exists {
		return ErrDuplicateKey
	}
	for _, other := range m.approvals {
		if other.CallbackToken != "" && other.CallbackToken == a.CallbackToken {
			return ErrDuplicateKey
		}
	}
	m.approvals[a.ID] = copyApproval(a)
	return nil
}

// GetApproval retrieves an approval by ID.
func (m *MemoryStore) GetApproval(_ context.Context, id uuid.UUID) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyApproval(a), nil
}

// GetApprovalByToken retrieves an approval by its callback token.
func (m *MemoryStore) GetApprovalByToken(_ context.Context, token string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.approvals {
		if a.CallbackToken == token {
			return copyApproval(a), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateApprovalLocked applies fn to the approval while holding the store lock.
func (m *MemoryStore) UpdateApprovalLocked(_ context.Context, id uuid.UUID, fn func(*Approval) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	working := copyApproval(a)
	if err := fn(working); err != nil {
		return err
	}
	m.approvals[id] = working
	return nil
}

// PendingApprovalsBefore returns pending approvals whose deadline passed.
func (m *MemoryStore) PendingApprovalsBefore(_ context.Context, t time.Time) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Approval
	for _, a := range m.approvals {
		if a.Status == ApprovalPending && a.ExpiresAt.Before(t) {
			out = append(out, copyApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// PendingApprovalsByWorkflow returns pending approvals for a workflow.
func (m *MemoryStore) PendingApprovalsByWorkflow(_ context.Context, workflowID uuid.UUID) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Approval
	for _, a := range m.approvals {
		if a.WorkflowID == workflowID && a.Status == ApprovalPending {
			out = append(out, copyApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// AppendEvent appends an event, allocating the next sequence number.
func (m *MemoryStore) AppendEvent(_ context.Context, e *WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[e.WorkflowID]; !ok {
		return ErrNotFound
	}
	seq := int64(len(m.events[e.WorkflowID])) + 1
	e.SequenceNumber = seq
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	stored := *e
	m.events[e.WorkflowID] = append(m.events[e.WorkflowID], &stored)
	return nil
}

// EventsByWorkflow returns the workflow's events in sequence order.
func (m *MemoryStore) EventsByWorkflow(_ context.Context, workflowID uuid.UUID) ([]*WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[workflowID]
	out := make([]*WorkflowEvent, len(events))
	for i, e := range events {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// AppendDLQ appends a dead-letter entry.
func (m *MemoryStore) AppendDLQ(_ context.Context, e *DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dlqSeq++
	e.ID = m.dlqSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored := *e
	m.dlq = append(m.dlq, &stored)
	return nil
}

// ListDLQ returns dead-letter entries oldest-first.
func (m *MemoryStore) ListDLQ(_ context.Context, limit int) ([]*DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*DLQEntry, 0, len(m.dlq))
	for _, e := range m.dlq {
		c := *e
		out = append(out, &c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetDLQ retrieves a dead-letter entry by ID.
func (m *MemoryStore) GetDLQ(_ context.Context, id int64) (*DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.dlq {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteDLQ removes a dead-letter entry.
func (m *MemoryStore) DeleteDLQ(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.dlq {
		if e.ID == id {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ClearDLQ removes all dead-letter entries.
func (m *MemoryStore) ClearDLQ(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.dlq))
	m.dlq = nil
	return n, nil
}

// GetIdempotency retrieves an idempotency record, treating expired
// records as absent.
func (m *MemoryStore) GetIdempotency(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idempotency[key]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

// PutIdempotency stores an idempotency record.
func (m *MemoryStore) PutIdempotency(_ context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *rec
	m.idempotency[rec.Key] = &c
	return nil
}

// PurgeIdempotency removes records that expired before the given time.
func (m *MemoryStore) PurgeIdempotency(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idempotency {
		if rec.ExpiresAt.Before(before) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	out.Messages = append([]ConversationMessage(nil), c.Messages...)
	return &out, nil
}

// PutConversation stores a conversation.
func (m *MemoryStore) PutConversation(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *c
	stored.Messages = append([]ConversationMessage(nil), c.Messages...)
	stored.UpdatedAt = time.Now().UTC()
	m.conversations[c.ID] = &stored
	return nil
}
