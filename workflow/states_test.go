package workflow

import (
	"testing"

	"github.com/signoff-io/signoff/storage"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from storage.WorkflowState
		to   storage.WorkflowState
		want bool
	}{
		{"created to running", storage.StateCreated, storage.StateRunning, true},
		{"created to completed", storage.StateCreated, storage.StateCompleted, false},
		{"running to waiting approval", storage.StateRunning, storage.StateWaitingApproval, true},
		{"running to approved", storage.StateRunning, storage.StateApproved, false},
		{"waiting to approved", storage.StateWaitingApproval, storage.StateApproved, true},
		{"waiting to timeout", storage.StateWaitingApproval, storage.StateTimeout, true},
		{"approved to completed", storage.StateApproved, storage.StateCompleted, true},
		{"rejected to running", storage.StateRejected, storage.StateRunning, true},
		{"timeout to running", storage.StateTimeout, storage.StateRunning, true},
		{"timeout to failed", storage.StateTimeout, storage.StateFailed, true},
		{"failed to running", storage.StateFailed, storage.StateRunning, true},
		{"completed is terminal", storage.StateCompleted, storage.StateRunning, false},
		{"completed to failed", storage.StateCompleted, storage.StateFailed, false},
		{"unknown state", storage.WorkflowState("BOGUS"), storage.StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatesHaveNoSweeperWork(t *testing.T) {
	for _, s := range []storage.WorkflowState{
		storage.StateCompleted,
		storage.StateFailed,
		storage.StateRejected,
		storage.StateTimeout,
	} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []storage.WorkflowState{
		storage.StateCreated,
		storage.StateRunning,
		storage.StateWaitingApproval,
		storage.StateApproved,
	} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
