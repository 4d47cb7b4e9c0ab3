// Package workflow implements the orchestrator core: the workflow state
// machine, the step executor, retry with exponential backoff, and
// compensating rollback.
package workflow

import "github.com/signoff-io/signoff/storage"

// LegalTransitions is the workflow state graph. A transition absent from
// this map is rejected with InvalidTransitionError and never retried.
var LegalTransitions = map[storage.WorkflowState][]storage.WorkflowState{
	storage.StateCreated: {
		storage.StateRunning,
		storage.StateFailed,
	},
	storage.StateRunning: {
		storage.StateWaitingApproval,
		storage.StateCompleted,
		storage.StateFailed,
		storage.StateRejected,
		storage.StateTimeout,
	},
	storage.StateWaitingApproval: {
		storage.StateApproved,
		storage.StateRejected,
		storage.StateTimeout,
		storage.StateFailed,
	},
	storage.StateApproved: {
		storage.StateCompleted,
		storage.StateFailed,
	},
	// REJECTED permits human-initiated rollback and retry.
	storage.StateRejected: {
		storage.StateRunning,
	},
	// TIMEOUT permits retry or permanent failure.
	storage.StateTimeout: {
		storage.StateRunning,
		storage.StateFailed,
	},
	// FAILED is retryable: system error, not a user decision.
	storage.StateFailed: {
		storage.StateRunning,
	},
	// COMPLETED is terminal; use the explicit rollback API instead.
	storage.StateCompleted: {},
}

// CanTransition reports whether from -> to is a legal state move.
func CanTransition(from, to storage.WorkflowState) bool {
	for _, s := range LegalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
