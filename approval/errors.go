package approval

import (
	"errors"
	"fmt"
)

// Core errors.
var (
	// ErrExpired signals a response arriving past the approval deadline.
	// The row is not mutated; the sweeper moves it to TIMEOUT.
	ErrExpired = errors.New("approval expired")

	// ErrAlreadyProcessed signals a response to an approval that already
	// left PENDING. Exactly one decision wins.
	ErrAlreadyProcessed = errors.New("approval already processed")

	// ErrNotRejected signals a rollback attempt on an approval that is not
	// in REJECTED.
	ErrNotRejected = errors.New("approval is not rejected")
)

// ValidationError reports a response that does not satisfy the approval's
// ui_schema. Client error; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid response: %s", e.Reason)
	}
	return fmt.Sprintf("invalid response: field %q: %s", e.Field, e.Reason)
}
