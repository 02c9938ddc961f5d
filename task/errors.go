package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition means the lifecycle does not allow the change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRetryExhausted means retry_count already reached max_retries.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrMalformedPriority means a priority token could not be parsed.
	ErrMalformedPriority = errors.New("malformed priority")

	// ErrExists means a task with the requested id is already stored.
	ErrExists = errors.New("task already exists")
)

// TransitionError describes a rejected lifecycle operation.
type TransitionError struct {
	TaskID string
	Op     string
	From   Status
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: %v (status %s)", e.Op, e.TaskID, e.Err, e.From)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Reject builds a TransitionError for op on t.
func Reject(t *Task, op string, err error) error {
	return &TransitionError{TaskID: t.ID, Op: op, From: t.Status, Err: err}
}
