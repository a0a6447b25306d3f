package api

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentAppend is returned by the event log store when the
	// caller's expected tail sequence is stale. Callers re-read the tail
	// and retry; this never surfaces to workflow code.
	ErrConcurrentAppend = errors.New("concurrent append conflict")

	// ErrExecutionClosed is returned when appending to a log whose last
	// event is terminal.
	ErrExecutionClosed = errors.New("execution is closed")

	// ErrExecutionNotFound is returned when an execution reference does not
	// resolve to a known run.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrWorkflowIDAlreadyRunning is returned by StartExecution when an
	// open run already exists for the same (domain, workflow ID).
	ErrWorkflowIDAlreadyRunning = errors.New("workflow id already has an open run")

	// ErrLeaseExpired is returned when completing or heartbeating a task
	// whose lease has already been lost. The task will be redelivered.
	ErrLeaseExpired = errors.New("task lease expired")

	// ErrNonDeterministicHistory marks a replay that produced commands
	// inconsistent with recorded history. The execution is failed and is
	// never retried automatically.
	ErrNonDeterministicHistory = errors.New("non-deterministic history")

	// ErrTypeNotRegistered is returned when a worker receives a task for a
	// workflow or activity type it has no binding for.
	ErrTypeNotRegistered = errors.New("type not registered")

	// ErrExecutionTimeout is the failure reason recorded when an execution
	// exceeds its start-to-close timeout.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// ActivityError is the terminal failure of an activity invocation after its
// retry policy is exhausted. It resolves the awaiting Future.
type ActivityError struct {
	ActivityType string
	Reason       string
	Attempts     int
	TimedOut     bool
}

func (e *ActivityError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("activity %s timed out after %d attempt(s)", e.ActivityType, e.Attempts)
	}
	return fmt.Sprintf("activity %s failed after %d attempt(s): %s", e.ActivityType, e.Attempts, e.Reason)
}

// ChildWorkflowError is the terminal failure of a child workflow run,
// propagated to the parent as a rejected Future. The parent decides
// recovery.
type ChildWorkflowError struct {
	WorkflowType string
	Ref          ExecutionRef
	Reason       string
	Canceled     bool
}

func (e *ChildWorkflowError) Error() string {
	if e.Canceled {
		return fmt.Sprintf("child workflow %s (%s) canceled", e.WorkflowType, e.Ref.WorkflowID)
	}
	return fmt.Sprintf("child workflow %s (%s) failed: %s", e.WorkflowType, e.Ref.WorkflowID, e.Reason)
}

// CanceledError is returned from GetResult and from workflow futures when an
// execution was canceled.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return "execution canceled"
	}
	return "execution canceled: " + e.Reason
}

// TerminatedError is returned from GetResult when an execution was
// hard-terminated by an operator.
type TerminatedError struct {
	Reason string
}

func (e *TerminatedError) Error() string {
	if e.Reason == "" {
		return "execution terminated"
	}
	return "execution terminated: " + e.Reason
}
