package api

import "time"

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCanceled       Status = "CANCELED"
	StatusTimedOut       Status = "TIMED_OUT"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
	StatusTerminated     Status = "TERMINATED"
)

// IsTerminal reports whether s is a closed status. A closed execution
// accepts no further events.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled,
		StatusTimedOut, StatusContinuedAsNew, StatusTerminated:
		return true
	}
	return false
}

// ExecutionRef identifies exactly one run of a workflow.
//
// Domain and WorkflowID are chosen by the caller; RunID is assigned by the
// engine when the execution starts. At most one run per (Domain, WorkflowID)
// is open at any time.
type ExecutionRef struct {
	Domain     string
	WorkflowID string
	RunID      string
}

// Key returns a stable string form of the reference, suitable for use as a
// map or storage key.
func (r ExecutionRef) Key() string {
	return r.Domain + "/" + r.WorkflowID + "/" + r.RunID
}

// WorkflowKey identifies the workflow independent of its run, i.e. the
// identity the single-active-run invariant is enforced on.
func (r ExecutionRef) WorkflowKey() string {
	return r.Domain + "/" + r.WorkflowID
}

// ExecutionInfo is the engine's index record for one execution. The event
// log remains the source of truth; this record exists so that lookups
// (current run, status, parent linkage) do not require a history scan.
type ExecutionInfo struct {
	Ref              ExecutionRef
	WorkflowType     string
	TaskList         string
	Status           Status
	StartedAt        time.Time
	ClosedAt         time.Time
	ExecutionTimeout time.Duration

	// Attempt counts run attempts for retried child workflows. The first
	// run of an execution is attempt 1.
	Attempt int

	// Parent linkage, set only for child workflows.
	ParentRef       *ExecutionRef
	ParentCommandID string
}
