// Package execution maintains the engine's index of executions: current run
// per workflow ID, status, parent linkage, and the per-execution decision
// lease that keeps two decision tasks for the same run from executing
// concurrently.
//
// The index is derived data; the event log remains the source of truth.
package execution

import (
	"context"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// Filter selects executions from the store. Zero values mean "no filter"
// for that field.
type Filter struct {
	Domain       string
	WorkflowType string
	Status       api.Status

	// ParentRef, if non-nil, limits results to child executions of the
	// given parent run.
	ParentRef *api.ExecutionRef

	// OpenOnly limits results to executions whose status is not terminal.
	OpenOnly bool
}

// Store indexes executions.
type Store interface {
	// Create registers a new run. It fails with
	// api.ErrWorkflowIDAlreadyRunning when an open run already exists for
	// info.Ref's (domain, workflow ID).
	Create(ctx context.Context, info api.ExecutionInfo) error

	// Get returns the record for ref, or api.ErrExecutionNotFound.
	Get(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error)

	// CurrentRun returns the most recently created run for (domain,
	// workflowID), or api.ErrExecutionNotFound.
	CurrentRun(ctx context.Context, domain, workflowID string) (*api.ExecutionInfo, error)

	// Close marks ref with a terminal status. Closing an already-closed
	// execution returns api.ErrExecutionClosed.
	Close(ctx context.Context, ref api.ExecutionRef, status api.Status, closedAt time.Time) error

	// List returns executions matching the filter.
	List(ctx context.Context, filter Filter) ([]*api.ExecutionInfo, error)

	// TryAcquireDecisionLease attempts to acquire (or re-acquire) the
	// decision lease on an execution. If the lease is currently held by
	// another owner and has not expired, it returns acquired=false,
	// err=nil. A lease held by the same owner is re-entrant.
	TryAcquireDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewDecisionLease extends an existing lease owned by 'owner'.
	RenewDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) error

	// ReleaseDecisionLease releases a lease if it is owned by 'owner'.
	// It is idempotent.
	ReleaseDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string) error
}
