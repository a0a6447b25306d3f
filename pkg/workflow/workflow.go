// Package workflow defines the authoring surface for workflow code: the
// replay-safe Context handed to workflow functions, futures for
// asynchronous results, and the options for activities and child workflows.
//
// Workflow functions must be deterministic. Every run of a function against
// the same history has to issue the same calls in the same order, which is
// why wall clocks, random values and goroutines are off limits inside
// workflow code; Context exposes replay-safe equivalents (Now, Random,
// SideEffect).
package workflow

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// Handler is a workflow function. It runs (and re-runs, on replay) under
// the engine's control; it must not block on anything other than Future.Get.
type Handler func(ctx Context, input any) (any, error)

// ActivityHandler is an activity implementation. Unlike workflow code it may
// do arbitrary side-effecting work; only its recorded outcome is ever
// replayed. ctx is a plain context that is canceled when the activity's
// lease cannot be kept alive.
type ActivityHandler func(ctx context.Context, input any) (any, error)

// Future is the handle for a not-yet-resolved asynchronous result. It is
// resolved exactly once, by an event in the execution's history.
//
// Get blocks (in replay terms, suspends the workflow) until the result is
// available, then returns it on this and on every subsequent replay.
type Future interface {
	Get() (any, error)
}

// ChildFuture is the handle for a child workflow. Started resolves as soon
// as the child execution exists, which lets a parent fire off a child and
// return without awaiting its result.
type ChildFuture interface {
	Future
	Started() Future
}

// Context is the replay-safe environment of one workflow execution.
type Context interface {
	// ExecutionRef identifies the current run.
	ExecutionRef() api.ExecutionRef

	// WorkflowType is the registered name this execution was started as.
	WorkflowType() string

	// Attempt is the run attempt, starting at 1. It increments when a child
	// workflow run is retried under its retry policy.
	Attempt() int

	// Now is the logical clock: the timestamp of the history event the
	// execution has most recently advanced past. It is stable under replay.
	Now() time.Time

	// Random is a deterministic random stream seeded from the run ID.
	Random() *rand.Rand

	// Logger returns a structured logger that is silent while replaying
	// already-recorded history, so log lines appear exactly once.
	Logger() *slog.Logger

	// ExecuteActivity schedules an activity invocation and returns its
	// future. The activity runs at most once per attempt on some worker;
	// its side effects are never replayed.
	ExecuteActivity(activityType string, input any, opts ActivityOptions) Future

	// ExecuteChildWorkflow starts a child workflow execution and returns
	// its future.
	ExecuteChildWorkflow(workflowType string, input any, opts ChildWorkflowOptions) ChildFuture

	// NewTimer returns a future that resolves after d of engine time.
	NewTimer(d time.Duration) Future

	// Sleep blocks the workflow for d of engine time.
	Sleep(d time.Duration) error

	// GetSignal returns a future resolved by the next unconsumed signal
	// with the given name. Each call consumes one signal delivery.
	GetSignal(name string) Future

	// SideEffect executes fn once, records its value in history, and
	// returns the recorded value on replay. fn must not block.
	SideEffect(fn func() any) any

	// CancelRequested reports whether a cancellation request has been
	// observed at the execution's current logical time. Cancellation is
	// cooperative: the workflow decides how and when to unwind.
	CancelRequested() bool
}

// ActivityOptions configures one activity invocation.
type ActivityOptions struct {
	// RetryPolicy controls retries of failed attempts. Nil means a single
	// attempt.
	RetryPolicy *api.RetryPolicy

	// ScheduleToCloseTimeout bounds the whole invocation including retries.
	// Zero means no timeout.
	ScheduleToCloseTimeout time.Duration
}

// ChildWorkflowOptions configures one child workflow invocation.
type ChildWorkflowOptions struct {
	// WorkflowID of the child. Empty derives a deterministic ID from the
	// parent's workflow ID and the command position.
	WorkflowID string

	// TaskList for the child's tasks. Empty inherits the parent's.
	TaskList string

	ExecutionTimeout time.Duration

	// RetryPolicy controls retries of failed child runs. Nil means a
	// single run.
	RetryPolicy *api.RetryPolicy

	// ParentClosePolicy decides what happens to the child if the parent
	// closes first. The zero value is api.ParentCloseAbandon.
	ParentClosePolicy api.ParentClosePolicy
}
