// Package replay implements the workflow state machine: the deterministic
// re-execution of a workflow function against its recorded history, yielding
// the next batch of commands.
package replay

import (
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// CommandType identifies what the coordinator should do with a command.
type CommandType string

const (
	CommandScheduleActivity   CommandType = "ScheduleActivity"
	CommandStartChildWorkflow CommandType = "StartChildWorkflow"
	CommandStartTimer         CommandType = "StartTimer"
	CommandRecordSideEffect   CommandType = "RecordSideEffect"
)

// Command is one instruction produced by a decision, for history beyond the
// replayed prefix. IDs are assigned positionally, so the same code against
// the same history always produces the same IDs.
type Command struct {
	ID   string
	Type CommandType

	ScheduleActivity *ScheduleActivityCommand
	StartChild       *StartChildWorkflowCommand
	StartTimer       *StartTimerCommand
	SideEffect       *RecordSideEffectCommand
}

type ScheduleActivityCommand struct {
	ActivityType    string
	Input           any
	RetryPolicy     *api.RetryPolicy
	ScheduleToClose time.Duration
}

type StartChildWorkflowCommand struct {
	WorkflowType      string
	WorkflowID        string
	TaskList          string
	Input             any
	ExecutionTimeout  time.Duration
	RetryPolicy       *api.RetryPolicy
	ParentClosePolicy api.ParentClosePolicy
}

type StartTimerCommand struct {
	Duration time.Duration
}

type RecordSideEffectCommand struct {
	Value any
}

// OutcomeKind classifies how a workflow function finished.
type OutcomeKind string

const (
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeCanceled      OutcomeKind = "canceled"
	OutcomeContinueAsNew OutcomeKind = "continue-as-new"
)

// Outcome is the terminal result of a workflow function, if it finished.
type Outcome struct {
	Kind          OutcomeKind
	Result        any
	Reason        string
	ContinueInput any
}

// Decision is what one replay pass produced: the commands past the replayed
// prefix, and the terminal outcome if the function ran to an end. A nil
// Outcome means the workflow suspended awaiting an unresolved future.
type Decision struct {
	Commands []Command
	Outcome  *Outcome
}
