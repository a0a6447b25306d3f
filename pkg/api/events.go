package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(WorkflowStartedAttrs{})
	gob.Register(DecisionTaskCompletedAttrs{})
	gob.Register(ActivityScheduledAttrs{})
	gob.Register(ActivityStartedAttrs{})
	gob.Register(ActivityCompletedAttrs{})
	gob.Register(ActivityFailedAttrs{})
	gob.Register(ActivityTimedOutAttrs{})
	gob.Register(TimerStartedAttrs{})
	gob.Register(TimerFiredAttrs{})
	gob.Register(ChildWorkflowInitiatedAttrs{})
	gob.Register(ChildWorkflowStartedAttrs{})
	gob.Register(ChildWorkflowCompletedAttrs{})
	gob.Register(ChildWorkflowFailedAttrs{})
	gob.Register(ChildWorkflowCanceledAttrs{})
	gob.Register(SignalReceivedAttrs{})
	gob.Register(SideEffectRecordedAttrs{})
	gob.Register(CancelRequestedAttrs{})
	gob.Register(WorkflowCompletedAttrs{})
	gob.Register(WorkflowFailedAttrs{})
	gob.Register(WorkflowCanceledAttrs{})
	gob.Register(WorkflowTimedOutAttrs{})
	gob.Register(WorkflowTerminatedAttrs{})
	gob.Register(WorkflowContinuedAsNewAttrs{})
}

// EventType identifies what kind of fact an Event records.
type EventType string

const (
	EventWorkflowStarted        EventType = "WorkflowStarted"
	EventDecisionTaskCompleted  EventType = "DecisionTaskCompleted"
	EventActivityScheduled      EventType = "ActivityScheduled"
	EventActivityStarted        EventType = "ActivityStarted"
	EventActivityCompleted      EventType = "ActivityCompleted"
	EventActivityFailed         EventType = "ActivityFailed"
	EventActivityTimedOut       EventType = "ActivityTimedOut"
	EventTimerStarted           EventType = "TimerStarted"
	EventTimerFired             EventType = "TimerFired"
	EventChildWorkflowInitiated EventType = "ChildWorkflowInitiated"
	EventChildWorkflowStarted   EventType = "ChildWorkflowStarted"
	EventChildWorkflowCompleted EventType = "ChildWorkflowCompleted"
	EventChildWorkflowFailed    EventType = "ChildWorkflowFailed"
	EventChildWorkflowCanceled  EventType = "ChildWorkflowCanceled"
	EventSignalReceived         EventType = "SignalReceived"
	EventSideEffectRecorded     EventType = "SideEffectRecorded"
	EventCancelRequested        EventType = "CancelRequested"
	EventWorkflowCompleted      EventType = "WorkflowCompleted"
	EventWorkflowFailed         EventType = "WorkflowFailed"
	EventWorkflowCanceled       EventType = "WorkflowCanceled"
	EventWorkflowTimedOut       EventType = "WorkflowTimedOut"
	EventWorkflowTerminated     EventType = "WorkflowTerminated"
	EventWorkflowContinuedAsNew EventType = "WorkflowContinuedAsNew"
)

// IsTerminal reports whether t closes an execution. A terminal event is
// always the last event in its log.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCanceled,
		EventWorkflowTimedOut, EventWorkflowTerminated, EventWorkflowContinuedAsNew:
		return true
	}
	return false
}

// Event is one immutable fact in an execution's history.
//
// Seq is assigned by the event log store on append: strictly increasing per
// execution, starting at 1, with no gaps. Attrs holds a typed attributes
// struct matching Type.
type Event struct {
	Seq   int64
	Type  EventType
	Time  time.Time
	Attrs any
}

// WorkflowStartedAttrs opens every history. Attempt is 1 for fresh starts
// and increments when a child workflow run is retried under the same
// workflow ID.
type WorkflowStartedAttrs struct {
	WorkflowType     string
	TaskList         string
	Input            any
	ExecutionTimeout time.Duration
	Attempt          int
	RetryPolicy      *RetryPolicy

	ParentRef       *ExecutionRef
	ParentCommandID string
	FirstStartedAt  time.Time
}

// DecisionTaskCompletedAttrs marks the end of one decision that produced
// commands. Decisions that produce nothing leave no trace in history.
type DecisionTaskCompletedAttrs struct {
	WorkerIdentity string
	CommandCount   int
}

type ActivityScheduledAttrs struct {
	CommandID        string
	ActivityType     string
	Input            any
	Attempt          int
	RetryPolicy      *RetryPolicy
	ScheduleToClose  time.Duration
	FirstScheduledAt time.Time
}

type ActivityStartedAttrs struct {
	CommandID      string
	Attempt        int
	WorkerIdentity string
}

type ActivityCompletedAttrs struct {
	CommandID string
	Result    any
}

// ActivityFailedAttrs records one failed invocation attempt. While the retry
// policy allows another attempt, WillRetry is true and the event is followed
// by a fresh ActivityScheduled with an incremented attempt; only the final
// failure (WillRetry false) resolves the workflow's future.
type ActivityFailedAttrs struct {
	CommandID string
	Reason    string
	Attempts  int
	WillRetry bool
}

type ActivityTimedOutAttrs struct {
	CommandID string
	Attempts  int
}

type TimerStartedAttrs struct {
	CommandID string
	Duration  time.Duration
	FireAt    time.Time
}

type TimerFiredAttrs struct {
	CommandID string
}

type ChildWorkflowInitiatedAttrs struct {
	CommandID         string
	WorkflowType      string
	WorkflowID        string
	TaskList          string
	Input             any
	ExecutionTimeout  time.Duration
	RetryPolicy       *RetryPolicy
	ParentClosePolicy ParentClosePolicy
}

type ChildWorkflowStartedAttrs struct {
	CommandID string
	Ref       ExecutionRef
}

type ChildWorkflowCompletedAttrs struct {
	CommandID string
	Ref       ExecutionRef
	Result    any
}

type ChildWorkflowFailedAttrs struct {
	CommandID string
	Ref       ExecutionRef
	Reason    string
}

type ChildWorkflowCanceledAttrs struct {
	CommandID string
	Ref       ExecutionRef
}

type SignalReceivedAttrs struct {
	Name    string
	Payload any
}

// SideEffectRecordedAttrs captures a value computed once outside of replay
// (ctx.SideEffect). Replays return the recorded value instead of re-running
// the function.
type SideEffectRecordedAttrs struct {
	CommandID string
	Value     any
}

type CancelRequestedAttrs struct {
	Reason string
}

type WorkflowCompletedAttrs struct {
	Result any
}

type WorkflowFailedAttrs struct {
	Reason string

	// NonDeterministic is set when replay diverged from recorded history.
	// Such failures are never retried by the engine.
	NonDeterministic bool
}

type WorkflowCanceledAttrs struct {
	Reason string
}

type WorkflowTimedOutAttrs struct{}

type WorkflowTerminatedAttrs struct {
	Reason string
}

type WorkflowContinuedAsNewAttrs struct {
	Input    any
	NewRunID string
}
