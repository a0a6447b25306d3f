package execution

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/korhaliv/loom/pkg/api"
)

// Lifecycle state machines. Both executions and activity invocations only
// ever move forward; the machines reject any regressing transition before
// it reaches a store or a history append.

type statusTrigger string

const triggerClose statusTrigger = "close"

// newStatusMachine returns a state machine positioned at current. StatusRunning
// permits a single parameterized close transition to any terminal status;
// terminal states permit nothing.
func newStatusMachine(current api.Status) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(api.StatusRunning).
		PermitDynamic(triggerClose, func(_ context.Context, args ...any) (stateless.State, error) {
			return args[0].(api.Status), nil
		})

	return m
}

// CanClose reports whether an execution in status from may transition to the
// terminal status to.
func CanClose(from, to api.Status) error {
	if !to.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", to)
	}
	if err := newStatusMachine(from).Fire(triggerClose, to); err != nil {
		return fmt.Errorf("%w: status is %s", api.ErrExecutionClosed, from)
	}
	return nil
}

// ActivityState tracks one activity invocation through its lifecycle.
type ActivityState string

const (
	ActivityScheduled ActivityState = "Scheduled"
	ActivityStarted   ActivityState = "Started"
	ActivityCompleted ActivityState = "Completed"
	ActivityFailed    ActivityState = "Failed"
	ActivityTimedOut  ActivityState = "TimedOut"
)

type activityTrigger string

const (
	TriggerStart      activityTrigger = "start"
	TriggerComplete   activityTrigger = "complete"
	TriggerFail       activityTrigger = "fail"
	TriggerTimeout    activityTrigger = "timeout"
	TriggerReschedule activityTrigger = "reschedule"
)

// NewActivityMachine returns a state machine for one activity invocation,
// positioned at current. Reschedule (a retry attempt) is permitted from
// Scheduled and Started; the terminal states permit nothing, which is what
// makes redelivered activity outcomes safe to drop.
func NewActivityMachine(current ActivityState) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(ActivityScheduled).
		Permit(TriggerStart, ActivityStarted).
		PermitReentry(TriggerReschedule).
		Permit(TriggerFail, ActivityFailed).
		Permit(TriggerTimeout, ActivityTimedOut)

	m.Configure(ActivityStarted).
		Permit(TriggerComplete, ActivityCompleted).
		Permit(TriggerFail, ActivityFailed).
		Permit(TriggerTimeout, ActivityTimedOut).
		Permit(TriggerReschedule, ActivityScheduled)

	return m
}

// ActivityStateFromEvents folds the history events concerning commandID into
// the invocation's current state. Events for other invocations are ignored.
func ActivityStateFromEvents(events []api.Event, commandID string) ActivityState {
	state := ActivityScheduled
	for _, ev := range events {
		switch attrs := ev.Attrs.(type) {
		case api.ActivityScheduledAttrs:
			if attrs.CommandID == commandID {
				state = ActivityScheduled
			}
		case api.ActivityStartedAttrs:
			if attrs.CommandID == commandID {
				state = ActivityStarted
			}
		case api.ActivityCompletedAttrs:
			if attrs.CommandID == commandID {
				state = ActivityCompleted
			}
		case api.ActivityFailedAttrs:
			// A WillRetry failure is paired with the reschedule that follows
			// it; only the final failure parks the invocation.
			if attrs.CommandID == commandID && !attrs.WillRetry {
				state = ActivityFailed
			}
		case api.ActivityTimedOutAttrs:
			if attrs.CommandID == commandID {
				state = ActivityTimedOut
			}
		}
	}
	return state
}

// CanFireActivity reports whether trigger is legal from state.
func CanFireActivity(state ActivityState, trigger activityTrigger) bool {
	ok, err := NewActivityMachine(state).CanFire(trigger)
	return err == nil && ok
}
