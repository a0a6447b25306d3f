package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
)

// ActivityInvoker runs one activity attempt. Workers supply it from their
// registry; panics must be converted to errors before returning.
type ActivityInvoker func(ctx context.Context, activityType string, input any, attempt int) (any, error)

// HandleActivityTask drives one leased activity task end to end: record the
// start, invoke the handler, then route the result through the retry policy.
// The invoke callback is skipped when history shows the invocation already
// resolved.
func (e *Engine) HandleActivityTask(ctx context.Context, t taskqueue.Task, workerIdentity string, invoke ActivityInvoker) error {
	p, ok := t.Payload.(activityPayload)
	if !ok {
		return fmt.Errorf("activity task %s: unexpected payload %T", t.ID, t.Payload)
	}
	proceed, err := e.RecordActivityStarted(ctx, t.Ref, t.CommandID, p.Attempt, workerIdentity)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	result, invokeErr := invoke(ctx, p.ActivityType, p.Input, p.Attempt)
	if invokeErr != nil {
		// An unregistered type is a deployment gap, not an attempt. Leave
		// the task for a worker that has the binding.
		if errors.Is(invokeErr, api.ErrTypeNotRegistered) {
			return invokeErr
		}
		return e.FailActivity(ctx, t.Ref, t.CommandID, p, invokeErr.Error())
	}
	return e.CompleteActivity(ctx, t.Ref, t.CommandID, result)
}

// RecordActivityStarted appends ActivityStarted for the invocation, unless a
// redelivered task already did. It reports whether the worker should go on
// and run the handler; false means another lease holder already resolved
// this invocation.
func (e *Engine) RecordActivityStarted(ctx context.Context, ref api.ExecutionRef, commandID string, attempt int, workerIdentity string) (bool, error) {
	proceed := false
	_, err := e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		state := execution.ActivityStateFromEvents(events, commandID)
		switch {
		case execution.CanFireActivity(state, execution.TriggerStart):
			proceed = true
			return []api.Event{{
				Type: api.EventActivityStarted,
				Attrs: api.ActivityStartedAttrs{
					CommandID:      commandID,
					Attempt:        attempt,
					WorkerIdentity: workerIdentity,
				},
			}}
		case state == execution.ActivityStarted:
			// Redelivery after a worker crash mid-run. Running again is
			// what at-least-once means.
			proceed = true
			return nil
		default:
			return nil
		}
	})
	if err != nil {
		if errors.Is(err, api.ErrExecutionClosed) {
			return false, nil
		}
		return false, err
	}
	return proceed, nil
}

// CompleteActivity records a successful activity result and wakes the
// workflow. Duplicate completions for the same invocation are dropped.
func (e *Engine) CompleteActivity(ctx context.Context, ref api.ExecutionRef, commandID string, result any) error {
	appended, err := e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		state := execution.ActivityStateFromEvents(events, commandID)
		if !execution.CanFireActivity(state, execution.TriggerComplete) {
			return nil
		}
		return []api.Event{{
			Type:  api.EventActivityCompleted,
			Attrs: api.ActivityCompletedAttrs{CommandID: commandID, Result: result},
		}}
	})
	if err != nil {
		if errors.Is(err, api.ErrExecutionClosed) {
			return nil
		}
		return err
	}
	if len(appended) > 0 {
		e.enqueueDecisionFor(ctx, ref)
	}
	return nil
}

// FailActivity records a failed invocation. While the retry policy allows
// another attempt, the failure is recorded with WillRetry set, the
// invocation is rescheduled with backoff and the workflow is not woken;
// once exhausted, a final ActivityFailed resolves the awaiting future. Every
// attempt therefore leaves a Scheduled/Failed pair in the log.
func (e *Engine) FailActivity(ctx context.Context, ref api.ExecutionRef, commandID string, p activityPayload, reason string) error {
	info, err := e.executions.Get(ctx, ref)
	if err != nil {
		return err
	}
	now := e.now()

	next := p.Attempt + 1
	retryable := p.RetryPolicy != nil && p.RetryPolicy.Allows(next, p.FirstScheduledAt, now)

	appended, err := e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		state := execution.ActivityStateFromEvents(events, commandID)
		if retryable {
			if !execution.CanFireActivity(state, execution.TriggerReschedule) {
				return nil
			}
			return []api.Event{
				{
					Type: api.EventActivityFailed,
					Attrs: api.ActivityFailedAttrs{
						CommandID: commandID,
						Reason:    reason,
						Attempts:  p.Attempt,
						WillRetry: true,
					},
				},
				{
					Type: api.EventActivityScheduled,
					Attrs: api.ActivityScheduledAttrs{
						CommandID:        commandID,
						ActivityType:     p.ActivityType,
						Input:            p.Input,
						Attempt:          next,
						RetryPolicy:      p.RetryPolicy,
						ScheduleToClose:  p.ScheduleToClose,
						FirstScheduledAt: p.FirstScheduledAt,
					},
				},
			}
		}
		if !execution.CanFireActivity(state, execution.TriggerFail) {
			return nil
		}
		return []api.Event{{
			Type:  api.EventActivityFailed,
			Attrs: api.ActivityFailedAttrs{CommandID: commandID, Reason: reason, Attempts: p.Attempt},
		}}
	})
	if err != nil {
		if errors.Is(err, api.ErrExecutionClosed) {
			return nil
		}
		return err
	}
	if len(appended) == 0 {
		return nil
	}

	if retryable {
		retryPayload := p
		retryPayload.Attempt = next
		e.enqueueActivity(ctx, ref, info.TaskList, commandID, retryPayload, now.Add(p.RetryPolicy.BackoffFor(next)))
		return nil
	}
	e.enqueueDecision(ctx, ref, info.TaskList)
	return nil
}
