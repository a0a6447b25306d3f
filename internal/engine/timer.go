package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
)

// HandleTimer processes one task from the domain timer queue. Every branch
// is idempotent against redelivery: the event log decides whether the timer
// still matters.
func (e *Engine) HandleTimer(ctx context.Context, t taskqueue.Task) error {
	p, ok := t.Payload.(timerPayload)
	if !ok {
		return fmt.Errorf("timer task %s: unexpected payload %T", t.ID, t.Payload)
	}

	switch p.Kind {
	case timerWorkflow:
		return e.fireWorkflowTimer(ctx, t.Ref, t.CommandID)
	case timerExecutionTimeout:
		return e.fireExecutionTimeout(ctx, t.Ref)
	case timerActivityTimeout:
		return e.fireActivityTimeout(ctx, t.Ref, t.CommandID)
	case timerStartRun:
		if p.Start == nil {
			return fmt.Errorf("timer task %s: start-run without a spec", t.ID)
		}
		_, err := e.startRun(ctx, *p.Start)
		if errors.Is(err, api.ErrWorkflowIDAlreadyRunning) {
			// Redelivered start; the run exists. Make sure the parent still
			// learned about it.
			if p.Start.ParentRef != nil {
				if info, lookupErr := e.executions.CurrentRun(ctx, p.Start.Domain, p.Start.WorkflowID); lookupErr == nil {
					e.recordChildStarted(ctx, *p.Start.ParentRef, p.Start.ParentCommandID, info.Ref)
				}
			}
			return nil
		}
		return err
	default:
		return fmt.Errorf("timer task %s: unknown kind %q", t.ID, p.Kind)
	}
}

func (e *Engine) fireWorkflowTimer(ctx context.Context, ref api.ExecutionRef, commandID string) error {
	appended, err := e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		for _, ev := range events {
			if attrs, ok := ev.Attrs.(api.TimerFiredAttrs); ok && attrs.CommandID == commandID {
				return nil
			}
		}
		return []api.Event{{
			Type:  api.EventTimerFired,
			Attrs: api.TimerFiredAttrs{CommandID: commandID},
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

func (e *Engine) fireExecutionTimeout(ctx context.Context, ref api.ExecutionRef) error {
	info, err := e.executions.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, api.ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if info.Status.IsTerminal() {
		return nil
	}
	var all []api.Event
	_, err = e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		all = events
		return []api.Event{{Type: api.EventWorkflowTimedOut, Attrs: api.WorkflowTimedOutAttrs{}}}
	})
	if err != nil {
		if errors.Is(err, api.ErrExecutionClosed) {
			return nil
		}
		return err
	}
	e.logger.WarnContext(ctx, "execution timed out",
		slog.String("workflow_id", ref.WorkflowID), slog.String("run_id", ref.RunID))
	e.finalizeRun(ctx, info, startAttrsOf(all), api.StatusTimedOut, terminalResult{
		status:  api.StatusTimedOut,
		reason:  api.ErrExecutionTimeout.Error(),
		err:     api.ErrExecutionTimeout,
		noRetry: true,
	})
	return nil
}

func (e *Engine) fireActivityTimeout(ctx context.Context, ref api.ExecutionRef, commandID string) error {
	appended, err := e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		state := execution.ActivityStateFromEvents(events, commandID)
		if !execution.CanFireActivity(state, execution.TriggerTimeout) {
			return nil
		}
		return []api.Event{{
			Type:  api.EventActivityTimedOut,
			Attrs: api.ActivityTimedOutAttrs{CommandID: commandID, Attempts: latestAttempt(events, commandID)},
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

// latestAttempt returns the highest scheduled attempt number for commandID.
func latestAttempt(events []api.Event, commandID string) int {
	attempt := 0
	for _, ev := range events {
		if attrs, ok := ev.Attrs.(api.ActivityScheduledAttrs); ok && attrs.CommandID == commandID {
			if attrs.Attempt > attempt {
				attempt = attrs.Attempt
			}
		}
	}
	return attempt
}
