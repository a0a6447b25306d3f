package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/pkg/api"
)

// abortedStartGrace is how long an index record may sit without a
// WorkflowStarted event before the sweep treats the start as aborted. The
// window covers a starter that created the record but has not appended yet.
const abortedStartGrace = time.Minute

// RecoverExecutions re-derives lost tasks from the event logs of every open
// execution in a domain. Enqueues are not atomic with appends, so a crash
// between the two can strand an execution; the sweep is safe to run at any
// time because every task handler reconciles against history before acting.
//
// Callers typically run it once on startup.
func (e *Engine) RecoverExecutions(ctx context.Context, domain string) error {
	open, err := e.executions.List(ctx, execution.Filter{Domain: domain, OpenOnly: true})
	if err != nil {
		return err
	}
	for _, info := range open {
		if err := e.recoverExecution(ctx, info); err != nil {
			e.logger.ErrorContext(ctx, "recover execution failed",
				slog.String("workflow_id", info.Ref.WorkflowID),
				slog.String("run_id", info.Ref.RunID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (e *Engine) recoverExecution(ctx context.Context, info *api.ExecutionInfo) error {
	events, err := history.ReadAll(ctx, e.history, info.Ref)
	if err != nil {
		return err
	}

	// Index creation and the WorkflowStarted append are separate writes. A
	// crash between them leaves an open record with an empty log that would
	// block the workflow ID forever; close it once the grace window passes.
	if len(events) == 0 {
		if e.now().Sub(info.StartedAt) < abortedStartGrace {
			return nil
		}
		e.logger.WarnContext(ctx, "closing aborted start",
			slog.String("workflow_id", info.Ref.WorkflowID),
			slog.String("run_id", info.Ref.RunID))
		return e.executions.Close(ctx, info.Ref, api.StatusFailed, e.now())
	}

	scheduled := make(map[string]api.ActivityScheduledAttrs)
	timers := make(map[string]api.TimerStartedAttrs)
	children := make(map[string]api.ChildWorkflowInitiatedAttrs)
	childStarted := make(map[string]bool)
	for _, ev := range events {
		switch attrs := ev.Attrs.(type) {
		case api.ActivityScheduledAttrs:
			if prev, ok := scheduled[attrs.CommandID]; !ok || attrs.Attempt > prev.Attempt {
				scheduled[attrs.CommandID] = attrs
			}
		case api.TimerStartedAttrs:
			timers[attrs.CommandID] = attrs
		case api.TimerFiredAttrs:
			delete(timers, attrs.CommandID)
		case api.ChildWorkflowInitiatedAttrs:
			children[attrs.CommandID] = attrs
		case api.ChildWorkflowStartedAttrs:
			childStarted[attrs.CommandID] = true
		}
	}

	for commandID, attrs := range scheduled {
		state := execution.ActivityStateFromEvents(events, commandID)
		if state != execution.ActivityScheduled && state != execution.ActivityStarted {
			continue
		}
		e.enqueueActivity(ctx, info.Ref, info.TaskList, commandID, activityPayload{
			ActivityType:     attrs.ActivityType,
			Input:            attrs.Input,
			Attempt:          attrs.Attempt,
			RetryPolicy:      attrs.RetryPolicy,
			ScheduleToClose:  attrs.ScheduleToClose,
			FirstScheduledAt: attrs.FirstScheduledAt,
		}, e.now())
		if attrs.ScheduleToClose > 0 {
			e.enqueueTimer(ctx, info.Ref, commandID, timerPayload{Kind: timerActivityTimeout},
				attrs.FirstScheduledAt.Add(attrs.ScheduleToClose))
		}
	}

	for commandID, attrs := range timers {
		e.enqueueTimer(ctx, info.Ref, commandID, timerPayload{Kind: timerWorkflow}, attrs.FireAt)
	}

	for commandID, attrs := range children {
		if childStarted[commandID] {
			continue
		}
		taskList := attrs.TaskList
		if taskList == "" {
			taskList = info.TaskList
		}
		parentRef := info.Ref
		e.enqueueTimer(ctx, info.Ref, commandID, timerPayload{Kind: timerStartRun, Start: &startSpec{
			Domain:           info.Ref.Domain,
			WorkflowID:       attrs.WorkflowID,
			WorkflowType:     attrs.WorkflowType,
			TaskList:         taskList,
			Input:            attrs.Input,
			ExecutionTimeout: attrs.ExecutionTimeout,
			RetryPolicy:      attrs.RetryPolicy,
			Attempt:          1,
			FirstStartedAt:   e.now(),
			ParentRef:        &parentRef,
			ParentCommandID:  commandID,
		}}, e.now())
	}

	if info.ExecutionTimeout > 0 {
		e.enqueueTimer(ctx, info.Ref, "", timerPayload{Kind: timerExecutionTimeout},
			info.StartedAt.Add(info.ExecutionTimeout))
	}

	// An empty decision appends nothing, so the extra wakeup is free.
	e.enqueueDecision(ctx, info.Ref, info.TaskList)
	return nil
}
