package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/internal/replay"
	"github.com/korhaliv/loom/pkg/api"
)

// CompleteDecision persists the result of one replayed decision task: the
// new command events, their follow-up tasks, and the terminal event if the
// workflow function ran to an end.
//
// events must be the exact history the decision was replayed against; the
// append is conditional on that tail. If another writer appended in the
// meantime the whole decision is discarded and a fresh decision task is
// enqueued, so the workflow is replayed against the longer history.
func (e *Engine) CompleteDecision(ctx context.Context, ref api.ExecutionRef, events []api.Event, d replay.Decision, workerIdentity string, took time.Duration) error {
	if len(d.Commands) == 0 && d.Outcome == nil {
		// The workflow is suspended on futures that are still pending.
		// Appending nothing keeps an idle execution from looping.
		e.observer.OnDecisionCompleted(ctx, ref, 0, took)
		return nil
	}

	info, err := e.executions.Get(ctx, ref)
	if err != nil {
		return err
	}
	startAttrs := startAttrsOf(events)
	now := e.now()

	batch := []api.Event{{
		Type: api.EventDecisionTaskCompleted,
		Time: now,
		Attrs: api.DecisionTaskCompletedAttrs{
			WorkerIdentity: workerIdentity,
			CommandCount:   len(d.Commands),
		},
	}}
	for _, cmd := range d.Commands {
		batch = append(batch, e.commandEvent(cmd, now))
	}
	var res terminalResult
	if d.Outcome != nil {
		terminal, r := e.outcomeEvent(*d.Outcome, startAttrs, now)
		res = r
		batch = append(batch, terminal)
	}

	if _, err := e.history.Append(ctx, ref, history.NextSeq(events), batch); err != nil {
		switch {
		case errors.Is(err, api.ErrConcurrentAppend):
			// A signal, cancel or activity result landed mid-decision.
			// Replay again against the longer history.
			e.logger.DebugContext(ctx, "decision append conflicted, requeueing",
				slog.String("run_id", ref.RunID))
			e.enqueueDecision(ctx, ref, info.TaskList)
			return nil
		case errors.Is(err, api.ErrExecutionClosed):
			// Terminated (or timed out) while the decision ran.
			return nil
		default:
			return err
		}
	}
	e.observer.OnDecisionCompleted(ctx, ref, len(d.Commands), took)

	for _, cmd := range d.Commands {
		e.dispatchCommand(ctx, info, cmd, now)
	}
	if d.Outcome != nil {
		e.finalizeRun(ctx, info, startAttrs, res.status, res)
	}
	return nil
}

// FailExecution closes a run as FAILED outside of workflow code, for replay
// errors. Non-deterministic failures are never retried regardless of the
// run's retry policy.
func (e *Engine) FailExecution(ctx context.Context, ref api.ExecutionRef, reason string, nonDeterministic bool) error {
	info, err := e.executions.Get(ctx, ref)
	if err != nil {
		return err
	}
	var all []api.Event
	_, err = e.appendWithRetry(ctx, ref, func(events []api.Event) []api.Event {
		all = events
		return []api.Event{{
			Type:  api.EventWorkflowFailed,
			Attrs: api.WorkflowFailedAttrs{Reason: reason, NonDeterministic: nonDeterministic},
		}}
	})
	if err != nil {
		if errors.Is(err, api.ErrExecutionClosed) {
			return nil
		}
		return err
	}
	res := terminalResult{status: api.StatusFailed, reason: reason, err: errors.New(reason)}
	if nonDeterministic {
		res.noRetry = true
	}
	e.finalizeRun(ctx, info, startAttrsOf(all), api.StatusFailed, res)
	return nil
}

// commandEvent translates a replay command into its history event.
func (e *Engine) commandEvent(cmd replay.Command, now time.Time) api.Event {
	switch cmd.Type {
	case replay.CommandScheduleActivity:
		c := cmd.ScheduleActivity
		return api.Event{Type: api.EventActivityScheduled, Time: now, Attrs: api.ActivityScheduledAttrs{
			CommandID:        cmd.ID,
			ActivityType:     c.ActivityType,
			Input:            c.Input,
			Attempt:          1,
			RetryPolicy:      c.RetryPolicy,
			ScheduleToClose:  c.ScheduleToClose,
			FirstScheduledAt: now,
		}}
	case replay.CommandStartTimer:
		c := cmd.StartTimer
		return api.Event{Type: api.EventTimerStarted, Time: now, Attrs: api.TimerStartedAttrs{
			CommandID: cmd.ID,
			Duration:  c.Duration,
			FireAt:    now.Add(c.Duration),
		}}
	case replay.CommandStartChildWorkflow:
		c := cmd.StartChild
		return api.Event{Type: api.EventChildWorkflowInitiated, Time: now, Attrs: api.ChildWorkflowInitiatedAttrs{
			CommandID:         cmd.ID,
			WorkflowType:      c.WorkflowType,
			WorkflowID:        c.WorkflowID,
			TaskList:          c.TaskList,
			Input:             c.Input,
			ExecutionTimeout:  c.ExecutionTimeout,
			RetryPolicy:       c.RetryPolicy,
			ParentClosePolicy: c.ParentClosePolicy,
		}}
	case replay.CommandRecordSideEffect:
		return api.Event{Type: api.EventSideEffectRecorded, Time: now, Attrs: api.SideEffectRecordedAttrs{
			CommandID: cmd.ID,
			Value:     cmd.SideEffect.Value,
		}}
	}
	// Unreachable as long as replay and engine agree on the command set.
	panic("unknown command type: " + string(cmd.Type))
}

// terminalResult carries what finalizeRun needs to close the run and notify
// the parent.
type terminalResult struct {
	status  api.Status
	result  any
	reason  string
	err     error
	noRetry bool

	// continueInput and continueRunID are set for continue-as-new.
	continueInput any
	continueRunID string
}

func (e *Engine) outcomeEvent(o replay.Outcome, startAttrs api.WorkflowStartedAttrs, now time.Time) (api.Event, terminalResult) {
	switch o.Kind {
	case replay.OutcomeCompleted:
		return api.Event{Type: api.EventWorkflowCompleted, Time: now, Attrs: api.WorkflowCompletedAttrs{Result: o.Result}},
			terminalResult{status: api.StatusCompleted, result: o.Result}
	case replay.OutcomeCanceled:
		return api.Event{Type: api.EventWorkflowCanceled, Time: now, Attrs: api.WorkflowCanceledAttrs{Reason: o.Reason}},
			terminalResult{status: api.StatusCanceled, reason: o.Reason, err: &api.CanceledError{Reason: o.Reason}, noRetry: true}
	case replay.OutcomeContinueAsNew:
		newRunID := uuid.NewString()
		return api.Event{Type: api.EventWorkflowContinuedAsNew, Time: now, Attrs: api.WorkflowContinuedAsNewAttrs{
				Input:    o.ContinueInput,
				NewRunID: newRunID,
			}}, terminalResult{
				status:        api.StatusContinuedAsNew,
				continueInput: o.ContinueInput,
				continueRunID: newRunID,
			}
	default:
		return api.Event{Type: api.EventWorkflowFailed, Time: now, Attrs: api.WorkflowFailedAttrs{Reason: o.Reason}},
			terminalResult{status: api.StatusFailed, reason: o.Reason, err: errors.New(o.Reason)}
	}
}

// dispatchCommand enqueues the follow-up work for a freshly persisted
// command event.
func (e *Engine) dispatchCommand(ctx context.Context, info *api.ExecutionInfo, cmd replay.Command, now time.Time) {
	switch cmd.Type {
	case replay.CommandScheduleActivity:
		c := cmd.ScheduleActivity
		e.enqueueActivity(ctx, info.Ref, info.TaskList, cmd.ID, activityPayload{
			ActivityType:     c.ActivityType,
			Input:            c.Input,
			Attempt:          1,
			RetryPolicy:      c.RetryPolicy,
			ScheduleToClose:  c.ScheduleToClose,
			FirstScheduledAt: now,
		}, time.Time{})
		if c.ScheduleToClose > 0 {
			e.enqueueTimer(ctx, info.Ref, cmd.ID, timerPayload{Kind: timerActivityTimeout}, now.Add(c.ScheduleToClose))
		}

	case replay.CommandStartTimer:
		e.enqueueTimer(ctx, info.Ref, cmd.ID, timerPayload{Kind: timerWorkflow}, now.Add(cmd.StartTimer.Duration))

	case replay.CommandStartChildWorkflow:
		c := cmd.StartChild
		taskList := c.TaskList
		if taskList == "" {
			taskList = info.TaskList
		}
		parentRef := info.Ref
		e.enqueueTimer(ctx, info.Ref, cmd.ID, timerPayload{Kind: timerStartRun, Start: &startSpec{
			Domain:           info.Ref.Domain,
			WorkflowID:       c.WorkflowID,
			WorkflowType:     c.WorkflowType,
			TaskList:         taskList,
			Input:            c.Input,
			ExecutionTimeout: c.ExecutionTimeout,
			RetryPolicy:      c.RetryPolicy,
			Attempt:          1,
			FirstStartedAt:   now,
			ParentRef:        &parentRef,
			ParentCommandID:  cmd.ID,
		}}, time.Time{})

	case replay.CommandRecordSideEffect:
		// The event itself is the whole effect.
	}
}

// finalizeRun closes the run in the index and performs post-terminal work:
// workflow retry, continue-as-new chaining, parent correlation and the
// parent-close policy for the run's own children.
func (e *Engine) finalizeRun(ctx context.Context, info *api.ExecutionInfo, startAttrs api.WorkflowStartedAttrs, status api.Status, res terminalResult) {
	now := e.now()
	if err := e.executions.Close(ctx, info.Ref, status, now); err != nil && !errors.Is(err, api.ErrExecutionClosed) {
		e.logger.ErrorContext(ctx, "close execution failed",
			slog.String("run_id", info.Ref.RunID), slog.Any("error", err))
	}
	e.observer.OnExecutionClosed(ctx, info, status, res.err)

	e.applyParentClosePolicy(ctx, info)

	if status == api.StatusContinuedAsNew {
		e.continueAsNew(ctx, info, startAttrs, res)
		return
	}

	if status == api.StatusFailed && !res.noRetry && e.scheduleWorkflowRetry(ctx, info, startAttrs, now) {
		return
	}

	if info.ParentRef != nil {
		e.notifyParent(ctx, info, status, res)
	}
}

// continueAsNew starts the next run of the chain under the run ID the
// terminal event promised. Attempt count and retry window reset; parent
// linkage carries over so the eventual real terminal correlates back.
func (e *Engine) continueAsNew(ctx context.Context, info *api.ExecutionInfo, startAttrs api.WorkflowStartedAttrs, res terminalResult) {
	_, err := e.startRun(ctx, startSpec{
		Domain:           info.Ref.Domain,
		WorkflowID:       info.Ref.WorkflowID,
		RunID:            res.continueRunID,
		WorkflowType:     startAttrs.WorkflowType,
		TaskList:         startAttrs.TaskList,
		Input:            res.continueInput,
		ExecutionTimeout: startAttrs.ExecutionTimeout,
		RetryPolicy:      startAttrs.RetryPolicy,
		Attempt:          1,
		FirstStartedAt:   e.now(),
		ParentRef:        startAttrs.ParentRef,
		ParentCommandID:  startAttrs.ParentCommandID,
	})
	if err != nil && !errors.Is(err, api.ErrWorkflowIDAlreadyRunning) {
		e.logger.ErrorContext(ctx, "continue-as-new start failed",
			slog.String("workflow_id", info.Ref.WorkflowID), slog.Any("error", err))
	}
}

// scheduleWorkflowRetry enqueues the next run attempt if the run's retry
// policy allows one. It reports whether a retry was scheduled; the parent
// is only notified once retries are exhausted.
func (e *Engine) scheduleWorkflowRetry(ctx context.Context, info *api.ExecutionInfo, startAttrs api.WorkflowStartedAttrs, now time.Time) bool {
	policy := startAttrs.RetryPolicy
	if policy == nil {
		return false
	}
	attempt := startAttrs.Attempt
	if attempt == 0 {
		attempt = 1
	}
	firstStartedAt := startAttrs.FirstStartedAt
	if firstStartedAt.IsZero() {
		firstStartedAt = info.StartedAt
	}
	next := attempt + 1
	if !policy.Allows(next, firstStartedAt, now) {
		return false
	}
	e.enqueueTimer(ctx, info.Ref, "", timerPayload{Kind: timerStartRun, Start: &startSpec{
		Domain:           info.Ref.Domain,
		WorkflowID:       info.Ref.WorkflowID,
		WorkflowType:     startAttrs.WorkflowType,
		TaskList:         startAttrs.TaskList,
		Input:            startAttrs.Input,
		ExecutionTimeout: startAttrs.ExecutionTimeout,
		RetryPolicy:      policy,
		Attempt:          next,
		FirstStartedAt:   firstStartedAt,
		ParentRef:        startAttrs.ParentRef,
		ParentCommandID:  startAttrs.ParentCommandID,
	}}, now.Add(policy.BackoffFor(next)))
	return true
}

// notifyParent appends the child's terminal as a correlation event on the
// parent log and wakes the parent. A closed parent means the child was
// abandoned; the result is dropped.
func (e *Engine) notifyParent(ctx context.Context, child *api.ExecutionInfo, status api.Status, res terminalResult) {
	parent := *child.ParentRef
	commandID := child.ParentCommandID

	var ev api.Event
	switch status {
	case api.StatusCompleted:
		ev = api.Event{Type: api.EventChildWorkflowCompleted, Attrs: api.ChildWorkflowCompletedAttrs{
			CommandID: commandID, Ref: child.Ref, Result: res.result,
		}}
	case api.StatusCanceled:
		ev = api.Event{Type: api.EventChildWorkflowCanceled, Attrs: api.ChildWorkflowCanceledAttrs{
			CommandID: commandID, Ref: child.Ref,
		}}
	default:
		reason := res.reason
		if res.err != nil && reason == "" {
			reason = res.err.Error()
		}
		ev = api.Event{Type: api.EventChildWorkflowFailed, Attrs: api.ChildWorkflowFailedAttrs{
			CommandID: commandID, Ref: child.Ref, Reason: reason,
		}}
	}

	appended, err := e.appendWithRetry(ctx, parent, func(events []api.Event) []api.Event {
		return []api.Event{ev}
	})
	if err != nil {
		if !errors.Is(err, api.ErrExecutionClosed) {
			e.logger.ErrorContext(ctx, "notify parent failed",
				slog.String("parent_run_id", parent.RunID), slog.Any("error", err))
		}
		return
	}
	if len(appended) > 0 {
		e.enqueueDecisionFor(ctx, parent)
	}
}

// applyParentClosePolicy delivers cancellation requests to the run's open
// children whose initiation asked for it. Abandoned children keep running.
func (e *Engine) applyParentClosePolicy(ctx context.Context, info *api.ExecutionInfo) {
	events, err := history.ReadAll(ctx, e.history, info.Ref)
	if err != nil {
		e.logger.ErrorContext(ctx, "read history for parent close failed",
			slog.String("run_id", info.Ref.RunID), slog.Any("error", err))
		return
	}
	cancelCommands := make(map[string]bool)
	for _, ev := range events {
		if attrs, ok := ev.Attrs.(api.ChildWorkflowInitiatedAttrs); ok &&
			attrs.ParentClosePolicy == api.ParentCloseRequestCancel {
			cancelCommands[attrs.CommandID] = true
		}
	}
	if len(cancelCommands) == 0 {
		return
	}

	ref := info.Ref
	children, err := e.executions.List(ctx, execution.Filter{ParentRef: &ref, OpenOnly: true})
	if err != nil {
		e.logger.ErrorContext(ctx, "list children failed",
			slog.String("run_id", info.Ref.RunID), slog.Any("error", err))
		return
	}
	for _, child := range children {
		if !cancelCommands[child.ParentCommandID] {
			continue
		}
		if err := e.RequestCancel(ctx, child.Ref.Domain, child.Ref.WorkflowID, "parent closed"); err != nil &&
			!errors.Is(err, api.ErrExecutionClosed) && !errors.Is(err, api.ErrExecutionNotFound) {
			e.logger.WarnContext(ctx, "cancel child failed",
				slog.String("child_run_id", child.Ref.RunID), slog.Any("error", err))
		}
	}
}
