// Package engine is the coordinator between the event log, the execution
// index and the task queues. It owns every state transition: starting runs,
// persisting decision results, driving activity retries, firing timers,
// delivering signals and cancellations, and correlating child workflow
// results back to their parents.
//
// Workers stay thin: they replay history and invoke handlers, then hand the
// result to the engine. All durability decisions happen here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
)

const (
	// appendRetries bounds optimistic-concurrency retries on internal
	// appends (activity outcomes, timers, signals, parent correlation).
	// Decision appends are not retried; a conflict there requeues the
	// decision task instead.
	appendRetries = 8

	appendRetryDelay = 5 * time.Millisecond
)

// Engine coordinates the stores. It is safe for concurrent use.
type Engine struct {
	history    history.Store
	tasks      taskqueue.Queue
	executions execution.Store

	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Options configures optional engine collaborators.
type Options struct {
	Observer api.Observer
	Logger   *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func New(h history.Store, q taskqueue.Queue, s execution.Store, opts Options) *Engine {
	e := &Engine{
		history:    h,
		tasks:      q,
		executions: s,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Clock,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// StartRequest starts a new top-level execution.
type StartRequest struct {
	Domain           string
	WorkflowID       string
	WorkflowType     string
	TaskList         string
	Input            any
	ExecutionTimeout time.Duration
	RetryPolicy      *api.RetryPolicy
}

// StartExecution creates a run, durably records its WorkflowStarted event
// and enqueues the first decision task. It fails with
// api.ErrWorkflowIDAlreadyRunning while an open run exists for the same
// workflow ID.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (api.ExecutionRef, error) {
	if req.Domain == "" || req.WorkflowID == "" || req.WorkflowType == "" || req.TaskList == "" {
		return api.ExecutionRef{}, errors.New("domain, workflow id, workflow type and task list are required")
	}
	return e.startRun(ctx, startSpec{
		Domain:           req.Domain,
		WorkflowID:       req.WorkflowID,
		WorkflowType:     req.WorkflowType,
		TaskList:         req.TaskList,
		Input:            req.Input,
		ExecutionTimeout: req.ExecutionTimeout,
		RetryPolicy:      req.RetryPolicy,
		Attempt:          1,
		FirstStartedAt:   e.now(),
	})
}

// startRun is the single entry point for creating runs: client starts,
// child workflows, workflow retries and continue-as-new.
func (e *Engine) startRun(ctx context.Context, spec startSpec) (api.ExecutionRef, error) {
	runID := spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ref := api.ExecutionRef{Domain: spec.Domain, WorkflowID: spec.WorkflowID, RunID: runID}
	now := e.now()

	info := api.ExecutionInfo{
		Ref:              ref,
		WorkflowType:     spec.WorkflowType,
		TaskList:         spec.TaskList,
		Status:           api.StatusRunning,
		StartedAt:        now,
		ExecutionTimeout: spec.ExecutionTimeout,
		Attempt:          spec.Attempt,
		ParentRef:        spec.ParentRef,
		ParentCommandID:  spec.ParentCommandID,
	}
	if err := e.executions.Create(ctx, info); err != nil {
		return api.ExecutionRef{}, err
	}

	started := api.Event{
		Type: api.EventWorkflowStarted,
		Time: now,
		Attrs: api.WorkflowStartedAttrs{
			WorkflowType:     spec.WorkflowType,
			TaskList:         spec.TaskList,
			Input:            spec.Input,
			ExecutionTimeout: spec.ExecutionTimeout,
			Attempt:          spec.Attempt,
			RetryPolicy:      spec.RetryPolicy,
			ParentRef:        spec.ParentRef,
			ParentCommandID:  spec.ParentCommandID,
			FirstStartedAt:   spec.FirstStartedAt,
		},
	}
	if _, err := e.history.Append(ctx, ref, 1, []api.Event{started}); err != nil {
		return api.ExecutionRef{}, fmt.Errorf("append WorkflowStarted: %w", err)
	}

	e.observer.OnExecutionStarted(ctx, &info)

	if spec.ParentRef != nil {
		e.recordChildStarted(ctx, *spec.ParentRef, spec.ParentCommandID, ref)
	}

	e.enqueueDecision(ctx, ref, spec.TaskList)

	if spec.ExecutionTimeout > 0 {
		e.enqueueTimer(ctx, ref, "", timerPayload{Kind: timerExecutionTimeout}, now.Add(spec.ExecutionTimeout))
	}
	return ref, nil
}

// recordChildStarted resolves the parent's Started future for this child
// command. Retried child runs do not re-resolve it; the future observed the
// first run.
func (e *Engine) recordChildStarted(ctx context.Context, parent api.ExecutionRef, commandID string, child api.ExecutionRef) {
	appended, err := e.appendWithRetry(ctx, parent, func(events []api.Event) []api.Event {
		for _, ev := range events {
			if attrs, ok := ev.Attrs.(api.ChildWorkflowStartedAttrs); ok && attrs.CommandID == commandID {
				return nil
			}
		}
		return []api.Event{{
			Type:  api.EventChildWorkflowStarted,
			Attrs: api.ChildWorkflowStartedAttrs{CommandID: commandID, Ref: child},
		}}
	})
	if err != nil && !errors.Is(err, api.ErrExecutionClosed) {
		e.logger.ErrorContext(ctx, "record child started failed",
			slog.String("parent_run_id", parent.RunID), slog.Any("error", err))
		return
	}
	if len(appended) > 0 {
		e.enqueueDecisionFor(ctx, parent)
	}
}

// Signal appends a SignalReceived event to the current run of workflowID and
// wakes it with a decision task. Signaling a closed execution fails with
// api.ErrExecutionClosed.
func (e *Engine) Signal(ctx context.Context, domain, workflowID, name string, payload any) error {
	if name == "" {
		return errors.New("signal name is required")
	}
	info, err := e.executions.CurrentRun(ctx, domain, workflowID)
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return api.ErrExecutionClosed
	}
	_, err = e.appendWithRetry(ctx, info.Ref, func(events []api.Event) []api.Event {
		return []api.Event{{
			Type:  api.EventSignalReceived,
			Attrs: api.SignalReceivedAttrs{Name: name, Payload: payload},
		}}
	})
	if err != nil {
		return err
	}
	e.enqueueDecision(ctx, info.Ref, info.TaskList)
	return nil
}

// RequestCancel records a cooperative cancellation request against the
// current run of workflowID. The workflow observes it via CancelRequested
// and decides how to unwind; nothing is forced.
func (e *Engine) RequestCancel(ctx context.Context, domain, workflowID, reason string) error {
	info, err := e.executions.CurrentRun(ctx, domain, workflowID)
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return api.ErrExecutionClosed
	}
	appended, err := e.appendWithRetry(ctx, info.Ref, func(events []api.Event) []api.Event {
		for _, ev := range events {
			if ev.Type == api.EventCancelRequested {
				return nil
			}
		}
		return []api.Event{{
			Type:  api.EventCancelRequested,
			Attrs: api.CancelRequestedAttrs{Reason: reason},
		}}
	})
	if err != nil {
		return err
	}
	if len(appended) > 0 {
		e.enqueueDecision(ctx, info.Ref, info.TaskList)
	}
	return nil
}

// Terminate force-closes the current run of workflowID without running any
// workflow code. Pending activity results arriving afterwards are dropped
// against the closed log.
func (e *Engine) Terminate(ctx context.Context, domain, workflowID, reason string) error {
	info, err := e.executions.CurrentRun(ctx, domain, workflowID)
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return api.ErrExecutionClosed
	}
	var all []api.Event
	_, err = e.appendWithRetry(ctx, info.Ref, func(events []api.Event) []api.Event {
		all = events
		return []api.Event{{
			Type:  api.EventWorkflowTerminated,
			Attrs: api.WorkflowTerminatedAttrs{Reason: reason},
		}}
	})
	if err != nil {
		return err
	}
	e.finalizeRun(ctx, info, startAttrsOf(all), api.StatusTerminated, terminalResult{
		err: &api.TerminatedError{Reason: reason},
	})
	return nil
}

// History returns the full event log of a run.
func (e *Engine) History(ctx context.Context, ref api.ExecutionRef) ([]api.Event, error) {
	return history.ReadAll(ctx, e.history, ref)
}

// Describe returns the index record for a specific run.
func (e *Engine) Describe(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error) {
	return e.executions.Get(ctx, ref)
}

// CurrentRun returns the most recent run for a workflow ID.
func (e *Engine) CurrentRun(ctx context.Context, domain, workflowID string) (*api.ExecutionInfo, error) {
	return e.executions.CurrentRun(ctx, domain, workflowID)
}

// ListExecutions returns index records matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, filter execution.Filter) ([]*api.ExecutionInfo, error) {
	return e.executions.List(ctx, filter)
}

// AcquireDecisionLease claims the per-execution decision lease before a
// worker replays history. It returns false without error when another
// worker holds it; the caller should leave the task for redelivery.
func (e *Engine) AcquireDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) (bool, error) {
	return e.executions.TryAcquireDecisionLease(ctx, ref, owner, ttl)
}

// ReleaseDecisionLease gives the decision lease back after a decision task
// finishes. Releasing a lease that already expired is a no-op.
func (e *Engine) ReleaseDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string) error {
	return e.executions.ReleaseDecisionLease(ctx, ref, owner)
}

// appendWithRetry appends the events produced by build under optimistic
// concurrency, re-reading the log and rebuilding on conflict. build returning
// nil means the append is no longer needed (another writer got there first);
// the returned slice reports what was actually appended.
func (e *Engine) appendWithRetry(ctx context.Context, ref api.ExecutionRef, build func(events []api.Event) []api.Event) ([]api.Event, error) {
	var appended []api.Event
	backoff := retry.WithMaxRetries(appendRetries, retry.NewConstant(appendRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		events, err := history.ReadAll(ctx, e.history, ref)
		if err != nil {
			return err
		}
		appended = build(events)
		if len(appended) == 0 {
			return nil
		}
		now := e.now()
		for i := range appended {
			appended[i].Time = now
		}
		if _, err := e.history.Append(ctx, ref, history.NextSeq(events), appended); err != nil {
			if errors.Is(err, api.ErrConcurrentAppend) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

func (e *Engine) enqueueDecision(ctx context.Context, ref api.ExecutionRef, taskList string) {
	e.enqueue(ctx, taskqueue.DecisionQueue(ref.Domain, taskList), taskqueue.Task{
		ID:   uuid.NewString(),
		Type: taskqueue.TaskDecision,
		Ref:  ref,
	})
}

// enqueueDecisionFor looks the task list up from the index first.
func (e *Engine) enqueueDecisionFor(ctx context.Context, ref api.ExecutionRef) {
	info, err := e.executions.Get(ctx, ref)
	if err != nil {
		e.logger.ErrorContext(ctx, "resolve task list failed",
			slog.String("run_id", ref.RunID), slog.Any("error", err))
		return
	}
	e.enqueueDecision(ctx, ref, info.TaskList)
}

func (e *Engine) enqueueActivity(ctx context.Context, ref api.ExecutionRef, taskList, commandID string, p activityPayload, notBefore time.Time) {
	e.enqueue(ctx, taskqueue.ActivityQueue(ref.Domain, taskList), taskqueue.Task{
		ID:        uuid.NewString(),
		Type:      taskqueue.TaskActivity,
		Ref:       ref,
		CommandID: commandID,
		Payload:   p,
		NotBefore: notBefore,
	})
}

func (e *Engine) enqueueTimer(ctx context.Context, ref api.ExecutionRef, commandID string, p timerPayload, notBefore time.Time) {
	e.enqueue(ctx, taskqueue.TimerQueue(ref.Domain), taskqueue.Task{
		ID:        uuid.NewString(),
		Type:      taskqueue.TaskTimer,
		Ref:       ref,
		CommandID: commandID,
		Payload:   p,
		NotBefore: notBefore,
	})
}

func (e *Engine) enqueue(ctx context.Context, queue string, t taskqueue.Task) {
	t.EnqueuedAt = e.now()
	if err := e.tasks.Enqueue(ctx, queue, t); err != nil {
		// The recovery sweep re-derives lost tasks from history.
		e.logger.ErrorContext(ctx, "enqueue failed",
			slog.String("queue", queue),
			slog.String("task_type", string(t.Type)),
			slog.String("run_id", t.Ref.RunID),
			slog.Any("error", err))
	}
}

func startAttrsOf(events []api.Event) api.WorkflowStartedAttrs {
	if len(events) > 0 {
		if attrs, ok := events[0].Attrs.(api.WorkflowStartedAttrs); ok {
			return attrs
		}
	}
	return api.WorkflowStartedAttrs{}
}
