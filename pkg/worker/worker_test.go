package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/korhaliv/loom/internal/engine"
	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/worker"
	"github.com/korhaliv/loom/pkg/workflow"
)

func newHarness(t *testing.T) (*engine.Engine, *worker.Worker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := taskqueue.NewInMemoryQueue()
	eng := engine.New(history.NewInMemoryStore(), q, execution.NewInMemoryStore(), engine.Options{Logger: logger})
	w := worker.New(eng, q, worker.Options{
		Domain:        "test",
		TaskList:      "hello",
		LeaseDuration: 250 * time.Millisecond,
		Logger:        logger,
	})
	return eng, w
}

func startWorker(t *testing.T, w *worker.Worker) {
	t.Helper()
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, w.Stop()) })
}

func awaitStatus(t *testing.T, eng *engine.Engine, ref api.ExecutionRef, want api.Status) *api.ExecutionInfo {
	t.Helper()
	var info *api.ExecutionInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = eng.Describe(context.Background(), ref)
		return err == nil && info.Status == want
	}, 10*time.Second, 10*time.Millisecond, "execution never reached %s", want)
	return info
}

func lastEvent(t *testing.T, eng *engine.Engine, ref api.ExecutionRef) api.Event {
	t.Helper()
	events, err := eng.History(context.Background(), ref)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestWorkerRunsWorkflowToCompletion(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("greeting", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteActivity("compose", input, workflow.ActivityOptions{}).Get()
	}))
	require.NoError(t, w.RegisterActivity("compose", func(ctx context.Context, input any) (any, error) {
		return "Hello " + input.(string) + "!", nil
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-1", WorkflowType: "greeting", TaskList: "hello", Input: "Bob",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusCompleted)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, api.EventWorkflowCompleted, terminal.Type)
	require.Equal(t, "Hello Bob!", terminal.Attrs.(api.WorkflowCompletedAttrs).Result)
}

func TestWorkerRetriesActivityUntilSuccess(t *testing.T) {
	eng, w := newHarness(t)

	var calls atomic.Int32
	require.NoError(t, w.RegisterWorkflow("flaky-flow", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteActivity("flaky", input, workflow.ActivityOptions{
			RetryPolicy: &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1.0, MaxAttempts: 5},
		}).Get()
	}))
	require.NoError(t, w.RegisterActivity("flaky", func(ctx context.Context, input any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-retry", WorkflowType: "flaky-flow", TaskList: "hello",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusCompleted)
	require.Equal(t, int32(3), calls.Load())
}

func TestWorkerActivityExhaustionFailsWorkflow(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("doomed-flow", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteActivity("doomed", input, workflow.ActivityOptions{
			RetryPolicy: &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1.0, MaxAttempts: 2},
		}).Get()
	}))
	require.NoError(t, w.RegisterActivity("doomed", func(ctx context.Context, input any) (any, error) {
		return nil, errors.New("nope")
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-doomed", WorkflowType: "doomed-flow", TaskList: "hello",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusFailed)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, api.EventWorkflowFailed, terminal.Type)
	require.Contains(t, terminal.Attrs.(api.WorkflowFailedAttrs).Reason, "failed after 2 attempt(s)")
}

func TestWorkerActivityPanicFailsInvocation(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("panicky-flow", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteActivity("panicky", input, workflow.ActivityOptions{}).Get()
	}))
	require.NoError(t, w.RegisterActivity("panicky", func(ctx context.Context, input any) (any, error) {
		panic("kaboom")
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-panic", WorkflowType: "panicky-flow", TaskList: "hello",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusFailed)
	terminal := lastEvent(t, eng, ref)
	require.Contains(t, terminal.Attrs.(api.WorkflowFailedAttrs).Reason, "activity panic")
	require.Contains(t, terminal.Attrs.(api.WorkflowFailedAttrs).Reason, "kaboom")
}

func TestWorkerDeliversSignal(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("waits-for-approval", func(ctx workflow.Context, input any) (any, error) {
		return ctx.GetSignal("approval").Get()
	}))
	startWorker(t, w)

	ctx := context.Background()
	ref, err := eng.StartExecution(ctx, engine.StartRequest{
		Domain: "test", WorkflowID: "wf-signal", WorkflowType: "waits-for-approval", TaskList: "hello",
	})
	require.NoError(t, err)

	require.NoError(t, eng.Signal(ctx, "test", "wf-signal", "approval", "granted"))

	awaitStatus(t, eng, ref, api.StatusCompleted)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, "granted", terminal.Attrs.(api.WorkflowCompletedAttrs).Result)
}

func TestWorkerFiresTimers(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("naps", func(ctx workflow.Context, input any) (any, error) {
		if err := ctx.Sleep(20 * time.Millisecond); err != nil {
			return nil, err
		}
		return "rested", nil
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-timer", WorkflowType: "naps", TaskList: "hello",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusCompleted)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, "rested", terminal.Attrs.(api.WorkflowCompletedAttrs).Result)
}

func TestWorkerObservesCancellation(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("cancellable", func(ctx workflow.Context, input any) (any, error) {
		if err := ctx.Sleep(300 * time.Millisecond); err != nil {
			return nil, err
		}
		if ctx.CancelRequested() {
			return nil, &api.CanceledError{Reason: "unwound cleanly"}
		}
		return "finished", nil
	}))
	startWorker(t, w)

	ctx := context.Background()
	ref, err := eng.StartExecution(ctx, engine.StartRequest{
		Domain: "test", WorkflowID: "wf-cancel", WorkflowType: "cancellable", TaskList: "hello",
	})
	require.NoError(t, err)
	require.NoError(t, eng.RequestCancel(ctx, "test", "wf-cancel", "operator"))

	awaitStatus(t, eng, ref, api.StatusCanceled)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, api.EventWorkflowCanceled, terminal.Type)
	require.Equal(t, "unwound cleanly", terminal.Attrs.(api.WorkflowCanceledAttrs).Reason)
}

func TestWorkerRunsChildWorkflows(t *testing.T) {
	eng, w := newHarness(t)

	require.NoError(t, w.RegisterWorkflow("parent", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteChildWorkflow("child", input, workflow.ChildWorkflowOptions{}).Get()
	}))
	require.NoError(t, w.RegisterWorkflow("child", func(ctx workflow.Context, input any) (any, error) {
		return ctx.ExecuteActivity("compose", input, workflow.ActivityOptions{}).Get()
	}))
	require.NoError(t, w.RegisterActivity("compose", func(ctx context.Context, input any) (any, error) {
		return "Hello " + input.(string) + "!", nil
	}))
	startWorker(t, w)

	ref, err := eng.StartExecution(context.Background(), engine.StartRequest{
		Domain: "test", WorkflowID: "wf-parent", WorkflowType: "parent", TaskList: "hello", Input: "Bob",
	})
	require.NoError(t, err)

	awaitStatus(t, eng, ref, api.StatusCompleted)
	terminal := lastEvent(t, eng, ref)
	require.Equal(t, "Hello Bob!", terminal.Attrs.(api.WorkflowCompletedAttrs).Result)

	child, err := eng.CurrentRun(context.Background(), "test", "wf-parent-child-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, child.Status)
	require.Equal(t, ref, *child.ParentRef)
}
