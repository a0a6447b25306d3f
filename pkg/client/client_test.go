package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/korhaliv/loom/internal/engine"
	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/client"
	"github.com/korhaliv/loom/pkg/worker"
	"github.com/korhaliv/loom/pkg/workflow"
)

func newHarness(t *testing.T) (*client.Client, *worker.Worker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := taskqueue.NewInMemoryQueue()
	eng := engine.New(history.NewInMemoryStore(), q, execution.NewInMemoryStore(), engine.Options{Logger: logger})
	w := worker.New(eng, q, worker.Options{
		Domain:        "test",
		TaskList:      "default",
		LeaseDuration: 250 * time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, w.Stop()) })
	return client.New(eng, client.Options{Domain: "test", Logger: logger}), w
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExecuteWorkflow(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("greeting", func(wctx workflow.Context, input any) (any, error) {
		return wctx.ExecuteActivity("compose", input, workflow.ActivityOptions{}).Get()
	}))
	require.NoError(t, w.RegisterActivity("compose", func(ctx context.Context, input any) (any, error) {
		return "Hello " + input.(string) + "!", nil
	}))

	result, err := c.ExecuteWorkflow(ctx, client.StartOptions{
		WorkflowType: "greeting",
		WorkflowID:   "greet-bob",
		Input:        "Bob",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello Bob!", result)
}

func TestStartExecutionRejectsOpenDuplicate(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("waits", func(wctx workflow.Context, input any) (any, error) {
		return wctx.GetSignal("go").Get()
	}))

	_, err := c.StartExecution(ctx, client.StartOptions{WorkflowType: "waits", WorkflowID: "dup"})
	require.NoError(t, err)

	_, err = c.StartExecution(ctx, client.StartOptions{WorkflowType: "waits", WorkflowID: "dup"})
	require.ErrorIs(t, err, api.ErrWorkflowIDAlreadyRunning)

	// Once the first run closes, the workflow ID is reusable.
	require.NoError(t, c.Signal(ctx, "dup", "go", nil))
	ref, err := c.CurrentRun(ctx, "dup")
	require.NoError(t, err)
	_, err = c.GetResult(ctx, ref.Ref)
	require.NoError(t, err)

	_, err = c.StartExecution(ctx, client.StartOptions{WorkflowType: "waits", WorkflowID: "dup"})
	require.NoError(t, err)
}

func TestGetResultFollowsRetryChain(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("fails-once", func(wctx workflow.Context, input any) (any, error) {
		if wctx.Attempt() == 1 {
			return nil, errors.New("first attempt fails")
		}
		return "second attempt wins", nil
	}))

	ref, err := c.StartExecution(ctx, client.StartOptions{
		WorkflowType: "fails-once",
		WorkflowID:   "retrying",
		RetryPolicy:  &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1.0, MaxAttempts: 3},
	})
	require.NoError(t, err)

	result, err := c.GetResult(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "second attempt wins", result)

	// The first run itself closed as failed; GetResult followed the chain.
	first, err := c.Describe(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, first.Status)
}

func TestGetResultExhaustedRetriesReturnLastError(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("always-fails", func(wctx workflow.Context, input any) (any, error) {
		return nil, errors.New("nope")
	}))

	result, err := c.ExecuteWorkflow(ctx, client.StartOptions{
		WorkflowType: "always-fails",
		WorkflowID:   "doomed",
		RetryPolicy:  &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1.0, MaxAttempts: 2},
	})
	require.Nil(t, result)
	require.EqualError(t, err, "nope")

	// Exactly two runs were attempted.
	final, err := c.CurrentRun(ctx, "doomed")
	require.NoError(t, err)
	require.Equal(t, 2, final.Attempt)
}

func TestGetResultFollowsContinueAsNew(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("counter", func(wctx workflow.Context, input any) (any, error) {
		n := input.(int)
		if n < 3 {
			return nil, workflow.NewContinueAsNewError(n + 1)
		}
		return n, nil
	}))

	result, err := c.ExecuteWorkflow(ctx, client.StartOptions{
		WorkflowType: "counter",
		WorkflowID:   "counting",
		Input:        1,
	})
	require.NoError(t, err)
	require.Equal(t, 3, result)
}

func TestGetResultTerminated(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("waits", func(wctx workflow.Context, input any) (any, error) {
		return wctx.GetSignal("never").Get()
	}))

	ref, err := c.StartExecution(ctx, client.StartOptions{WorkflowType: "waits", WorkflowID: "stuck"})
	require.NoError(t, err)
	require.NoError(t, c.Terminate(ctx, "stuck", "operator gave up"))

	_, err = c.GetResult(ctx, ref)
	var terminated *api.TerminatedError
	require.ErrorAs(t, err, &terminated)
	require.Equal(t, "operator gave up", terminated.Reason)
}

func TestGetResultExecutionTimeout(t *testing.T) {
	c, w := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, w.RegisterWorkflow("waits", func(wctx workflow.Context, input any) (any, error) {
		return wctx.GetSignal("never").Get()
	}))

	_, err := c.ExecuteWorkflow(ctx, client.StartOptions{
		WorkflowType:     "waits",
		WorkflowID:       "slow",
		ExecutionTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, api.ErrExecutionTimeout)
}
