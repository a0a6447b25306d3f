// Package client provides the application-facing API for starting,
// signaling and observing workflow executions.
//
// A Client is scoped to one domain. It talks directly to the engine and its
// stores; workers elsewhere do the actual workflow progress, so GetResult on
// an idle deployment blocks until a worker picks the execution up.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/korhaliv/loom/internal/engine"
	"github.com/korhaliv/loom/pkg/api"
)

const resultPollInterval = 20 * time.Millisecond

// Options configures a Client.
type Options struct {
	// Domain scopes every call. Defaults to "default".
	Domain string

	Logger *slog.Logger
}

// Client starts and manages workflow executions in one domain.
type Client struct {
	engine *engine.Engine
	domain string
	logger *slog.Logger
}

func New(eng *engine.Engine, opts Options) *Client {
	if opts.Domain == "" {
		opts.Domain = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{engine: eng, domain: opts.Domain, logger: opts.Logger}
}

// Domain returns the domain this client is scoped to.
func (c *Client) Domain() string { return c.domain }

// StartOptions describes a new top-level execution.
type StartOptions struct {
	// WorkflowID identifies the execution across runs. A random one is
	// minted when empty.
	WorkflowID string

	// WorkflowType names the workflow function registered on workers.
	WorkflowType string

	// TaskList routes the execution's tasks. Defaults to "default".
	TaskList string

	Input any

	// ExecutionTimeout bounds each run start-to-close. Zero means no bound.
	ExecutionTimeout time.Duration

	// RetryPolicy, if set, retries the whole workflow as a fresh run when
	// it fails.
	RetryPolicy *api.RetryPolicy
}

// StartExecution durably starts a workflow and returns once its first event
// is recorded. Starting a workflow ID that already has an open run fails
// with api.ErrWorkflowIDAlreadyRunning.
func (c *Client) StartExecution(ctx context.Context, opts StartOptions) (api.ExecutionRef, error) {
	if opts.WorkflowType == "" {
		return api.ExecutionRef{}, errors.New("workflow type is required")
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = uuid.NewString()
	}
	if opts.TaskList == "" {
		opts.TaskList = "default"
	}
	return c.engine.StartExecution(ctx, engine.StartRequest{
		Domain:           c.domain,
		WorkflowID:       opts.WorkflowID,
		WorkflowType:     opts.WorkflowType,
		TaskList:         opts.TaskList,
		Input:            opts.Input,
		ExecutionTimeout: opts.ExecutionTimeout,
		RetryPolicy:      opts.RetryPolicy,
	})
}

// GetResult blocks until the execution's run chain reaches a real terminal
// state and returns the final result or error. It follows continue-as-new
// successors and retry runs, so the caller observes the workflow's overall
// fate rather than a single run's.
func (c *Client) GetResult(ctx context.Context, ref api.ExecutionRef) (any, error) {
	current := ref
	for {
		events, err := c.engine.History(ctx, current)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			last := events[len(events)-1]
			if last.Type.IsTerminal() {
				next, result, done, err := c.resolveTerminal(ctx, current, events, last)
				if done {
					return result, err
				}
				if next != (api.ExecutionRef{}) {
					current = next
					continue
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resultPollInterval):
		}
	}
}

// resolveTerminal inspects a terminal event. done=false with a zero next
// means "a successor run is expected but not visible yet, keep polling".
func (c *Client) resolveTerminal(ctx context.Context, ref api.ExecutionRef, events []api.Event, terminal api.Event) (next api.ExecutionRef, result any, done bool, err error) {
	switch attrs := terminal.Attrs.(type) {
	case api.WorkflowCompletedAttrs:
		return api.ExecutionRef{}, attrs.Result, true, nil

	case api.WorkflowCanceledAttrs:
		return api.ExecutionRef{}, nil, true, &api.CanceledError{Reason: attrs.Reason}

	case api.WorkflowTerminatedAttrs:
		return api.ExecutionRef{}, nil, true, &api.TerminatedError{Reason: attrs.Reason}

	case api.WorkflowTimedOutAttrs:
		return api.ExecutionRef{}, nil, true, api.ErrExecutionTimeout

	case api.WorkflowContinuedAsNewAttrs:
		return api.ExecutionRef{Domain: ref.Domain, WorkflowID: ref.WorkflowID, RunID: attrs.NewRunID}, nil, false, nil

	case api.WorkflowFailedAttrs:
		if attrs.NonDeterministic {
			return api.ExecutionRef{}, nil, true, fmt.Errorf("%w: %s", api.ErrNonDeterministicHistory, attrs.Reason)
		}
		if retryRef, ok := c.retrySuccessor(ctx, ref, events, terminal); ok {
			return retryRef, nil, false, nil
		}
		return api.ExecutionRef{}, nil, true, errors.New(attrs.Reason)

	default:
		return api.ExecutionRef{}, nil, true, fmt.Errorf("run %s: unexpected terminal event %s", ref.RunID, terminal.Type)
	}
}

// retrySuccessor reports whether the engine retries this failed run, and if
// the successor run is already visible, which one it is. A zero ref with
// ok=true means the retry is still pending (backoff).
func (c *Client) retrySuccessor(ctx context.Context, ref api.ExecutionRef, events []api.Event, terminal api.Event) (api.ExecutionRef, bool) {
	start, ok := events[0].Attrs.(api.WorkflowStartedAttrs)
	if !ok || start.RetryPolicy == nil {
		return api.ExecutionRef{}, false
	}
	attempt := start.Attempt
	if attempt == 0 {
		attempt = 1
	}
	firstStartedAt := start.FirstStartedAt
	if firstStartedAt.IsZero() {
		firstStartedAt = events[0].Time
	}
	if !start.RetryPolicy.Allows(attempt+1, firstStartedAt, terminal.Time) {
		return api.ExecutionRef{}, false
	}
	info, err := c.engine.CurrentRun(ctx, ref.Domain, ref.WorkflowID)
	if err == nil && info.Ref.RunID != ref.RunID {
		return info.Ref, true
	}
	return api.ExecutionRef{}, true
}

// ExecuteWorkflow starts an execution and waits for its result.
func (c *Client) ExecuteWorkflow(ctx context.Context, opts StartOptions) (any, error) {
	ref, err := c.StartExecution(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c.GetResult(ctx, ref)
}

// Signal delivers a named payload to the current run of workflowID. It
// fails with api.ErrExecutionClosed when no run is open.
func (c *Client) Signal(ctx context.Context, workflowID, name string, payload any) error {
	return c.engine.Signal(ctx, c.domain, workflowID, name, payload)
}

// RequestCancel asks the current run of workflowID to cancel cooperatively.
func (c *Client) RequestCancel(ctx context.Context, workflowID, reason string) error {
	return c.engine.RequestCancel(ctx, c.domain, workflowID, reason)
}

// Terminate force-closes the current run of workflowID without running any
// workflow code.
func (c *Client) Terminate(ctx context.Context, workflowID, reason string) error {
	return c.engine.Terminate(ctx, c.domain, workflowID, reason)
}

// GetHistory returns the full event log of a run.
func (c *Client) GetHistory(ctx context.Context, ref api.ExecutionRef) ([]api.Event, error) {
	return c.engine.History(ctx, ref)
}

// Describe returns the index record for a run.
func (c *Client) Describe(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error) {
	return c.engine.Describe(ctx, ref)
}

// CurrentRun returns the most recent run for a workflow ID.
func (c *Client) CurrentRun(ctx context.Context, workflowID string) (*api.ExecutionInfo, error) {
	return c.engine.CurrentRun(ctx, c.domain, workflowID)
}
