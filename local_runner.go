package loom

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/korhaliv/loom/pkg/client"
	"github.com/korhaliv/loom/pkg/worker"
	"github.com/korhaliv/loom/pkg/workflow"
)

// LocalRunner bundles a Backend, a Runtime, one Worker and one Client into
// a single-process deployment for development, tests and small services.
//
// Typical usage:
//
//	runner := loom.NewLocalRunner(loom.LocalRunnerOptions{})
//	runner.RegisterWorkflow("Greet", greet)
//	runner.RegisterActivity("Compose", compose)
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	result, err := runner.ExecuteWorkflow(ctx, loom.StartOptions{
//		WorkflowType: "Greet",
//		Input:        "Bob",
//	})
type LocalRunner struct {
	Runtime *Runtime
	Worker  *worker.Worker
	Client  *client.Client

	domain string

	mu      sync.Mutex
	running bool
}

// LocalRunnerOptions configures a LocalRunner. The zero value gives an
// in-memory single-worker setup on the "default" domain and task list.
type LocalRunnerOptions struct {
	// Backend defaults to NewInMemoryBackend().
	Backend *Backend

	Domain   string
	TaskList string

	// Concurrency is the worker's pollers per queue kind.
	Concurrency int

	// LeaseDuration is the task lease TTL used by the worker.
	LeaseDuration time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// NewLocalRunner constructs the bundle without starting it.
func NewLocalRunner(opts LocalRunnerOptions) *LocalRunner {
	if opts.Backend == nil {
		opts.Backend = NewInMemoryBackend()
	}
	if opts.Domain == "" {
		opts.Domain = "default"
	}
	if opts.TaskList == "" {
		opts.TaskList = "default"
	}
	rt := NewRuntime(opts.Backend, RuntimeOptions{Observer: opts.Observer, Logger: opts.Logger})
	w := rt.NewWorker(worker.Options{
		Domain:        opts.Domain,
		TaskList:      opts.TaskList,
		Concurrency:   opts.Concurrency,
		LeaseDuration: opts.LeaseDuration,
	})
	return &LocalRunner{
		Runtime: rt,
		Worker:  w,
		Client:  rt.NewClient(opts.Domain),
		domain:  opts.Domain,
	}
}

// RegisterWorkflow binds a workflow type on the bundled worker.
func (r *LocalRunner) RegisterWorkflow(name string, h workflow.Handler) error {
	return r.Worker.RegisterWorkflow(name, h)
}

// RegisterActivity binds an activity type on the bundled worker.
func (r *LocalRunner) RegisterActivity(name string, h workflow.ActivityHandler) error {
	return r.Worker.RegisterActivity(name, h)
}

// Start recovers stranded work from the backend and starts the worker.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("loom: LocalRunner already started")
	}
	if err := r.Runtime.Recover(ctx, r.domain); err != nil {
		return err
	}
	if err := r.Worker.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop shuts the worker down and waits for in-flight tasks.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.Worker.Stop()
}

// ExecuteWorkflow starts an execution and blocks for its final result,
// following retries and continue-as-new runs.
func (r *LocalRunner) ExecuteWorkflow(ctx context.Context, opts StartOptions) (any, error) {
	return r.Client.ExecuteWorkflow(ctx, opts)
}
