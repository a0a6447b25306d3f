package loom

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/korhaliv/loom/internal/engine"
	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/client"
	"github.com/korhaliv/loom/pkg/worker"
	"github.com/korhaliv/loom/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api and
// pkg/workflow.

type (
	Status               = api.Status
	ExecutionRef         = api.ExecutionRef
	ExecutionInfo        = api.ExecutionInfo
	Event                = api.Event
	EventType            = api.EventType
	RetryPolicy          = api.RetryPolicy
	ParentClosePolicy    = api.ParentClosePolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Context              = workflow.Context
	Future               = workflow.Future
	ChildFuture          = workflow.ChildFuture
	Handler              = workflow.Handler
	ActivityHandler      = workflow.ActivityHandler
	ActivityOptions      = workflow.ActivityOptions
	ChildWorkflowOptions = workflow.ChildWorkflowOptions

	StartOptions = client.StartOptions
	Client       = client.Client
	Worker       = worker.Worker

	ActivityError      = api.ActivityError
	ChildWorkflowError = api.ChildWorkflowError
	CanceledError      = api.CanceledError
	TerminatedError    = api.TerminatedError
)

// Re-export common observer helpers.

var (
	NewLoggingObserver    = api.NewLoggingObserver
	NewCompositeObserver  = api.NewCompositeObserver
	NewContinueAsNewError = workflow.NewContinueAsNewError
)

// Re-export status values for convenience.

const (
	StatusRunning        = api.StatusRunning
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed
	StatusCanceled       = api.StatusCanceled
	StatusTimedOut       = api.StatusTimedOut
	StatusContinuedAsNew = api.StatusContinuedAsNew
	StatusTerminated     = api.StatusTerminated

	ParentCloseAbandon       = api.ParentCloseAbandon
	ParentCloseRequestCancel = api.ParentCloseRequestCancel
)

// Re-export error sentinels.

var (
	ErrWorkflowIDAlreadyRunning = api.ErrWorkflowIDAlreadyRunning
	ErrExecutionNotFound        = api.ErrExecutionNotFound
	ErrExecutionClosed          = api.ErrExecutionClosed
	ErrNonDeterministicHistory  = api.ErrNonDeterministicHistory
	ErrExecutionTimeout         = api.ErrExecutionTimeout
)

// Backend bundles the three stores an engine runs on. All of them must
// share fate: either all in-memory or all on the same database.
type Backend struct {
	History    history.Store
	Tasks      taskqueue.Queue
	Executions execution.Store
}

// NewInMemoryBackend returns a Backend that keeps everything in process
// memory. Intended for tests and local development; nothing survives a
// restart.
func NewInMemoryBackend() *Backend {
	return &Backend{
		History:    history.NewInMemoryStore(),
		Tasks:      taskqueue.NewInMemoryQueue(),
		Executions: execution.NewInMemoryStore(),
	}
}

// NewSQLiteBackend returns a Backend persisting event logs, tasks and the
// execution index in the given SQLite database. The schema is created if
// missing.
//
//	db, _ := sql.Open("sqlite", "file:loom.db?_journal=WAL")
//	backend, err := loom.NewSQLiteBackend(db)
func NewSQLiteBackend(db *sql.DB) (*Backend, error) {
	h, err := history.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	ex, err := execution.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return &Backend{History: h, Tasks: q, Executions: ex}, nil
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Observer api.Observer
	Logger   *slog.Logger
}

// Runtime wires a Backend to the coordinator. Clients and workers are
// created from it; any number of each can share one Runtime, and separate
// processes sharing the same database behave as one deployment.
type Runtime struct {
	Backend *Backend

	engine   *engine.Engine
	observer api.Observer
	logger   *slog.Logger
}

func NewRuntime(b *Backend, opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	eng := engine.New(b.History, b.Tasks, b.Executions, engine.Options{
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	return &Runtime{
		Backend:  b,
		engine:   eng,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// NewClient returns a Client scoped to the given domain.
func (r *Runtime) NewClient(domain string) *client.Client {
	return client.New(r.engine, client.Options{Domain: domain, Logger: r.logger})
}

// NewWorker returns a Worker polling the runtime's queues. Logger and
// observer default to the runtime's unless set in opts.
func (r *Runtime) NewWorker(opts worker.Options) *worker.Worker {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Observer == nil {
		opts.Observer = r.observer
	}
	return worker.New(r.engine, r.Backend.Tasks, opts)
}

// Recover re-derives lost tasks for every open execution in a domain from
// its event log. Run it once on process start for durable backends.
func (r *Runtime) Recover(ctx context.Context, domain string) error {
	return r.engine.RecoverExecutions(ctx, domain)
}
