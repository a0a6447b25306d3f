// Package loom is a durable workflow orchestration engine.
//
// A workflow is ordinary Go code that orchestrates activities, timers,
// signals and child workflows. Loom records every decision the workflow
// makes as events in an append-only log; when a process crashes, another
// worker replays the log through the same code and continues exactly where
// the last one stopped. The event log is the only source of truth — queues
// and the execution index are derived from it and can always be rebuilt.
//
// # Model
//
// An execution is one run of a workflow function, identified by (domain,
// workflow id, run id). Progress happens in decision tasks: a worker claims
// the task, replays the run's history against the registered function, and
// persists whatever new commands the function produced (schedule an
// activity, start a timer, start a child workflow, record a side effect)
// or its terminal result. Activities are where side effects live; they run
// at-least-once under lease-based delivery and their results are recorded
// back into history.
//
// Workflow code must be deterministic: given the same history it must make
// the same calls in the same order. Time, randomness and one-off effects go
// through the workflow Context (Now, Random, SideEffect), which replays
// recorded values instead of recomputing them. Replay that diverges from
// history fails the execution with ErrNonDeterministicHistory rather than
// guessing.
//
// # Quick start
//
//	runner := loom.NewLocalRunner(loom.LocalRunnerOptions{})
//
//	runner.RegisterWorkflow("Greet", func(ctx loom.Context, input any) (any, error) {
//		return ctx.ExecuteActivity("Compose", input, loom.ActivityOptions{}).Get()
//	})
//	runner.RegisterActivity("Compose", func(ctx context.Context, input any) (any, error) {
//		return "Hello " + input.(string) + "!", nil
//	})
//
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	result, err := runner.ExecuteWorkflow(ctx, loom.StartOptions{
//		WorkflowType: "Greet",
//		Input:        "Bob",
//	})
//
// # Deployment shapes
//
// LocalRunner is the single-process bundle. For anything larger, build the
// pieces yourself: a Backend (in-memory, SQLite, or the postgres submodule)
// shared by every process, a Runtime per process, and as many Workers and
// Clients as the topology needs. Workers polling the same task list share
// the load; per-execution decision leases keep two of them from deciding
// the same run at once.
//
//	db, _ := sql.Open("sqlite", "file:loom.db?_journal=WAL")
//	backend, _ := loom.NewSQLiteBackend(db)
//	rt := loom.NewRuntime(backend, loom.RuntimeOptions{})
//	w := rt.NewWorker(worker.Options{Domain: "billing", TaskList: "invoices"})
//
// # Retries, timeouts and cancellation
//
// Activities and whole workflows carry an optional RetryPolicy: exponential
// backoff from InitialInterval by BackoffCoefficient, capped by MaxAttempts
// and an overall Expiration window. Executions can carry a start-to-close
// ExecutionTimeout. Cancellation is cooperative: RequestCancel records the
// request in history and the workflow observes it via CancelRequested and
// unwinds on its own terms; Terminate is the hard stop that runs no
// workflow code.
//
// # Observability
//
// Structured logging uses log/slog throughout. Engine and worker lifecycle
// events flow through the Observer interface; NewLoggingObserver,
// BasicMetrics and NewCompositeObserver cover the common cases. Workflow
// code logs through ctx.Logger(), which suppresses output during replay so
// each line appears once per execution rather than once per replay.
package loom
