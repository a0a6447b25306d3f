// Package worker provides the background worker that drives loom workflow
// executions forward.
//
// Workers poll the decision, activity and timer queues of one (domain, task
// list) pair. Decision tasks are served by replaying the execution's
// recorded history against the registered workflow function and persisting
// the commands it produces; activity tasks invoke registered activity
// implementations; timer tasks are forwarded to the engine when they come
// due.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling task queues for pending work
//   - Acquiring the per-execution decision lease before replaying history
//   - Replaying workflow functions deterministically
//   - Invoking activity handlers, with automatic lease heartbeats and panic
//     recovery
//   - Reporting lifecycle events via observers
//
// Workers are long-lived components. Multiple workers can safely serve the
// same task list; leases keep them from stepping on each other, and task
// redelivery means a crashed worker's work is picked up elsewhere.
//
// # Registration
//
// Workflow and activity functions are bound by name before Start:
//
//	w := worker.New(eng, queue, worker.Options{Domain: "orders", TaskList: "main"})
//	w.RegisterWorkflow("ProcessOrder", processOrder)
//	w.RegisterActivity("ChargeCard", chargeCard)
//	w.Start(ctx)
//
// A task for an unregistered type is left on the queue for a worker that
// has the binding.
//
// # Integration
//
// Workers are decoupled from any particular backend: they rely on the queue
// and engine interfaces, so in-memory, SQLite and Postgres deployments use
// the same worker. Most applications construct workers via helpers in the
// loom package, which wire stores, engine and observers together.
package worker
