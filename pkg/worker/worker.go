package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/korhaliv/loom/internal/engine"
	"github.com/korhaliv/loom/internal/replay"
	"github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/workflow"
)

// Options configures a Worker.
type Options struct {
	// Domain and TaskList select which queues the worker polls.
	Domain   string
	TaskList string

	// Identity names this worker in leases and history events. Defaults to
	// a generated id.
	Identity string

	// Concurrency is the number of concurrent pollers per queue kind.
	Concurrency int

	// LeaseDuration is how long a claimed task stays invisible to other
	// workers. Activity leases are heartbeated automatically while the
	// handler runs.
	LeaseDuration time.Duration

	Logger   *slog.Logger
	Observer api.Observer
}

func (o *Options) applyDefaults() {
	if o.Domain == "" {
		o.Domain = "default"
	}
	if o.TaskList == "" {
		o.TaskList = "default"
	}
	if o.Identity == "" {
		o.Identity = "worker-" + uuid.NewString()[:8]
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = api.NoopObserver{}
	}
}

// Worker polls the decision, activity and timer queues of one (domain, task
// list) pair and drives executions forward through the engine. Workers
// hold no state of their own; any number of them can serve the same task
// list.
type Worker struct {
	engine *engine.Engine
	queue  taskqueue.Queue
	reg    *registry
	opts   Options

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a Worker. Handlers must be registered before Start.
func New(eng *engine.Engine, queue taskqueue.Queue, opts Options) *Worker {
	opts.applyDefaults()
	return &Worker{
		engine: eng,
		queue:  queue,
		reg:    newRegistry(),
		opts:   opts,
	}
}

// RegisterWorkflow binds a workflow type name to its function. Registering
// the same name twice is an error.
func (w *Worker) RegisterWorkflow(name string, h workflow.Handler) error {
	return w.reg.registerWorkflow(name, h)
}

// RegisterActivity binds an activity type name to its implementation.
func (w *Worker) RegisterActivity(name string, h workflow.ActivityHandler) error {
	return w.reg.registerActivity(name, h)
}

// Start launches the poll loops. It returns immediately; use Stop to shut
// down. ctx bounds the whole worker lifetime.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error { return w.pollLoop(gctx, taskqueue.DecisionQueue(w.opts.Domain, w.opts.TaskList), w.processDecision) })
		g.Go(func() error { return w.pollLoop(gctx, taskqueue.ActivityQueue(w.opts.Domain, w.opts.TaskList), w.processActivity) })
	}
	g.Go(func() error { return w.pollLoop(gctx, taskqueue.TimerQueue(w.opts.Domain), w.processTimer) })

	w.started = true
	w.cancel = cancel
	w.group = g
	return nil
}

// Stop cancels the poll loops and waits for in-flight tasks to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel, group := w.cancel, w.group
	w.started = false
	w.mu.Unlock()

	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollLoop claims tasks from one queue until the context is done. Handler
// errors leave the task leased, so it redelivers after the lease expires.
func (w *Worker) pollLoop(ctx context.Context, queue string, handle func(ctx context.Context, lease *taskqueue.Lease) error) error {
	for {
		lease, err := w.queue.Poll(ctx, queue, w.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.opts.Logger.ErrorContext(ctx, "poll failed", slog.String("queue", queue), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := handle(ctx, lease); err != nil {
			w.opts.Logger.ErrorContext(ctx, "task failed, leaving for redelivery",
				slog.String("queue", queue),
				slog.String("task_id", lease.Task.ID),
				slog.String("run_id", lease.Task.Ref.RunID),
				slog.Any("error", err))
			continue
		}
		if err := w.queue.Complete(ctx, lease.ID); err != nil && !errors.Is(err, api.ErrLeaseExpired) {
			w.opts.Logger.ErrorContext(ctx, "complete task failed",
				slog.String("queue", queue), slog.Any("error", err))
		}
	}
}

// processDecision replays the execution's history under the decision lease
// and hands the result to the engine.
func (w *Worker) processDecision(ctx context.Context, lease *taskqueue.Lease) error {
	ref := lease.Task.Ref

	acquired, err := w.engine.AcquireDecisionLease(ctx, ref, w.opts.Identity, w.opts.LeaseDuration)
	if err != nil {
		if errors.Is(err, api.ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if !acquired {
		// Another worker is deciding this run right now. The task lease
		// will expire and redeliver if its decision does not cover ours.
		return errors.New("decision lease held elsewhere")
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := w.engine.ReleaseDecisionLease(releaseCtx, ref, w.opts.Identity); err != nil {
			w.opts.Logger.DebugContext(ctx, "release decision lease failed",
				slog.String("run_id", ref.RunID), slog.Any("error", err))
		}
	}()

	events, err := w.engine.History(ctx, ref)
	if err != nil {
		return err
	}
	if len(events) == 0 || events[len(events)-1].Type.IsTerminal() {
		// Stale wakeup for a run that already closed.
		return nil
	}
	startAttrs, ok := events[0].Attrs.(api.WorkflowStartedAttrs)
	if !ok {
		return fmt.Errorf("run %s: malformed history head %s", ref.RunID, events[0].Type)
	}
	handler, err := w.reg.workflowHandler(startAttrs.WorkflowType)
	if err != nil {
		// Another worker on this task list may have the binding.
		return err
	}

	started := time.Now()
	decision, replayErr := replay.Execute(ref, events, handler, w.opts.Logger)
	if replayErr != nil {
		if errors.Is(replayErr, api.ErrNonDeterministicHistory) {
			return w.engine.FailExecution(ctx, ref, replayErr.Error(), true)
		}
		return replayErr
	}
	return w.engine.CompleteDecision(ctx, ref, events, decision, w.opts.Identity, time.Since(started))
}

// processActivity invokes the bound activity handler while keeping the task
// lease alive, then feeds the outcome back through the engine.
func (w *Worker) processActivity(ctx context.Context, lease *taskqueue.Lease) error {
	stop := w.keepAlive(ctx, lease.ID)
	defer stop()

	return w.engine.HandleActivityTask(ctx, lease.Task, w.opts.Identity,
		func(ctx context.Context, activityType string, input any, attempt int) (result any, err error) {
			handler, err := w.reg.activityHandler(activityType)
			if err != nil {
				return nil, err
			}
			w.opts.Observer.OnActivityStarted(ctx, lease.Task.Ref, activityType, attempt)
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("activity panic: %v", r)
				}
				w.opts.Observer.OnActivityCompleted(ctx, lease.Task.Ref, activityType, attempt, err, time.Since(started))
			}()
			return handler(ctx, input)
		})
}

func (w *Worker) processTimer(ctx context.Context, lease *taskqueue.Lease) error {
	return w.engine.HandleTimer(ctx, lease.Task)
}

// keepAlive heartbeats a task lease until the returned stop function is
// called.
func (w *Worker) keepAlive(ctx context.Context, leaseID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := w.opts.LeaseDuration / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(hbCtx, leaseID, w.opts.LeaseDuration); err != nil {
					if !errors.Is(err, context.Canceled) {
						w.opts.Logger.WarnContext(hbCtx, "heartbeat failed",
							slog.String("lease_id", leaseID), slog.Any("error", err))
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
