package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and worker runtime for logging
// and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task processing.
type Observer interface {
	// OnExecutionStarted is called once when an execution's WorkflowStarted
	// event has been durably appended.
	OnExecutionStarted(ctx context.Context, info *ExecutionInfo)

	// OnExecutionClosed is called when a terminal event is appended. status
	// is the closing status; err is non-nil for failed, canceled, timed out
	// and terminated executions.
	OnExecutionClosed(ctx context.Context, info *ExecutionInfo, status Status, err error)

	// OnDecisionCompleted is called after a decision task has been replayed
	// and its commands persisted. commandCount is zero for decisions that
	// produced nothing new.
	OnDecisionCompleted(ctx context.Context, ref ExecutionRef, commandCount int, d time.Duration)

	// OnActivityStarted is called before an activity handler is invoked.
	OnActivityStarted(ctx context.Context, ref ExecutionRef, activityType string, attempt int)

	// OnActivityCompleted is called after an activity handler returns, for
	// both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, ref ExecutionRef, activityType string, attempt int, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, info *ExecutionInfo) {}
func (NoopObserver) OnExecutionClosed(ctx context.Context, info *ExecutionInfo, status Status, err error) {
}
func (NoopObserver) OnDecisionCompleted(ctx context.Context, ref ExecutionRef, commandCount int, d time.Duration) {
}
func (NoopObserver) OnActivityStarted(ctx context.Context, ref ExecutionRef, activityType string, attempt int) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, ref ExecutionRef, activityType string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, info *ExecutionInfo) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, info)
	}
}

func (c *CompositeObserver) OnExecutionClosed(ctx context.Context, info *ExecutionInfo, status Status, err error) {
	for _, o := range c.observers {
		o.OnExecutionClosed(ctx, info, status, err)
	}
}

func (c *CompositeObserver) OnDecisionCompleted(ctx context.Context, ref ExecutionRef, commandCount int, d time.Duration) {
	for _, o := range c.observers {
		o.OnDecisionCompleted(ctx, ref, commandCount, d)
	}
}

func (c *CompositeObserver) OnActivityStarted(ctx context.Context, ref ExecutionRef, activityType string, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStarted(ctx, ref, activityType, attempt)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, ref ExecutionRef, activityType string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, ref, activityType, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, info *ExecutionInfo) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("workflow_type", info.WorkflowType),
		slog.String("workflow_id", info.Ref.WorkflowID),
		slog.String("run_id", info.Ref.RunID),
	)
}

func (o *LoggingObserver) OnExecutionClosed(ctx context.Context, info *ExecutionInfo, status Status, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_closed",
		slog.String("workflow_type", info.WorkflowType),
		slog.String("workflow_id", info.Ref.WorkflowID),
		slog.String("run_id", info.Ref.RunID),
		slog.String("status", string(status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDecisionCompleted(ctx context.Context, ref ExecutionRef, commandCount int, d time.Duration) {
	o.Logger.DebugContext(ctx, "decision_completed",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("run_id", ref.RunID),
		slog.Int("commands", commandCount),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityStarted(ctx context.Context, ref ExecutionRef, activityType string, attempt int) {
	o.Logger.DebugContext(ctx, "activity_started",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("activity_type", activityType),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, ref ExecutionRef, activityType string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("activity_type", activityType),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate decision durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	decisionsCompleted  atomic.Int64
	activitiesCompleted atomic.Int64
	activitiesFailed    atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	OpenExecutions      int64
	DecisionsCompleted  int64
	ActivitiesCompleted int64
	ActivitiesFailed    int64
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, info *ExecutionInfo) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionClosed(ctx context.Context, info *ExecutionInfo, status Status, err error) {
	if err != nil {
		m.executionsFailed.Add(1)
		return
	}
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnDecisionCompleted(ctx context.Context, ref ExecutionRef, commandCount int, d time.Duration) {
	m.decisionsCompleted.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, ref ExecutionRef, activityType string, attempt int, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
}

// Snapshot returns a point-in-time copy of the counters.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		OpenExecutions:      started - completed - failed,
		DecisionsCompleted:  m.decisionsCompleted.Load(),
		ActivitiesCompleted: m.activitiesCompleted.Load(),
		ActivitiesFailed:    m.activitiesFailed.Load(),
	}
}
