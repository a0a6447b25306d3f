package replay

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/workflow"
)

// suspendSignal is panicked by Future.Get when the awaited result is not in
// history yet. The replay driver recovers it and yields the decision.
type suspendSignal struct{}

// nonDeterminismPanic aborts a replay whose commands diverged from history.
type nonDeterminismPanic struct {
	msg string
}

// replayContext implements workflow.Context for one replay pass.
type replayContext struct {
	ref api.ExecutionRef
	idx *historyIndex

	// pos is the next command position; positions below
	// len(idx.commandEvents) replay against history, positions beyond it
	// mint new commands.
	pos         int
	newCommands []Command

	// frontier is the sequence number of the latest history event whose
	// result the workflow has consumed; now is that event's timestamp.
	frontier int64
	now      time.Time

	signalCursor map[string]int

	rng    *rand.Rand
	logger *slog.Logger
}

// Ensure replayContext implements the authoring surface.
var _ workflow.Context = (*replayContext)(nil)

func newReplayContext(ref api.ExecutionRef, idx *historyIndex, logger *slog.Logger) *replayContext {
	h := fnv.New64a()
	h.Write([]byte(ref.RunID))

	c := &replayContext{
		ref:          ref,
		idx:          idx,
		frontier:     1,
		now:          idx.startTime,
		signalCursor: make(map[string]int),
		rng:          rand.New(rand.NewSource(int64(h.Sum64()))),
	}
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = slog.New(&replayAwareHandler{ctx: c, inner: logger.Handler()}).With(
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("run_id", ref.RunID),
	)
	return c
}

// replaying reports whether the pass is still inside the recorded command
// prefix. Workflow log output is suppressed while it is true.
func (c *replayContext) replaying() bool {
	return c.pos < len(c.idx.commandEvents)
}

func (c *replayContext) ExecutionRef() api.ExecutionRef { return c.ref }
func (c *replayContext) WorkflowType() string           { return c.idx.start.WorkflowType }

func (c *replayContext) Attempt() int {
	if c.idx.start.Attempt == 0 {
		return 1
	}
	return c.idx.start.Attempt
}

func (c *replayContext) Now() time.Time     { return c.now }
func (c *replayContext) Random() *rand.Rand { return c.rng }

func (c *replayContext) Logger() *slog.Logger { return c.logger }

// nextCommand matches the next command slot against history, or records a
// fresh command. It returns the command ID for the slot.
func (c *replayContext) nextCommand(want api.EventType, verify func(ev api.Event) (string, bool), mint func(id string) Command) string {
	pos := c.pos
	c.pos++

	if pos < len(c.idx.commandEvents) {
		ev := c.idx.commandEvents[pos]
		if ev.Type != want {
			panic(nonDeterminismPanic{msg: "command " + strconv.Itoa(pos+1) + ": history recorded " +
				string(ev.Type) + ", workflow produced " + string(want)})
		}
		id, ok := verify(ev)
		if !ok {
			panic(nonDeterminismPanic{msg: "command " + strconv.Itoa(pos+1) + ": attributes diverged from recorded " + string(ev.Type)})
		}
		return id
	}

	id := strconv.Itoa(pos + 1)
	c.newCommands = append(c.newCommands, mint(id))
	return id
}

func (c *replayContext) ExecuteActivity(activityType string, input any, opts workflow.ActivityOptions) workflow.Future {
	id := c.nextCommand(api.EventActivityScheduled,
		func(ev api.Event) (string, bool) {
			attrs := ev.Attrs.(api.ActivityScheduledAttrs)
			return attrs.CommandID, attrs.ActivityType == activityType
		},
		func(id string) Command {
			return Command{
				ID:   id,
				Type: CommandScheduleActivity,
				ScheduleActivity: &ScheduleActivityCommand{
					ActivityType:    activityType,
					Input:           input,
					RetryPolicy:     opts.RetryPolicy,
					ScheduleToClose: opts.ScheduleToCloseTimeout,
				},
			}
		},
	)
	return &futureImpl{ctx: c, kind: futureActivity, commandID: id}
}

func (c *replayContext) ExecuteChildWorkflow(workflowType string, input any, opts workflow.ChildWorkflowOptions) workflow.ChildFuture {
	id := c.nextCommand(api.EventChildWorkflowInitiated,
		func(ev api.Event) (string, bool) {
			attrs := ev.Attrs.(api.ChildWorkflowInitiatedAttrs)
			return attrs.CommandID, attrs.WorkflowType == workflowType
		},
		func(id string) Command {
			workflowID := opts.WorkflowID
			if workflowID == "" {
				workflowID = c.ref.WorkflowID + "-child-" + id
			}
			policy := opts.ParentClosePolicy
			if policy == "" {
				policy = api.ParentCloseAbandon
			}
			return Command{
				ID:   id,
				Type: CommandStartChildWorkflow,
				StartChild: &StartChildWorkflowCommand{
					WorkflowType:      workflowType,
					WorkflowID:        workflowID,
					TaskList:          opts.TaskList,
					Input:             input,
					ExecutionTimeout:  opts.ExecutionTimeout,
					RetryPolicy:       opts.RetryPolicy,
					ParentClosePolicy: policy,
				},
			}
		},
	)
	return &childFutureImpl{
		futureImpl: futureImpl{ctx: c, kind: futureChild, commandID: id},
		started:    &futureImpl{ctx: c, kind: futureChildStarted, commandID: id},
	}
}

func (c *replayContext) NewTimer(d time.Duration) workflow.Future {
	id := c.nextCommand(api.EventTimerStarted,
		func(ev api.Event) (string, bool) {
			attrs := ev.Attrs.(api.TimerStartedAttrs)
			return attrs.CommandID, attrs.Duration == d
		},
		func(id string) Command {
			return Command{
				ID:         id,
				Type:       CommandStartTimer,
				StartTimer: &StartTimerCommand{Duration: d},
			}
		},
	)
	return &futureImpl{ctx: c, kind: futureTimer, commandID: id}
}

func (c *replayContext) Sleep(d time.Duration) error {
	_, err := c.NewTimer(d).Get()
	return err
}

func (c *replayContext) GetSignal(name string) workflow.Future {
	index := c.signalCursor[name]
	c.signalCursor[name]++
	return &futureImpl{ctx: c, kind: futureSignal, signalName: name, signalIndex: index}
}

func (c *replayContext) SideEffect(fn func() any) any {
	var recorded any
	c.nextCommand(api.EventSideEffectRecorded,
		func(ev api.Event) (string, bool) {
			attrs := ev.Attrs.(api.SideEffectRecordedAttrs)
			recorded = attrs.Value
			return attrs.CommandID, true
		},
		func(id string) Command {
			recorded = fn()
			return Command{
				ID:         id,
				Type:       CommandRecordSideEffect,
				SideEffect: &RecordSideEffectCommand{Value: recorded},
			}
		},
	)
	return recorded
}

func (c *replayContext) CancelRequested() bool {
	return c.idx.cancelSeq != 0 && c.idx.cancelSeq <= c.frontier
}

// advance moves the logical clock past a consumed history event.
func (c *replayContext) advance(seq int64, at time.Time) {
	if seq > c.frontier {
		c.frontier = seq
		c.now = at
	}
}

// replayAwareHandler drops workflow log records while the pass is replaying
// recorded history, so a log line appears once per execution rather than
// once per replay.
type replayAwareHandler struct {
	ctx   *replayContext
	inner slog.Handler
}

func (h *replayAwareHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.ctx.replaying() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *replayAwareHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.ctx.replaying() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *replayAwareHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayAwareHandler{ctx: h.ctx, inner: h.inner.WithAttrs(attrs)}
}

func (h *replayAwareHandler) WithGroup(name string) slog.Handler {
	return &replayAwareHandler{ctx: h.ctx, inner: h.inner.WithGroup(name)}
}
