package replay

import (
	"github.com/korhaliv/loom/pkg/workflow"
)

type futureKind int

const (
	futureActivity futureKind = iota
	futureChild
	futureChildStarted
	futureTimer
	futureSignal
)

// futureImpl resolves against the pass's history index. Get on an
// unresolved future suspends the replay.
type futureImpl struct {
	ctx  *replayContext
	kind futureKind

	commandID string

	signalName  string
	signalIndex int
}

var _ workflow.Future = (*futureImpl)(nil)

func (f *futureImpl) Get() (any, error) {
	switch f.kind {
	case futureSignal:
		deliveries := f.ctx.idx.signals[f.signalName]
		if f.signalIndex >= len(deliveries) {
			panic(suspendSignal{})
		}
		d := deliveries[f.signalIndex]
		f.ctx.advance(d.seq, d.at)
		return d.payload, nil

	case futureChildStarted:
		res, ok := f.ctx.idx.childStarted[f.commandID]
		if !ok {
			panic(suspendSignal{})
		}
		f.ctx.advance(res.seq, res.at)
		return res.value, res.err

	default:
		res, ok := f.ctx.idx.resolutions[f.commandID]
		if !ok {
			panic(suspendSignal{})
		}
		f.ctx.advance(res.seq, res.at)
		return res.value, res.err
	}
}

// childFutureImpl is the completion future plus the started future.
type childFutureImpl struct {
	futureImpl
	started *futureImpl
}

var _ workflow.ChildFuture = (*childFutureImpl)(nil)

func (f *childFutureImpl) Started() workflow.Future { return f.started }
