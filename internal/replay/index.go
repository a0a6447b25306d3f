package replay

import (
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// resolution is the recorded result of one asynchronous command.
type resolution struct {
	value any
	err   error
	seq   int64
	at    time.Time
}

type signalDelivery struct {
	payload any
	seq     int64
	at      time.Time
}

// historyIndex is the read model a single replay pass works against.
type historyIndex struct {
	start     api.WorkflowStartedAttrs
	startTime time.Time

	// commandEvents are the events that originate from decision commands,
	// in history order. Replayed commands are matched against them
	// positionally. Retry reschedules (attempt > 1) are excluded; they
	// belong to the coordinator, not to the workflow's command stream.
	commandEvents []api.Event

	// resolutions and childStarted map command IDs to recorded results.
	resolutions  map[string]resolution
	childStarted map[string]resolution

	// activityTypes and childTypes recover the type names for error
	// construction from the scheduling events.
	activityTypes map[string]string
	childTypes    map[string]string

	signals map[string][]signalDelivery

	// cancelSeq is the sequence of the first CancelRequested event, zero if
	// none was recorded.
	cancelSeq  int64
	cancelTime time.Time
}

func buildIndex(events []api.Event) *historyIndex {
	idx := &historyIndex{
		resolutions:   make(map[string]resolution),
		childStarted:  make(map[string]resolution),
		activityTypes: make(map[string]string),
		childTypes:    make(map[string]string),
		signals:       make(map[string][]signalDelivery),
	}

	for _, ev := range events {
		switch attrs := ev.Attrs.(type) {
		case api.WorkflowStartedAttrs:
			idx.start = attrs
			idx.startTime = ev.Time

		case api.ActivityScheduledAttrs:
			idx.activityTypes[attrs.CommandID] = attrs.ActivityType
			if attrs.Attempt == 1 {
				idx.commandEvents = append(idx.commandEvents, ev)
			}

		case api.TimerStartedAttrs, api.SideEffectRecordedAttrs:
			idx.commandEvents = append(idx.commandEvents, ev)

		case api.ChildWorkflowInitiatedAttrs:
			idx.childTypes[attrs.CommandID] = attrs.WorkflowType
			idx.commandEvents = append(idx.commandEvents, ev)

		case api.ActivityCompletedAttrs:
			idx.resolutions[attrs.CommandID] = resolution{value: attrs.Result, seq: ev.Seq, at: ev.Time}

		case api.ActivityFailedAttrs:
			if attrs.WillRetry {
				// Paired with a reschedule; the future stays pending.
				continue
			}
			idx.resolutions[attrs.CommandID] = resolution{
				err: &api.ActivityError{
					ActivityType: idx.activityTypes[attrs.CommandID],
					Reason:       attrs.Reason,
					Attempts:     attrs.Attempts,
				},
				seq: ev.Seq, at: ev.Time,
			}

		case api.ActivityTimedOutAttrs:
			idx.resolutions[attrs.CommandID] = resolution{
				err: &api.ActivityError{
					ActivityType: idx.activityTypes[attrs.CommandID],
					Attempts:     attrs.Attempts,
					TimedOut:     true,
				},
				seq: ev.Seq, at: ev.Time,
			}

		case api.TimerFiredAttrs:
			idx.resolutions[attrs.CommandID] = resolution{seq: ev.Seq, at: ev.Time}

		case api.ChildWorkflowStartedAttrs:
			idx.childStarted[attrs.CommandID] = resolution{value: attrs.Ref, seq: ev.Seq, at: ev.Time}

		case api.ChildWorkflowCompletedAttrs:
			idx.resolutions[attrs.CommandID] = resolution{value: attrs.Result, seq: ev.Seq, at: ev.Time}

		case api.ChildWorkflowFailedAttrs:
			idx.resolutions[attrs.CommandID] = resolution{
				err: &api.ChildWorkflowError{
					WorkflowType: idx.childTypes[attrs.CommandID],
					Ref:          attrs.Ref,
					Reason:       attrs.Reason,
				},
				seq: ev.Seq, at: ev.Time,
			}

		case api.ChildWorkflowCanceledAttrs:
			idx.resolutions[attrs.CommandID] = resolution{
				err: &api.ChildWorkflowError{
					WorkflowType: idx.childTypes[attrs.CommandID],
					Ref:          attrs.Ref,
					Canceled:     true,
				},
				seq: ev.Seq, at: ev.Time,
			}

		case api.SignalReceivedAttrs:
			idx.signals[attrs.Name] = append(idx.signals[attrs.Name], signalDelivery{
				payload: attrs.Payload,
				seq:     ev.Seq,
				at:      ev.Time,
			})

		case api.CancelRequestedAttrs:
			if idx.cancelSeq == 0 {
				idx.cancelSeq = ev.Seq
				idx.cancelTime = ev.Time
			}
		}
	}
	return idx
}
