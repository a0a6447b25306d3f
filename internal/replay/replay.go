package replay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/workflow"
)

// Execute runs one replay pass: it re-executes handler against the recorded
// events and returns the commands produced past the replayed prefix,
// together with the outcome if the function ran to an end.
//
// A non-nil error is returned only for non-determinism: the handler issued
// commands inconsistent with the recorded history. That error wraps
// api.ErrNonDeterministicHistory and must fail the execution without retry.
// Ordinary workflow failures (handler returned an error or panicked) are
// reported as a failed Outcome, not as an error.
func Execute(ref api.ExecutionRef, events []api.Event, handler workflow.Handler, logger *slog.Logger) (decision Decision, err error) {
	idx := buildIndex(events)
	ctx := newReplayContext(ref, idx, logger)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch p := r.(type) {
		case suspendSignal:
			decision = Decision{Commands: ctx.newCommands}
			err = nil
		case nonDeterminismPanic:
			decision = Decision{}
			err = fmt.Errorf("%w: %s", api.ErrNonDeterministicHistory, p.msg)
		default:
			// A panic in workflow code fails the execution; the commands of
			// this pass are discarded.
			decision = Decision{Outcome: &Outcome{
				Kind:   OutcomeFailed,
				Reason: fmt.Sprintf("workflow panic: %v", p),
			}}
			err = nil
		}
	}()

	result, handlerErr := handler(ctx, idx.start.Input)

	// Producing fewer commands than history has recorded is as
	// non-deterministic as producing different ones.
	if ctx.pos < len(idx.commandEvents) {
		return Decision{}, fmt.Errorf("%w: workflow finished after %d command(s), history recorded %d",
			api.ErrNonDeterministicHistory, ctx.pos, len(idx.commandEvents))
	}

	if handlerErr != nil {
		if input, ok := workflow.AsContinueAsNew(handlerErr); ok {
			return Decision{
				Commands: ctx.newCommands,
				Outcome:  &Outcome{Kind: OutcomeContinueAsNew, ContinueInput: input},
			}, nil
		}
		var canceled *api.CanceledError
		if errors.As(handlerErr, &canceled) {
			return Decision{
				Commands: ctx.newCommands,
				Outcome:  &Outcome{Kind: OutcomeCanceled, Reason: canceled.Reason},
			}, nil
		}
		return Decision{
			Commands: ctx.newCommands,
			Outcome:  &Outcome{Kind: OutcomeFailed, Reason: handlerErr.Error()},
		}, nil
	}

	return Decision{
		Commands: ctx.newCommands,
		Outcome:  &Outcome{Kind: OutcomeCompleted, Result: result},
	}, nil
}
