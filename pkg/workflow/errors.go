package workflow

import "errors"

// continueAsNewError signals that the current run should close as
// ContinuedAsNew and restart with fresh history.
type continueAsNewError struct {
	Input any
}

func (e *continueAsNewError) Error() string {
	return "continue as new"
}

// NewContinueAsNewError is returned from a workflow function to close the
// current run and start a new one under the same workflow ID with the given
// input. History starts over, which keeps long-lived workflows' logs bounded.
func NewContinueAsNewError(input any) error {
	return &continueAsNewError{Input: input}
}

// AsContinueAsNew returns (input, true) if err requests continue-as-new.
func AsContinueAsNew(err error) (any, bool) {
	var c *continueAsNewError
	if errors.As(err, &c) {
		return c.Input, true
	}
	return nil, false
}
