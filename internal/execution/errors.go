package execution

import "errors"

var (
	// ErrLegSubmission: the venue rejected an order outright.
	ErrLegSubmission = errors.New("leg submission failed")

	// ErrPartialFillMismatch: the two legs filled unequal quantities and the
	// correction budget could not reconcile them.
	ErrPartialFillMismatch = errors.New("legs filled unequal quantities")

	// ErrUnknownOutcome: a gateway call timed out; the order's fate must be
	// reconciled against exchange state before any further action.
	ErrUnknownOutcome = errors.New("order outcome unknown")

	// ErrOpenFailed: the open protocol exhausted its corrections and the
	// position was force-flattened.
	ErrOpenFailed = errors.New("open failed, position flattened")

	// ErrStuck: the close protocol exhausted its corrections while still
	// exposed; manual resolution is required.
	ErrStuck = errors.New("position stuck")
)
