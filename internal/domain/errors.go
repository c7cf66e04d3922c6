package domain

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrAuthentication   = errors.New("authentication failed")
	ErrTransientGateway = errors.New("payment gateway temporarily unavailable")
	ErrGatewayRejected  = errors.New("payment gateway rejected the request")

	// ErrStaleWrite is returned by the store when the conditioned write lost a race.
	// It never leaves the service layer.
	ErrStaleWrite = errors.New("stale write: record changed since it was read")
)

// IllegalTransitionError reports an event that the state machine does not accept in the current state.
type IllegalTransitionError struct {
	From  SubscriptionStatus
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	return fmt.Sprintf("illegal transition: event '%s' not allowed from state '%s'", e.Event, from)
}

// Is makes illegal transitions match ErrConflict.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrConflict
}
