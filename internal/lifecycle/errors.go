package lifecycle

import (
	"errors"
	"fmt"

	"emdispatch/internal/model"
)

var (
	// ErrInvalidTransition means a precondition of the event was not met.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDuplicateTransition means the case is already in the event's target status.
	ErrDuplicateTransition = errors.New("duplicate transition")
	// ErrForbidden means the actor may not send the event for this case.
	ErrForbidden = errors.New("forbidden")
)

// TransitionError carries the rejected event and the case status it was applied to.
type TransitionError struct {
	Event  Event
	From   model.CaseStatus
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s from %s", e.Err, e.Event, e.From)
	}
	return fmt.Sprintf("%s: %s from %s: %s", e.Err, e.Event, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func invalid(ev Event, from model.CaseStatus, reason string) error {
	return &TransitionError{Event: ev, From: from, Reason: reason, Err: ErrInvalidTransition}
}

func forbidden(ev Event, from model.CaseStatus, reason string) error {
	return &TransitionError{Event: ev, From: from, Reason: reason, Err: ErrForbidden}
}
