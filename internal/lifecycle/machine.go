// Package lifecycle is the emergency case state machine and the service that
// applies it against the store.
package lifecycle

import (
	"fmt"
	"time"

	"emdispatch/internal/geo"
	"emdispatch/internal/model"
)

// DefaultArrivalRadius is how close, in meters, a responder must be to count as arrived.
const DefaultArrivalRadius = 50.0

type Event string

const (
	EventAccept   Event = "accept"
	EventDepart   Event = "depart"
	EventArrive   Event = "arrive"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

var targets = map[Event]model.CaseStatus{
	EventAccept:   model.CaseAccepted,
	EventDepart:   model.CaseEnRoute,
	EventArrive:   model.CaseArrived,
	EventComplete: model.CaseCompleted,
	EventCancel:   model.CaseCanceled,
}

// Target is the status the event moves a case to.
func (e Event) Target() (model.CaseStatus, bool) {
	s, ok := targets[e]
	return s, ok
}

// Input is everything a transition may depend on besides the case itself.
type Input struct {
	Event Event
	// Responder is the accepting responder for accept and the assigned one for arrive.
	Responder     model.Responder
	At            time.Time
	ArrivalRadius float64
}

// Apply returns the case after the event or a *TransitionError. c is never modified.
func Apply(c model.EmergencyCase, in Input) (model.EmergencyCase, error) {
	target, ok := in.Event.Target()
	if !ok {
		return c, invalid(in.Event, c.Status, "unknown event")
	}
	if c.Status == target {
		return c, &TransitionError{Event: in.Event, From: c.Status, Err: ErrDuplicateTransition}
	}
	if c.Status.Terminal() {
		return c, invalid(in.Event, c.Status, "case is closed")
	}

	at := in.At.UTC()
	next := c.Clone()
	switch in.Event {
	case EventAccept:
		if c.Status != model.CasePending {
			return c, invalid(in.Event, c.Status, "case is not pending")
		}
		r := in.Responder
		if r == nil {
			return c, invalid(in.Event, c.Status, "no responder")
		}
		if !r.Role().Responding() {
			return c, invalid(in.Event, c.Status, fmt.Sprintf("role %s cannot accept cases", r.Role()))
		}
		if r.Availability() != model.Available {
			return c, invalid(in.Event, c.Status, fmt.Sprintf("responder is %s", r.StatusName()))
		}
		next.Assigned = &model.Assignment{ResponderID: r.ResponderID(), Role: r.Role(), AssignedAt: at}
	case EventDepart:
		if c.Status != model.CaseAccepted {
			return c, invalid(in.Event, c.Status, "case is not accepted")
		}
		if c.Assigned == nil {
			return c, invalid(in.Event, c.Status, "no assigned responder")
		}
	case EventArrive:
		if c.Status != model.CaseEnRoute {
			return c, invalid(in.Event, c.Status, "case is not en-route")
		}
		r := in.Responder
		if r == nil || c.Assigned == nil || r.ResponderID() != c.Assigned.ResponderID {
			return c, invalid(in.Event, c.Status, "assigned responder location required")
		}
		loc := r.LastKnown()
		if loc == nil {
			return c, invalid(in.Event, c.Status, "responder location unknown")
		}
		radius := in.ArrivalRadius
		if radius <= 0 {
			radius = DefaultArrivalRadius
		}
		if d := geo.DistanceMeters(loc.Point, c.Location); d > radius {
			return c, invalid(in.Event, c.Status, fmt.Sprintf("responder is %.0fm away", d))
		}
	case EventComplete:
		if c.Status != model.CaseArrived {
			return c, invalid(in.Event, c.Status, "case is not arrived")
		}
	case EventCancel:
		// any non-terminal status
	}

	next.Status = target
	next.UpdatedAt = at
	next.Version = c.Version + 1
	if target.Terminal() {
		next.ArchivedAt = &at
	}
	return next, nil
}
