package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"emdispatch/internal/auth"
	"emdispatch/internal/dispatch"
	"emdispatch/internal/geo"
	"emdispatch/internal/metrics"
	"emdispatch/internal/model"
	"emdispatch/internal/store"
)

// EventSink receives every case event after the store write succeeded.
type EventSink interface {
	PublishCaseEvent(ctx context.Context, ev model.CaseEvent)
}

type Config struct {
	ArrivalRadius      float64 `mapstructure:"arrival_radius_m"`
	MaxConflictRetries int     `mapstructure:"max_conflict_retries"`
}

// Request is a transition asked for by an actor.
type Request struct {
	Event       Event
	ResponderID string // accept on behalf of a responder (admin only)
	Reason      string
}

// Service applies transitions through the store with optimistic concurrency.
type Service struct {
	store    store.Store
	resolver *dispatch.Resolver
	cfg      Config
	log      *zap.Logger
	sinks    []EventSink
	now      func() time.Time
}

func NewService(st store.Store, resolver *dispatch.Resolver, cfg Config, log *zap.Logger, sinks ...EventSink) *Service {
	if cfg.ArrivalRadius <= 0 {
		cfg.ArrivalRadius = DefaultArrivalRadius
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, resolver: resolver, cfg: cfg, log: log, sinks: sinks, now: time.Now}
}

// AddSink registers another event sink. Not safe to call once traffic is flowing.
func (s *Service) AddSink(sink EventSink) { s.sinks = append(s.sinks, sink) }

// Report creates a pending case for the actor.
func (s *Service) Report(ctx context.Context, actor auth.Principal, in model.ReportCaseInput) (model.EmergencyCase, error) {
	if err := geo.Validate(in.Location); err != nil {
		return model.EmergencyCase{}, err
	}
	prio := in.Priority
	if prio == "" {
		prio = model.PriorityNormal
	}
	now := s.now().UTC()
	c, err := s.store.CreateCase(ctx, model.EmergencyCase{
		Type:       in.Type,
		Priority:   prio,
		Status:     model.CasePending,
		Location:   in.Location,
		ReportedBy: actor.UserID,
		Notes:      in.Notes,
		Version:    1,
		CreatedAt:  now,
	})
	if err != nil {
		return model.EmergencyCase{}, err
	}
	s.log.Info("case reported", zap.String("caseId", c.ID), zap.String("type", string(c.Type)), zap.String("priority", string(c.Priority)))
	s.publish(ctx, model.CaseEvent{Type: "case.reported", CaseID: c.ID, To: c.Status, Actor: actor.UserID, TS: now, Case: c})
	return c, nil
}

// Transition authorises and applies req to the case. A write that loses a
// version race reloads the case and evaluates the event again.
func (s *Service) Transition(ctx context.Context, actor auth.Principal, caseID string, req Request) (model.EmergencyCase, error) {
	for attempt := 0; ; attempt++ {
		c, err := s.store.GetCase(ctx, caseID)
		if err != nil {
			return model.EmergencyCase{}, err
		}
		if err := authorize(actor, c, req); err != nil {
			metrics.CaseTransitions.WithLabelValues(string(req.Event), "forbidden").Inc()
			return c, err
		}
		in, err := s.input(ctx, actor, c, req)
		if err != nil {
			metrics.CaseTransitions.WithLabelValues(string(req.Event), "invalid").Inc()
			return c, err
		}
		next, err := Apply(c, in)
		if err != nil {
			metrics.CaseTransitions.WithLabelValues(string(req.Event), outcome(err)).Inc()
			return c, err
		}
		if req.Reason != "" {
			next.Notes = appendNote(next.Notes, fmt.Sprintf("%s by %s: %s", req.Event, actor.UserID, req.Reason))
		}
		if req.Event == EventAccept {
			if err := s.claim(ctx, in.Responder); err != nil {
				if errors.Is(err, store.ErrConflict) {
					metrics.CaseTransitions.WithLabelValues(string(req.Event), "invalid").Inc()
					return c, invalid(req.Event, c.Status, "responder is no longer available")
				}
				return c, err
			}
		}
		err = s.store.UpdateCase(ctx, next, c.Version)
		if err != nil && req.Event == EventAccept {
			s.release(ctx, in.Responder)
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.CaseConflicts.Inc()
			if attempt < s.cfg.MaxConflictRetries {
				continue
			}
			return c, invalid(req.Event, c.Status, "case keeps changing, try again")
		}
		if err != nil {
			return c, err
		}
		metrics.CaseTransitions.WithLabelValues(string(req.Event), "applied").Inc()
		s.log.Info("case transition",
			zap.String("caseId", c.ID), zap.String("event", string(req.Event)),
			zap.String("from", string(c.Status)), zap.String("to", string(next.Status)),
			zap.String("actor", actor.UserID), zap.Int("version", next.Version))
		s.afterTransition(ctx, actor, c, next, req.Event)
		return next, nil
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateTransition):
		return "duplicate"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "invalid"
	}
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// authorize checks the actor's role against the event. Preconditions on the
// case itself are left to Apply.
func authorize(actor auth.Principal, c model.EmergencyCase, req Request) error {
	if actor.Role == model.RoleAdmin || actor.Role == model.RoleSystem {
		return nil
	}
	if req.Event == EventCancel && actor.UserID != "" && c.ReportedBy == actor.UserID {
		return nil
	}
	switch actor.Role {
	case model.RoleAmbulance, model.RolePolice:
		if actor.ResponderID == "" {
			return forbidden(req.Event, c.Status, "no responder bound to caller")
		}
		switch req.Event {
		case EventAccept:
			if req.ResponderID != "" && req.ResponderID != actor.ResponderID {
				return forbidden(req.Event, c.Status, "cannot accept on behalf of another responder")
			}
			return nil
		case EventDepart, EventArrive, EventComplete:
			if c.Assigned == nil || c.Assigned.ResponderID != actor.ResponderID {
				return forbidden(req.Event, c.Status, "case is assigned to another responder")
			}
			return nil
		}
	case model.RoleHospital:
		if req.Event == EventCancel {
			return nil
		}
	}
	return forbidden(req.Event, c.Status, fmt.Sprintf("role %q may not %s", actor.Role, req.Event))
}

func (s *Service) input(ctx context.Context, actor auth.Principal, c model.EmergencyCase, req Request) (Input, error) {
	in := Input{Event: req.Event, At: s.now(), ArrivalRadius: s.cfg.ArrivalRadius}
	var id string
	switch req.Event {
	case EventAccept:
		id = req.ResponderID
		if id == "" {
			id = actor.ResponderID
		}
		if id == "" {
			return in, invalid(req.Event, c.Status, "responderId required")
		}
	case EventArrive:
		if c.Assigned == nil {
			return in, nil
		}
		id = c.Assigned.ResponderID
	default:
		return in, nil
	}
	rec, err := s.store.GetResponder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return in, invalid(req.Event, c.Status, fmt.Sprintf("unknown responder %q", id))
	}
	if err != nil {
		return in, err
	}
	r, err := model.ParseResponder(rec)
	if err != nil {
		return in, invalid(req.Event, c.Status, err.Error())
	}
	if req.Event == EventAccept && r.Role().Responding() && s.resolver != nil && s.resolver.Stale(r) {
		return in, invalid(req.Event, c.Status, fmt.Sprintf("responder %s has no recent location", id))
	}
	in.Responder = r
	return in, nil
}

// claim moves an accepting responder from a free status to busy in one
// conditional write, so two cases cannot take the same crew.
func (s *Service) claim(ctx context.Context, r model.Responder) error {
	free := model.StatusesWith(r.Role(), model.Available)
	return s.store.ClaimResponder(ctx, r.ResponderID(), free, model.StatusFor(r.Role(), model.Busy))
}

// release undoes claim after the case write failed. A responder whose status
// moved on in the meantime is left alone.
func (s *Service) release(ctx context.Context, r model.Responder) {
	busy := model.StatusFor(r.Role(), model.Busy)
	err := s.store.ClaimResponder(ctx, r.ResponderID(), []string{busy}, r.StatusName())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		s.log.Warn("responder release failed", zap.String("responderId", r.ResponderID()), zap.Error(err))
	}
}

// responderEffect is the status a transition leaves the assigned responder in.
// Accept is absent because claim already made the responder busy.
var responderEffect = map[Event]model.Availability{
	EventDepart:   model.EnRoute,
	EventArrive:   model.Busy,
	EventComplete: model.Available,
	EventCancel:   model.Available,
}

func (s *Service) afterTransition(ctx context.Context, actor auth.Principal, prev, next model.EmergencyCase, ev Event) {
	if a := next.Assigned; a != nil {
		if avail, ok := responderEffect[ev]; ok {
			status := model.StatusFor(a.Role, avail)
			if err := s.store.SetResponderStatus(ctx, a.ResponderID, status); err != nil {
				s.log.Warn("responder status update failed", zap.String("responderId", a.ResponderID), zap.String("status", status), zap.Error(err))
			}
		}
	}
	s.publish(ctx, model.CaseEvent{
		Type:   "case." + string(next.Status),
		CaseID: next.ID,
		From:   prev.Status,
		To:     next.Status,
		Actor:  actor.UserID,
		TS:     next.UpdatedAt,
		Case:   next,
	})
}

func (s *Service) publish(ctx context.Context, ev model.CaseEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	for _, sink := range s.sinks {
		sink.PublishCaseEvent(ctx, ev)
	}
}

// ObserveLocation records a responder fix and moves the responder's cases to
// arrived when the fix is inside the arrival radius. An accepted case is
// departed first.
func (s *Service) ObserveLocation(ctx context.Context, responderID string, sample model.PositionSample) error {
	ts := sample.CapturedAt
	if ts.IsZero() {
		ts = s.now()
	}
	loc := model.KnownLocation{Point: sample.Point(), Accuracy: sample.Accuracy, LastUpdated: ts.UTC()}
	if err := geo.Validate(loc.Point); err != nil {
		return err
	}
	if err := s.store.UpdateResponderLocation(ctx, responderID, loc); err != nil {
		return err
	}
	cases, err := s.store.ListActiveCasesForResponder(ctx, responderID)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if !geo.Within(loc.Point, c.Location, s.cfg.ArrivalRadius) {
			continue
		}
		var events []Event
		switch c.Status {
		case model.CaseAccepted:
			events = []Event{EventDepart, EventArrive}
		case model.CaseEnRoute:
			events = []Event{EventArrive}
		}
		for _, ev := range events {
			if _, err := s.Transition(ctx, auth.System, c.ID, Request{Event: ev}); err != nil {
				s.log.Debug("proximity transition skipped", zap.String("caseId", c.ID), zap.String("event", string(ev)), zap.Error(err))
				break
			}
		}
	}
	return nil
}

// Candidates ranks responders for the case. An empty role uses the case type's default.
func (s *Service) Candidates(ctx context.Context, caseID string, role model.Role) ([]dispatch.Candidate, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = c.Type.ResponderRole()
	}
	recs, err := s.store.ListResponders(ctx, role)
	if err != nil {
		return nil, err
	}
	rs := make([]model.Responder, 0, len(recs))
	for _, rec := range recs {
		r, err := model.ParseResponder(rec)
		if err != nil {
			s.log.Warn("skipping malformed responder", zap.String("responderId", rec.ID), zap.Error(err))
			continue
		}
		rs = append(rs, r)
	}
	return s.resolver.Rank(c.Location, role, rs), nil
}

// ParseEvent maps a wire event name to an Event.
func ParseEvent(s string) (Event, bool) {
	ev := Event(strings.ToLower(strings.TrimSpace(s)))
	_, ok := ev.Target()
	return ev, ok
}
