package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emdispatch/internal/model"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func ambulanceAt(id string, status model.AmbulanceStatus, lat, lng float64) model.Ambulance {
	return model.Ambulance{ID: id, Status: status, Location: &model.KnownLocation{Point: model.GeoPoint{Lat: lat, Lng: lng}, LastUpdated: t0}}
}

func pendingCase() model.EmergencyCase {
	return model.EmergencyCase{ID: "c1", Type: model.CaseMedical, Status: model.CasePending, Version: 1, CreatedAt: t0, UpdatedAt: t0}
}

func step(t *testing.T, c model.EmergencyCase, in Input) model.EmergencyCase {
	t.Helper()
	next, err := Apply(c, in)
	require.NoError(t, err)
	return next
}

func TestApplyHappyPath(t *testing.T) {
	amb := ambulanceAt("a1", model.AmbulanceAvailable, 0, 0.0001)
	c := pendingCase()

	c = step(t, c, Input{Event: EventAccept, Responder: amb, At: t0.Add(time.Minute)})
	assert.Equal(t, model.CaseAccepted, c.Status)
	require.NotNil(t, c.Assigned)
	assert.Equal(t, "a1", c.Assigned.ResponderID)
	assert.Equal(t, model.RoleAmbulance, c.Assigned.Role)
	assert.Equal(t, 2, c.Version)

	c = step(t, c, Input{Event: EventDepart, At: t0.Add(2 * time.Minute)})
	assert.Equal(t, model.CaseEnRoute, c.Status)

	c = step(t, c, Input{Event: EventArrive, Responder: amb, At: t0.Add(3 * time.Minute)})
	assert.Equal(t, model.CaseArrived, c.Status)
	assert.Nil(t, c.ArchivedAt)

	c = step(t, c, Input{Event: EventComplete, At: t0.Add(4 * time.Minute)})
	assert.Equal(t, model.CaseCompleted, c.Status)
	assert.Equal(t, 5, c.Version)
	require.NotNil(t, c.ArchivedAt)
	assert.Equal(t, t0.Add(4*time.Minute), *c.ArchivedAt)
	assert.Equal(t, c.UpdatedAt, *c.ArchivedAt)
}

func TestApplyOrderIsEnforced(t *testing.T) {
	amb := ambulanceAt("a1", model.AmbulanceAvailable, 0, 0)
	c := pendingCase()
	for _, ev := range []Event{EventDepart, EventArrive, EventComplete} {
		_, err := Apply(c, Input{Event: ev, Responder: amb, At: t0})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s from pending", ev)
	}

	c = step(t, c, Input{Event: EventAccept, Responder: amb, At: t0})
	for _, ev := range []Event{EventArrive, EventComplete} {
		_, err := Apply(c, Input{Event: ev, Responder: amb, At: t0})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s from accepted", ev)
	}
}

func TestApplyTerminalStatesAbsorb(t *testing.T) {
	amb := ambulanceAt("a1", model.AmbulanceAvailable, 0, 0)
	canceled := step(t, pendingCase(), Input{Event: EventCancel, At: t0})
	require.NotNil(t, canceled.ArchivedAt)

	completed := pendingCase()
	completed.Status = model.CaseCompleted

	for _, c := range []model.EmergencyCase{canceled, completed} {
		for _, ev := range []Event{EventAccept, EventDepart, EventArrive, EventComplete, EventCancel} {
			_, err := Apply(c, Input{Event: ev, Responder: amb, At: t0})
			require.Error(t, err)
			target, _ := ev.Target()
			if target == c.Status {
				assert.True(t, errors.Is(err, ErrDuplicateTransition), "%s from %s", ev, c.Status)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition), "%s from %s", ev, c.Status)
			}
		}
	}
}

func TestApplyCancelFromAnyOpenStatus(t *testing.T) {
	for _, st := range []model.CaseStatus{model.CasePending, model.CaseAccepted, model.CaseEnRoute, model.CaseArrived} {
		c := pendingCase()
		c.Status = st
		next := step(t, c, Input{Event: EventCancel, At: t0})
		assert.Equal(t, model.CaseCanceled, next.Status)
		assert.NotNil(t, next.ArchivedAt)
	}
}

func TestApplyDuplicate(t *testing.T) {
	amb := ambulanceAt("a1", model.AmbulanceAvailable, 0, 0)
	c := step(t, pendingCase(), Input{Event: EventAccept, Responder: amb, At: t0})

	other := ambulanceAt("a2", model.AmbulanceAvailable, 0, 0)
	same, err := Apply(c, Input{Event: EventAccept, Responder: other, At: t0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTransition))
	assert.Equal(t, c, same)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.CaseAccepted, te.From)
	assert.Equal(t, EventAccept, te.Event)
}

func TestApplyAcceptPreconditions(t *testing.T) {
	cases := map[string]model.Responder{
		"busy":     ambulanceAt("a1", model.AmbulanceBusy, 0, 0),
		"offline":  model.Police{ID: "p1", Status: model.PoliceOffline},
		"hospital": model.Hospital{ID: "h1", Status: model.HospitalAvailable},
		"none":     nil,
	}
	for name, r := range cases {
		_, err := Apply(pendingCase(), Input{Event: EventAccept, Responder: r, At: t0})
		assert.True(t, errors.Is(err, ErrInvalidTransition), name)
	}
	idle := model.Police{ID: "p2", Status: model.PoliceIdle}
	next := step(t, pendingCase(), Input{Event: EventAccept, Responder: idle, At: t0})
	assert.Equal(t, model.RolePolice, next.Assigned.Role)
}

func TestApplyArrivalRadius(t *testing.T) {
	c := pendingCase()
	c.Status = model.CaseEnRoute
	c.Assigned = &model.Assignment{ResponderID: "a1", Role: model.RoleAmbulance}

	// ~111 m east of the case
	far := ambulanceAt("a1", model.AmbulanceEnRoute, 0, 0.001)
	_, err := Apply(c, Input{Event: EventArrive, Responder: far, At: t0})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	// ~33 m
	near := ambulanceAt("a1", model.AmbulanceEnRoute, 0, 0.0003)
	next := step(t, c, Input{Event: EventArrive, Responder: near, At: t0})
	assert.Equal(t, model.CaseArrived, next.Status)

	// custom radius admits the far fix
	next = step(t, c, Input{Event: EventArrive, Responder: far, At: t0, ArrivalRadius: 150})
	assert.Equal(t, model.CaseArrived, next.Status)

	stranger := ambulanceAt("a9", model.AmbulanceEnRoute, 0, 0)
	_, err = Apply(c, Input{Event: EventArrive, Responder: stranger, At: t0})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	nowhere := model.Ambulance{ID: "a1", Status: model.AmbulanceEnRoute}
	_, err = Apply(c, Input{Event: EventArrive, Responder: nowhere, At: t0})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	c := pendingCase()
	before := c.Clone()
	_ = step(t, c, Input{Event: EventAccept, Responder: ambulanceAt("a1", model.AmbulanceAvailable, 0, 0), At: t0})
	assert.Equal(t, before, c)
}

func TestApplyUnknownEvent(t *testing.T) {
	_, err := Apply(pendingCase(), Input{Event: "teleport", At: t0})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, ok := ParseEvent(" Accept ")
	assert.True(t, ok)
	_, ok = ParseEvent("teleport")
	assert.False(t, ok)
}
