package dispatch

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emdispatch/internal/model"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedResolver() *Resolver {
	r := NewResolver(DefaultConfig(), nil)
	r.now = func() time.Time { return now }
	return r
}

func at(lat, lng float64, age time.Duration) *model.KnownLocation {
	return &model.KnownLocation{Point: model.GeoPoint{Lat: lat, Lng: lng}, LastUpdated: now.Add(-age)}
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestRankOrdersByDistance(t *testing.T) {
	rs := []model.Responder{
		model.Ambulance{ID: "far", Status: model.AmbulanceAvailable, Location: at(0, 0.01, time.Second)},
		model.Ambulance{ID: "near", Status: model.AmbulanceIdle, Location: at(0, 0.001, time.Second)},
		model.Ambulance{ID: "mid", Status: model.AmbulanceAvailable, Location: at(0, 0.005, time.Second)},
	}
	got := fixedResolver().Rank(model.GeoPoint{}, model.RoleAmbulance, rs)
	require.Equal(t, []string{"near", "mid", "far"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
	assert.InDelta(t, 111.19, got[0].Distance, 0.1)
}

func TestRankFilters(t *testing.T) {
	rs := []model.Responder{
		model.Ambulance{ID: "busy", Status: model.AmbulanceBusy, Location: at(0, 0.001, time.Second)},
		model.Ambulance{ID: "enroute", Status: model.AmbulanceEnRoute, Location: at(0, 0.001, time.Second)},
		model.Ambulance{ID: "stale", Status: model.AmbulanceAvailable, Location: at(0, 0.001, 3*time.Minute)},
		model.Ambulance{ID: "nowhere", Status: model.AmbulanceAvailable},
		model.Police{ID: "cop", Status: model.PoliceAvailable, Location: at(0, 0.001, time.Second)},
		model.Ambulance{ID: "ok", Status: model.AmbulanceAvailable, Location: at(0, 0.002, time.Minute)},
	}
	got := fixedResolver().Rank(model.GeoPoint{}, model.RoleAmbulance, rs)
	assert.Equal(t, []string{"ok"}, ids(got))

	got = fixedResolver().Rank(model.GeoPoint{}, model.RolePolice, rs)
	assert.Equal(t, []string{"cop"}, ids(got))
}

func TestRankHospitalWindow(t *testing.T) {
	rs := []model.Responder{
		model.Hospital{ID: "general", Status: model.HospitalAvailable, Location: at(0, 0.02, 12*time.Hour)},
		model.Hospital{ID: "full", Status: model.HospitalFull, Location: at(0, 0.001, time.Hour)},
		model.Hospital{ID: "old", Status: model.HospitalAvailable, Location: at(0, 0.001, 48*time.Hour)},
	}
	got := fixedResolver().Rank(model.GeoPoint{}, model.RoleHospital, rs)
	assert.Equal(t, []string{"general"}, ids(got))
}

func TestRankTieBreak(t *testing.T) {
	// same spot, different fix times; mirrored across the case so distances tie
	rs := []model.Responder{
		model.Police{ID: "b-late", Status: model.PoliceAvailable, Location: at(0, 0.003, 10*time.Second)},
		model.Police{ID: "a-early", Status: model.PoliceAvailable, Location: at(0, -0.003, 60*time.Second)},
		model.Police{ID: "c-same", Status: model.PoliceAvailable, Location: at(0.003, 0, 60*time.Second)},
	}
	got := fixedResolver().Rank(model.GeoPoint{}, model.RolePolice, rs)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a-early", "c-same", "b-late"}, ids(got))
	assert.True(t, got[0].LastUpdated.Before(got[2].LastUpdated))
}

func TestCandidateOrderIsTransitive(t *testing.T) {
	// each neighbour pair is within a millimetre, the outer pair is not
	x := Candidate{ID: "x", Distance: 0.0004, LastUpdated: now.Add(-10 * time.Second)}
	y := Candidate{ID: "y", Distance: 0.0009, LastUpdated: now.Add(-30 * time.Second)}
	z := Candidate{ID: "z", Distance: 0.0016, LastUpdated: now.Add(-60 * time.Second)}

	assert.True(t, candidateLess(y, x))
	assert.True(t, candidateLess(x, z))
	assert.True(t, candidateLess(y, z))
	assert.False(t, candidateLess(z, y))

	for _, in := range [][]Candidate{{x, y, z}, {z, y, x}, {y, z, x}, {z, x, y}} {
		cs := append([]Candidate(nil), in...)
		sort.SliceStable(cs, func(i, j int) bool { return candidateLess(cs[i], cs[j]) })
		assert.Equal(t, []string{"y", "x", "z"}, ids(cs))
	}
}

func TestRankEmpty(t *testing.T) {
	got := fixedResolver().Rank(model.GeoPoint{}, model.RoleAmbulance, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
