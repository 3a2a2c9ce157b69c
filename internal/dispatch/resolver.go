// Package dispatch ranks responders for a case.
package dispatch

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/geo"
	"emdispatch/internal/metrics"
	"emdispatch/internal/model"
)

// tieEpsilonMeters is the distance below which two candidates count as equally near.
const tieEpsilonMeters = 1e-3

// Config holds per-role staleness windows. A location older than its window
// excludes the responder from ranking.
type Config struct {
	AmbulanceStaleness time.Duration `mapstructure:"ambulance_staleness"`
	PoliceStaleness    time.Duration `mapstructure:"police_staleness"`
	HospitalStaleness  time.Duration `mapstructure:"hospital_staleness"`
}

func DefaultConfig() Config {
	return Config{
		AmbulanceStaleness: 2 * time.Minute,
		PoliceStaleness:    2 * time.Minute,
		HospitalStaleness:  24 * time.Hour,
	}
}

func (c Config) window(r model.Role) time.Duration {
	switch r {
	case model.RoleAmbulance:
		return c.AmbulanceStaleness
	case model.RolePolice:
		return c.PoliceStaleness
	case model.RoleHospital:
		return c.HospitalStaleness
	}
	return 0
}

// Candidate is one ranked responder.
type Candidate struct {
	ID          string          `json:"id"`
	Role        model.Role      `json:"role"`
	Name        string          `json:"name,omitempty"`
	Status      string          `json:"status"`
	Distance    float64         `json:"distanceMeters"`
	Location    model.GeoPoint  `json:"location"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Responder   model.Responder `json:"-"`
}

type Resolver struct {
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func NewResolver(cfg Config, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{cfg: cfg, log: log, now: time.Now}
}

// Stale reports whether r's location is missing or older than its role allows.
func (rv *Resolver) Stale(r model.Responder) bool {
	loc := r.LastKnown()
	if loc == nil || loc.LastUpdated.IsZero() {
		return true
	}
	w := rv.cfg.window(r.Role())
	return w > 0 && rv.now().Sub(loc.LastUpdated) > w
}

// Rank orders the eligible responders of role by distance to the case. Ties
// go to the earlier fix, then to the lower id. Nothing is mutated.
func (rv *Resolver) Rank(at model.GeoPoint, role model.Role, responders []model.Responder) []Candidate {
	out := make([]Candidate, 0, len(responders))
	for _, r := range responders {
		if r.Role() != role || r.Availability() != model.Available {
			continue
		}
		if rv.Stale(r) {
			rv.log.Debug("stale candidate skipped", zap.String("responderId", r.ResponderID()), zap.String("role", string(role)))
			continue
		}
		loc := r.LastKnown()
		out = append(out, Candidate{
			ID:          r.ResponderID(),
			Role:        r.Role(),
			Name:        model.RecordOf(r).Name,
			Status:      r.StatusName(),
			Distance:    geo.DistanceMeters(at, loc.Point),
			Location:    loc.Point,
			LastUpdated: loc.LastUpdated,
			Responder:   r,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return candidateLess(out[i], out[j]) })
	metrics.CandidatesRanked.WithLabelValues(string(role)).Observe(float64(len(out)))
	return out
}

// distanceBucket maps a distance onto tieEpsilonMeters-wide buckets. Comparing
// buckets instead of raw differences keeps the ordering transitive.
func distanceBucket(d float64) int64 {
	return int64(math.Floor(d / tieEpsilonMeters))
}

func candidateLess(a, b Candidate) bool {
	if ba, bb := distanceBucket(a.Distance), distanceBucket(b.Distance); ba != bb {
		return ba < bb
	}
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.Before(b.LastUpdated)
	}
	return a.ID < b.ID
}
