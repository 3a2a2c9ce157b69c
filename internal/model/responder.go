package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidResponder is returned when a record does not describe a valid responder variant.
var ErrInvalidResponder = errors.New("invalid responder")

// Availability is the role-independent view of a responder status.
type Availability int

const (
	Offline Availability = iota
	Available
	Busy
	EnRoute
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Busy:
		return "busy"
	case EnRoute:
		return "en-route"
	default:
		return "offline"
	}
}

// KnownLocation is the last position reported for a responder.
type KnownLocation struct {
	Point       GeoPoint  `json:"point"`
	Accuracy    float64   `json:"accuracy,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Responder is implemented by Ambulance, Hospital and Police only.
type Responder interface {
	ResponderID() string
	Role() Role
	StatusName() string
	Availability() Availability
	LastKnown() *KnownLocation
	sealed()
}

type AmbulanceStatus string

const (
	AmbulanceAvailable AmbulanceStatus = "available"
	AmbulanceIdle      AmbulanceStatus = "idle"
	AmbulanceBusy      AmbulanceStatus = "busy"
	AmbulanceEnRoute   AmbulanceStatus = "en-route"
	AmbulanceOffline   AmbulanceStatus = "offline"
)

type Ambulance struct {
	ID       string
	Name     string
	Status   AmbulanceStatus
	Location *KnownLocation
}

func (a Ambulance) ResponderID() string        { return a.ID }
func (a Ambulance) Role() Role                 { return RoleAmbulance }
func (a Ambulance) StatusName() string         { return string(a.Status) }
func (a Ambulance) LastKnown() *KnownLocation  { return a.Location }
func (a Ambulance) Availability() Availability { return unitAvailability(string(a.Status)) }
func (Ambulance) sealed()                      {}

type PoliceStatus string

const (
	PoliceAvailable PoliceStatus = "available"
	PoliceIdle      PoliceStatus = "idle"
	PoliceBusy      PoliceStatus = "busy"
	PoliceEnRoute   PoliceStatus = "en-route"
	PoliceOffline   PoliceStatus = "offline"
)

type Police struct {
	ID       string
	Name     string
	Status   PoliceStatus
	Location *KnownLocation
}

func (p Police) ResponderID() string        { return p.ID }
func (p Police) Role() Role                 { return RolePolice }
func (p Police) StatusName() string         { return string(p.Status) }
func (p Police) LastKnown() *KnownLocation  { return p.Location }
func (p Police) Availability() Availability { return unitAvailability(string(p.Status)) }
func (Police) sealed()                      {}

type HospitalStatus string

const (
	HospitalAvailable HospitalStatus = "available"
	HospitalFull      HospitalStatus = "full"
	HospitalOffline   HospitalStatus = "offline"
)

type Hospital struct {
	ID       string
	Name     string
	Status   HospitalStatus
	Location *KnownLocation
}

func (h Hospital) ResponderID() string       { return h.ID }
func (h Hospital) Role() Role                { return RoleHospital }
func (h Hospital) StatusName() string        { return string(h.Status) }
func (h Hospital) LastKnown() *KnownLocation { return h.Location }
func (h Hospital) Availability() Availability {
	switch h.Status {
	case HospitalAvailable:
		return Available
	case HospitalFull:
		return Busy
	default:
		return Offline
	}
}
func (Hospital) sealed() {}

// ambulance and police share the same status vocabulary
func unitAvailability(s string) Availability {
	switch s {
	case "available", "idle":
		return Available
	case "busy":
		return Busy
	case "en-route":
		return EnRoute
	default:
		return Offline
	}
}

// ResponderRecord is the flat persisted/wire form of a responder.
type ResponderRecord struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role" validate:"required,oneof=ambulance hospital police"`
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status" validate:"required"`
	Lat         *float64   `json:"lat,omitempty" validate:"omitempty,lat"`
	Lng         *float64   `json:"lng,omitempty" validate:"omitempty,lng"`
	Accuracy    float64    `json:"accuracy,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

var validStatuses = map[Role]map[string]struct{}{
	RoleAmbulance: {"available": {}, "idle": {}, "busy": {}, "en-route": {}, "offline": {}},
	RolePolice:    {"available": {}, "idle": {}, "busy": {}, "en-route": {}, "offline": {}},
	RoleHospital:  {"available": {}, "full": {}, "offline": {}},
}

// ValidStatus reports whether status belongs to the role's enumeration.
func ValidStatus(role Role, status string) bool {
	_, ok := validStatuses[role][status]
	return ok
}

// ParseResponder converts a record into its closed variant.
func ParseResponder(rec ResponderRecord) (Responder, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidResponder)
	}
	if !ValidStatus(rec.Role, rec.Status) {
		return nil, fmt.Errorf("%w: status %q not allowed for role %q", ErrInvalidResponder, rec.Status, rec.Role)
	}
	var loc *KnownLocation
	if rec.Lat != nil && rec.Lng != nil {
		loc = &KnownLocation{Point: GeoPoint{Lat: *rec.Lat, Lng: *rec.Lng}, Accuracy: rec.Accuracy}
		if rec.LastUpdated != nil {
			loc.LastUpdated = *rec.LastUpdated
		}
	}
	switch rec.Role {
	case RoleAmbulance:
		return Ambulance{ID: rec.ID, Name: rec.Name, Status: AmbulanceStatus(rec.Status), Location: loc}, nil
	case RolePolice:
		return Police{ID: rec.ID, Name: rec.Name, Status: PoliceStatus(rec.Status), Location: loc}, nil
	default:
		return Hospital{ID: rec.ID, Name: rec.Name, Status: HospitalStatus(rec.Status), Location: loc}, nil
	}
}

// RecordOf flattens a responder variant.
func RecordOf(r Responder) ResponderRecord {
	rec := ResponderRecord{ID: r.ResponderID(), Role: r.Role(), Status: r.StatusName()}
	switch v := r.(type) {
	case Ambulance:
		rec.Name = v.Name
	case Police:
		rec.Name = v.Name
	case Hospital:
		rec.Name = v.Name
	}
	if loc := r.LastKnown(); loc != nil {
		lat, lng, ts := loc.Point.Lat, loc.Point.Lng, loc.LastUpdated
		rec.Lat, rec.Lng, rec.Accuracy, rec.LastUpdated = &lat, &lng, loc.Accuracy, &ts
	}
	return rec
}

// StatusFor maps an availability to the role's concrete status name.
// Hospitals have no en-route state; their busy maps to full.
func StatusFor(role Role, a Availability) string {
	switch role {
	case RoleHospital:
		switch a {
		case Available:
			return string(HospitalAvailable)
		case Busy, EnRoute:
			return string(HospitalFull)
		default:
			return string(HospitalOffline)
		}
	default:
		return a.String()
	}
}

// StatusesWith lists the role's status names that report availability a.
func StatusesWith(role Role, a Availability) []string {
	out := []string{}
	for status := range validStatuses[role] {
		var got Availability
		if role == RoleHospital {
			got = Hospital{Status: HospitalStatus(status)}.Availability()
		} else {
			got = unitAvailability(status)
		}
		if got == a {
			out = append(out, status)
		}
	}
	sort.Strings(out)
	return out
}
