package model

import "time"

// Core domain types for cases, responders and positions.

type GeoPoint struct {
	Lat float64 `json:"lat" validate:"lat"`
	Lng float64 `json:"lng" validate:"lng"`
}

// PositionSample is a single fix produced by a position source. Treat as immutable.
type PositionSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`          // meters
	Speed      float64   `json:"speed,omitempty"`   // m/s
	Heading    float64   `json:"heading,omitempty"` // degrees from north
	CapturedAt time.Time `json:"capturedAt"`
}

// Point returns the sample's coordinates.
func (s PositionSample) Point() GeoPoint { return GeoPoint{Lat: s.Latitude, Lng: s.Longitude} }

type Role string

const (
	RoleAmbulance Role = "ambulance"
	RoleHospital  Role = "hospital"
	RolePolice    Role = "police"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Responding reports whether the role can accept and work a case.
func (r Role) Responding() bool { return r == RoleAmbulance || r == RolePolice }

type CaseStatus string

const (
	CasePending   CaseStatus = "pending"
	CaseAccepted  CaseStatus = "accepted"
	CaseEnRoute   CaseStatus = "en-route"
	CaseArrived   CaseStatus = "arrived"
	CaseCompleted CaseStatus = "completed"
	CaseCanceled  CaseStatus = "canceled"
)

// Terminal reports whether no further transition can leave the status.
func (s CaseStatus) Terminal() bool { return s == CaseCompleted || s == CaseCanceled }

// Valid reports whether s is one of the known case statuses.
func (s CaseStatus) Valid() bool {
	switch s {
	case CasePending, CaseAccepted, CaseEnRoute, CaseArrived, CaseCompleted, CaseCanceled:
		return true
	}
	return false
}

type CaseType string

const (
	CaseMedical  CaseType = "medical"
	CaseAccident CaseType = "accident"
	CaseFire     CaseType = "fire"
	CaseCrime    CaseType = "crime"
	CaseOther    CaseType = "other"
)

// ResponderRole is the role dispatched by default for the case type.
func (t CaseType) ResponderRole() Role {
	if t == CaseCrime {
		return RolePolice
	}
	return RoleAmbulance
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Assignment links a case to the responder working it. The case only references
// the responder by id; responder state is never owned by the case.
type Assignment struct {
	ResponderID string    `json:"responderId"`
	Role        Role      `json:"role"`
	AssignedAt  time.Time `json:"assignedAt"`
}

type EmergencyCase struct {
	ID         string      `json:"id"`
	Type       CaseType    `json:"type"`
	Priority   Priority    `json:"priority"`
	Status     CaseStatus  `json:"status"`
	Location   GeoPoint    `json:"location"`
	ReportedBy string      `json:"reportedBy"`
	Assigned   *Assignment `json:"assigned,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Version    int         `json:"version"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	ArchivedAt *time.Time  `json:"archivedAt,omitempty"`
}

// Clone returns a deep copy so transitions never alias a stored case.
func (c EmergencyCase) Clone() EmergencyCase {
	out := c
	if c.Assigned != nil {
		a := *c.Assigned
		out.Assigned = &a
	}
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		out.ArchivedAt = &t
	}
	return out
}

// ReportCaseInput is the payload for reporting a new case.
type ReportCaseInput struct {
	Type     CaseType `json:"type" validate:"required,oneof=medical accident fire crime other"`
	Priority Priority `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	Location GeoPoint `json:"location" validate:"required"`
	Notes    string   `json:"notes,omitempty" validate:"max=2000"`
}

// TransitionRequest is the HTTP body for case transitions.
type TransitionRequest struct {
	Event       string `json:"event" validate:"required,oneof=accept depart arrive complete cancel"`
	ResponderID string `json:"responderId,omitempty"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"required,min=1"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// CaseEvent is published on the broker and webhooks after each applied transition.
type CaseEvent struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	CaseID string        `json:"caseId"`
	From   CaseStatus    `json:"from,omitempty"`
	To     CaseStatus    `json:"to"`
	Actor  string        `json:"actor,omitempty"`
	TS     time.Time     `json:"ts"`
	Case   EmergencyCase `json:"case"`
}
