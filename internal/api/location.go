package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"emdispatch/internal/model"
	"emdispatch/internal/tracking"
)

// locationFix is a device position report.
type locationFix struct {
	Latitude   float64    `json:"latitude" validate:"lat"`
	Longitude  float64    `json:"longitude" validate:"lng"`
	Accuracy   float64    `json:"accuracy" validate:"gte=0"`
	Speed      float64    `json:"speed,omitempty" validate:"gte=0"`
	Heading    float64    `json:"heading,omitempty" validate:"gte=0,lt=360"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
}

type locationFailure struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message,omitempty" validate:"max=500"`
}

// locationTarget checks the caller may feed the responder's tracker and that
// the responder exists.
func (s *Server) locationTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !actsFor(principal(r), id) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not this responder's device", r.URL.Path)
		return "", false
	}
	if s.Hub == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Tracking disabled", "", r.URL.Path)
		return "", false
	}
	if _, err := s.Store.GetResponder(r.Context(), id); err != nil {
		writeError(w, r, err)
		return "", false
	}
	return id, true
}

// PushLocationHandler handles POST /v1/responders/{id}/location
func (s *Server) PushLocationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationTarget(w, r)
	if !ok {
		return
	}
	var fix locationFix
	if !s.decode(w, r, &fix) {
		return
	}
	sample := model.PositionSample{Latitude: fix.Latitude, Longitude: fix.Longitude, Accuracy: fix.Accuracy, Speed: fix.Speed, Heading: fix.Heading}
	if fix.CapturedAt != nil {
		sample.CapturedAt = fix.CapturedAt.UTC()
	}
	st, ok := s.Hub.Push(id, sample)
	if !ok {
		writeProblem(w, http.StatusServiceUnavailable, "Tracking stopped", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// LocationFailureHandler handles POST /v1/responders/{id}/location/failure
func (s *Server) LocationFailureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationTarget(w, r)
	if !ok {
		return
	}
	var body locationFailure
	if !s.decode(w, r, &body) {
		return
	}
	f := tracking.NewFailure(tracking.ParseFailureCode(body.Code), body.Message)
	st, ok := s.Hub.ReportFailure(id, f)
	if !ok {
		writeProblem(w, http.StatusServiceUnavailable, "Tracking stopped", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// LocationRetryHandler handles POST /v1/responders/{id}/location/retry
func (s *Server) LocationRetryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationTarget(w, r)
	if !ok {
		return
	}
	st, ok := s.Hub.Retry(id)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "no tracker for responder", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// LocationStateHandler handles GET /v1/responders/{id}/location
func (s *Server) LocationStateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationTarget(w, r)
	if !ok {
		return
	}
	st, ok := s.Hub.State(id)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "no tracker for responder", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
