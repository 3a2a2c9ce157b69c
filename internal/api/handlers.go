package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"emdispatch/internal/lifecycle"
	"emdispatch/internal/model"
	"emdispatch/internal/store"
)

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports readiness of the backing store.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ReportCaseHandler handles POST /v1/cases
func (s *Server) ReportCaseHandler(w http.ResponseWriter, r *http.Request) {
	var in model.ReportCaseInput
	if !s.decode(w, r, &in) {
		return
	}
	c, err := s.Cases.Report(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/cases/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// ListCasesHandler handles GET /v1/cases?status=&responderId=&cursor=&limit=
func (s *Server) ListCasesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	f := store.CaseFilter{
		Status:      model.CaseStatus(q.Get("status")),
		ResponderID: q.Get("responderId"),
		Cursor:      q.Get("cursor"),
		Limit:       limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeProblem(w, http.StatusBadRequest, "Invalid query", "unknown status "+string(f.Status), r.URL.Path)
		return
	}
	p := principal(r)
	if !canViewCase(p, model.EmergencyCase{}) {
		f.ReportedBy = p.UserID
	}
	items, next, err := s.Store.ListCases(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page[model.EmergencyCase]{Items: items, NextCursor: next})
}

// GetCaseHandler handles GET /v1/cases/{id}
func (s *Server) GetCaseHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.viewableCase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) viewableCase(w http.ResponseWriter, r *http.Request) (model.EmergencyCase, bool) {
	c, err := s.Store.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return c, false
	}
	if !canViewCase(principal(r), c) {
		// same answer as a missing case
		writeProblem(w, http.StatusNotFound, "Not Found", "case not found", r.URL.Path)
		return c, false
	}
	return c, true
}

// TransitionHandler handles POST /v1/cases/{id}/transitions
func (s *Server) TransitionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.TransitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, ok := lifecycle.ParseEvent(req.Event)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Validation failed", "unknown event "+req.Event, r.URL.Path)
		return
	}
	c, err := s.Cases.Transition(r.Context(), principal(r), chi.URLParam(r, "id"), lifecycle.Request{Event: ev, ResponderID: req.ResponderID, Reason: req.Reason})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CandidatesHandler handles GET /v1/cases/{id}/candidates?role=
func (s *Server) CandidatesHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !(p.IsAdmin() || p.Role.Responding() || p.Role == model.RoleHospital) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatch roles only", r.URL.Path)
		return
	}
	role := model.Role(r.URL.Query().Get("role"))
	switch role {
	case "", model.RoleAmbulance, model.RolePolice, model.RoleHospital:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid query", "role must be ambulance, police or hospital", r.URL.Path)
		return
	}
	cands, err := s.Cases.Candidates(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cands})
}

// ListRespondersHandler handles GET /v1/responders?role=
func (s *Server) ListRespondersHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListResponders(r.Context(), model.Role(r.URL.Query().Get("role")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetResponderHandler handles GET /v1/responders/{id}
func (s *Server) GetResponderHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetResponder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutResponderHandler handles PUT /v1/responders/{id}. Admins register
// responders; a crew may change its own status.
func (s *Server) PutResponderHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := principal(r)
	if !actsFor(p, id) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "cannot modify another responder", r.URL.Path)
		return
	}
	var rec model.ResponderRecord
	if !s.decode(w, r, &rec) {
		return
	}
	if rec.ID != "" && rec.ID != id {
		writeProblem(w, http.StatusBadRequest, "Validation failed", "id in body does not match path", r.URL.Path)
		return
	}
	rec.ID = id
	if (rec.Lat == nil) != (rec.Lng == nil) {
		writeProblem(w, http.StatusBadRequest, "Validation failed", "lat and lng go together", r.URL.Path)
		return
	}
	switch {
	case !p.IsAdmin():
		// crews never pick their own fix time
		rec.LastUpdated = nil
		if rec.Lat != nil {
			now := time.Now().UTC()
			rec.LastUpdated = &now
		}
	case rec.Lat != nil && rec.LastUpdated == nil:
		now := time.Now().UTC()
		rec.LastUpdated = &now
	}
	resp, err := model.ParseResponder(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !p.IsAdmin() {
		prev, err := s.Store.GetResponder(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if prev.Role != rec.Role {
			writeProblem(w, http.StatusForbidden, "Forbidden", "only admins change a responder's role", r.URL.Path)
			return
		}
		if resp.Availability() == model.Available {
			active, err := s.Store.ListActiveCasesForResponder(r.Context(), id)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if len(active) > 0 {
				writeProblem(w, http.StatusConflict, "Conflict", fmt.Sprintf("responder is assigned to active case %s", active[0].ID), r.URL.Path)
				return
			}
		}
	}
	saved, err := s.Store.UpsertResponder(r.Context(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resp.Availability() == model.Offline && s.Hub != nil {
		s.Hub.Dispose(id)
	}
	s.Log.Info("responder updated", zap.String("responderId", id), zap.String("status", saved.Status), zap.String("by", p.UserID))
	writeJSON(w, http.StatusOK, saved)
}

// CreateSubscriptionHandler handles POST /v1/subscriptions
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub.Secret = ""
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptionsHandler handles GET /v1/subscriptions
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range items {
		items[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, page[model.Subscription]{Items: items, NextCursor: next})
}

// DeleteSubscriptionHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&cursor=&limit=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page[store.WebhookDelivery]{Items: items, NextCursor: next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.RetryWebhookDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
