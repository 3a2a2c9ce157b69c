// Package api implements the HTTP surface of the dispatch service.
package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"emdispatch/internal/auth"
	"emdispatch/internal/model"
)

type ctxKeyPrincipal struct{}

// authenticate resolves the caller:
// - Authorization: Bearer is checked by the configured verifier (dev/hmac/jwks).
// - Without a token, dev deployments may pass X-User-Id and X-Role headers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.principalFrom(r)
		if !ok {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "valid bearer token required", r.URL.Path)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) principalFrom(r *http.Request) (auth.Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if s.Auth == nil {
			return auth.Principal{}, false
		}
		p, err := s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			s.Log.Debug("token rejected", zap.Error(err))
			return auth.Principal{}, false
		}
		return p, true
	}
	// websocket clients cannot set headers from browsers
	if tok := r.URL.Query().Get("access_token"); tok != "" && s.Auth != nil {
		p, err := s.Auth.Verify(tok)
		return p, err == nil
	}
	if !s.opts.DevHeaders {
		return auth.Principal{}, false
	}
	user := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-Role")
	if user == "" || role == "" {
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: user, Role: model.Role(strings.ToLower(role)), ResponderID: r.Header.Get("X-Responder-Id")}, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return p
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal(r).IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canViewCase lets crews see every case so they can pick up pending ones;
// anyone else only sees cases they reported.
func canViewCase(p auth.Principal, c model.EmergencyCase) bool {
	switch p.Role {
	case model.RoleAdmin, model.RoleSystem, model.RoleAmbulance, model.RolePolice, model.RoleHospital:
		return true
	}
	return p.UserID != "" && c.ReportedBy == p.UserID
}

// actsFor reports whether p may act on behalf of the responder.
func actsFor(p auth.Principal, responderID string) bool {
	return p.IsAdmin() || p.Role == model.RoleSystem || (p.ResponderID != "" && p.ResponderID == responderID)
}
