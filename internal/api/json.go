package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"emdispatch/internal/geo"
	"emdispatch/internal/lifecycle"
	"emdispatch/internal/model"
	"emdispatch/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, lifecycle.ErrForbidden):
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
	case errors.Is(err, lifecycle.ErrDuplicateTransition):
		writeProblem(w, http.StatusConflict, "Duplicate transition", err.Error(), r.URL.Path)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid transition", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, geo.ErrInvalidCoordinates), errors.Is(err, model.ErrInvalidResponder), errors.As(err, &verr):
		writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
	}
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
