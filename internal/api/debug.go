package api

import (
	"net/http"
	"time"

	"emdispatch/internal/buildinfo"
)

// DebugJSON reports build info and the non-secret parts of the running config.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.opts.DebugConfig,
	}
	if s.Auth != nil {
		info["authMode"] = s.Auth.Mode()
	}
	if s.Hub != nil {
		info["trackers"] = len(s.Hub.Responders())
	}
	writeJSON(w, http.StatusOK, info)
}
