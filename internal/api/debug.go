package api

import (
	"net/http"
	"runtime"
	"time"

	"geotrack/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":      buildinfo.Get(),
		"time":       time.Now().UTC().Format(time.RFC3339),
		"goroutines": runtime.NumGoroutine(),
		"backend":    s.Backend,
		"config":     s.Engine.Config(),
	})
}
