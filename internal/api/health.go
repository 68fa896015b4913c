package api

import (
	"net/http"
	"time"

	"medroute/internal/buildinfo"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the store and, when used, Redis.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DebugInfoHandler reports build and non-secret configuration.
func (s *Server) DebugInfoHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	c := s.cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"config": map[string]any{
			"port":             c.Server.Port,
			"authMode":         s.Auth.Mode(),
			"hasDatabaseUrl":   c.Database.URL != "",
			"hasRedisUrl":      c.Redis.URL != "",
			"orsConfigured":    c.Geo.ORSAPIKey != "",
			"fallbackSpeedKmh": c.Geo.FallbackSpeedKmh,
			"timeLimitSeconds": s.Planner.Params().TimeLimitSeconds,
			"webhookAttempts":  c.Webhooks.MaxAttempts,
		},
	})
}
