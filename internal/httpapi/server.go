package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ebalsamo/voxbridge/internal/observability"
	"github.com/ebalsamo/voxbridge/internal/session"
)

// WSHandler serves one upgraded client connection.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	registry *session.Registry
	gateway  WSHandler
}

func New(registry *session.Registry, gateway WSHandler) *Server {
	return &Server{registry: registry, gateway: gateway}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws/chat", s.gateway.HandleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.registry.Count(),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
