// Package web serves the router's read-only API and the live event stream.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mtzanidakis/agora/internal/store"
)

// Mounter is where the routes are registered. The worker runtime
// satisfies it.
type Mounter interface {
	Mount(pattern string, h http.Handler)
}

type Server struct {
	store *store.Store
	hub   *Hub
	log   *slog.Logger
}

func NewServer(st *store.Store, hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, hub: hub, log: log}
}

func (s *Server) Register(m Mounter) {
	m.Mount("GET /api/events", s.hub)
	m.Mount("GET /api/agents", http.HandlerFunc(s.listAgents))
	m.Mount("GET /api/agents/{name}", http.HandlerFunc(s.getAgent))
	m.Mount("GET /api/tasks", http.HandlerFunc(s.listTasks))
	m.Mount("GET /api/tasks/{id}", http.HandlerFunc(s.getTask))
	m.Mount("GET /api/stats", http.HandlerFunc(s.getStats))
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
