package web

import (
	"net/http"

	"github.com/mtzanidakis/agora/internal/store"
)

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgentStatuses(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []store.AgentStatus{}
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgentStatus(r.Context(), r.PathValue("name"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

// listTasks returns open and failed tasks, optionally filtered by
// ?status= and ?agent=.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasksExcludingStatus(r.Context(), store.TaskCompleted)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := r.URL.Query().Get("status")
	agent := r.URL.Query().Get("agent")
	out := make([]store.Task, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		if agent != "" && t.AgentName != agent {
			continue
		}
		out = append(out, t)
	}
	jsonResponse(w, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.TaskCounts(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	agents, err := s.store.AgentCounts(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"tasks":             tasks,
		"agents":            agents,
		"websocket_clients": s.hub.ClientCount(),
	})
}
