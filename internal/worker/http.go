package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/peer"
	"github.com/mtzanidakis/agora/internal/store"
)

type Status struct {
	Agent      string         `json:"agent"`
	InstanceID string         `json:"instance_id"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	TaskTypes  []string       `json:"task_types"`
	QueueLen   int            `json:"queue_length"`
	Metrics    map[string]any `json:"metrics"`
}

func (r *Runtime) Status() Status {
	return Status{
		Agent:      r.def.Name,
		InstanceID: r.instanceID,
		State:      r.State(),
		StartedAt:  r.startedAt,
		TaskTypes:  r.table.Types(),
		QueueLen:   r.queue.Len(),
		Metrics:    r.Metrics(),
	}
}

func (r *Runtime) routes() {
	r.mux.HandleFunc("POST /process_task", r.handleProcessTask)
	r.mux.HandleFunc("GET /status", r.handleStatus)
	r.mux.HandleFunc("GET /health", r.handleHealth)
}

// Mount adds a handler to the agent's HTTP server. It must be called before
// Start.
func (r *Runtime) Mount(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Runtime) Handler() http.Handler {
	return r.mux
}

func (r *Runtime) handleProcessTask(w http.ResponseWriter, req *http.Request) {
	var body peer.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.TaskType == "" {
		jsonError(w, "taskType is required", http.StatusBadRequest)
		return
	}
	if body.AgentName != "" && body.AgentName != r.def.Name {
		r.log.Warn("task addressed to another agent", "addressed_to", body.AgentName, "task_id", body.ID)
	}
	if body.ID == "" && strings.EqualFold(body.TaskType, "ping") {
		r.answerPing(w, req, body)
		return
	}

	done, err := r.Submit(req.Context(), &store.Task{
		ID:       body.ID,
		TaskType: body.TaskType,
		Data:     body.Data,
		Sender:   body.Sender,
	})
	switch {
	case errors.Is(err, ErrStopped):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		jsonError(w, "timed out waiting for task", http.StatusGatewayTimeout)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if done.Status == store.TaskFailed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(done.Result)
		return
	}
	jsonResponse(w, done.Result)
}

// answerPing runs an anonymous liveness ping through the handler table
// without persisting it.
func (r *Runtime) answerPing(w http.ResponseWriter, req *http.Request, body peer.Request) {
	if r.shutdown.Load() {
		jsonError(w, ErrStopped.Error(), http.StatusServiceUnavailable)
		return
	}
	res, err := r.invoke(req.Context(), &store.Task{TaskType: "ping", Data: body.Data, Sender: body.Sender})
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(capability.Failure(err))
		return
	}
	jsonResponse(w, res)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, r.Status())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := r.State()
	if state != store.AgentRunning {
		jsonError(w, "agent is "+state, http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok", "agent": r.def.Name})
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
