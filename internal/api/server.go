// Package api serves live status for a running embedding job: task states,
// pipeline counters, queue depths, health, and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/health"
	"github.com/flashembed/flashembed/internal/infra/metrics"
	"github.com/flashembed/flashembed/internal/infra/scheduler"
	"github.com/flashembed/flashembed/internal/pipeline"
)

// Deps are the live views the server reads from. Only Tasks is required.
type Deps struct {
	Run      func() domain.Run
	Tasks    *scheduler.Scheduler
	Metrics  *metrics.Sink
	Health   *health.Checker
	Queues   func() pipeline.QueueDepths
	Gatherer prometheus.Gatherer
}

// Server is the status HTTP server.
type Server struct {
	deps Deps
}

// NewServer creates a status server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Status is the /api/status payload.
type Status struct {
	Run      *domain.Run              `json:"run,omitempty"`
	Tasks    scheduler.Stats          `json:"tasks"`
	States   map[domain.TaskState]int `json:"states"`
	Counters map[string]int64         `json:"counters,omitempty"`
	Queues   *pipeline.QueueDepths    `json:"queues,omitempty"`
	Health   []health.Status          `json:"health,omitempty"`
	Now      time.Time                `json:"now"`
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{uid}", s.handleGetTask)
	})

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil || s.deps.Health.IsHealthy() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "degraded",
		"checks": s.deps.Health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Tasks:  s.deps.Tasks.Stats(),
		States: s.deps.Tasks.Counts(),
		Now:    time.Now().UTC(),
	}
	if s.deps.Run != nil {
		run := s.deps.Run()
		st.Run = &run
	}
	if s.deps.Metrics != nil {
		st.Counters = s.deps.Metrics.Snapshot()
	}
	if s.deps.Queues != nil {
		q := s.deps.Queues()
		st.Queues = &q
	}
	if s.deps.Health != nil {
		st.Health = s.deps.Health.Statuses()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter domain.TaskState
	if q := r.URL.Query().Get("state"); q != "" {
		st, ok := domain.ParseTaskState(q)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown task state: "+q)
			return
		}
		filter = st
	}

	tasks := s.deps.Tasks.Snapshot()
	if filter != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.State == filter {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	t, ok := s.deps.Tasks.Get(uid)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrTaskNotFound.Error()+": "+uid)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
