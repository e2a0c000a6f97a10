// Package api exposes the admin HTTP surface: task submission, inspection
// and cancellation on top of a task.Store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/banyancomputer/banyan-core-sub001/internal/config"
	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
	"github.com/banyancomputer/banyan-core-sub001/internal/telemetry"
)

// SubmissionLimiter gates task submissions per queue.
type SubmissionLimiter interface {
	AllowSubmission(ctx context.Context, queue string) (bool, float64, error)
}

// Pinger is implemented by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	cfg     config.Config
	store   task.Store
	limiter SubmissionLimiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st task.Store, limiter SubmissionLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleEnqueue)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/tasks/{id}/chain", s.handleChain)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	return r
}

type enqueueRequest struct {
	TaskName     string          `json:"task_name"`
	QueueName    string          `json:"queue_name"`
	Payload      json.RawMessage `json:"payload"`
	UniqueKey    string          `json:"unique_key"`
	MaxAttempts  int             `json:"max_attempts"`
	RunAt        *time.Time      `json:"run_at"`
	DelaySeconds int             `json:"delay_seconds"`
}

// taskView renders the payload as JSON rather than base64.
type taskView struct {
	models.Task
	Payload json.RawMessage `json:"payload"`
}

func viewOf(t models.Task) taskView {
	return taskView{Task: t, Payload: json.RawMessage(t.Payload)}
}

type enqueueResponse struct {
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskName == "" {
		http.Error(w, "task_name is required", http.StatusBadRequest)
		return
	}
	if req.QueueName == "" {
		req.QueueName = "default"
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		req.Payload = json.RawMessage(`{}`)
	}
	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmission(r.Context(), req.QueueName)
		if err != nil {
			s.logger.Error("rate limit check", "queue", req.QueueName, "err", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	inst, err := task.ForRaw(req.TaskName, req.QueueName, req.Payload).
		MaxAttempts(req.MaxAttempts).
		UniqueKey(req.UniqueKey).
		ScheduledAt(runAt).
		Build(time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, created, err := s.store.Enqueue(r.Context(), inst)
	if err != nil {
		s.writeStoreError(w, "enqueue", err)
		return
	}
	if !created {
		telemetry.DuplicateCounter.WithLabelValues(req.QueueName, req.TaskName).Inc()
		writeJSON(w, http.StatusOK, enqueueResponse{Created: false})
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(req.QueueName, req.TaskName).Inc()
	s.logger.Info("task submitted", "task_id", id, "task_name", req.TaskName, "queue", req.QueueName)
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Created: true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	head, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, "get", err)
		return
	}
	chain, err := s.store.Chain(r.Context(), head.ChainID())
	if err != nil {
		s.writeStoreError(w, "chain", err)
		return
	}
	views := make([]taskView, 0, len(chain))
	for _, t := range chain {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string][]taskView{"attempts": views})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := task.Cancel(r.Context(), s.store, id); err != nil {
		s.writeStoreError(w, "cancel", err)
		return
	}
	s.logger.Info("task cancelled", "task_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, task.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, task.ErrConnectionFailure):
		telemetry.StoreErrors.WithLabelValues(op).Inc()
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		telemetry.StoreErrors.WithLabelValues(op).Inc()
		s.logger.Error("store call failed", "op", op, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
