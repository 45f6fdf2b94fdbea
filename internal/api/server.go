package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inbound-automation/internal/deadletter"
	"inbound-automation/internal/jobs"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/telemetry"
)

// JobSource is satisfied by *scheduler.Scheduler.
type JobSource interface {
	Enqueue(job scheduler.Job) scheduler.JobID
	Lookup(id scheduler.JobID) (scheduler.Job, bool)
	Stats() scheduler.Stats
}

type DeadLetters interface {
	Peek(ctx context.Context, count int64) ([]deadletter.Entry, error)
	Len(ctx context.Context) (int64, error)
}

type MetricsTrigger interface {
	EnqueueMetrics(ctx context.Context, class jobs.MetricClass) (int, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Options wires a Server. Nil members disable the routes that need them.
type Options struct {
	Jobs    JobSource
	DLQ     DeadLetters
	Metrics MetricsTrigger
	// Limiter throttles manual triggers per account.
	Limiter Limiter
	Webhook http.Handler
	// Checks are run by /readyz.
	Checks map[string]func(context.Context) error
}

// Server wires HTTP handlers for the webhook and the operator API.
type Server struct {
	opts Options
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", s.handleReady)

	r.Mount("/metrics", telemetry.Handler())
	if s.opts.Webhook != nil {
		r.Mount("/webhook", s.opts.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		if s.opts.Jobs != nil {
			r.Get("/jobs/stats", s.handleStats)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/accounts/{platformAccountId}/refresh", s.handleRefresh)
		}
		if s.opts.DLQ != nil {
			r.Get("/dlq", s.handleDLQ)
		}
		if s.opts.Metrics != nil {
			r.Post("/polls/{class}", s.handlePoll)
		}
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Jobs.Stats())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, ok := s.opts.Jobs.Lookup(scheduler.JobID(id))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type enqueueResponse struct {
	JobID         scheduler.JobID `json:"job_id"`
	CorrelationID string          `json:"correlation_id"`
}

// handleRefresh queues a forced credential refresh ahead of scheduled polling.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "platformAccountId")
	if !s.allow(w, r, "refresh:"+account) {
		return
	}
	corrID := uuid.NewString()
	id := s.opts.Jobs.Enqueue(jobs.NewTokenRefreshJob(account, true, corrID))
	slog.InfoContext(r.Context(), "manual token refresh queued", "platform_account_id", account, "job_id", int64(id))
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, CorrelationID: corrID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	class := jobs.MetricClass(chi.URLParam(r, "class"))
	if class != jobs.MetricsDynamic && class != jobs.MetricsStable {
		http.Error(w, "class must be dynamic or stable", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, "poll:"+string(class)) {
		return
	}
	n, err := s.opts.Metrics.EnqueueMetrics(r.Context(), class)
	if err != nil {
		slog.ErrorContext(r.Context(), "manual metrics poll failed", "class", class, "error", err)
		http.Error(w, "failed to enqueue poll", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}

// handleDLQ returns the newest dead-lettered jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.opts.DLQ.Peek(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	total, err := s.opts.DLQ.Len(r.Context())
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// allow applies the manual-trigger limiter. It fails open when the limiter errors.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.opts.Limiter == nil {
		return true
	}
	allowed, _, err := s.opts.Limiter.Allow(r.Context(), key)
	if err != nil {
		slog.WarnContext(r.Context(), "manual trigger limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
