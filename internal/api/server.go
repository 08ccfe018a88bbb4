// Package api exposes the command surface, the solve queue and the replan
// plans over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"jobshop/internal/command"
	"jobshop/internal/errors"
	"jobshop/internal/queue"
	"jobshop/internal/repository"
	"jobshop/internal/scheduler"
)

// Dispatcher runs a named command.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload json.RawMessage) command.Result
	Names() []string
}

type Deps struct {
	Queue    queue.Repository
	Commands Dispatcher
	Repos    repository.Repositories
	// Kinds lists the commands the workers can run in the background.
	Kinds []string
	// Stream relays domain events to websocket clients; nil disables /api/events.
	Stream *Hub
	// OptimizeRate caps optimize submissions per minute; zero means no cap.
	OptimizeRate int
}

type Server struct {
	r        *chi.Mux
	deps     Deps
	optLimit *rate.Limiter
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger)

	s := &Server{r: r, deps: deps, optLimit: rate.NewLimiter(rate.Inf, 0)}
	if deps.OptimizeRate > 0 {
		s.optLimit = rate.NewLimiter(rate.Limit(float64(deps.OptimizeRate)/60.0), deps.OptimizeRate)
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Get("/api/commands", s.listCommands)
	r.With(s.limitOptimize).Post("/api/commands/"+command.OptimizeSchedule, s.runCommand(command.OptimizeSchedule))
	r.Post("/api/commands/{name}", s.runNamedCommand)

	r.With(s.limitOptimize).Post("/api/jobs", s.submitJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)

	r.Post("/api/plans", s.createPlan)
	r.Get("/api/plans", s.listPlans)
	r.Get("/api/plans/{id}", s.getPlan)
	r.Put("/api/plans/{id}", s.updatePlan)
	r.Delete("/api/plans/{id}", s.deletePlan)

	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Get("/api/tasks/{id}", s.getTask)

	if deps.Stream != nil {
		r.Get("/api/events", deps.Stream.ServeHTTP)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// limitOptimize applies the optimize rate to command calls and to job
// submissions alike.
func (s *Server) limitOptimize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.optLimit.Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "optimize rate exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("jobshop_up 1\n"))
	if s.deps.Stream != nil {
		w.Write([]byte("jobshop_event_clients " + strconv.Itoa(s.deps.Stream.Clients()) + "\n"))
	}
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Commands.Names())
}

func (s *Server) runNamedCommand(w http.ResponseWriter, r *http.Request) {
	s.runCommand(chi.URLParam(r, "name"))(w, r)
}

func (s *Server) runCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := s.deps.Commands.Dispatch(r.Context(), name, payload)
		writeJSON(w, statusFor(res), res)
	}
}

// statusFor maps a command result to an HTTP status by error category.
func statusFor(res command.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Category {
	case "ValidationError":
		return http.StatusBadRequest
	case "BusinessRuleViolation":
		return http.StatusConflict
	case "RepositoryError":
		return http.StatusNotFound
	case "SolverError":
		return http.StatusInternalServerError
	}
	// Constraint violations and runs that found no schedule.
	return http.StatusUnprocessableEntity
}

type submitReq struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !slices.Contains(s.deps.Kinds, req.Kind) {
		http.Error(w, "kind "+strconv.Quote(req.Kind)+" cannot run in the background", http.StatusBadRequest)
		return
	}
	j := queue.Job{
		Kind:           req.Kind,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.RunAt != nil {
		j.NextRunAt = *req.RunAt
	}
	id, err := s.deps.Queue.Enqueue(r.Context(), j)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	jobs, err := s.deps.Queue.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type planReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req planReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		http.Error(w, "name and cron_expr are required", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = command.OptimizeSchedule
	}
	if !slices.Contains(s.deps.Kinds, req.Kind) {
		http.Error(w, "kind "+strconv.Quote(req.Kind)+" cannot be planned", http.StatusBadRequest)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.deps.Queue.CreatePlan(r.Context(), queue.Plan{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Queue.ListPlans(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []queue.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Queue.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Queue.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req planReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.CronExpr != "" {
		next, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		p.CronExpr, p.NextRun = req.CronExpr, next
	}
	if req.Payload != nil {
		p.Payload = req.Payload
	}
	if req.Priority > 0 {
		p.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		p.MaxAttempts = req.MaxAttempts
	}
	p.Enabled = req.Enabled

	if err := s.deps.Queue.UpdatePlan(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.DeletePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Repos.Schedules.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Repos.Tasks.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// writeError picks the status from the error category.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrRepository):
		code = http.StatusNotFound
	case errors.Is(err, errors.ErrValidation):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
