// Package optimize orchestrates one optimization: load entities, build and
// validate the constraint model, solve it and shape the answer into a draft
// schedule.
package optimize

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"jobshop/internal/calendar"
	"jobshop/internal/constraint"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/repository"
	"jobshop/internal/solver"
)

// Request describes one optimization.
type Request struct {
	ScheduleName string `json:"schedule_name,omitempty"`
	// JobIDs restricts the run to these jobs; empty means every open job.
	JobIDs           []string                     `json:"job_ids,omitempty"`
	Horizon          calendar.TimeWindow          `json:"horizon"`
	Objective        constraint.Objective         `json:"objective,omitempty"`
	Params           constraint.SolverParams      `json:"params"`
	EnforceDueDates  bool                         `json:"enforce_due_dates,omitempty"`
	OvertimeCapacity int                          `json:"overtime_capacity,omitempty"`
	Scope            []string                     `json:"scope,omitempty"`
	Locked           map[string]domain.Assignment `json:"locked,omitempty"`
	Earliest         map[string]time.Time         `json:"earliest,omitempty"`
}

func (r Request) constraintRequest() constraint.Request {
	return constraint.Request{
		Horizon:          r.Horizon,
		Objective:        r.Objective,
		Params:           r.Params,
		EnforceDueDates:  r.EnforceDueDates,
		OvertimeCapacity: r.OvertimeCapacity,
		Scope:            r.Scope,
		Locked:           r.Locked,
		Earliest:         r.Earliest,
	}
}

// Result is the outcome of an optimization. Infeasible and invalid models are
// results too; only structural defects and repository failures are errors.
type Result struct {
	Status          solver.Status           `json:"status"`
	ObjectiveValue  float64                 `json:"objective_value"`
	Assignments     []solver.TaskAssignment `json:"task_assignments"`
	MakespanHours   float64                 `json:"makespan_hours"`
	TotalDelayHours float64                 `json:"total_delay_hours"`
	Utilization     map[string]float64      `json:"resource_utilization"`
	Violations      []string                `json:"constraint_violations"`
	Schedule        *domain.Schedule        `json:"schedule,omitempty"`
	Nodes           int64                   `json:"nodes"`
	Elapsed         time.Duration           `json:"elapsed"`

	violations []constraint.Violation
}

// ViolationList returns the typed violations behind Violations.
func (r *Result) ViolationList() []constraint.Violation { return r.violations }

func (r *Result) clone() *Result {
	c := *r
	c.Assignments = slices.Clone(r.Assignments)
	c.Violations = slices.Clone(r.Violations)
	c.violations = slices.Clone(r.violations)
	if r.Schedule != nil {
		c.Schedule = r.Schedule.Clone()
	}
	return &c
}

// Solver is the adapter contract the service needs.
type Solver interface {
	Solve(m *constraint.Model) *solver.Solution
}

type Service struct {
	repos   repository.Repositories
	builder *constraint.Builder
	solver  Solver
	cache   *Cache
	now     func() time.Time
}

type Option func(*Service)

// WithCache enables result caching.
func WithCache(c *Cache) Option { return func(s *Service) { s.cache = c } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repos repository.Repositories, builder *constraint.Builder, sv Solver, opts ...Option) *Service {
	s := &Service{repos: repos, builder: builder, solver: sv, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Builder() *constraint.Builder { return s.builder }

// Cache returns the result cache, nil when disabled.
func (s *Service) Cache() *Cache { return s.cache }

// Optimize loads the entities named by req and optimizes them.
func (s *Service) Optimize(ctx context.Context, req Request) (*Result, error) {
	req.Params = req.Params.WithDefaults()
	if s.cache != nil {
		if res, ok := s.cache.Get(req); ok {
			log.Debug().Str("schedule_id", res.scheduleID()).Msg("optimize cache hit")
			return res, nil
		}
	}
	cat, err := s.Load(ctx, req.JobIDs)
	if err != nil {
		return nil, err
	}
	res, err := s.OptimizeCatalog(req, cat)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && res.Status.HasSolution() {
		s.cache.Put(req, res)
	}
	return res, nil
}

func (r *Result) scheduleID() string {
	if r.Schedule == nil {
		return ""
	}
	return r.Schedule.ID
}

// Load reads the jobs, their tasks and every machine and operator
// concurrently. Repository errors are returned unchanged in kind.
func (s *Service) Load(ctx context.Context, jobIDs []string) (*domain.Catalog, error) {
	var (
		jobs      []*domain.Job
		machines  []*domain.Machine
		operators []*domain.Operator
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		jobs, err = s.loadJobs(gctx, jobIDs)
		return err
	})
	g.Go(func() error {
		var err error
		machines, err = s.repos.Machines.List(gctx)
		return errors.Wrap(err, "list machines")
	})
	g.Go(func() error {
		var err error
		operators, err = s.repos.Operators.List(gctx)
		return errors.Wrap(err, "list operators")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tasks := make([][]*domain.Task, len(jobs))
	g, gctx = errgroup.WithContext(ctx)
	for i, j := range jobs {
		g.Go(func() error {
			ts, err := s.repos.Tasks.GetByJobID(gctx, j.ID)
			if err != nil {
				return errors.Wrapf(err, "load tasks of job %s", j.ID)
			}
			tasks[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cat := domain.NewCatalog()
	for i, j := range jobs {
		cat.AddJob(j)
		for _, t := range tasks[i] {
			cat.AddTask(t)
		}
	}
	for _, m := range machines {
		cat.AddMachine(m)
	}
	for _, o := range operators {
		cat.AddOperator(o)
	}
	return cat, nil
}

func (s *Service) loadJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		all, err := s.repos.Jobs.List(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list jobs")
		}
		return slices.DeleteFunc(all, func(j *domain.Job) bool {
			return j.Status == domain.JobCompleted || j.Status == domain.JobCancelled
		}), nil
	}
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.repos.Jobs.GetByID(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "load job %s", id)
		}
		out = append(out, j)
	}
	return out, nil
}

// OptimizeCatalog runs the build, validate and solve steps over cat. A fatal
// validation report yields a ModelInvalid result without invoking the solver.
func (s *Service) OptimizeCatalog(req Request, cat *domain.Catalog) (*Result, error) {
	m, err := s.builder.Build(req.constraintRequest(), cat)
	if err != nil {
		return nil, err
	}
	report := constraint.Validate(m)
	for _, v := range report.Violations {
		log.Warn().Str("code", v.Code).Strs("tasks", v.TaskIDs).Bool("fatal", v.Fatal).Msg(v.Message)
	}
	if report.Fatal() {
		return &Result{
			Status:     solver.StatusModelInvalid,
			Violations: constraint.Strings(report.Violations),
			violations: report.Violations,
		}, nil
	}

	sol := s.solver.Solve(m)
	all := append(slices.Clone(report.Violations), sol.Violations...)
	res := &Result{
		Status:     sol.Status,
		Violations: constraint.Strings(all),
		Nodes:      sol.Nodes,
		Elapsed:    sol.Elapsed,
		violations: all,
	}
	if !sol.Status.HasSolution() {
		return res, nil
	}

	res.ObjectiveValue = sol.ObjectiveValue
	res.Assignments = sol.Assignments
	res.Utilization = sol.Utilization
	delay := 0
	var first, last time.Time
	for i, a := range sol.Assignments {
		delay += a.DelayMinutes
		if i == 0 || a.Start.Before(first) {
			first = a.Start
		}
		if i == 0 || a.End.After(last) {
			last = a.End
		}
	}
	res.MakespanHours = last.Sub(first).Hours()
	res.TotalDelayHours = solver.Hours(float64(delay))

	sched, err := s.draft(req, m, sol.Assignments)
	if err != nil {
		return nil, err
	}
	res.Schedule = sched
	return res, nil
}

func (s *Service) draft(req Request, m *constraint.Model, as []solver.TaskAssignment) (*domain.Schedule, error) {
	name := req.ScheduleName
	if name == "" {
		name = fmt.Sprintf("plan %s", m.Horizon.Start.Format("2006-01-02 15:04"))
	}
	sched, err := domain.NewSchedule(uuid.NewString(), name, m.Horizon)
	if err != nil {
		return nil, err
	}
	sched.Objective = string(m.Objective)
	sched.CreatedAt = s.now().UTC()
	for _, a := range as {
		if err := sched.Assign(ToAssignment(a)); err != nil {
			return nil, errors.Wrapf(err, "assign task %s", a.TaskID)
		}
	}
	return sched, nil
}

// ToAssignment converts a solver assignment to a schedule assignment.
func ToAssignment(a solver.TaskAssignment) domain.Assignment {
	out := domain.Assignment{
		TaskID:       a.TaskID,
		JobID:        a.JobID,
		MachineID:    a.MachineID,
		OperatorIDs:  slices.Clone(a.OperatorIDs),
		Window:       calendar.TimeWindow{Start: a.Start, End: a.End},
		SetupMinutes: a.SetupMinutes,
	}
	if len(a.OperatorIDs) > 0 && !a.OperatorEnd.IsZero() {
		out.OperatorWindow = calendar.TimeWindow{Start: a.Start, End: a.OperatorEnd}
	}
	return out
}
