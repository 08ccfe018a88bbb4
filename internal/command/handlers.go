package command

import (
	"context"
	"fmt"
	"slices"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/disruption"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/optimize"
	"jobshop/internal/uow"
)

// ErrNotAnOption marks a machine the task has no option for.
var ErrNotAnOption = errors.Kind("machine is not an option of the task", errors.ErrValidation)

// Handlers implements the commands over a unit of work.
type Handlers struct {
	work   *uow.UnitOfWork
	opt    *optimize.Service
	reopt  *disruption.Reoptimizer
	runner *optimize.Runner
	locks  *KeyedMutex
	now    func() time.Time
}

type Option func(*Handlers)

// WithClock replaces the time source used for event and history stamps.
func WithClock(now func() time.Time) Option { return func(h *Handlers) { h.now = now } }

// WithRunner runs OptimizeSchedule solves on r, bounding how many solve at
// once across all callers.
func WithRunner(r *optimize.Runner) Option { return func(h *Handlers) { h.runner = r } }

func NewHandlers(work *uow.UnitOfWork, opt *optimize.Service, reopt *disruption.Reoptimizer, opts ...Option) *Handlers {
	h := &Handlers{work: work, opt: opt, reopt: reopt, locks: NewKeyedMutex(), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// lock serializes writers of one schedule; an empty id locks nothing.
func (h *Handlers) lock(scheduleID string) func() {
	if scheduleID == "" {
		return func() {}
	}
	return h.locks.Lock(scheduleID)
}

func (h *Handlers) solve(ctx context.Context, req optimize.Request) (*optimize.Result, error) {
	if h.runner == nil {
		return h.opt.Optimize(ctx, req)
	}
	return h.runner.Submit(ctx, req).Wait(ctx)
}

// invalidate drops cached optimization results after entities changed.
func (h *Handlers) invalidate() {
	if c := h.opt.Cache(); c != nil {
		c.Purge()
	}
}

type ScheduleTaskCommand struct {
	TaskID      string    `json:"task_id"`
	MachineID   string    `json:"machine_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	OperatorIDs []string  `json:"operator_ids,omitempty"`
	// ScheduleID also adds the placement to that draft schedule.
	ScheduleID string `json:"schedule_id,omitempty"`
}

func (h *Handlers) ScheduleTask(ctx context.Context, cmd ScheduleTaskCommand) Result {
	defer h.lock(cmd.ScheduleID)()
	var task *domain.Task
	err := h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		t, err := s.Task(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		m, err := s.Machine(ctx, cmd.MachineID)
		if err != nil {
			return err
		}
		if _, ok := t.Option(m.ID); !ok {
			return errors.Wrapf(ErrNotAnOption, "task %s on machine %s", t.ID, m.ID)
		}
		if err := t.Schedule(cmd.Start, cmd.End, m.ID); err != nil {
			return err
		}
		for _, opID := range cmd.OperatorIDs {
			if err := bindOperator(ctx, s, t, m, opID, cmd.Start); err != nil {
				return err
			}
		}
		if cmd.ScheduleID != "" {
			sc, err := s.Schedule(ctx, cmd.ScheduleID)
			if err != nil {
				return err
			}
			if err := sc.Assign(domain.Assignment{
				TaskID:      t.ID,
				JobID:       t.JobID,
				MachineID:   m.ID,
				OperatorIDs: slices.Clone(cmd.OperatorIDs),
				Window:      calendar.TimeWindow{Start: cmd.Start, End: cmd.End},
			}); err != nil {
				return err
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return failed("schedule task failed", err)
	}
	h.invalidate()
	return succeeded(fmt.Sprintf("task %s scheduled on %s", task.ID, task.AssignedMachineID), task)
}

type RescheduleTaskCommand struct {
	TaskID    string    `json:"task_id"`
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	// DelayMinutes shifts the task by that much and cascades the shift to its
	// scheduled dependents; Start and End are ignored when it is set.
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	Reason       string `json:"reason"`
	// ScheduleID moves the matching assignments of that schedule too.
	ScheduleID string `json:"schedule_id,omitempty"`
}

func (h *Handlers) RescheduleTask(ctx context.Context, cmd RescheduleTaskCommand) Result {
	if cmd.Reason == "" {
		return failed("reschedule task failed", errors.Wrapf(domain.ErrMissingReason, "task %s", cmd.TaskID))
	}
	defer h.lock(cmd.ScheduleID)()
	var moved []*domain.Task
	err := h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		t, err := s.Task(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		if cmd.DelayMinutes > 0 {
			tasks, err := s.TasksOfJob(ctx, t.JobID)
			if err != nil {
				return err
			}
			moved, err = domain.CascadeDelay(tasks, t.ID, time.Duration(cmd.DelayMinutes)*time.Minute, cmd.Reason)
			if err != nil {
				return err
			}
		} else {
			if cmd.MachineID != "" {
				if _, ok := t.Option(cmd.MachineID); !ok {
					return errors.Wrapf(ErrNotAnOption, "task %s on machine %s", t.ID, cmd.MachineID)
				}
			}
			if err := t.RescheduleTo(cmd.Start, cmd.End, cmd.MachineID, cmd.Reason); err != nil {
				return err
			}
			moved = []*domain.Task{t}
		}
		if cmd.ScheduleID == "" {
			return nil
		}
		sc, err := s.Schedule(ctx, cmd.ScheduleID)
		if err != nil {
			return err
		}
		for _, mt := range moved {
			if _, ok := sc.Assignment(mt.ID); !ok && mt.ID != t.ID {
				continue
			}
			start, end, _ := mt.PlannedWindow()
			w := calendar.TimeWindow{Start: start, End: end}
			if err := sc.Reschedule(mt.ID, w, mt.AssignedMachineID, cmd.Reason, h.now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failed("reschedule task failed", err)
	}
	h.invalidate()
	return succeeded(fmt.Sprintf("%d tasks rescheduled", len(moved)), moved)
}

type AssignResourceCommand struct {
	TaskID     string `json:"task_id"`
	OperatorID string `json:"operator_id"`
	// ScheduleID also binds the operator in that draft schedule.
	ScheduleID string `json:"schedule_id,omitempty"`
}

func (h *Handlers) AssignResource(ctx context.Context, cmd AssignResourceCommand) Result {
	defer h.lock(cmd.ScheduleID)()
	var task *domain.Task
	err := h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		t, err := s.Task(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		var m *domain.Machine
		if t.AssignedMachineID != "" {
			if m, err = s.Machine(ctx, t.AssignedMachineID); err != nil {
				return err
			}
		}
		at := h.now()
		if t.PlannedStart != nil {
			at = *t.PlannedStart
		}
		if err := bindOperator(ctx, s, t, m, cmd.OperatorID, at); err != nil {
			return err
		}
		if cmd.ScheduleID != "" {
			sc, err := s.Schedule(ctx, cmd.ScheduleID)
			if err != nil {
				return err
			}
			if err := sc.AddOperator(t.ID, cmd.OperatorID); err != nil {
				return err
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return failed("assign resource failed", err)
	}
	h.invalidate()
	return succeeded(fmt.Sprintf("operator %s assigned to task %s", cmd.OperatorID, task.ID), task)
}

// bindOperator checks the operator's machine qualification and skills at at
// before adding it to t.
func bindOperator(ctx context.Context, s *uow.Session, t *domain.Task, m *domain.Machine, operatorID string, at time.Time) error {
	o, err := s.Operator(ctx, operatorID)
	if err != nil {
		return err
	}
	if m != nil && !o.CanOperate(m) {
		return errors.Wrapf(domain.ErrUnqualifiedOperator, "operator %s is not qualified on machine %s (%s)", o.ID, m.ID, m.Type)
	}
	for _, r := range t.SkillRequirements {
		if o.Meets(r, at) {
			continue
		}
		level, _ := o.SkillLevel(r.SkillCode, at)
		return errors.Wrapf(domain.ErrUnqualifiedOperator, "operator %s has %s level %d, task %s requires %d",
			o.ID, r.SkillCode, level, t.ID, r.MinLevel)
	}
	return t.AssignOperator(o.ID)
}

type OptimizeScheduleCommand struct {
	optimize.Request
	// Publish commits the plan: the tasks take their planned placements and
	// the schedule is published.
	Publish bool `json:"publish,omitempty"`
	// Supersedes names a schedule that is cancelled once the new one is
	// published.
	Supersedes string `json:"supersedes,omitempty"`
}

// optimizedReason is recorded on tasks moved by a published optimization.
const optimizedReason = "optimized"

func (h *Handlers) OptimizeSchedule(ctx context.Context, cmd OptimizeScheduleCommand) Result {
	defer h.lock(cmd.Supersedes)()
	res, err := h.solve(ctx, cmd.Request)
	if err != nil {
		return failed("optimization failed", err)
	}
	if !res.Status.HasSolution() {
		return Result{
			Message: fmt.Sprintf("no schedule found: %s", res.Status),
			Data:    res,
			Errors:  res.Violations,
		}
	}
	err = h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		sc := res.Schedule
		s.AddSchedule(sc)
		if !cmd.Publish {
			return nil
		}
		for _, a := range res.Assignments {
			if a.Fixed {
				continue
			}
			t, err := s.Task(ctx, a.TaskID)
			if err != nil {
				return err
			}
			if err := commitPlacement(t, optimize.ToAssignment(a)); err != nil {
				return err
			}
		}
		now := h.now()
		if err := sc.Publish(now); err != nil {
			return err
		}
		if cmd.Supersedes != "" {
			old, err := s.Schedule(ctx, cmd.Supersedes)
			if err != nil {
				return err
			}
			return old.Cancel("superseded by "+sc.ID, now)
		}
		return nil
	})
	if err != nil {
		return failed("saving the optimized schedule failed", err)
	}
	if cmd.Publish {
		h.invalidate()
	}
	return succeeded(fmt.Sprintf("schedule %s: %s, makespan %.2f h", res.Schedule.ID, res.Status, res.MakespanHours), res)
}

// commitPlacement moves t to the placement of a.
func commitPlacement(t *domain.Task, a domain.Assignment) error {
	switch t.Status {
	case domain.TaskPending, domain.TaskReady:
		if err := t.Schedule(a.Start(), a.End(), a.MachineID); err != nil {
			return err
		}
	case domain.TaskScheduled:
		if err := t.RescheduleTo(a.Start(), a.End(), a.MachineID, optimizedReason); err != nil {
			return err
		}
	default:
		return nil
	}
	for _, opID := range a.OperatorIDs {
		if slices.Contains(t.AssignedOperatorIDs, opID) {
			continue
		}
		if err := t.AssignOperator(opID); err != nil {
			return err
		}
	}
	return nil
}

type UpdateTaskStatusCommand struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
	// At is when the change happened; zero means now.
	At     time.Time `json:"at,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// UpdateTaskStatus applies one task transition. The owning job starts with
// its first started task and completes when all its tasks are done.
func (h *Handlers) UpdateTaskStatus(ctx context.Context, cmd UpdateTaskStatusCommand) Result {
	at := cmd.At
	if at.IsZero() {
		at = h.now()
	}
	var task *domain.Task
	err := h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		t, err := s.Task(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		switch cmd.Status {
		case domain.TaskReady:
			err = t.MarkReady(at)
		case domain.TaskInProgress:
			err = t.Start(at)
		case domain.TaskCompleted:
			err = t.Complete(at)
		case domain.TaskFailed:
			err = t.Fail(cmd.Reason)
		case domain.TaskCancelled:
			err = t.Cancel(cmd.Reason)
		default:
			err = errors.Wrapf(domain.ErrInvalidEntity, "task %s: status %q cannot be set directly", t.ID, cmd.Status)
		}
		if err != nil {
			return err
		}
		task = t
		return progressJob(ctx, s, t, at)
	})
	if err != nil {
		return failed("update task status failed", err)
	}
	h.invalidate()
	return succeeded(fmt.Sprintf("task %s is %s", task.ID, task.Status), task)
}

func progressJob(ctx context.Context, s *uow.Session, t *domain.Task, at time.Time) error {
	job, err := s.Job(ctx, t.JobID)
	if err != nil {
		return err
	}
	switch t.Status {
	case domain.TaskInProgress:
		if job.Status == domain.JobPlanned {
			if err := job.Release(at); err != nil {
				return err
			}
		}
		if job.Status == domain.JobReleased {
			return job.Start(at)
		}
	case domain.TaskCompleted, domain.TaskCancelled:
		if job.Status != domain.JobInProgress {
			return nil
		}
		tasks, err := s.TasksOfJob(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, sib := range tasks {
			if !sib.Status.IsTerminal() {
				return nil
			}
		}
		return job.Complete(at)
	}
	return nil
}

type HandleResourceDisruptionCommand struct {
	ScheduleID string `json:"schedule_id"`
	disruption.Disruption
}

// HandleResourceDisruption blocks the disrupted resources and replans the
// affected part of the schedule. The blocked availability is kept even when
// no replan is found.
func (h *Handlers) HandleResourceDisruption(ctx context.Context, cmd HandleResourceDisruptionCommand) Result {
	if err := cmd.Disruption.Validate(); err != nil {
		return failed("invalid disruption", err)
	}
	defer h.lock(cmd.ScheduleID)()
	var plan *disruption.Plan
	err := h.work.Do(ctx, func(ctx context.Context, s *uow.Session) error {
		sc, err := s.Schedule(ctx, cmd.ScheduleID)
		if err != nil {
			return err
		}
		cat, err := loadCatalog(ctx, s, sc)
		if err != nil {
			return err
		}
		plan, err = h.reopt.Plan(cat, sc, cmd.Disruption)
		if err != nil {
			return err
		}
		if !plan.Feasible() {
			return nil
		}
		return disruption.Apply(sc, cat.Tasks, plan, h.now())
	})
	if err != nil {
		return failed("disruption handling failed", err)
	}
	h.invalidate()
	if plan.Result != nil && !plan.Feasible() {
		return Result{
			Message: fmt.Sprintf("no replan found: %s", plan.Result.Status),
			Data:    plan,
			Errors:  plan.Result.Violations,
		}
	}
	return succeeded(fmt.Sprintf("%s: %d tasks rescheduled", cmd.Type, len(plan.Changes)), plan)
}

// loadCatalog tracks every machine and operator plus the jobs and tasks
// behind sc's assignments.
func loadCatalog(ctx context.Context, s *uow.Session, sc *domain.Schedule) (*domain.Catalog, error) {
	cat := domain.NewCatalog()
	machines, err := s.Repos().Machines.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list machines")
	}
	for _, m := range machines {
		s.AddMachine(m)
		tracked, err := s.Machine(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		cat.AddMachine(tracked)
	}
	operators, err := s.Repos().Operators.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list operators")
	}
	for _, o := range operators {
		s.AddOperator(o)
		tracked, err := s.Operator(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		cat.AddOperator(tracked)
	}
	for _, a := range sc.SortedAssignments() {
		jobID := a.JobID
		if jobID == "" {
			t, err := s.Task(ctx, a.TaskID)
			if err != nil {
				return nil, err
			}
			jobID = t.JobID
		}
		if _, ok := cat.Jobs[jobID]; ok {
			continue
		}
		job, err := s.Job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		cat.AddJob(job)
		tasks, err := s.TasksOfJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			cat.AddTask(t)
		}
	}
	return cat, nil
}
