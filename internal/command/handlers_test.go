package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/calendar"
	"jobshop/internal/constraint"
	"jobshop/internal/disruption"
	"jobshop/internal/domain"
	"jobshop/internal/events"
	"jobshop/internal/optimize"
	"jobshop/internal/repository"
	"jobshop/internal/repository/memory"
	"jobshop/internal/solver"
	"jobshop/internal/uow"
)

// Monday 2026-03-02 08:00 UTC.
var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

type env struct {
	store *memory.Store
	repos repository.Repositories
	bus   *events.Bus
	h     *Handlers
	d     *Dispatcher
	cache *optimize.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	bus := events.NewBus(8)
	cache := optimize.NewCache(time.Minute)
	svc := optimize.NewService(repos, constraint.NewBuilder(nil), solver.New(), optimize.WithCache(cache))
	reopt := disruption.New(svc, disruption.WithParams(constraint.SolverParams{TimeLimit: 30 * time.Second}))
	h := NewHandlers(uow.New(store, bus), svc, reopt, WithClock(func() time.Time { return t0 }))
	return &env{store: store, repos: repos, bus: bus, h: h, d: Routes(h), cache: cache}
}

// seed stores job j1 with tasks a, b, c (60/90/60 min on m1, chained) plus
// machine m1 and operator op1 holding turning level 1.
func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	job, err := domain.NewJob("j1", "J-1", domain.PriorityNormal, time.Time{}, at(8*60))
	require.NoError(t, err)
	require.NoError(t, e.repos.Machines.Save(ctx, &domain.Machine{ID: "m1", Type: "lathe", Capacity: 1}))
	require.NoError(t, e.repos.Machines.Save(ctx, &domain.Machine{ID: "m2", Type: "mill", Capacity: 1}))
	require.NoError(t, e.repos.Operators.Save(ctx, &domain.Operator{
		ID:                    "op1",
		Skills:                map[string]domain.SkillProficiency{"turning": {SkillCode: "turning", Level: 1}},
		QualifiedMachineTypes: []string{"lathe"},
	}))
	prev := ""
	for i, spec := range []struct {
		id      string
		minutes int
	}{{"a", 60}, {"b", 90}, {"c", 60}} {
		tk, err := domain.NewTask(spec.id, "j1", "op-"+spec.id, i+1, domain.MachineOption{MachineID: "m1", ProcessingMinutes: spec.minutes})
		require.NoError(t, err)
		if prev != "" {
			tk.PredecessorIDs = []string{prev}
		}
		prev = spec.id
		job.TaskIDs = append(job.TaskIDs, spec.id)
		require.NoError(t, e.repos.Tasks.Save(ctx, tk))
	}
	require.NoError(t, e.repos.Jobs.Save(ctx, job))
}

func (e *env) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	tk, err := e.repos.Tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func (e *env) schedule(t *testing.T, id string) *domain.Schedule {
	t.Helper()
	sc, err := e.repos.Schedules.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sc
}

func (e *env) draft(t *testing.T, id string) {
	t.Helper()
	sc, err := domain.NewSchedule(id, "week 10", calendar.TimeWindow{Start: t0, End: at(7 * 24 * 60)})
	require.NoError(t, err)
	require.NoError(t, e.repos.Schedules.Save(context.Background(), sc))
}

func TestScheduleTaskPersists(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.draft(t, "s1")

	res := e.h.ScheduleTask(context.Background(), ScheduleTaskCommand{
		TaskID: "a", MachineID: "m1", Start: t0, End: at(60), OperatorIDs: []string{"op1"}, ScheduleID: "s1",
	})

	require.True(t, res.Success, res.Errors)
	a := e.task(t, "a")
	assert.Equal(t, domain.TaskScheduled, a.Status)
	assert.Equal(t, t0, *a.PlannedStart)
	assert.Equal(t, []string{"op1"}, a.AssignedOperatorIDs)
	got, ok := e.schedule(t, "s1").Assignment("a")
	require.True(t, ok)
	assert.Equal(t, []string{"op1"}, got.OperatorIDs)
}

func TestScheduleTaskRejectsUnderskilledOperator(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	a := e.task(t, "a")
	a.SkillRequirements = []domain.SkillRequirement{{SkillCode: "turning", MinLevel: 3}}
	require.NoError(t, e.repos.Tasks.Save(context.Background(), a))

	res := e.h.ScheduleTask(context.Background(), ScheduleTaskCommand{
		TaskID: "a", MachineID: "m1", Start: t0, End: at(60), OperatorIDs: []string{"op1"},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "BusinessRuleViolation", res.Category)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "op1")
	assert.Equal(t, domain.TaskPending, e.task(t, "a").Status, "rolled back")
}

func TestScheduleTaskInvertedWindow(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.ScheduleTask(context.Background(), ScheduleTaskCommand{TaskID: "a", MachineID: "m1", Start: at(120), End: at(60)})

	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)
}

func TestScheduleTaskOnForeignMachine(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.ScheduleTask(context.Background(), ScheduleTaskCommand{TaskID: "a", MachineID: "m2", Start: t0, End: at(60)})

	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)
}

func scheduleChain(t *testing.T, e *env, scheduleID string) {
	t.Helper()
	for _, c := range []ScheduleTaskCommand{
		{TaskID: "a", MachineID: "m1", Start: t0, End: at(60)},
		{TaskID: "b", MachineID: "m1", Start: at(60), End: at(150)},
		{TaskID: "c", MachineID: "m1", Start: at(150), End: at(210)},
	} {
		c.ScheduleID = scheduleID
		res := e.h.ScheduleTask(context.Background(), c)
		require.True(t, res.Success, res.Errors)
	}
}

func TestRescheduleCascadesToDependents(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.draft(t, "s1")
	scheduleChain(t, e, "s1")

	res := e.h.RescheduleTask(context.Background(), RescheduleTaskCommand{
		TaskID: "a", DelayMinutes: 30, Reason: "material late", ScheduleID: "s1",
	})

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, at(30), *e.task(t, "a").PlannedStart)
	assert.Equal(t, at(90), *e.task(t, "b").PlannedStart)
	assert.Equal(t, at(180), *e.task(t, "c").PlannedStart)
	sc := e.schedule(t, "s1")
	b, _ := sc.Assignment("b")
	assert.Equal(t, at(90), b.Start())
	require.Len(t, sc.History, 3)
	assert.Equal(t, "material late", sc.History[0].Reason)
}

func TestRescheduleFailureRollsBackCascade(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.draft(t, "s1")
	scheduleChain(t, e, "")

	res := e.h.RescheduleTask(context.Background(), RescheduleTaskCommand{
		TaskID: "a", DelayMinutes: 30, Reason: "material late", ScheduleID: "s1",
	})

	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)
	assert.Equal(t, t0, *e.task(t, "a").PlannedStart)
	assert.Equal(t, at(60), *e.task(t, "b").PlannedStart)
	assert.Equal(t, at(150), *e.task(t, "c").PlannedStart)
}

func TestRescheduleNeedsReason(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.RescheduleTask(context.Background(), RescheduleTaskCommand{TaskID: "a", Start: t0, End: at(60)})

	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)
}

func TestAssignResourceChecksQualification(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()
	require.NoError(t, e.repos.Operators.Save(ctx, &domain.Operator{ID: "op2", QualifiedMachineTypes: []string{"mill"}}))
	scheduleChain(t, e, "")

	res := e.h.AssignResource(ctx, AssignResourceCommand{TaskID: "a", OperatorID: "op2"})
	assert.False(t, res.Success)
	assert.Equal(t, "BusinessRuleViolation", res.Category)

	res = e.h.AssignResource(ctx, AssignResourceCommand{TaskID: "a", OperatorID: "op1"})
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, []string{"op1"}, e.task(t, "a").AssignedOperatorIDs)

	res = e.h.AssignResource(ctx, AssignResourceCommand{TaskID: "a", OperatorID: "op1"})
	assert.False(t, res.Success, "duplicate")
}

func TestAssignResourceUnknownOperator(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.AssignResource(context.Background(), AssignResourceCommand{TaskID: "a", OperatorID: "ghost"})

	assert.False(t, res.Success)
	assert.Equal(t, "RepositoryError", res.Category)
}

func optimizeCommand(publish bool) OptimizeScheduleCommand {
	return OptimizeScheduleCommand{
		Request: optimize.Request{
			Horizon:   calendar.TimeWindow{Start: t0, End: at(24 * 60)},
			Objective: constraint.MinimizeMakespan,
			Params:    constraint.SolverParams{TimeLimit: 30 * time.Second},
		},
		Publish: publish,
	}
}

func TestOptimizeSchedulePublishesPlan(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	var mu sync.Mutex
	var published []string
	require.NoError(t, e.bus.Subscribe(domain.EventSchedulePublished, "test", func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, ev.AggregateID)
		return nil
	}))

	res := e.h.OptimizeSchedule(context.Background(), optimizeCommand(true))

	require.True(t, res.Success, res.Errors)
	out, ok := res.Data.(*optimize.Result)
	require.True(t, ok)
	assert.Equal(t, 3.5, out.MakespanHours)
	sc := e.schedule(t, out.Schedule.ID)
	assert.Equal(t, domain.SchedulePublished, sc.Status)
	b := e.task(t, "b")
	assert.Equal(t, domain.TaskScheduled, b.Status)
	assert.Equal(t, at(60), *b.PlannedStart)
	mu.Lock()
	assert.Equal(t, []string{out.Schedule.ID}, published)
	mu.Unlock()
	assert.Zero(t, e.cache.Len())
}

func TestOptimizeScheduleDraftKeepsTasks(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.OptimizeSchedule(context.Background(), optimizeCommand(false))

	require.True(t, res.Success, res.Errors)
	out := res.Data.(*optimize.Result)
	assert.Equal(t, domain.ScheduleDraft, e.schedule(t, out.Schedule.ID).Status)
	assert.Equal(t, domain.TaskPending, e.task(t, "a").Status)
	assert.Equal(t, 1, e.cache.Len())
}

func TestOptimizeScheduleOnRunner(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	runner := optimize.NewRunner(e.h.opt, 1)
	WithRunner(runner)(e.h)

	res := e.h.OptimizeSchedule(context.Background(), optimizeCommand(false))
	runner.Wait()

	require.True(t, res.Success, res.Errors)
	out := res.Data.(*optimize.Result)
	assert.InDelta(t, 3.5, out.MakespanHours, 1e-9)
}

func TestOptimizeScheduleInfeasible(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	cmd := optimizeCommand(false)
	cmd.EnforceDueDates = true
	job, err := e.repos.Jobs.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	job.DueDate = at(120)
	require.NoError(t, e.repos.Jobs.Save(context.Background(), job))

	res := e.h.OptimizeSchedule(context.Background(), cmd)

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no schedule found")
}

func TestUpdateTaskStatusDrivesJob(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()
	scheduleChain(t, e, "")

	for _, id := range []string{"a", "b", "c"} {
		res := e.h.UpdateTaskStatus(ctx, UpdateTaskStatusCommand{TaskID: id, Status: domain.TaskInProgress, At: t0})
		require.True(t, res.Success, res.Errors)
		res = e.h.UpdateTaskStatus(ctx, UpdateTaskStatusCommand{TaskID: id, Status: domain.TaskCompleted, At: at(60)})
		require.True(t, res.Success, res.Errors)
	}

	job, err := e.repos.Jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestUpdateTaskStatusRejectsIllegalTransition(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := e.h.UpdateTaskStatus(context.Background(), UpdateTaskStatusCommand{TaskID: "a", Status: domain.TaskCompleted})
	assert.False(t, res.Success)
	assert.Equal(t, "BusinessRuleViolation", res.Category)

	res = e.h.UpdateTaskStatus(context.Background(), UpdateTaskStatusCommand{TaskID: "a", Status: domain.TaskScheduled})
	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)
}

func TestDisruptionThroughDispatcher(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job, err := domain.NewJob("j1", "J-1", domain.PriorityNormal, time.Time{}, at(48*60))
	require.NoError(t, err)
	require.NoError(t, e.repos.Machines.Save(ctx, &domain.Machine{ID: "m1", Type: "lathe", Capacity: 1}))
	require.NoError(t, e.repos.Machines.Save(ctx, &domain.Machine{ID: "m2", Type: "mill", Capacity: 1}))
	sc, err := domain.NewSchedule("s1", "week 10", calendar.TimeWindow{Start: t0, End: at(7 * 24 * 60)})
	require.NoError(t, err)
	for i, p := range []struct {
		id, machine string
		from, to    int
	}{{"a", "m1", 0, 120}, {"c", "m2", 60, 180}, {"d", "m1", 480, 540}} {
		tk, err := domain.NewTask(p.id, "j1", "op-"+p.id, i+1, domain.MachineOption{MachineID: p.machine, ProcessingMinutes: p.to - p.from})
		require.NoError(t, err)
		require.NoError(t, tk.Schedule(at(p.from), at(p.to), p.machine))
		require.NoError(t, e.repos.Tasks.Save(ctx, tk))
		job.TaskIDs = append(job.TaskIDs, p.id)
		require.NoError(t, sc.Assign(domain.Assignment{TaskID: p.id, JobID: "j1", MachineID: p.machine, Window: calendar.TimeWindow{Start: at(p.from), End: at(p.to)}}))
	}
	require.NoError(t, e.repos.Jobs.Save(ctx, job))
	require.NoError(t, sc.Publish(t0))
	require.NoError(t, e.repos.Schedules.Save(ctx, sc))

	payload, err := json.Marshal(map[string]any{
		"schedule_id":  "s1",
		"type":         "machine_breakdown",
		"resource_ids": []string{"m1"},
		"window":       calendar.TimeWindow{Start: t0, End: at(240)},
		"scope_hours":  24,
	})
	require.NoError(t, err)

	res := e.d.Dispatch(ctx, HandleResourceDisruption, payload)

	require.True(t, res.Success, res.Errors)
	plan := res.Data.(*disruption.Plan)
	require.Len(t, plan.Changes, 1)

	stored := e.schedule(t, "s1")
	a, _ := stored.Assignment("a")
	assert.False(t, a.Start().Before(at(240)))
	c, _ := stored.Assignment("c")
	assert.Equal(t, at(60), c.Start())
	d, _ := stored.Assignment("d")
	assert.Equal(t, at(480), d.Start())
	assert.Equal(t, "machine_breakdown", stored.History[0].Reason)
	assert.Equal(t, a.Start(), *e.task(t, "a").PlannedStart)

	m1, err := e.repos.Machines.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m1.Availability.Covers(calendar.TimeWindow{Start: at(60), End: at(120)}))
}

func TestDisruptionUnknownSchedule(t *testing.T) {
	e := newEnv(t)

	res := e.h.HandleResourceDisruption(context.Background(), HandleResourceDisruptionCommand{
		ScheduleID: "nope",
		Disruption: disruption.Disruption{Type: disruption.OperatorAbsence, ResourceIDs: []string{"op1"}, Window: calendar.TimeWindow{Start: t0, End: at(60)}},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "RepositoryError", res.Category)
}

func TestDispatcherRejectsUnknownAndMalformed(t *testing.T) {
	e := newEnv(t)

	res := e.d.Dispatch(context.Background(), "Teleport", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)

	res = e.d.Dispatch(context.Background(), ScheduleTask, json.RawMessage(`{"task_id": 7}`))
	assert.False(t, res.Success)
	assert.Equal(t, "ValidationError", res.Category)

	assert.Len(t, e.d.Names(), 6)
}
