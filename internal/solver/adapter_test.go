package solver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/calendar"
	"jobshop/internal/constraint"
	"jobshop/internal/cp"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
)

// Monday 2026-03-02 08:00 UTC.
var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func shop(t *testing.T, due time.Time) *domain.Catalog {
	t.Helper()
	cat := domain.NewCatalog()
	job, err := domain.NewJob("j1", "J-1", domain.PriorityNormal, time.Time{}, due)
	require.NoError(t, err)
	cat.AddJob(job)
	cat.AddMachine(&domain.Machine{ID: "m1", Type: "lathe", Capacity: 1})
	cat.AddOperator(&domain.Operator{
		ID:                    "op1",
		Skills:                map[string]domain.SkillProficiency{"turning": {SkillCode: "turning", Level: 1}},
		QualifiedMachineTypes: []string{"lathe"},
	})
	return cat
}

func task(t *testing.T, cat *domain.Catalog, id string, seq int, opt domain.MachineOption, preds ...string) *domain.Task {
	t.Helper()
	tk, err := domain.NewTask(id, "j1", "op-"+id, seq, opt)
	require.NoError(t, err)
	tk.PredecessorIDs = preds
	cat.AddTask(tk)
	return tk
}

func on(machine string, minutes int) domain.MachineOption {
	return domain.MachineOption{MachineID: machine, ProcessingMinutes: minutes}
}

func build(t *testing.T, cat *domain.Catalog, mutate ...func(*constraint.Request)) *constraint.Model {
	t.Helper()
	req := constraint.Request{
		Horizon: calendar.TimeWindow{Start: t0, End: t0.Add(24 * time.Hour)},
		Params:  constraint.SolverParams{TimeLimit: 30 * time.Second},
	}
	for _, f := range mutate {
		f(&req)
	}
	m, err := constraint.NewBuilder(nil).Build(req, cat)
	require.NoError(t, err)
	return m
}

func TestSequentialJobMakespan(t *testing.T) {
	cat := shop(t, time.Time{})
	task(t, cat, "a", 1, on("m1", 60))
	task(t, cat, "b", 2, on("m1", 90), "a")
	task(t, cat, "c", 3, on("m1", 60), "b")

	sol := New().Solve(build(t, cat))

	require.Equal(t, StatusOptimal, sol.Status)
	assert.Equal(t, 210.0, sol.ObjectiveValue)
	assert.Equal(t, 3.5, Hours(sol.ObjectiveValue))
	require.Len(t, sol.Assignments, 3)
	assert.Equal(t, t0, sol.Assignments[0].Start)
	assert.Equal(t, t0.Add(60*time.Minute), sol.Assignments[1].Start)
	assert.Equal(t, t0.Add(150*time.Minute), sol.Assignments[2].Start)
	assert.Equal(t, t0.Add(210*time.Minute), sol.Assignments[2].End)
	for _, a := range sol.Assignments {
		assert.Equal(t, "m1", a.MachineID)
		assert.Zero(t, a.DelayMinutes)
		assert.InDelta(t, 0.65, a.Score, 1e-9)
	}
	assert.InDelta(t, 210.0/1440.0, sol.Utilization["m1"], 1e-9)
	assert.Zero(t, sol.Utilization["op1"])
}

func TestOperatorBoundOnlyDuringSetup(t *testing.T) {
	cat := shop(t, time.Time{})
	cat.AddMachine(&domain.Machine{ID: "m2", Type: "lathe", Capacity: 1})
	turning := []domain.SkillRequirement{{SkillCode: "turning", MinLevel: 1}}
	a := task(t, cat, "a", 1, domain.MachineOption{MachineID: "m1", SetupMinutes: 15, ProcessingMinutes: 60})
	a.SkillRequirements = turning
	b := task(t, cat, "b", 2, domain.MachineOption{MachineID: "m2", SetupMinutes: 15, ProcessingMinutes: 60})
	b.SkillRequirements = turning

	sol := New().Solve(build(t, cat))

	require.Equal(t, StatusOptimal, sol.Status)
	assert.Equal(t, 90.0, sol.ObjectiveValue)
	require.Len(t, sol.Assignments, 2)
	starts := []time.Time{sol.Assignments[0].Start, sol.Assignments[1].Start}
	assert.ElementsMatch(t, []time.Time{t0, t0.Add(15 * time.Minute)}, starts)
	for _, as := range sol.Assignments {
		assert.Equal(t, []string{"op1"}, as.OperatorIDs)
		assert.Equal(t, as.Start.Add(15*time.Minute), as.OperatorEnd)
		assert.Equal(t, 15, as.SetupMinutes)
	}
}

func TestPinnedTaskHoldsItsMachine(t *testing.T) {
	cat := shop(t, time.Time{})
	a := task(t, cat, "a", 1, on("m1", 60))
	require.NoError(t, a.Schedule(t0, t0.Add(time.Hour), "m1"))
	task(t, cat, "b", 2, on("m1", 60))

	sol := New().Solve(build(t, cat, func(r *constraint.Request) { r.Scope = []string{"b"} }))

	require.Equal(t, StatusOptimal, sol.Status)
	require.Len(t, sol.Assignments, 2)
	assert.True(t, sol.Assignments[0].Fixed)
	assert.Equal(t, t0, sol.Assignments[0].Start)
	assert.False(t, sol.Assignments[1].Fixed)
	assert.Equal(t, t0.Add(time.Hour), sol.Assignments[1].Start)
	assert.Equal(t, 60, sol.Assignments[1].DelayMinutes)
}

func TestHardDueDateMakesProblemInfeasible(t *testing.T) {
	cat := shop(t, t0.Add(time.Hour))
	task(t, cat, "a", 1, on("m1", 60))
	task(t, cat, "b", 2, on("m1", 90), "a")

	sol := New().Solve(build(t, cat, func(r *constraint.Request) { r.EnforceDueDates = true }))

	assert.Equal(t, StatusInfeasible, sol.Status)
	assert.Empty(t, sol.Assignments)
	assert.Nil(t, sol.Utilization)
}

func TestEngineStatusIsPassedThrough(t *testing.T) {
	cat := shop(t, time.Time{})
	task(t, cat, "a", 1, on("m1", 60))
	calls := 0
	a := NewWith(func(m *cp.Model, p cp.Params) cp.Result {
		calls++
		assert.Equal(t, 96, m.Horizon)
		assert.Equal(t, 30*time.Second, p.TimeLimit)
		assert.Equal(t, constraint.DefaultGapTolerance, p.RelativeGap)
		return cp.Result{Status: cp.StatusUnknown}
	})

	sol := a.Solve(build(t, cat))

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusUnknown, sol.Status)
	assert.Empty(t, sol.Assignments)
}

func TestBuildFailureIsModelInvalid(t *testing.T) {
	m := &constraint.Model{
		HorizonMinutes: 120,
		Params:         constraint.SolverParams{GranularityMinutes: 15},
		Temporal: constraint.TemporalConstraints{
			Order: []string{"a"},
			Tasks: map[string]*constraint.TaskWindow{
				"a": {TaskID: "a", LatestEnd: 120, Modes: []constraint.Mode{{MachineID: "ghost", ProcessingMinutes: 30}}},
			},
		},
	}
	calls := 0
	a := NewWith(func(*cp.Model, cp.Params) cp.Result { calls++; return cp.Result{} })

	sol := a.Solve(m)

	assert.Zero(t, calls)
	assert.Equal(t, StatusModelInvalid, sol.Status)
	require.Len(t, sol.Violations, 1)
	assert.True(t, errors.Is(sol.Violations[0].Err(), ErrModelBuild))
	assert.Equal(t, "SolverError", errors.Category(sol.Violations[0].Err()))
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1.0, Score(2, true), 1e-9)
	assert.InDelta(t, 1.0, Score(3, true), 1e-9)
	assert.InDelta(t, 0.575, Score(1, false), 1e-9)
	assert.InDelta(t, 0.225, Score(0, false), 1e-9)
}

func TestSlotRounding(t *testing.T) {
	assert.Equal(t, 2, ceilDiv(16, 15))
	assert.Equal(t, 1, ceilDiv(15, 15))
	assert.Equal(t, -1, ceilDiv(-16, 15))
	assert.Equal(t, 1, floorDiv(29, 15))
	assert.Equal(t, -2, floorDiv(-16, 15))
	assert.Equal(t, StatusModelInvalid, mapStatus(cp.StatusModelInvalid))
}
