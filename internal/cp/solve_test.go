package cp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = Params{TimeLimit: 10 * time.Second, RelativeGap: 0.01}

func on(r, dur int) Mode {
	return Mode{Duration: dur, Demands: []Demand{{Resource: r, Length: dur}}}
}

func TestChainIsSequenced(t *testing.T) {
	m := &Model{
		Horizon:     100,
		Resources:   []Resource{{Name: "m1", Capacity: 1}},
		Tasks:       []Task{{Name: "a", Modes: []Mode{on(0, 4)}}, {Name: "b", Modes: []Mode{on(0, 6)}}, {Name: "c", Modes: []Mode{on(0, 4)}}},
		Precedences: []Precedence{{0, 1}, {1, 2}},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 14, res.Objective)
	assert.Equal(t, []int{0, 4, 10}, res.Starts)
	assert.Equal(t, 14, res.End(m, 2))
}

func TestAlternativeModesSpreadLoad(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "fast", Capacity: 1}, {Name: "slow", Capacity: 1}},
		Tasks: []Task{
			{Name: "a", Modes: []Mode{on(0, 4), on(1, 6)}},
			{Name: "b", Modes: []Mode{on(0, 4), on(1, 6)}},
		},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 6, res.Objective)
	assert.ElementsMatch(t, []int{0, 1}, res.Modes)
}

func TestAvailabilityWindows(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "m1", Capacity: 1, Available: []Interval{{10, 20}}}},
		Tasks:     []Task{{Name: "a", Modes: []Mode{on(0, 5)}}},
	}

	res := Solve(m, params)
	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 10, res.Starts[0])

	m.Tasks[0].Modes = []Mode{on(0, 15)}
	assert.Equal(t, StatusInfeasible, Solve(m, params).Status)
}

func TestClosedResourceIsNeverUsed(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "down", Capacity: 1, Available: []Interval{}}, {Name: "up", Capacity: 1}},
		Tasks:     []Task{{Name: "a", Modes: []Mode{on(0, 2), on(1, 5)}}},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 1, res.Modes[0])
}

func TestCapacityAllowsOverlap(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "cell", Capacity: 2}},
		Tasks:     []Task{{Name: "a", Modes: []Mode{on(0, 4)}}, {Name: "b", Modes: []Mode{on(0, 4)}}, {Name: "c", Modes: []Mode{on(0, 4)}}},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 8, res.Objective)
}

func TestFixedTasksBlockResources(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "m1", Capacity: 1}},
		Tasks: []Task{
			{Name: "running", Release: 2, Modes: []Mode{on(0, 3)}, Fixed: true},
			{Name: "next", Modes: []Mode{on(0, 4)}},
		},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 2, res.Starts[0])
	assert.Equal(t, 5, res.Starts[1])
	assert.Equal(t, 9, res.Objective)
}

func TestFixedSuccessorCapsPredecessor(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "m1", Capacity: 1}, {Name: "m2", Capacity: 1}},
		Tasks: []Task{
			{Name: "before", Modes: []Mode{on(0, 4)}},
			{Name: "pinned", Release: 5, Modes: []Mode{on(1, 2)}, Fixed: true},
		},
		Precedences: []Precedence{{0, 1}},
	}

	require.Equal(t, StatusOptimal, Solve(m, params).Status)

	m.Tasks[0].Modes = []Mode{on(0, 6)}
	assert.Equal(t, StatusInfeasible, Solve(m, params).Status)
}

func TestDeadline(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Resources: []Resource{{Name: "m1", Capacity: 1}},
		Tasks:     []Task{{Name: "a", Deadline: 3, Modes: []Mode{on(0, 4)}}},
	}

	assert.Equal(t, StatusInfeasible, Solve(m, params).Status)
}

func TestTotalDelayRunsShortTasksFirst(t *testing.T) {
	m := &Model{
		Horizon:   100,
		Objective: TotalDelay,
		Resources: []Resource{{Name: "m1", Capacity: 1}},
		Tasks:     []Task{{Name: "long", Modes: []Mode{on(0, 6)}}, {Name: "short", Modes: []Mode{on(0, 2)}}},
	}

	res := Solve(m, params)

	require.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, 2, res.Objective)
	assert.Equal(t, []int{2, 0}, res.Starts)
}

func TestInvalidModels(t *testing.T) {
	cyclic := &Model{
		Horizon:     10,
		Resources:   []Resource{{Name: "m1", Capacity: 1}},
		Tasks:       []Task{{Name: "a", Modes: []Mode{on(0, 1)}}, {Name: "b", Modes: []Mode{on(0, 1)}}},
		Precedences: []Precedence{{0, 1}, {1, 0}},
	}
	res := Solve(cyclic, params)
	assert.Equal(t, StatusModelInvalid, res.Status)
	assert.Error(t, res.Err)

	badDemand := &Model{
		Horizon:   10,
		Resources: []Resource{{Name: "m1", Capacity: 1}},
		Tasks:     []Task{{Name: "a", Modes: []Mode{{Duration: 2, Demands: []Demand{{Resource: 3, Length: 2}}}}}},
	}
	assert.Equal(t, StatusModelInvalid, Solve(badDemand, params).Status)

	assert.Equal(t, StatusModelInvalid, Solve(&Model{}, params).Status)
}

func TestTaskWithoutModesIsInfeasible(t *testing.T) {
	m := &Model{Horizon: 10, Tasks: []Task{{Name: "a"}}}

	assert.Equal(t, StatusInfeasible, Solve(m, params).Status)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, StatusOptimal, outcome(true, false))
	assert.Equal(t, StatusFeasible, outcome(true, true))
	assert.Equal(t, StatusUnknown, outcome(false, true))
	assert.Equal(t, StatusInfeasible, outcome(false, false))
	assert.Equal(t, "FEASIBLE", StatusFeasible.String())
}

func TestTimeLimitKeepsIncumbent(t *testing.T) {
	durations := []int{3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41}
	m := &Model{Horizon: 1000, Resources: []Resource{{Name: "m1", Capacity: 1}, {Name: "m2", Capacity: 1}}}
	for _, d := range durations {
		m.Tasks = append(m.Tasks, Task{Modes: []Mode{on(0, d), on(1, d)}})
	}

	res := Solve(m, Params{TimeLimit: time.Nanosecond, RelativeGap: 0.001})

	require.Contains(t, []Status{StatusFeasible, StatusOptimal}, res.Status)
	assert.Len(t, res.Starts, len(durations))
	assert.Positive(t, res.Nodes)
}
