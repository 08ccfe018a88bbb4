// Package cp is a small constraint-programming engine for multi-mode
// resource-constrained scheduling. Time is an integer slot index. Tasks pick
// one of their modes and a start; a mode occupies resources for sub-intervals
// of the task. The search is a depth-first branch and bound over active
// schedules, bounded by a wall-clock limit.
package cp

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a half-open slot interval.
type Interval struct {
	Start int
	End   int
}

// Resource is a renewable resource.
type Resource struct {
	Name     string
	Capacity int
	// Available lists the intervals the resource can be used in; nil means
	// always.
	Available []Interval
}

// Demand is one unit of a resource used over [start+Offset,
// start+Offset+Length).
type Demand struct {
	Resource int
	Offset   int
	Length   int
}

// Mode is one way of running a task.
type Mode struct {
	Duration int
	Demands  []Demand
}

// Task is one activity. A fixed task runs in Modes[0] at Release and is not
// searched.
type Task struct {
	Name    string
	Release int
	// Deadline bounds the end; 0 means the horizon.
	Deadline int
	Modes    []Mode
	Fixed    bool
}

// Precedence requires Before to end no later than After starts.
type Precedence struct {
	Before int
	After  int
}

type Objective int

const (
	// Makespan minimizes the largest end.
	Makespan Objective = iota
	// TotalDelay minimizes the sum of start - Release.
	TotalDelay
)

type Model struct {
	Horizon     int
	Tasks       []Task
	Resources   []Resource
	Precedences []Precedence
	Objective   Objective
}

// Validate checks the model is well formed.
func (m *Model) Validate() error {
	if m.Horizon <= 0 {
		return fmt.Errorf("horizon must be positive, got %d", m.Horizon)
	}
	for r, res := range m.Resources {
		if res.Capacity < 1 {
			return fmt.Errorf("resource %d (%s): capacity %d", r, res.Name, res.Capacity)
		}
		for _, w := range res.Available {
			if w.End < w.Start {
				return fmt.Errorf("resource %d (%s): inverted window %v", r, res.Name, w)
			}
		}
	}
	for i, t := range m.Tasks {
		if t.Fixed && len(t.Modes) != 1 {
			return fmt.Errorf("task %d (%s): fixed task needs exactly one mode", i, t.Name)
		}
		for k, md := range t.Modes {
			if md.Duration <= 0 {
				return fmt.Errorf("task %d (%s) mode %d: duration %d", i, t.Name, k, md.Duration)
			}
			for _, d := range md.Demands {
				if d.Resource < 0 || d.Resource >= len(m.Resources) {
					return fmt.Errorf("task %d (%s) mode %d: unknown resource %d", i, t.Name, k, d.Resource)
				}
				if d.Offset < 0 || d.Length <= 0 || d.Offset+d.Length > md.Duration {
					return fmt.Errorf("task %d (%s) mode %d: demand %+v outside duration %d", i, t.Name, k, d, md.Duration)
				}
			}
		}
	}
	for _, p := range m.Precedences {
		if p.Before < 0 || p.Before >= len(m.Tasks) || p.After < 0 || p.After >= len(m.Tasks) || p.Before == p.After {
			return fmt.Errorf("invalid precedence %+v", p)
		}
	}
	if _, err := topoOrder(len(m.Tasks), m.Precedences); err != nil {
		return err
	}
	return nil
}

func topoOrder(n int, prec []Precedence) ([]int, error) {
	indeg := make([]int, n)
	succ := make([][]int, n)
	for _, p := range prec {
		succ[p.Before] = append(succ[p.Before], p.After)
		indeg[p.After]++
	}
	var queue, order []int
	for i := range n {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range succ[i] {
			if indeg[j]--; indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("precedences contain a cycle")
	}
	return order, nil
}

type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusFeasible
	StatusInfeasible
	StatusModelInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "OPTIMAL"
	case StatusFeasible:
		return "FEASIBLE"
	case StatusInfeasible:
		return "INFEASIBLE"
	case StatusModelInvalid:
		return "MODEL_INVALID"
	}
	return "UNKNOWN"
}

// Params bounds a solve.
type Params struct {
	// TimeLimit is the wall-clock budget; zero means none.
	TimeLimit time.Duration
	// RelativeGap stops improving once (best-bound)/best is within it.
	RelativeGap float64
}

// Result of a solve. Starts and Modes are indexed like Model.Tasks and set
// only when Status is Optimal or Feasible.
type Result struct {
	Status    Status
	Objective int
	Bound     int
	Starts    []int
	Modes     []int
	Nodes     int64
	Elapsed   time.Duration
	Err       error
}

// End returns the end slot of task i in the result.
func (r Result) End(m *Model, i int) int {
	return r.Starts[i] + m.Tasks[i].Modes[r.Modes[i]].Duration
}

func normalize(ws []Interval) []Interval {
	if ws == nil {
		return nil
	}
	out := make([]Interval, 0, len(ws))
	for _, w := range ws {
		if w.End > w.Start {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
