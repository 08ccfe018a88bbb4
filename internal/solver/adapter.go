// Package solver runs a constraint.Model through the cp engine and turns the
// slot-indexed answer back into dated task assignments.
package solver

import (
	"time"

	"github.com/rs/zerolog/log"

	"jobshop/internal/constraint"
	"jobshop/internal/cp"
	"jobshop/internal/errors"
)

// ErrModelBuild marks a model the engine could not be given.
var ErrModelBuild = errors.Kind("solver model build failed", errors.ErrSolver)

type Status string

const (
	StatusOptimal      Status = "optimal"
	StatusFeasible     Status = "feasible"
	StatusInfeasible   Status = "infeasible"
	StatusUnknown      Status = "unknown"
	StatusModelInvalid Status = "model_invalid"
)

// HasSolution reports whether assignments accompany the status.
func (s Status) HasSolution() bool { return s == StatusOptimal || s == StatusFeasible }

func mapStatus(s cp.Status) Status {
	switch s {
	case cp.StatusOptimal:
		return StatusOptimal
	case cp.StatusFeasible:
		return StatusFeasible
	case cp.StatusInfeasible:
		return StatusInfeasible
	case cp.StatusModelInvalid:
		return StatusModelInvalid
	}
	return StatusUnknown
}

// TaskAssignment is one placed task.
type TaskAssignment struct {
	TaskID      string    `json:"task_id"`
	JobID       string    `json:"job_id"`
	MachineID   string    `json:"machine_id"`
	OperatorIDs []string  `json:"operator_ids,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	// OperatorEnd is when the operators are released; equal to End when they
	// stay for the whole run.
	OperatorEnd  time.Time `json:"operator_end,omitempty"`
	SetupMinutes int       `json:"setup_minutes"`
	DelayMinutes int       `json:"delay_minutes"`
	Score        float64   `json:"score"`
	// Fixed assignments were pinned, not searched.
	Fixed bool `json:"fixed,omitempty"`
}

// Solution is the adapter's answer. Violations holds only what the adapter
// itself found; model violations stay with the model's report.
type Solution struct {
	Status         Status                 `json:"status"`
	ObjectiveValue float64                `json:"objective_value"`
	Assignments    []TaskAssignment       `json:"assignments,omitempty"`
	Utilization    map[string]float64     `json:"utilization,omitempty"`
	Violations     []constraint.Violation `json:"violations,omitempty"`
	Nodes          int64                  `json:"nodes"`
	Elapsed        time.Duration          `json:"elapsed"`
}

// SolveFunc is the combinatorial engine.
type SolveFunc func(*cp.Model, cp.Params) cp.Result

type Adapter struct {
	solve SolveFunc
}

// New returns an adapter over the cp engine.
func New() *Adapter { return &Adapter{solve: cp.Solve} }

// NewWith returns an adapter over fn.
func NewWith(fn SolveFunc) *Adapter { return &Adapter{solve: fn} }

// Solve translates m, runs the engine within m.Params and converts the result.
// Infeasibility and build failures come back as statuses, never as errors.
func (a *Adapter) Solve(m *constraint.Model) *Solution {
	tr, err := translate(m)
	if err != nil {
		log.Error().Err(err).Msg("solver model build failed")
		v := constraint.Violation{Kind: ErrModelBuild, Code: "ModelBuild", Message: err.Error(), Fatal: true}
		return &Solution{Status: StatusModelInvalid, Violations: []constraint.Violation{v}}
	}

	log.Info().
		Int("tasks", len(tr.cm.Tasks)).
		Int("resources", len(tr.cm.Resources)).
		Int("slots", tr.cm.Horizon).
		Str("objective", string(m.Objective)).
		Dur("time_limit", m.Params.TimeLimit).
		Msg("solve started")

	res := a.solve(tr.cm, cp.Params{TimeLimit: m.Params.TimeLimit, RelativeGap: m.Params.GapTolerance})
	sol := &Solution{Status: mapStatus(res.Status), Nodes: res.Nodes, Elapsed: res.Elapsed}

	if res.Err != nil {
		sol.Violations = append(sol.Violations, constraint.Violation{
			Kind: ErrModelBuild, Code: "ModelBuild", Message: res.Err.Error(), Fatal: true,
		})
	}
	if sol.Status.HasSolution() {
		tr.convert(res, sol)
	}

	log.Info().
		Str("status", string(sol.Status)).
		Float64("objective", sol.ObjectiveValue).
		Int64("nodes", sol.Nodes).
		Dur("elapsed", sol.Elapsed).
		Msg("solve finished")
	return sol
}

// Score combines skill match (up to twice the minimum level surplus) and
// whether the task runs on its preferred machine.
func Score(match float64, preferred bool) float64 {
	compat := 0.75
	if preferred {
		compat = 1.0
	}
	return 0.7*min(match, 2)/2 + 0.3*compat
}
