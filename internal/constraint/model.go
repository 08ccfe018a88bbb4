// Package constraint turns domain state into a solver-independent scheduling
// problem: resource, temporal and skill constraint sets over minute offsets
// from the start of a planning horizon.
package constraint

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
)

var (
	ErrCircularDependency = errors.Kind("circular dependency", errors.ErrConstraint)
	ErrInfeasibleWindow   = errors.Kind("infeasible time window", errors.ErrConstraint)
	ErrUncoveredSkill     = errors.Kind("uncovered skill requirement", errors.ErrConstraint)
	ErrUnknownPredecessor = errors.Kind("unknown predecessor", errors.ErrConstraint)

	ErrNoTasks             = errors.Kind("no tasks to schedule", errors.ErrValidation)
	ErrNoResources         = errors.Kind("no machines available", errors.ErrValidation)
	ErrInvalidHorizon      = errors.Kind("invalid planning horizon", errors.ErrValidation)
	ErrInvalidSolverParams = errors.Kind("invalid solver parameters", errors.ErrValidation)
)

type Objective string

const (
	MinimizeMakespan   Objective = "minimize_makespan"
	MinimizeTotalDelay Objective = "minimize_total_delay"
)

func ParseObjective(s string) (Objective, error) {
	switch Objective(s) {
	case "", MinimizeMakespan:
		return MinimizeMakespan, nil
	case MinimizeTotalDelay:
		return MinimizeTotalDelay, nil
	}
	return "", errors.Wrapf(ErrInvalidSolverParams, "unknown objective %q", s)
}

// Limits of the solver parameters.
const (
	MinTimeLimit        = 30 * time.Second
	MaxTimeLimit        = 1800 * time.Second
	DefaultTimeLimit    = 300 * time.Second
	MinGapTolerance     = 0.001
	MaxGapTolerance     = 0.10
	DefaultGapTolerance = 0.01
	DefaultGranularity  = 15
)

// SolverParams bounds one solve.
type SolverParams struct {
	TimeLimit          time.Duration `json:"time_limit"`
	GapTolerance       float64       `json:"gap_tolerance"`
	GranularityMinutes int           `json:"granularity_minutes"`
}

// WithDefaults fills zero fields.
func (p SolverParams) WithDefaults() SolverParams {
	if p.TimeLimit == 0 {
		p.TimeLimit = DefaultTimeLimit
	}
	if p.GapTolerance == 0 {
		p.GapTolerance = DefaultGapTolerance
	}
	if p.GranularityMinutes == 0 {
		p.GranularityMinutes = DefaultGranularity
	}
	return p
}

func (p SolverParams) Validate() error {
	if p.TimeLimit < MinTimeLimit || p.TimeLimit > MaxTimeLimit {
		return errors.Wrapf(ErrInvalidSolverParams, "time limit %s outside %s..%s", p.TimeLimit, MinTimeLimit, MaxTimeLimit)
	}
	if p.GapTolerance < MinGapTolerance || p.GapTolerance > MaxGapTolerance {
		return errors.Wrapf(ErrInvalidSolverParams, "gap tolerance %g outside %g..%g", p.GapTolerance, MinGapTolerance, MaxGapTolerance)
	}
	if p.GranularityMinutes < 1 || p.GranularityMinutes > 60 {
		return errors.Wrapf(ErrInvalidSolverParams, "granularity %d minutes outside 1..60", p.GranularityMinutes)
	}
	return nil
}

// Window is a half-open interval of minute offsets from the horizon start.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (w Window) Len() int { return w.End - w.Start }

// Machine is the resource view of a machine.
type Machine struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Capacity int      `json:"capacity"`
	Windows  []Window `json:"windows"`
}

// Operator is the resource view of an operator.
type Operator struct {
	ID       string         `json:"id"`
	Capacity int            `json:"capacity"`
	Windows  []Window       `json:"windows"`
	Skills   map[string]int `json:"skills"`
	// Machines lists the machine ids the operator is qualified to run.
	Machines []string `json:"machines"`
}

func (o *Operator) CanOperate(machineID string) bool { return slices.Contains(o.Machines, machineID) }

// ResourceConstraints holds capacities, availability and skill maps.
type ResourceConstraints struct {
	Machines  map[string]*Machine  `json:"machines"`
	Operators map[string]*Operator `json:"operators"`
}

func (r *ResourceConstraints) MachineIDs() []string  { return sortedKeys(r.Machines) }
func (r *ResourceConstraints) OperatorIDs() []string { return sortedKeys(r.Operators) }

// Mode is one way of running a task.
type Mode struct {
	MachineID         string `json:"machine_id"`
	SetupMinutes      int    `json:"setup_minutes"`
	ProcessingMinutes int    `json:"processing_minutes"`
	// OperatorMinutes is how long an operator is bound from the start.
	OperatorMinutes int `json:"operator_minutes"`
}

func (m Mode) Duration() int { return m.SetupMinutes + m.ProcessingMinutes }

// Placement pins a task that is not replanned: running or locked work.
type Placement struct {
	MachineID   string   `json:"machine_id"`
	OperatorIDs []string `json:"operator_ids,omitempty"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	OperatorEnd int      `json:"operator_end"`
}

// TaskWindow is the temporal view of one task.
type TaskWindow struct {
	TaskID        string `json:"task_id"`
	JobID         string `json:"job_id"`
	Sequence      int    `json:"sequence"`
	EarliestStart int    `json:"earliest_start"`
	LatestEnd     int    `json:"latest_end"`
	Modes         []Mode `json:"modes"`
	// NeedsOperator is set when an operator must be bound to the task.
	NeedsOperator bool       `json:"needs_operator"`
	Fixed         *Placement `json:"fixed,omitempty"`
}

// Duration is the shortest mode duration in minutes.
func (t *TaskWindow) Duration() int {
	if t.Fixed != nil {
		return t.Fixed.End - t.Fixed.Start
	}
	best := 0
	for i, m := range t.Modes {
		if i == 0 || m.Duration() < best {
			best = m.Duration()
		}
	}
	return best
}

type Precedence struct {
	Predecessor string `json:"predecessor"`
	Successor   string `json:"successor"`
}

// TemporalConstraints holds precedences, windows and durations.
type TemporalConstraints struct {
	Tasks       map[string]*TaskWindow `json:"tasks"`
	Precedences []Precedence           `json:"precedences"`
	// Order lists task ids by job, then sequence.
	Order []string `json:"order"`
}

// SkillConstraints relates task requirements to operator proficiency.
type SkillConstraints struct {
	Requirements   map[string][]domain.SkillRequirement `json:"requirements"`
	OperatorSkills map[string]map[string]int            `json:"operator_skills"`
}

// CanPerform is true only when the operator meets every requirement.
func (s *SkillConstraints) CanPerform(operatorID, taskID string) bool {
	skills := s.OperatorSkills[operatorID]
	for _, r := range s.Requirements[taskID] {
		if skills[r.SkillCode] < r.MinLevel {
			return false
		}
	}
	return true
}

// MatchScore is 0 when a requirement is unmet, 1 for an exact match and grows
// by half a point per level held above the minimum, averaged over the
// requirements.
func (s *SkillConstraints) MatchScore(operatorID, taskID string) float64 {
	if !s.CanPerform(operatorID, taskID) {
		return 0
	}
	reqs := s.Requirements[taskID]
	if len(reqs) == 0 {
		return 1
	}
	skills := s.OperatorSkills[operatorID]
	surplus := 0
	for _, r := range reqs {
		surplus += skills[r.SkillCode] - r.MinLevel
	}
	return 1 + 0.5*float64(surplus)/float64(len(reqs))
}

// Model is a complete scheduling problem.
type Model struct {
	Horizon        calendar.TimeWindow `json:"horizon"`
	HorizonMinutes int                 `json:"horizon_minutes"`
	Objective      Objective           `json:"objective"`
	Params         SolverParams        `json:"params"`
	Resources      ResourceConstraints `json:"resources"`
	Temporal       TemporalConstraints `json:"temporal"`
	Skills         SkillConstraints    `json:"skills"`
	// Violations found while building; Validate adds the rest.
	Violations []Violation `json:"violations,omitempty"`
}

// Offset converts t to minutes from the horizon start.
func (m *Model) Offset(t time.Time) int {
	return int(t.Sub(m.Horizon.Start) / time.Minute)
}

// At converts a minute offset back to a time.
func (m *Model) At(offset int) time.Time {
	return m.Horizon.Start.Add(time.Duration(offset) * time.Minute)
}

// Candidates returns the operators that may run task on machineID, sorted.
func (m *Model) Candidates(taskID, machineID string) []string {
	var out []string
	for _, id := range m.Resources.OperatorIDs() {
		op := m.Resources.Operators[id]
		if op.CanOperate(machineID) && m.Skills.CanPerform(id, taskID) {
			out = append(out, id)
		}
	}
	return out
}

// Violation is one problem found in a model.
type Violation struct {
	Kind    error    `json:"-"`
	Code    string   `json:"code"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Message string   `json:"message"`
	// Fatal violations stop the solve.
	Fatal bool `json:"fatal"`
}

func newViolation(kind error, code string, fatal bool, taskIDs []string, format string, args ...any) Violation {
	return Violation{Kind: kind, Code: code, TaskIDs: taskIDs, Message: fmt.Sprintf(format, args...), Fatal: fatal}
}

func (v Violation) String() string { return v.Code + ": " + v.Message }

// Err returns the violation as an error of its kind.
func (v Violation) Err() error {
	if v.Kind == nil {
		return errors.New(v.String())
	}
	return errors.Wrap(v.Kind, v.Message)
}

// Strings renders violations for results.
func Strings(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(ids []string) string { return strings.Join(ids, " -> ") }
