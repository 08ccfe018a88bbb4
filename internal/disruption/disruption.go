// Package disruption replans the part of a schedule hit by an unplanned
// resource outage.
package disruption

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"jobshop/internal/calendar"
	"jobshop/internal/constraint"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/optimize"
)

// Type is the kind of outage.
type Type string

const (
	MachineBreakdown Type = "machine_breakdown"
	OperatorAbsence  Type = "operator_absence"
)

const (
	DefaultScopeHours = 24
	DefaultPadding    = 72 * time.Hour
)

var (
	ErrUnknownType     = errors.Kind("unknown disruption type", errors.ErrValidation)
	ErrNoResources     = errors.Kind("disruption names no resources", errors.ErrValidation)
	ErrUnknownResource = errors.Kind("unknown disrupted resource", errors.ErrValidation)
)

// ParseType accepts the wire names of the disruption types.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case MachineBreakdown, OperatorAbsence:
		return Type(s), nil
	}
	return "", errors.Wrapf(ErrUnknownType, "%q", s)
}

// Disruption is one outage of a set of machines or operators.
type Disruption struct {
	Type        Type                `json:"type"`
	ResourceIDs []string            `json:"resource_ids"`
	Window      calendar.TimeWindow `json:"window"`
	// ScopeHours bounds the replanned tasks to those overlapping
	// [Window.Start, Window.Start+ScopeHours); zero means DefaultScopeHours.
	ScopeHours int `json:"scope_hours,omitempty"`
}

func (d Disruption) Validate() error {
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	if len(d.ResourceIDs) == 0 {
		return errors.Wrapf(ErrNoResources, "%s", d.Type)
	}
	if !d.Window.Valid() {
		return errors.Wrapf(domain.ErrInvalidTimeWindow, "disruption window %s", d.Window)
	}
	if d.ScopeHours < 0 {
		return errors.Wrapf(domain.ErrInvalidEntity, "scope of %d hours", d.ScopeHours)
	}
	return nil
}

// ScopeWindow is the span whose tasks get replanned. It always covers the
// outage itself.
func (d Disruption) ScopeWindow() calendar.TimeWindow {
	hours := d.ScopeHours
	if hours == 0 {
		hours = DefaultScopeHours
	}
	end := d.Window.Start.Add(time.Duration(hours) * time.Hour)
	if d.Window.End.After(end) {
		end = d.Window.End
	}
	return calendar.TimeWindow{Start: d.Window.Start, End: end}
}

// Change moves one task, possibly onto another machine or operator.
type Change struct {
	TaskID        string              `json:"task_id"`
	From          calendar.TimeWindow `json:"from"`
	To            calendar.TimeWindow `json:"to"`
	FromMachine   string              `json:"from_machine"`
	ToMachine     string              `json:"to_machine"`
	FromOperators []string            `json:"from_operators,omitempty"`
	OperatorIDs   []string            `json:"operator_ids,omitempty"`
	// OperatorWindow is the part of To the operators are bound for.
	OperatorWindow calendar.TimeWindow `json:"operator_window"`
	DelayMinutes   int                 `json:"delay_minutes"`
}

// Plan is the outcome of replanning a disruption. Changes is empty when the
// solver found no schedule; Result then explains why.
type Plan struct {
	Disruption Disruption       `json:"disruption"`
	Scope      []string         `json:"scope"`
	Result     *optimize.Result `json:"result"`
	Changes    []Change         `json:"changes"`
}

// Feasible reports whether the replan produced a schedule.
func (p *Plan) Feasible() bool { return p.Result != nil && p.Result.Status.HasSolution() }

// Reoptimizer turns disruptions into replans through the optimization
// service.
type Reoptimizer struct {
	svc     *optimize.Service
	params  constraint.SolverParams
	padding time.Duration
}

type Option func(*Reoptimizer)

// WithParams sets the solver parameters used for replans.
func WithParams(p constraint.SolverParams) Option { return func(r *Reoptimizer) { r.params = p } }

// WithPadding sets how far past the last assignment the replan horizon
// reaches.
func WithPadding(d time.Duration) Option { return func(r *Reoptimizer) { r.padding = d } }

func New(svc *optimize.Service, opts ...Option) *Reoptimizer {
	r := &Reoptimizer{svc: svc, padding: DefaultPadding}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan blocks the disrupted resources in cat and replans the tasks of sched
// that fall into the disruption scope. Every other assignment stays where it
// is. cat is modified: the affected machines and operators lose the
// disrupted window from their availability.
func (r *Reoptimizer) Plan(cat *domain.Catalog, sched *domain.Schedule, d Disruption) (*Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := block(cat, d); err != nil {
		return nil, err
	}

	scopeWin := d.ScopeWindow()
	locked := map[string]domain.Assignment{}
	earliest := map[string]time.Time{}
	var scope []string
	var first time.Time
	horizon := calendar.TimeWindow{Start: d.Window.Start, End: d.Window.End}
	for _, a := range sched.SortedAssignments() {
		if a.End().After(horizon.End) {
			horizon.End = a.End()
		}
		t, ok := cat.Tasks[a.TaskID]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		if a.Window.Overlaps(scopeWin) && t.Status != domain.TaskInProgress {
			scope = append(scope, a.TaskID)
			earliest[a.TaskID] = a.Start()
			if first.IsZero() || a.Start().Before(first) {
				first = a.Start()
			}
			continue
		}
		locked[a.TaskID] = a
	}
	if !first.IsZero() {
		horizon.Start = gridStart(first, d.Window.Start, r.params.WithDefaults().GranularityMinutes)
	}
	horizon.End = horizon.End.Add(r.padding)

	plan := &Plan{Disruption: d, Scope: scope}
	logger := log.With().Str("component", "disruption").Str("type", string(d.Type)).
		Strs("resources", d.ResourceIDs).Str("window", d.Window.String()).Logger()
	if len(scope) == 0 {
		logger.Info().Msg("no assignments in disruption scope")
		return plan, nil
	}

	res, err := r.svc.OptimizeCatalog(optimize.Request{
		ScheduleName: sched.Name,
		Horizon:      horizon,
		Objective:    constraint.MinimizeTotalDelay,
		Params:       r.params,
		Scope:        scope,
		Locked:       locked,
		Earliest:     earliest,
	}, cat)
	if err != nil {
		return nil, errors.Wrapf(err, "replan %s", d.Type)
	}
	plan.Result = res
	if !res.Status.HasSolution() {
		logger.Warn().Str("status", string(res.Status)).Strs("violations", res.Violations).Msg("replan found no schedule")
		return plan, nil
	}

	for _, ta := range res.Assignments {
		if ta.Fixed {
			continue
		}
		old, ok := sched.Assignment(ta.TaskID)
		if !ok {
			continue
		}
		c := Change{
			TaskID:        ta.TaskID,
			From:          old.Window,
			To:            calendar.TimeWindow{Start: ta.Start, End: ta.End},
			FromMachine:   old.MachineID,
			ToMachine:     ta.MachineID,
			FromOperators: slices.Clone(old.OperatorIDs),
			OperatorIDs:   slices.Clone(ta.OperatorIDs),
			DelayMinutes:  ta.DelayMinutes,
		}
		if len(ta.OperatorIDs) > 0 {
			c.OperatorWindow = calendar.TimeWindow{Start: ta.Start, End: ta.OperatorEnd}
		} else {
			c.OperatorIDs = present(old.OperatorIDs, d, c.To)
		}
		if !c.moved() && !d.hits(old) {
			continue
		}
		plan.Changes = append(plan.Changes, c)
	}
	logger.Info().Int("scope", len(scope)).Int("changes", len(plan.Changes)).
		Float64("total_delay_hours", res.TotalDelayHours).Msg("disruption replanned")
	return plan, nil
}

// Apply writes the changes of plan into sched and into the matching tasks,
// recording the disruption type as the reason. Tasks that are not scheduled
// keep their planned fields; only the schedule moves them. Operator swaps are
// applied to every open task.
func Apply(sched *domain.Schedule, tasks map[string]*domain.Task, plan *Plan, at time.Time) error {
	reason := string(plan.Disruption.Type)
	for _, c := range plan.Changes {
		p := domain.Placement{
			Window:         c.To,
			MachineID:      c.ToMachine,
			OperatorIDs:    c.OperatorIDs,
			OperatorWindow: c.OperatorWindow,
		}
		if p.OperatorIDs == nil {
			p.OperatorIDs = []string{}
		}
		if err := sched.Reassign(c.TaskID, p, reason, at); err != nil {
			return err
		}
		t, ok := tasks[c.TaskID]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		if !slices.Equal(c.FromOperators, c.OperatorIDs) {
			if err := t.ReplaceOperators(c.OperatorIDs); err != nil {
				return err
			}
		}
		if t.Status != domain.TaskScheduled {
			continue
		}
		if err := t.RescheduleTo(c.To.Start, c.To.End, c.ToMachine, reason); err != nil {
			return err
		}
	}
	return nil
}

// moved reports whether the task leaves its old time, machine or operators.
func (c Change) moved() bool {
	return c.DelayMinutes > 0 ||
		!c.From.Start.Equal(c.To.Start) || !c.From.End.Equal(c.To.End) ||
		c.FromMachine != c.ToMachine ||
		!slices.Equal(c.FromOperators, c.OperatorIDs)
}

// hits reports whether a uses a disrupted resource during the outage.
func (d Disruption) hits(a domain.Assignment) bool {
	switch d.Type {
	case MachineBreakdown:
		return a.Window.Overlaps(d.Window) && slices.Contains(d.ResourceIDs, a.MachineID)
	case OperatorAbsence:
		if !a.OperatorSpan().Overlaps(d.Window) {
			return false
		}
		for _, id := range a.OperatorIDs {
			if slices.Contains(d.ResourceIDs, id) {
				return true
			}
		}
	}
	return false
}

// present drops the absent operators from ids when w overlaps the absence.
// The solver binds no operator to tasks that do not need one, so such tasks
// keep their operators minus the missing ones.
func present(ids []string, d Disruption, w calendar.TimeWindow) []string {
	if d.Type != OperatorAbsence || !w.Overlaps(d.Window) {
		return slices.Clone(ids)
	}
	var out []string
	for _, id := range ids {
		if !slices.Contains(d.ResourceIDs, id) {
			out = append(out, id)
		}
	}
	return out
}

// gridStart returns the latest time at or before from that lies a whole
// number of slots before anchor. Replanned tasks start on anchor's slot grid,
// so a task left in place keeps its exact start.
func gridStart(anchor, from time.Time, granularity int) time.Time {
	if !from.Before(anchor) {
		return anchor
	}
	g := time.Duration(max(granularity, 1)) * time.Minute
	steps := (anchor.Sub(from) + g - 1) / g
	return anchor.Add(-steps * g)
}

func block(cat *domain.Catalog, d Disruption) error {
	for _, id := range d.ResourceIDs {
		switch d.Type {
		case MachineBreakdown:
			m, ok := cat.Machines[id]
			if !ok {
				return errors.Wrapf(ErrUnknownResource, "machine %s", id)
			}
			m.Block(d.Window)
		case OperatorAbsence:
			o, ok := cat.Operators[id]
			if !ok {
				return errors.Wrapf(ErrUnknownResource, "operator %s", id)
			}
			o.Block(d.Window)
		}
	}
	return nil
}
