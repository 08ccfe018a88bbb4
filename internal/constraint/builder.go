package constraint

import (
	"slices"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
)

// ErrNoEligibleMachine marks a task none of whose machine options exist.
var ErrNoEligibleMachine = errors.Kind("no eligible machine", errors.ErrConstraint)

// Request carries what the builder needs besides the entities.
type Request struct {
	Horizon   calendar.TimeWindow
	Objective Objective
	Params    SolverParams
	// EnforceDueDates turns job due dates into hard latest ends.
	EnforceDueDates bool
	// OvertimeCapacity is added to every machine's capacity.
	OvertimeCapacity int
	// Scope restricts replanning to these task ids; scheduled tasks outside
	// it keep their planned placement. Empty means every open task.
	Scope []string
	// Locked pins tasks to existing assignments.
	Locked map[string]domain.Assignment
	// Earliest raises the earliest start of individual tasks.
	Earliest map[string]time.Time
	// At is the date skill certifications are checked on; zero means the
	// horizon start.
	At time.Time
}

// Builder translates a catalog into a Model.
type Builder struct {
	cal *calendar.Calendar
}

// NewBuilder returns a builder using cal for working time; nil means every
// minute is working time.
func NewBuilder(cal *calendar.Calendar) *Builder {
	if cal == nil {
		cal = calendar.AlwaysOpen(time.UTC)
	}
	return &Builder{cal: cal}
}

func (b *Builder) Calendar() *calendar.Calendar { return b.cal }

// Build returns the model for req. Structural defects (no tasks, no machines,
// bad horizon or parameters) are returned as errors; data problems are
// collected on the model as violations.
func (b *Builder) Build(req Request, cat *domain.Catalog) (*Model, error) {
	if !req.Horizon.Valid() {
		return nil, errors.Wrapf(ErrInvalidHorizon, "horizon %s", req.Horizon)
	}
	params := req.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	objective, err := ParseObjective(string(req.Objective))
	if err != nil {
		return nil, err
	}
	if len(cat.Machines) == 0 {
		return nil, errors.Wrap(ErrNoResources, "catalog has no machines")
	}
	at := req.At
	if at.IsZero() {
		at = req.Horizon.Start
	}

	m := &Model{
		Horizon:        req.Horizon,
		HorizonMinutes: req.Horizon.Minutes(),
		Objective:      objective,
		Params:         params,
		Resources: ResourceConstraints{
			Machines:  map[string]*Machine{},
			Operators: map[string]*Operator{},
		},
		Temporal: TemporalConstraints{Tasks: map[string]*TaskWindow{}},
		Skills: SkillConstraints{
			Requirements:   map[string][]domain.SkillRequirement{},
			OperatorSkills: map[string]map[string]int{},
		},
	}
	if m.HorizonMinutes < params.GranularityMinutes {
		return nil, errors.Wrapf(ErrInvalidHorizon, "horizon of %d minutes is shorter than one slot", m.HorizonMinutes)
	}

	working := b.cal.WorkingWindows(req.Horizon)
	b.addResources(m, cat, working, req.OvertimeCapacity, at)

	planned := b.addTasks(m, cat, req)
	if planned == 0 {
		return nil, errors.Wrap(ErrNoTasks, "no open tasks in scope")
	}
	b.addPrecedences(m, cat)
	return m, nil
}

func (b *Builder) addResources(m *Model, cat *domain.Catalog, working calendar.Windows, overtime int, at time.Time) {
	for _, mc := range cat.SortedMachines() {
		m.Resources.Machines[mc.ID] = &Machine{
			ID:       mc.ID,
			Type:     mc.Type,
			Capacity: mc.EffectiveCapacity() + max(overtime, 0),
			Windows:  m.offsets(mc.AvailableWindows(m.Horizon).Intersect(working)),
		}
	}
	for _, op := range cat.SortedOperators() {
		skills := map[string]int{}
		for code := range op.Skills {
			if level, ok := op.SkillLevel(code, at); ok {
				skills[code] = level
			}
		}
		var machines []string
		for _, mc := range cat.SortedMachines() {
			if op.CanOperate(mc) {
				machines = append(machines, mc.ID)
			}
		}
		m.Resources.Operators[op.ID] = &Operator{
			ID:       op.ID,
			Capacity: op.EffectiveCapacity(),
			Windows:  m.offsets(op.AvailableWindows(m.Horizon).Intersect(working)),
			Skills:   skills,
			Machines: machines,
		}
		m.Skills.OperatorSkills[op.ID] = skills
	}
}

func (m *Model) offsets(ws calendar.Windows) []Window {
	out := make([]Window, 0, len(ws))
	for _, w := range ws.Clip(m.Horizon) {
		out = append(out, Window{Start: m.Offset(w.Start), End: m.Offset(w.End)})
	}
	return out
}

// addTasks places every open task either as plannable or pinned and returns
// the number of plannable ones.
func (b *Builder) addTasks(m *Model, cat *domain.Catalog, req Request) int {
	planned := 0
	for _, t := range cat.SortedTasks() {
		switch t.Status {
		case domain.TaskCompleted, domain.TaskCancelled, domain.TaskFailed:
			continue
		}
		tw := &TaskWindow{TaskID: t.ID, JobID: t.JobID, Sequence: t.Sequence, LatestEnd: m.HorizonMinutes}

		if a, ok := req.Locked[t.ID]; ok {
			tw.Fixed = m.placementOf(a)
		} else if t.Status == domain.TaskInProgress || len(req.Scope) > 0 && !slices.Contains(req.Scope, t.ID) {
			tw.Fixed = m.placementOfTask(t)
			if tw.Fixed == nil {
				continue
			}
		}
		if tw.Fixed != nil {
			if tw.Fixed.End <= 0 || tw.Fixed.Start >= m.HorizonMinutes {
				continue
			}
			tw.EarliestStart = tw.Fixed.Start
			tw.NeedsOperator = len(tw.Fixed.OperatorIDs) > 0
			m.addTask(tw)
			continue
		}

		b.plan(m, cat, req, t, tw)
		m.addTask(tw)
		planned++
	}
	return planned
}

func (b *Builder) plan(m *Model, cat *domain.Catalog, req Request, t *domain.Task, tw *TaskWindow) {
	tw.NeedsOperator = len(t.SkillRequirements) > 0
	for _, o := range t.MachineOptions {
		if o.RequiresOperatorFull {
			tw.NeedsOperator = true
		}
	}
	for _, o := range t.MachineOptions {
		if _, ok := m.Resources.Machines[o.MachineID]; !ok {
			continue
		}
		mode := Mode{MachineID: o.MachineID, SetupMinutes: o.SetupMinutes, ProcessingMinutes: o.ProcessingMinutes}
		if tw.NeedsOperator {
			mode.OperatorMinutes = o.OperatorMinutes()
			if mode.OperatorMinutes == 0 {
				mode.OperatorMinutes = o.TotalMinutes()
			}
		}
		tw.Modes = append(tw.Modes, mode)
	}
	if len(tw.Modes) == 0 {
		m.Violations = append(m.Violations, newViolation(ErrNoEligibleMachine, "NoEligibleMachine", false, []string{t.ID},
			"task %s: none of its machines is available", t.ID))
	}
	if len(t.SkillRequirements) > 0 {
		m.Skills.Requirements[t.ID] = slices.Clone(t.SkillRequirements)
	}

	if job, ok := cat.Jobs[t.JobID]; ok {
		if !job.ReleaseDate.IsZero() {
			tw.EarliestStart = max(tw.EarliestStart, m.Offset(job.ReleaseDate))
		}
		if req.EnforceDueDates && !job.DueDate.IsZero() {
			tw.LatestEnd = min(tw.LatestEnd, m.Offset(job.DueDate))
		}
	}
	if t.PlannedStart != nil {
		tw.EarliestStart = max(tw.EarliestStart, m.Offset(*t.PlannedStart))
	}
	if e, ok := req.Earliest[t.ID]; ok {
		tw.EarliestStart = max(tw.EarliestStart, m.Offset(e))
	}
}

func (m *Model) addTask(tw *TaskWindow) {
	m.Temporal.Tasks[tw.TaskID] = tw
	m.Temporal.Order = append(m.Temporal.Order, tw.TaskID)
}

func (m *Model) placementOf(a domain.Assignment) *Placement {
	p := &Placement{
		MachineID:   a.MachineID,
		OperatorIDs: slices.Clone(a.OperatorIDs),
		Start:       m.Offset(a.Window.Start),
		End:         m.Offset(a.Window.End),
	}
	if len(a.OperatorIDs) > 0 {
		p.OperatorEnd = m.Offset(a.OperatorSpan().End)
	}
	return p
}

// placementOfTask pins a task at its actual or planned placement; nil when
// the task has none.
func (m *Model) placementOfTask(t *domain.Task) *Placement {
	if t.AssignedMachineID == "" {
		return nil
	}
	var start, end time.Time
	switch {
	case t.ActualStart != nil:
		start = *t.ActualStart
	case t.PlannedStart != nil:
		start = *t.PlannedStart
	default:
		return nil
	}
	if t.PlannedEnd != nil && t.PlannedEnd.After(start) {
		end = *t.PlannedEnd
	} else if o, ok := t.Option(t.AssignedMachineID); ok {
		end = start.Add(time.Duration(o.TotalMinutes()) * time.Minute)
	} else {
		return nil
	}
	return m.placementOf(domain.Assignment{
		TaskID:      t.ID,
		MachineID:   t.AssignedMachineID,
		OperatorIDs: t.AssignedOperatorIDs,
		Window:      calendar.TimeWindow{Start: start, End: end},
	})
}

// addPrecedences links tasks in the model. Predecessors outside the model
// bound the successor's earliest start by their end, when known.
func (b *Builder) addPrecedences(m *Model, cat *domain.Catalog) {
	for _, id := range m.Temporal.Order {
		tw := m.Temporal.Tasks[id]
		t := cat.Tasks[id]
		for _, p := range t.PredecessorIDs {
			if _, ok := m.Temporal.Tasks[p]; ok {
				m.Temporal.Precedences = append(m.Temporal.Precedences, Precedence{Predecessor: p, Successor: id})
				continue
			}
			pred, ok := cat.Tasks[p]
			if !ok {
				m.Violations = append(m.Violations, newViolation(ErrUnknownPredecessor, "UnknownPredecessor", false, []string{id, p},
					"task %s: predecessor %s is not loaded", id, p))
				continue
			}
			if tw.Fixed != nil || pred.Status == domain.TaskCancelled {
				continue
			}
			switch {
			case pred.ActualEnd != nil:
				tw.EarliestStart = max(tw.EarliestStart, m.Offset(*pred.ActualEnd))
			case pred.PlannedEnd != nil:
				tw.EarliestStart = max(tw.EarliestStart, m.Offset(*pred.PlannedEnd))
			case pred.Status != domain.TaskCompleted:
				m.Violations = append(m.Violations, newViolation(ErrUnknownPredecessor, "UnplannedPredecessor", false, []string{id, p},
					"task %s: predecessor %s is not planned", id, p))
			}
		}
	}
}
