package solver

import (
	"slices"

	"jobshop/internal/constraint"
	"jobshop/internal/cp"
	"jobshop/internal/errors"
)

// modeRef ties an engine mode back to the machine and operator it stands for.
type modeRef struct {
	mode     constraint.Mode
	operator string
	// preferred is set for the task's first machine option.
	preferred bool
}

type translation struct {
	m        *constraint.Model
	g        int
	cm       *cp.Model
	taskIDs  []string
	modes    [][]modeRef
	resIndex map[string]int
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return -((-a) / b)
	}
	return (a + b - 1) / b
}

func floorDiv(a, b int) int {
	if a >= 0 {
		return a / b
	}
	return -((-a + b - 1) / b)
}

func translate(m *constraint.Model) (*translation, error) {
	g := m.Params.GranularityMinutes
	if g <= 0 {
		return nil, errors.Newf("granularity %d", g)
	}
	slots := m.HorizonMinutes / g
	if slots <= 0 {
		return nil, errors.Newf("horizon of %d minutes holds no %d-minute slot", m.HorizonMinutes, g)
	}
	tr := &translation{
		m:        m,
		g:        g,
		cm:       &cp.Model{Horizon: slots},
		resIndex: map[string]int{},
	}
	if m.Objective == constraint.MinimizeTotalDelay {
		tr.cm.Objective = cp.TotalDelay
	}

	for _, id := range m.Resources.MachineIDs() {
		mc := m.Resources.Machines[id]
		tr.addResource("machine:"+id, mc.Capacity, mc.Windows)
	}
	for _, id := range m.Resources.OperatorIDs() {
		op := m.Resources.Operators[id]
		tr.addResource("operator:"+id, op.Capacity, op.Windows)
	}

	index := make(map[string]int, len(m.Temporal.Order))
	for _, id := range m.Temporal.Order {
		tw, ok := m.Temporal.Tasks[id]
		if !ok {
			return nil, errors.Newf("task %s is ordered but not defined", id)
		}
		index[id] = len(tr.taskIDs)
		task, refs, err := tr.task(tw)
		if err != nil {
			return nil, err
		}
		tr.taskIDs = append(tr.taskIDs, id)
		tr.modes = append(tr.modes, refs)
		tr.cm.Tasks = append(tr.cm.Tasks, task)
	}
	for _, p := range m.Temporal.Precedences {
		before, ok1 := index[p.Predecessor]
		after, ok2 := index[p.Successor]
		if !ok1 || !ok2 {
			return nil, errors.Newf("precedence %s -> %s references a task outside the model", p.Predecessor, p.Successor)
		}
		tr.cm.Precedences = append(tr.cm.Precedences, cp.Precedence{Before: before, After: after})
	}
	return tr, nil
}

// addResource converts minute windows to whole slots; partial slots at either
// end are dropped.
func (tr *translation) addResource(name string, capacity int, windows []constraint.Window) {
	avail := make([]cp.Interval, 0, len(windows))
	for _, w := range windows {
		s, e := ceilDiv(w.Start, tr.g), floorDiv(w.End, tr.g)
		if e > s {
			avail = append(avail, cp.Interval{Start: s, End: e})
		}
	}
	tr.resIndex[name] = len(tr.cm.Resources)
	tr.cm.Resources = append(tr.cm.Resources, cp.Resource{Name: name, Capacity: max(capacity, 1), Available: avail})
}

func (tr *translation) task(tw *constraint.TaskWindow) (cp.Task, []modeRef, error) {
	if tw.Fixed != nil {
		return tr.fixed(tw)
	}
	t := cp.Task{Name: tw.TaskID, Release: max(ceilDiv(tw.EarliestStart, tr.g), 0)}
	if tw.LatestEnd < tr.m.HorizonMinutes {
		t.Deadline = floorDiv(tw.LatestEnd, tr.g)
		if t.Deadline <= 0 {
			// Nothing can end this early; leave the task without modes.
			return t, nil, nil
		}
	}
	var refs []modeRef
	for k, md := range tw.Modes {
		machine, ok := tr.resIndex["machine:"+md.MachineID]
		if !ok {
			return cp.Task{}, nil, errors.Newf("task %s: machine %s is not a resource", tw.TaskID, md.MachineID)
		}
		dur := ceilDiv(md.Duration(), tr.g)
		if dur <= 0 {
			return cp.Task{}, nil, errors.Newf("task %s: mode on %s has no duration", tw.TaskID, md.MachineID)
		}
		run := cp.Demand{Resource: machine, Length: dur}
		if !tw.NeedsOperator {
			t.Modes = append(t.Modes, cp.Mode{Duration: dur, Demands: []cp.Demand{run}})
			refs = append(refs, modeRef{mode: md, preferred: k == 0})
			continue
		}
		bound := min(max(ceilDiv(md.OperatorMinutes, tr.g), 1), dur)
		for _, op := range tr.m.Candidates(tw.TaskID, md.MachineID) {
			t.Modes = append(t.Modes, cp.Mode{Duration: dur, Demands: []cp.Demand{
				run,
				{Resource: tr.resIndex["operator:"+op], Length: bound},
			}})
			refs = append(refs, modeRef{mode: md, operator: op, preferred: k == 0})
		}
	}
	return t, refs, nil
}

// fixed pins a placement to the slots it touches, clipped to the horizon start.
func (tr *translation) fixed(tw *constraint.TaskWindow) (cp.Task, []modeRef, error) {
	p := tw.Fixed
	machine, ok := tr.resIndex["machine:"+p.MachineID]
	if !ok {
		return cp.Task{}, nil, errors.Newf("task %s: pinned to unknown machine %s", tw.TaskID, p.MachineID)
	}
	start := max(floorDiv(p.Start, tr.g), 0)
	dur := max(ceilDiv(p.End, tr.g)-start, 1)
	md := cp.Mode{Duration: dur, Demands: []cp.Demand{{Resource: machine, Length: dur}}}
	if len(p.OperatorIDs) > 0 {
		bound := min(max(ceilDiv(p.OperatorEnd, tr.g)-start, 1), dur)
		for _, op := range p.OperatorIDs {
			if r, ok := tr.resIndex["operator:"+op]; ok {
				md.Demands = append(md.Demands, cp.Demand{Resource: r, Length: bound})
			}
		}
	}
	ref := modeRef{mode: constraint.Mode{MachineID: p.MachineID, ProcessingMinutes: p.End - p.Start, OperatorMinutes: p.OperatorEnd - p.Start}}
	return cp.Task{Name: tw.TaskID, Release: start, Modes: []cp.Mode{md}, Fixed: true}, []modeRef{ref}, nil
}

// convert fills sol from an engine result that carries a solution.
func (tr *translation) convert(res cp.Result, sol *Solution) {
	m := tr.m
	busy := map[string]int{}
	makespan, delay := 0, 0
	for i, id := range tr.taskIDs {
		tw := m.Temporal.Tasks[id]
		ref := tr.modes[i][res.Modes[i]]
		a := TaskAssignment{TaskID: id, JobID: tw.JobID, MachineID: ref.mode.MachineID}

		var start, end, opEnd int
		if p := tw.Fixed; p != nil {
			a.Fixed = true
			a.OperatorIDs = slices.Clone(p.OperatorIDs)
			start, end, opEnd = p.Start, p.End, p.OperatorEnd
			a.Score = 1
		} else {
			start = res.Starts[i] * tr.g
			end = start + ref.mode.Duration()
			opEnd = start + ref.mode.OperatorMinutes
			a.SetupMinutes = ref.mode.SetupMinutes
			a.DelayMinutes = max(0, start-tw.EarliestStart)
			match := 1.0
			if ref.operator != "" {
				a.OperatorIDs = []string{ref.operator}
				match = m.Skills.MatchScore(ref.operator, id)
			}
			a.Score = Score(match, ref.preferred)
			delay += a.DelayMinutes
		}
		a.Start, a.End = m.At(start), m.At(end)
		if len(a.OperatorIDs) > 0 {
			if opEnd <= start || opEnd > end {
				opEnd = end
			}
			a.OperatorEnd = m.At(opEnd)
		}
		makespan = max(makespan, end)

		busy[a.MachineID] += overlap(start, end, m.HorizonMinutes)
		for _, op := range a.OperatorIDs {
			busy[op] += overlap(start, opEnd, m.HorizonMinutes)
		}
		sol.Assignments = append(sol.Assignments, a)
	}

	sol.Utilization = make(map[string]float64, len(busy))
	for _, id := range append(m.Resources.MachineIDs(), m.Resources.OperatorIDs()...) {
		sol.Utilization[id] = min(float64(busy[id])/float64(m.HorizonMinutes), 1.0)
	}
	if m.Objective == constraint.MinimizeTotalDelay {
		sol.ObjectiveValue = float64(delay)
	} else {
		sol.ObjectiveValue = float64(makespan)
	}
}

func overlap(start, end, horizon int) int {
	return max(0, min(end, horizon)-max(start, 0))
}

// Hours converts minutes to hours.
func Hours(minutes float64) float64 { return minutes / 60 }
