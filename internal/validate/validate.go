// Package validate re-checks a schedule against the shop's rules without
// trusting how it was produced.
package validate

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
)

// Check names.
const (
	CheckPrecedence        = "precedence"
	CheckCalendar          = "calendar"
	CheckResourceConflicts = "resource_conflicts"
	CheckSkills            = "skill_requirements"
	CheckCapacity          = "capacity"
	CheckDueDate           = "due_date"
	CheckReadiness         = "task_readiness"
)

// Violation is one broken rule.
type Violation struct {
	Check      string   `json:"check"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	ResourceID string   `json:"resource_id,omitempty"`
	Message    string   `json:"message"`
}

func (v Violation) String() string { return v.Check + ": " + v.Message }

func violation(check string, taskIDs []string, resource, format string, args ...any) Violation {
	return Violation{Check: check, TaskIDs: taskIDs, ResourceID: resource, Message: fmt.Sprintf(format, args...)}
}

// Strings renders violations for callers that only need text.
func Strings(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}

// Validator checks schedules against the entities in a catalog.
type Validator struct {
	cal *calendar.Calendar
	cat *domain.Catalog
}

// New returns a validator; a nil calendar treats every minute as working
// time.
func New(cal *calendar.Calendar, cat *domain.Catalog) *Validator {
	if cal == nil {
		cal = calendar.AlwaysOpen(time.UTC)
	}
	return &Validator{cal: cal, cat: cat}
}

// Precedence checks that every predecessor of an assigned task is assigned
// and ends no later than the task starts. Predecessors that already finished
// count by their actual end; cancelled ones are ignored.
func (v *Validator) Precedence(s *domain.Schedule) []Violation {
	var out []Violation
	for _, a := range s.SortedAssignments() {
		t, ok := v.cat.Tasks[a.TaskID]
		if !ok {
			out = append(out, violation(CheckPrecedence, []string{a.TaskID}, "", "task %s is not known", a.TaskID))
			continue
		}
		for _, p := range t.PredecessorIDs {
			if pa, ok := s.Assignment(p); ok {
				if pa.End().After(a.Start()) {
					out = append(out, violation(CheckPrecedence, []string{p, a.TaskID}, "",
						"predecessor %s ends %s after task %s starts %s", p, stamp(pa.End()), a.TaskID, stamp(a.Start())))
				}
				continue
			}
			pred, known := v.cat.Tasks[p]
			switch {
			case known && pred.Status == domain.TaskCancelled:
			case known && pred.Status == domain.TaskCompleted && pred.ActualEnd != nil:
				if pred.ActualEnd.After(a.Start()) {
					out = append(out, violation(CheckPrecedence, []string{p, a.TaskID}, "",
						"predecessor %s completed %s after task %s starts %s", p, stamp(*pred.ActualEnd), a.TaskID, stamp(a.Start())))
				}
			default:
				out = append(out, violation(CheckPrecedence, []string{p, a.TaskID}, "",
					"predecessor %s of task %s is not assigned", p, a.TaskID))
			}
		}
	}
	return out
}

// Calendar checks that every assignment starts and ends in working time.
func (v *Validator) Calendar(s *domain.Schedule) []Violation {
	var out []Violation
	for _, a := range s.SortedAssignments() {
		if !v.cal.IsWorkingTime(a.Start()) {
			out = append(out, violation(CheckCalendar, []string{a.TaskID}, a.MachineID,
				"task %s: start %s is outside working time", a.TaskID, stamp(a.Start())))
		}
		if !v.cal.IsWorkingEnd(a.End()) {
			out = append(out, violation(CheckCalendar, []string{a.TaskID}, a.MachineID,
				"task %s: end %s is outside working time", a.TaskID, stamp(a.End())))
		}
	}
	return out
}

// ResourceConflicts reports every overlapping pair of bookings on a machine
// or operator that can hold a single task at a time. Resources with a
// capacity above one are skipped: concurrent use there is legal up to the
// capacity, which Capacity checks.
func (v *Validator) ResourceConflicts(s *domain.Schedule) []Violation {
	var out []Violation
	walk := func(kind string, timelines map[string][]domain.Booking, capacity func(string) int) {
		for _, id := range sortedKeys(timelines) {
			if capacity(id) > 1 {
				continue
			}
			bs := timelines[id]
			for i := range bs {
				for j := i + 1; j < len(bs) && bs[j].Window.Start.Before(bs[i].Window.End); j++ {
					out = append(out, violation(CheckResourceConflicts, []string{bs[i].TaskID, bs[j].TaskID}, id,
						"%s %s: task %s %s overlaps task %s %s", kind, id, bs[i].TaskID, bs[i].Window, bs[j].TaskID, bs[j].Window))
				}
			}
		}
	}
	walk("machine", s.MachineTimelines(), v.machineCapacity)
	walk("operator", s.OperatorTimelines(), v.operatorCapacity)
	return out
}

// SkillRequirements checks every (machine, operator) pair of an assignment:
// the operator must be qualified on the machine and hold every skill the
// task requires, unexpired at the assignment start.
func (v *Validator) SkillRequirements(s *domain.Schedule) []Violation {
	var out []Violation
	for _, a := range s.SortedAssignments() {
		t := v.cat.Tasks[a.TaskID]
		m := v.cat.Machines[a.MachineID]
		for _, opID := range a.OperatorIDs {
			op, ok := v.cat.Operators[opID]
			if !ok {
				out = append(out, violation(CheckSkills, []string{a.TaskID}, opID, "operator %s on task %s is not known", opID, a.TaskID))
				continue
			}
			if m != nil && !op.CanOperate(m) {
				out = append(out, violation(CheckSkills, []string{a.TaskID}, opID,
					"operator %s is not qualified on machine %s (%s) for task %s", opID, m.ID, m.Type, a.TaskID))
			}
			if t == nil {
				continue
			}
			for _, r := range t.SkillRequirements {
				if op.Meets(r, a.Start()) {
					continue
				}
				level, _ := op.SkillLevel(r.SkillCode, a.Start())
				out = append(out, violation(CheckSkills, []string{a.TaskID}, opID,
					"operator %s has %s level %d, task %s requires %d", opID, r.SkillCode, level, a.TaskID, r.MinLevel))
			}
		}
	}
	return out
}

// Capacity sweeps each resource's bookings and reports the first moment its
// concurrent load exceeds the declared capacity, with the tasks involved.
func (v *Validator) Capacity(s *domain.Schedule) []Violation {
	var out []Violation
	sweep := func(kind string, timelines map[string][]domain.Booking, capacity func(string) int) {
		for _, id := range sortedKeys(timelines) {
			limit := capacity(id)
			var active []domain.Booking
			for _, b := range timelines[id] {
				active = slices.DeleteFunc(active, func(x domain.Booking) bool { return !x.Window.End.After(b.Window.Start) })
				active = append(active, b)
				if len(active) > limit {
					ids := make([]string, len(active))
					for i, x := range active {
						ids[i] = x.TaskID
					}
					sort.Strings(ids)
					out = append(out, violation(CheckCapacity, ids, id,
						"%s %s: %d concurrent tasks at %s exceed capacity %d (%s)",
						kind, id, len(active), stamp(b.Window.Start), limit, strings.Join(ids, ", ")))
					break
				}
			}
		}
	}
	sweep("machine", s.MachineTimelines(), v.machineCapacity)
	sweep("operator", s.OperatorTimelines(), v.operatorCapacity)
	return out
}

// Complete is the basic validity check of a job's part of a schedule:
// precedence, calendar and resource conflicts. A nil job checks the whole
// schedule.
func (v *Validator) Complete(job *domain.Job, s *domain.Schedule) (bool, []string) {
	var all []Violation
	all = append(all, v.Precedence(s)...)
	all = append(all, v.Calendar(s)...)
	all = append(all, v.ResourceConflicts(s)...)
	all = v.forJob(job, all)
	return len(all) == 0, Strings(all)
}

// DueDateFeasibility compares the latest end among the job's assignments to
// its due date and returns the overrun in hours.
func (v *Validator) DueDateFeasibility(job *domain.Job, s *domain.Schedule) (float64, []Violation) {
	if job.DueDate.IsZero() {
		return 0, nil
	}
	var last time.Time
	var lastTask string
	for _, a := range s.SortedAssignments() {
		if a.JobID == job.ID && a.End().After(last) {
			last, lastTask = a.End(), a.TaskID
		}
	}
	if last.IsZero() || !last.After(job.DueDate) {
		return 0, nil
	}
	over := last.Sub(job.DueDate).Hours()
	return over, []Violation{violation(CheckDueDate, []string{lastTask}, "",
		"job %s finishes %s, %.2f h after its due date %s", job.ID, stamp(last), over, stamp(job.DueDate))}
}

// TaskReadiness reports Ready tasks of job whose predecessors have not all
// completed.
func (v *Validator) TaskReadiness(job *domain.Job) []Violation {
	var out []Violation
	for _, t := range v.cat.TasksOfJob(job.ID) {
		if t.Status != domain.TaskReady {
			continue
		}
		for _, p := range t.PredecessorIDs {
			pred, ok := v.cat.Tasks[p]
			if !ok || pred.Status != domain.TaskCompleted {
				status := "unknown"
				if ok {
					status = string(pred.Status)
				}
				out = append(out, violation(CheckReadiness, []string{t.ID, p}, "",
					"task %s is ready but predecessor %s is %s", t.ID, p, status))
			}
		}
	}
	return out
}

func (v *Validator) machineCapacity(id string) int {
	if m, ok := v.cat.Machines[id]; ok {
		return m.EffectiveCapacity()
	}
	return 1
}

func (v *Validator) operatorCapacity(id string) int {
	if o, ok := v.cat.Operators[id]; ok {
		return o.EffectiveCapacity()
	}
	return 1
}

// forJob keeps the violations that involve one of the job's tasks.
func (v *Validator) forJob(job *domain.Job, vs []Violation) []Violation {
	if job == nil {
		return vs
	}
	owned := func(id string) bool {
		if t, ok := v.cat.Tasks[id]; ok && t.JobID == job.ID {
			return true
		}
		return slices.Contains(job.TaskIDs, id)
	}
	return slices.DeleteFunc(vs, func(x Violation) bool { return !slices.ContainsFunc(x.TaskIDs, owned) })
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stamp(t time.Time) string { return t.Format("2006-01-02 15:04") }
