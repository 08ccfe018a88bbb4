package domain

import (
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/errors"
)

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleDraft     ScheduleStatus = "draft"
	SchedulePublished ScheduleStatus = "published"
	ScheduleExecuting ScheduleStatus = "executing"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Assignment places one task on a machine, with the operators bound to it.
type Assignment struct {
	TaskID      string              `json:"task_id"`
	JobID       string              `json:"job_id"`
	MachineID   string              `json:"machine_id"`
	OperatorIDs []string            `json:"operator_ids,omitempty"`
	Window      calendar.TimeWindow `json:"window"`
	// OperatorWindow is the part of Window the operators are bound for; zero
	// when no operator is assigned.
	OperatorWindow calendar.TimeWindow `json:"operator_window"`
	SetupMinutes   int                 `json:"setup_minutes"`
}

func (a Assignment) Start() time.Time { return a.Window.Start }
func (a Assignment) End() time.Time   { return a.Window.End }

// OperatorSpan is the window operators are occupied; the whole run when no
// narrower window was recorded.
func (a Assignment) OperatorSpan() calendar.TimeWindow {
	if a.OperatorWindow.IsZero() {
		return a.Window
	}
	return a.OperatorWindow
}

func (a Assignment) clone() Assignment {
	a.OperatorIDs = slices.Clone(a.OperatorIDs)
	return a
}

// RescheduleRecord is the provenance of one explicit reschedule.
type RescheduleRecord struct {
	TaskID      string              `json:"task_id"`
	Reason      string              `json:"reason"`
	From        calendar.TimeWindow `json:"from"`
	To          calendar.TimeWindow `json:"to"`
	FromMachine string              `json:"from_machine"`
	ToMachine   string              `json:"to_machine"`
	At          time.Time           `json:"at"`
	// Operators are recorded only when the reschedule swapped them.
	FromOperators []string `json:"from_operators,omitempty"`
	ToOperators   []string `json:"to_operators,omitempty"`
}

// Booking is one entry of a resource timeline.
type Booking struct {
	TaskID string              `json:"task_id"`
	Window calendar.TimeWindow `json:"window"`
}

// Schedule is a set of assignments over a planning horizon. Assignments can
// only be edited while Draft; afterwards only Reschedule changes them.
type Schedule struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      ScheduleStatus        `json:"status"`
	Horizon     calendar.TimeWindow   `json:"horizon"`
	Objective   string                `json:"objective,omitempty"`
	Assignments map[string]Assignment `json:"assignments"`
	History     []RescheduleRecord    `json:"history,omitempty"`
	Version     int                   `json:"version"`
	CreatedAt   time.Time             `json:"created_at"`
	PublishedAt *time.Time            `json:"published_at,omitempty"`

	events eventLog
}

func NewSchedule(id, name string, horizon calendar.TimeWindow) (*Schedule, error) {
	if id == "" {
		return nil, errors.Wrap(ErrInvalidEntity, "schedule id is required")
	}
	if !horizon.Valid() {
		return nil, errors.Wrapf(ErrInvalidTimeWindow, "schedule %s: invalid horizon %s", id, horizon)
	}
	return &Schedule{
		ID:          id,
		Name:        name,
		Status:      ScheduleDraft,
		Horizon:     horizon,
		Assignments: map[string]Assignment{},
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *Schedule) PullEvents() []Event { return s.events.PullEvents() }

func (s *Schedule) PendingEvents() int { return s.events.PendingEvents() }

func (s *Schedule) mutable(op string) error {
	if s.Status != ScheduleDraft {
		return errors.Wrapf(ErrScheduleImmutable, "schedule %s: %s not allowed while %s", s.ID, op, s.Status)
	}
	return nil
}

// Assign adds a for a task that has no assignment yet.
func (s *Schedule) Assign(a Assignment) error {
	if err := s.mutable("assign"); err != nil {
		return err
	}
	if a.TaskID == "" || a.MachineID == "" {
		return errors.Wrapf(ErrInvalidEntity, "schedule %s: assignment needs task and machine", s.ID)
	}
	if !a.Window.Valid() {
		return errors.Wrapf(ErrInvalidTimeWindow, "schedule %s: task %s window %s", s.ID, a.TaskID, a.Window)
	}
	if _, ok := s.Assignments[a.TaskID]; ok {
		return errors.Wrapf(ErrDuplicateAssignment, "schedule %s: task %s already assigned", s.ID, a.TaskID)
	}
	seen := map[string]bool{}
	for _, op := range a.OperatorIDs {
		if seen[op] {
			return errors.Wrapf(ErrDuplicateAssignment, "schedule %s: operator %s listed twice for task %s", s.ID, op, a.TaskID)
		}
		seen[op] = true
	}
	if s.Assignments == nil {
		s.Assignments = map[string]Assignment{}
	}
	s.Assignments[a.TaskID] = a.clone()
	return nil
}

func (s *Schedule) Unassign(taskID string) error {
	if err := s.mutable("unassign"); err != nil {
		return err
	}
	if _, ok := s.Assignments[taskID]; !ok {
		return errors.Wrapf(ErrUnknownTask, "schedule %s: task %s", s.ID, taskID)
	}
	delete(s.Assignments, taskID)
	return nil
}

// AddOperator binds one more operator to an assigned task.
func (s *Schedule) AddOperator(taskID, operatorID string) error {
	if err := s.mutable("add operator"); err != nil {
		return err
	}
	a, ok := s.Assignments[taskID]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "schedule %s: task %s", s.ID, taskID)
	}
	if slices.Contains(a.OperatorIDs, operatorID) {
		return errors.Wrapf(ErrDuplicateAssignment, "operator %s already assigned to task %s", operatorID, taskID)
	}
	a.OperatorIDs = append(slices.Clone(a.OperatorIDs), operatorID)
	s.Assignments[taskID] = a
	return nil
}

func (s *Schedule) Assignment(taskID string) (Assignment, bool) {
	a, ok := s.Assignments[taskID]
	return a, ok
}

// SortedAssignments orders assignments by start, then task id.
func (s *Schedule) SortedAssignments() []Assignment {
	out := make([]Assignment, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Window.Start.Equal(out[j].Window.Start) {
			return out[i].Window.Start.Before(out[j].Window.Start)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Span returns the window from the earliest start to the latest end.
func (s *Schedule) Span() (calendar.TimeWindow, bool) {
	var span calendar.TimeWindow
	for _, a := range s.Assignments {
		if span.IsZero() {
			span = a.Window
			continue
		}
		if a.Window.Start.Before(span.Start) {
			span.Start = a.Window.Start
		}
		if a.Window.End.After(span.End) {
			span.End = a.Window.End
		}
	}
	return span, !span.IsZero()
}

// MachineTimelines groups bookings per machine, sorted by start.
func (s *Schedule) MachineTimelines() map[string][]Booking {
	out := map[string][]Booking{}
	for _, a := range s.SortedAssignments() {
		out[a.MachineID] = append(out[a.MachineID], Booking{TaskID: a.TaskID, Window: a.Window})
	}
	return out
}

// OperatorTimelines groups operator bookings, sorted by start.
func (s *Schedule) OperatorTimelines() map[string][]Booking {
	out := map[string][]Booking{}
	for _, a := range s.SortedAssignments() {
		for _, op := range a.OperatorIDs {
			out[op] = append(out[op], Booking{TaskID: a.TaskID, Window: a.OperatorSpan()})
		}
	}
	for _, b := range out {
		sort.SliceStable(b, func(i, j int) bool { return b[i].Window.Start.Before(b[j].Window.Start) })
	}
	return out
}

func (s *Schedule) setStatus(to ScheduleStatus, kind EventKind, reason string, at time.Time) {
	old := s.Status
	s.Status = to
	s.Version++
	e := newEvent(kind, s.ID, string(old), string(to), stamp(at))
	e.Reason = reason
	s.events.record(e)
}

func (s *Schedule) transition(op string, allowed ...ScheduleStatus) error {
	if !slices.Contains(allowed, s.Status) {
		return errors.Wrapf(ErrInvalidStateTransition, "schedule %s: %s not allowed from %s", s.ID, op, s.Status)
	}
	return nil
}

// Publish freezes the assignments. Publishing twice fails with
// ErrAlreadyPublished.
func (s *Schedule) Publish(at time.Time) error {
	if s.PublishedAt != nil {
		return errors.Wrapf(ErrAlreadyPublished, "schedule %s", s.ID)
	}
	if err := s.transition("publish", ScheduleDraft); err != nil {
		return err
	}
	at = stamp(at)
	s.PublishedAt = ptr(at)
	s.setStatus(SchedulePublished, EventSchedulePublished, "", at)
	return nil
}

// Unpublish returns a published schedule to draft.
func (s *Schedule) Unpublish(reason string, at time.Time) error {
	if err := s.transition("unpublish", SchedulePublished); err != nil {
		return err
	}
	s.PublishedAt = nil
	s.setStatus(ScheduleDraft, EventScheduleStatusChanged, reason, at)
	return nil
}

func (s *Schedule) StartExecution(at time.Time) error {
	if err := s.transition("start execution", SchedulePublished); err != nil {
		return err
	}
	s.setStatus(ScheduleExecuting, EventScheduleStatusChanged, "", at)
	return nil
}

func (s *Schedule) Complete(at time.Time) error {
	if err := s.transition("complete", ScheduleExecuting); err != nil {
		return err
	}
	s.setStatus(ScheduleCompleted, EventScheduleStatusChanged, "", at)
	return nil
}

func (s *Schedule) Cancel(reason string, at time.Time) error {
	if err := s.transition("cancel", ScheduleDraft, SchedulePublished, ScheduleExecuting); err != nil {
		return err
	}
	s.setStatus(ScheduleCancelled, EventScheduleStatusChanged, reason, at)
	return nil
}

// Placement is where Reassign moves a task. An empty MachineID keeps the
// machine; nil OperatorIDs keep the operators.
type Placement struct {
	Window         calendar.TimeWindow
	MachineID      string
	OperatorIDs    []string
	OperatorWindow calendar.TimeWindow
}

// Reschedule moves an assigned task to window, on machineID when set. It is
// the only way to change a published or executing schedule and requires a
// reason, which is kept in History.
func (s *Schedule) Reschedule(taskID string, window calendar.TimeWindow, machineID, reason string, at time.Time) error {
	return s.Reassign(taskID, Placement{Window: window, MachineID: machineID}, reason, at)
}

// Reassign is Reschedule that can also replace the bound operators.
func (s *Schedule) Reassign(taskID string, p Placement, reason string, at time.Time) error {
	if err := s.transition("reschedule", ScheduleDraft, SchedulePublished, ScheduleExecuting); err != nil {
		return err
	}
	if reason == "" {
		return errors.Wrapf(ErrMissingReason, "schedule %s: reschedule of task %s", s.ID, taskID)
	}
	a, ok := s.Assignments[taskID]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "schedule %s: task %s", s.ID, taskID)
	}
	window := p.Window
	if !window.Valid() {
		return errors.Wrapf(ErrInvalidTimeWindow, "schedule %s: task %s window %s", s.ID, taskID, window)
	}
	at = stamp(at)
	rec := RescheduleRecord{
		TaskID:      taskID,
		Reason:      reason,
		From:        a.Window,
		To:          window,
		FromMachine: a.MachineID,
		ToMachine:   a.MachineID,
		At:          at,
	}
	swapped := p.OperatorIDs != nil && !slices.Equal(p.OperatorIDs, a.OperatorIDs)
	switch {
	case swapped:
		rec.FromOperators = slices.Clone(a.OperatorIDs)
		rec.ToOperators = slices.Clone(p.OperatorIDs)
		a.OperatorIDs = slices.Clone(p.OperatorIDs)
		a.OperatorWindow = calendar.TimeWindow{}
		if len(a.OperatorIDs) > 0 && window.Covers(p.OperatorWindow) && p.OperatorWindow.Valid() {
			a.OperatorWindow = p.OperatorWindow
		}
	case p.OperatorIDs != nil && p.OperatorWindow.Valid() && window.Covers(p.OperatorWindow):
		a.OperatorWindow = p.OperatorWindow
	case !a.OperatorWindow.IsZero():
		a.OperatorWindow = a.OperatorWindow.Shift(window.Start.Sub(a.Window.Start))
	}
	a.Window = window
	if p.MachineID != "" {
		a.MachineID = p.MachineID
		rec.ToMachine = p.MachineID
	}
	s.Assignments[taskID] = a
	s.History = append(s.History, rec)
	s.Version++

	e := newEvent(EventScheduleRescheduled, s.ID, string(s.Status), string(s.Status), at)
	e.Reason = reason
	e.Data = map[string]string{
		"task_id":    taskID,
		"old_start":  rec.From.Start.Format(time.RFC3339),
		"new_start":  window.Start.Format(time.RFC3339),
		"machine_id": a.MachineID,
	}
	if swapped {
		e.Data["operator_ids"] = strings.Join(a.OperatorIDs, ",")
	}
	s.events.record(e)
	return nil
}

// Clone returns a deep copy, including buffered events.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.Assignments = make(map[string]Assignment, len(s.Assignments))
	for k, a := range s.Assignments {
		c.Assignments[k] = a.clone()
	}
	c.History = slices.Clone(s.History)
	c.PublishedAt = clonePtr(s.PublishedAt)
	c.events = eventLog{pending: slices.Clone(s.events.pending)}
	return &c
}

// TaskIDs returns the assigned task ids in sorted order.
func (s *Schedule) TaskIDs() []string {
	return slices.Sorted(maps.Keys(s.Assignments))
}
