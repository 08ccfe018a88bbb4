package domain

import (
	"slices"
	"time"

	"jobshop/internal/errors"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskScheduled  TaskStatus = "scheduled"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal returns true if no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

const (
	MinSequence = 1
	MaxSequence = 100
)

// SkillRequirement is a mandatory skill at a minimum level (1-3).
type SkillRequirement struct {
	SkillCode string `json:"skill_code" yaml:"skill_code"`
	MinLevel  int    `json:"min_level" yaml:"min_level"`
}

// MachineOption is one way of running a task.
type MachineOption struct {
	MachineID         string `json:"machine_id" yaml:"machine_id"`
	SetupMinutes      int    `json:"setup_minutes" yaml:"setup_minutes"`
	ProcessingMinutes int    `json:"processing_minutes" yaml:"processing_minutes"`
	// RequiresOperatorFull keeps the operator for the whole run; otherwise the
	// operator is only bound during setup.
	RequiresOperatorFull bool `json:"requires_operator_full" yaml:"requires_operator_full"`
}

func (o MachineOption) TotalMinutes() int { return o.SetupMinutes + o.ProcessingMinutes }

// OperatorMinutes is how long the operator is bound from the task start.
func (o MachineOption) OperatorMinutes() int {
	if o.RequiresOperatorFull {
		return o.TotalMinutes()
	}
	return o.SetupMinutes
}

// Task is one operation of a job.
type Task struct {
	ID                  string             `json:"id"`
	JobID               string             `json:"job_id"`
	OperationID         string             `json:"operation_id"`
	Sequence            int                `json:"sequence"`
	PredecessorIDs      []string           `json:"predecessor_ids,omitempty"`
	MachineOptions      []MachineOption    `json:"machine_options"`
	SkillRequirements   []SkillRequirement `json:"skill_requirements,omitempty"`
	PlannedStart        *time.Time         `json:"planned_start,omitempty"`
	PlannedEnd          *time.Time         `json:"planned_end,omitempty"`
	ActualStart         *time.Time         `json:"actual_start,omitempty"`
	ActualEnd           *time.Time         `json:"actual_end,omitempty"`
	AssignedMachineID   string             `json:"assigned_machine_id,omitempty"`
	AssignedOperatorIDs []string           `json:"assigned_operator_ids,omitempty"`
	Status              TaskStatus         `json:"status"`
	FailureReason       string             `json:"failure_reason,omitempty"`
	ReworkHistory       []string           `json:"rework_history,omitempty"`
	IsCriticalPath      bool               `json:"is_critical_path"`

	events eventLog
}

// NewTask creates a pending task.
func NewTask(id, jobID, operationID string, sequence int, options ...MachineOption) (*Task, error) {
	t := &Task{
		ID:             id,
		JobID:          jobID,
		OperationID:    operationID,
		Sequence:       sequence,
		MachineOptions: options,
		Status:         TaskPending,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the static shape of the task.
func (t *Task) Validate() error {
	if t.ID == "" || t.JobID == "" {
		return errors.Wrap(ErrInvalidEntity, "task id and job id are required")
	}
	if t.Sequence < MinSequence || t.Sequence > MaxSequence {
		return errors.Wrapf(ErrInvalidSequence, "task %s: sequence %d outside %d..%d", t.ID, t.Sequence, MinSequence, MaxSequence)
	}
	if len(t.MachineOptions) == 0 {
		return errors.Wrapf(ErrInvalidEntity, "task %s: at least one machine option is required", t.ID)
	}
	for _, o := range t.MachineOptions {
		if o.MachineID == "" || o.SetupMinutes < 0 || o.ProcessingMinutes < 0 || o.TotalMinutes() == 0 {
			return errors.Wrapf(ErrInvalidEntity, "task %s: invalid machine option %+v", t.ID, o)
		}
	}
	for _, r := range t.SkillRequirements {
		if r.SkillCode == "" || r.MinLevel < 1 || r.MinLevel > 3 {
			return errors.Wrapf(ErrInvalidEntity, "task %s: invalid skill requirement %+v", t.ID, r)
		}
	}
	if slices.Contains(t.PredecessorIDs, t.ID) {
		return errors.Wrapf(ErrInvalidPredecessor, "task %s lists itself as predecessor", t.ID)
	}
	return nil
}

func (t *Task) PullEvents() []Event { return t.events.PullEvents() }

func (t *Task) PendingEvents() int { return t.events.PendingEvents() }

// Option returns the machine option for machineID.
func (t *Task) Option(machineID string) (MachineOption, bool) {
	for _, o := range t.MachineOptions {
		if o.MachineID == machineID {
			return o, true
		}
	}
	return MachineOption{}, false
}

// MinDurationMinutes is the shortest total duration over the machine options.
func (t *Task) MinDurationMinutes() int {
	best := 0
	for i, o := range t.MachineOptions {
		if i == 0 || o.TotalMinutes() < best {
			best = o.TotalMinutes()
		}
	}
	return best
}

// PlannedWindow returns the planned window, if both ends are set.
func (t *Task) PlannedWindow() (start, end time.Time, ok bool) {
	if t.PlannedStart == nil || t.PlannedEnd == nil {
		return time.Time{}, time.Time{}, false
	}
	return *t.PlannedStart, *t.PlannedEnd, true
}

// IsDelayed reports a task planned to start before now that has not started.
func (t *Task) IsDelayed(now time.Time) bool {
	if t.PlannedStart == nil || t.ActualStart != nil {
		return false
	}
	switch t.Status {
	case TaskPending, TaskReady, TaskScheduled:
		return t.PlannedStart.Before(now)
	}
	return false
}

// DelayMinutes is how far past its planned start an unstarted task is.
func (t *Task) DelayMinutes(now time.Time) int {
	if !t.IsDelayed(now) {
		return 0
	}
	return int(now.Sub(*t.PlannedStart) / time.Minute)
}

func (t *Task) transition(op string, allowed ...TaskStatus) error {
	if !slices.Contains(allowed, t.Status) {
		return errors.Wrapf(ErrInvalidStateTransition, "task %s: %s not allowed from %s", t.ID, op, t.Status)
	}
	return nil
}

// setStatus applies s and records one event; kv adds key/value pairs to its data.
func (t *Task) setStatus(s TaskStatus, kind EventKind, reason string, at time.Time, kv ...string) {
	old := t.Status
	t.Status = s
	e := newEvent(kind, t.ID, string(old), string(s), at)
	e.Reason = reason
	e.Data = map[string]string{"job_id": t.JobID}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Data[kv[i]] = kv[i+1]
	}
	t.events.record(e)
}

// MarkReady moves a pending or failed task to ready.
func (t *Task) MarkReady(at time.Time) error {
	if err := t.transition("mark_ready", TaskPending, TaskFailed); err != nil {
		return err
	}
	t.setStatus(TaskReady, EventTaskStatusChanged, "", stamp(at))
	return nil
}

// Schedule plans the task on machineID for [start, end).
func (t *Task) Schedule(start, end time.Time, machineID string) error {
	if err := t.transition("schedule", TaskPending, TaskReady); err != nil {
		return err
	}
	if !start.Before(end) {
		return errors.Wrapf(ErrInvalidTimeWindow, "task %s: start %s not before end %s", t.ID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if machineID == "" {
		return errors.Wrapf(ErrInvalidEntity, "task %s: machine is required", t.ID)
	}
	t.PlannedStart, t.PlannedEnd = ptr(start), ptr(end)
	t.AssignedMachineID = machineID
	t.setStatus(TaskScheduled, EventTaskScheduled, "", time.Now().UTC(), "machine_id", machineID)
	return nil
}

// Reschedule moves a scheduled task to [start, end) on its current machine.
func (t *Task) Reschedule(start, end time.Time, reason string) error {
	return t.RescheduleTo(start, end, "", reason)
}

// RescheduleTo moves a scheduled task, switching machines when machineID is
// set. reason is recorded on the emitted event.
func (t *Task) RescheduleTo(start, end time.Time, machineID, reason string) error {
	if err := t.transition("reschedule", TaskScheduled); err != nil {
		return err
	}
	if !start.Before(end) {
		return errors.Wrapf(ErrInvalidTimeWindow, "task %s: start %s not before end %s", t.ID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	e := newEvent(EventTaskRescheduled, t.ID, string(t.Status), string(t.Status), time.Now().UTC())
	e.Reason = reason
	e.Data = map[string]string{"job_id": t.JobID}
	if t.PlannedStart != nil {
		e.Data["old_start"] = t.PlannedStart.Format(time.RFC3339)
	}
	e.Data["new_start"] = start.Format(time.RFC3339)
	t.PlannedStart, t.PlannedEnd = ptr(start), ptr(end)
	if machineID != "" && machineID != t.AssignedMachineID {
		e.Data["old_machine_id"] = t.AssignedMachineID
		t.AssignedMachineID = machineID
	}
	e.Data["machine_id"] = t.AssignedMachineID
	t.events.record(e)
	return nil
}

// Start records the actual start; zero at means now.
func (t *Task) Start(at time.Time) error {
	if err := t.transition("start", TaskScheduled, TaskReady); err != nil {
		return err
	}
	at = stamp(at)
	t.ActualStart = ptr(at)
	t.setStatus(TaskInProgress, EventTaskStarted, "", at)
	return nil
}

// Complete records the actual end; zero at means now.
func (t *Task) Complete(at time.Time) error {
	if err := t.transition("complete", TaskInProgress); err != nil {
		return err
	}
	at = stamp(at)
	if t.ActualStart != nil && at.Before(*t.ActualStart) {
		return errors.Wrapf(ErrInvalidCompletionTime, "task %s: completion %s before start %s", t.ID, at.Format(time.RFC3339), t.ActualStart.Format(time.RFC3339))
	}
	t.ActualEnd = ptr(at)
	t.setStatus(TaskCompleted, EventTaskCompleted, "", at)
	return nil
}

// Fail marks a scheduled or running task as failed.
func (t *Task) Fail(reason string) error {
	if err := t.transition("fail", TaskScheduled, TaskInProgress); err != nil {
		return err
	}
	t.FailureReason = reason
	t.setStatus(TaskFailed, EventTaskStatusChanged, reason, time.Now().UTC())
	return nil
}

// Cancel stops a task that has not finished.
func (t *Task) Cancel(reason string) error {
	if err := t.transition("cancel", TaskPending, TaskReady, TaskScheduled, TaskInProgress, TaskFailed); err != nil {
		return err
	}
	t.setStatus(TaskCancelled, EventTaskStatusChanged, reason, time.Now().UTC())
	return nil
}

// RecordRework sends a running, completed or failed task back to ready and
// appends reason to the rework history.
func (t *Task) RecordRework(reason string) error {
	if err := t.transition("record_rework", TaskInProgress, TaskCompleted, TaskFailed); err != nil {
		return err
	}
	if reason == "" {
		return errors.Wrapf(ErrMissingReason, "task %s: rework", t.ID)
	}
	t.ReworkHistory = append(t.ReworkHistory, reason)
	t.ActualStart, t.ActualEnd = nil, nil
	t.FailureReason = ""
	t.setStatus(TaskReady, EventTaskStatusChanged, reason, time.Now().UTC())
	return nil
}

// AssignOperator adds an operator to the task.
func (t *Task) AssignOperator(operatorID string) error {
	if t.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidStateTransition, "task %s: assign operator not allowed from %s", t.ID, t.Status)
	}
	if slices.Contains(t.AssignedOperatorIDs, operatorID) {
		return errors.Wrapf(ErrDuplicateAssignment, "operator %s already assigned to task %s", operatorID, t.ID)
	}
	t.AssignedOperatorIDs = append(t.AssignedOperatorIDs, operatorID)
	e := newEvent(EventOperatorAssigned, t.ID, string(t.Status), string(t.Status), time.Now().UTC())
	e.Data = map[string]string{"job_id": t.JobID, "operator_id": operatorID}
	t.events.record(e)
	return nil
}

// ReplaceOperators rebinds the task to exactly operatorIDs. Each newly bound
// operator is recorded as an assignment.
func (t *Task) ReplaceOperators(operatorIDs []string) error {
	if t.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidStateTransition, "task %s: replace operators not allowed from %s", t.ID, t.Status)
	}
	for i, id := range operatorIDs {
		if slices.Contains(operatorIDs[:i], id) {
			return errors.Wrapf(ErrDuplicateAssignment, "operator %s listed twice for task %s", id, t.ID)
		}
	}
	old := t.AssignedOperatorIDs
	t.AssignedOperatorIDs = slices.Clone(operatorIDs)
	for _, id := range operatorIDs {
		if slices.Contains(old, id) {
			continue
		}
		e := newEvent(EventOperatorAssigned, t.ID, string(t.Status), string(t.Status), time.Now().UTC())
		e.Data = map[string]string{"job_id": t.JobID, "operator_id": id}
		t.events.record(e)
	}
	return nil
}

// Clone returns a deep copy, including buffered events.
func (t *Task) Clone() *Task {
	c := *t
	c.PredecessorIDs = slices.Clone(t.PredecessorIDs)
	c.MachineOptions = slices.Clone(t.MachineOptions)
	c.SkillRequirements = slices.Clone(t.SkillRequirements)
	c.AssignedOperatorIDs = slices.Clone(t.AssignedOperatorIDs)
	c.ReworkHistory = slices.Clone(t.ReworkHistory)
	c.PlannedStart = clonePtr(t.PlannedStart)
	c.PlannedEnd = clonePtr(t.PlannedEnd)
	c.ActualStart = clonePtr(t.ActualStart)
	c.ActualEnd = clonePtr(t.ActualEnd)
	c.events = eventLog{pending: slices.Clone(t.events.pending)}
	return &c
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
