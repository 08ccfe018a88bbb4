package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"jobshop/internal/errors"
)

// Priority of a job.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the lowercase names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, errors.Wrapf(ErrInvalidEntity, "unknown priority %q", s)
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPlanned    JobStatus = "planned"
	JobReleased   JobStatus = "released"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// Job owns an ordered list of tasks.
type Job struct {
	ID          string    `json:"id"`
	JobNumber   string    `json:"job_number"`
	Priority    Priority  `json:"priority"`
	DueDate     time.Time `json:"due_date"`
	ReleaseDate time.Time `json:"release_date"`
	Status      JobStatus `json:"status"`
	TaskIDs     []string  `json:"task_ids"`

	events eventLog
}

// NewJob creates a planned job. A zero due or release date means unset.
func NewJob(id, number string, priority Priority, release, due time.Time) (*Job, error) {
	j := &Job{
		ID:          id,
		JobNumber:   number,
		Priority:    priority,
		ReleaseDate: release,
		DueDate:     due,
		Status:      JobPlanned,
	}
	if id == "" {
		return nil, errors.Wrap(ErrInvalidEntity, "job id is required")
	}
	if priority < PriorityLow || priority > PriorityCritical {
		return nil, errors.Wrapf(ErrInvalidEntity, "job %s: invalid priority %d", id, priority)
	}
	if !release.IsZero() && !due.IsZero() && !release.Before(due) {
		return nil, errors.Wrapf(ErrInvalidTimeWindow, "job %s: release date must precede due date", id)
	}
	return j, nil
}

func (j *Job) PullEvents() []Event { return j.events.PullEvents() }

// AddTask appends t to the job. siblings are the tasks already owned by the
// job; sequence numbers must stay unique and increasing, and predecessors
// must be siblings with a smaller sequence.
func (j *Job) AddTask(t *Task, siblings []*Task) error {
	if t.JobID != j.ID {
		return errors.Wrapf(ErrInvalidEntity, "task %s belongs to job %s, not %s", t.ID, t.JobID, j.ID)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	bySeq := make(map[string]int, len(siblings))
	last := 0
	for _, s := range siblings {
		if s.Sequence == t.Sequence {
			return errors.Wrapf(ErrInvalidSequence, "job %s: sequence %d already used by task %s", j.ID, t.Sequence, s.ID)
		}
		bySeq[s.ID] = s.Sequence
		last = max(last, s.Sequence)
	}
	if t.Sequence <= last {
		return errors.Wrapf(ErrInvalidSequence, "job %s: sequence %d must exceed %d", j.ID, t.Sequence, last)
	}
	for _, p := range t.PredecessorIDs {
		seq, ok := bySeq[p]
		if !ok {
			return errors.Wrapf(ErrInvalidPredecessor, "task %s: predecessor %s is not part of job %s", t.ID, p, j.ID)
		}
		if seq >= t.Sequence {
			return errors.Wrapf(ErrInvalidPredecessor, "task %s: predecessor %s has sequence %d", t.ID, p, seq)
		}
	}
	if slices.Contains(j.TaskIDs, t.ID) {
		return errors.Wrapf(ErrInvalidEntity, "job %s already owns task %s", j.ID, t.ID)
	}
	j.TaskIDs = append(j.TaskIDs, t.ID)
	return nil
}

// ValidateTasks checks a loaded task set against the job invariants.
func ValidateTasks(j *Job, tasks []*Task) error {
	sorted := slices.Clone(tasks)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Sequence < sorted[b].Sequence })
	trial := &Job{ID: j.ID}
	for i, t := range sorted {
		if err := trial.AddTask(t, sorted[:i]); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) transition(op string, to JobStatus, at time.Time, allowed ...JobStatus) error {
	if !slices.Contains(allowed, j.Status) {
		return errors.Wrapf(ErrInvalidStateTransition, "job %s: %s not allowed from %s", j.ID, op, j.Status)
	}
	old := j.Status
	j.Status = to
	j.events.record(newEvent(EventJobStatusChanged, j.ID, string(old), string(to), stamp(at)))
	return nil
}

func (j *Job) Release(at time.Time) error {
	return j.transition("release", JobReleased, at, JobPlanned)
}

func (j *Job) Start(at time.Time) error {
	return j.transition("start", JobInProgress, at, JobReleased)
}

func (j *Job) Complete(at time.Time) error {
	return j.transition("complete", JobCompleted, at, JobInProgress)
}

func (j *Job) Cancel(at time.Time) error {
	return j.transition("cancel", JobCancelled, at, JobPlanned, JobReleased, JobInProgress)
}

// Clone returns a deep copy, including buffered events.
func (j *Job) Clone() *Job {
	c := *j
	c.TaskIDs = slices.Clone(j.TaskIDs)
	c.events = eventLog{pending: slices.Clone(j.events.pending)}
	return &c
}
