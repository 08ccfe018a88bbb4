// Package fixture reads shop problems from YAML files: machines, operators,
// jobs with their tasks, optimization settings and optionally an existing
// schedule to validate.
package fixture

import (
	"bytes"
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"jobshop/internal/calendar"
	"jobshop/internal/config"
	"jobshop/internal/constraint"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/optimize"
	"jobshop/internal/repository"
)

// ErrEmptyFile marks a problem file without content.
var ErrEmptyFile = errors.Kind("problem file is empty", errors.ErrValidation)

// File is the YAML layout of a problem.
type File struct {
	Calendar  *Calendar  `yaml:"calendar"`
	Machines  []Machine  `yaml:"machines"`
	Operators []Operator `yaml:"operators"`
	Jobs      []Job      `yaml:"jobs"`
	Optimize  Optimize   `yaml:"optimize"`
	Schedule  *Schedule  `yaml:"schedule"`
}

type Calendar struct {
	Timezone     string            `yaml:"timezone"`
	WorkingHours map[string]string `yaml:"working_hours"`
	Holidays     []string          `yaml:"holidays"`
}

type Machine struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Type         string                `yaml:"type"`
	Capabilities []string              `yaml:"capabilities"`
	Capacity     int                   `yaml:"capacity"`
	Availability []calendar.TimeWindow `yaml:"availability"`
}

type Skill struct {
	Code      string     `yaml:"code"`
	Level     int        `yaml:"level"`
	Certified time.Time  `yaml:"certified"`
	Expires   *time.Time `yaml:"expires"`
}

type Operator struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Skills       []Skill               `yaml:"skills"`
	MachineTypes []string              `yaml:"machine_types"`
	Shift        string                `yaml:"shift"`
	Capacity     int                   `yaml:"capacity"`
	Availability []calendar.TimeWindow `yaml:"availability"`
}

type Job struct {
	ID       string    `yaml:"id"`
	Number   string    `yaml:"number"`
	Priority string    `yaml:"priority"`
	Release  time.Time `yaml:"release"`
	Due      time.Time `yaml:"due"`
	Tasks    []Task    `yaml:"tasks"`
}

type Task struct {
	ID        string `yaml:"id"`
	Operation string `yaml:"operation"`
	// Sequence defaults to the position in the job, starting at 1.
	Sequence int                       `yaml:"sequence"`
	After    []string                  `yaml:"after"`
	Options  []domain.MachineOption    `yaml:"options"`
	Skills   []domain.SkillRequirement `yaml:"skills"`
}

type Optimize struct {
	Name               string              `yaml:"name"`
	JobIDs             []string            `yaml:"job_ids"`
	Horizon            calendar.TimeWindow `yaml:"horizon"`
	Objective          string              `yaml:"objective"`
	TimeLimitSeconds   int                 `yaml:"time_limit_seconds"`
	GapTolerance       float64             `yaml:"gap_tolerance"`
	GranularityMinutes int                 `yaml:"granularity_minutes"`
	EnforceDueDates    bool                `yaml:"enforce_due_dates"`
	OvertimeCapacity   int                 `yaml:"overtime_capacity"`
}

type Schedule struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Horizon     calendar.TimeWindow `yaml:"horizon"`
	Assignments []Assignment        `yaml:"assignments"`
}

type Assignment struct {
	Task      string    `yaml:"task"`
	Machine   string    `yaml:"machine"`
	Start     time.Time `yaml:"start"`
	End       time.Time `yaml:"end"`
	Operators []string  `yaml:"operators"`
}

// Problem is a decoded file turned into entities.
type Problem struct {
	Catalog *domain.Catalog
	// Calendar is nil when the file does not define one.
	Calendar *calendar.Calendar
	Request  optimize.Request
	Schedule *domain.Schedule
}

// Parse decodes and builds a problem from YAML bytes.
func Parse(data []byte) (*Problem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode problem")
	}
	return f.Build()
}

// LoadFile reads the problem at path.
func LoadFile(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return p, nil
}

// Build validates f and turns it into entities.
func (f File) Build() (*Problem, error) {
	p := &Problem{Catalog: domain.NewCatalog()}

	if f.Calendar != nil {
		cc := config.CalendarConfig{Timezone: f.Calendar.Timezone, WorkingHours: f.Calendar.WorkingHours, Holidays: f.Calendar.Holidays}
		if cc.Timezone == "" {
			cc.Timezone = "UTC"
		}
		cal, err := cc.Build()
		if err != nil {
			return nil, err
		}
		p.Calendar = cal
	}

	for _, m := range f.Machines {
		if m.ID == "" {
			return nil, errors.Wrap(domain.ErrInvalidEntity, "machine id is required")
		}
		p.Catalog.AddMachine(&domain.Machine{
			ID:           m.ID,
			Name:         m.Name,
			Type:         m.Type,
			Capabilities: m.Capabilities,
			Capacity:     max(m.Capacity, 1),
			Availability: calendar.Windows(m.Availability),
		})
	}

	for _, o := range f.Operators {
		op, err := o.build()
		if err != nil {
			return nil, err
		}
		p.Catalog.AddOperator(op)
	}

	for _, j := range f.Jobs {
		if err := j.build(p.Catalog); err != nil {
			return nil, err
		}
	}

	req, err := f.Optimize.request()
	if err != nil {
		return nil, err
	}
	p.Request = req

	if f.Schedule != nil {
		s, err := f.Schedule.build(p.Catalog, req.Horizon)
		if err != nil {
			return nil, err
		}
		p.Schedule = s
	}
	return p, nil
}

func (o Operator) build() (*domain.Operator, error) {
	if o.ID == "" {
		return nil, errors.Wrap(domain.ErrInvalidEntity, "operator id is required")
	}
	op := &domain.Operator{
		ID:                    o.ID,
		Name:                  o.Name,
		Skills:                make(map[string]domain.SkillProficiency, len(o.Skills)),
		QualifiedMachineTypes: o.MachineTypes,
		Availability:          calendar.Windows(o.Availability),
		Capacity:              max(o.Capacity, 1),
	}
	for _, s := range o.Skills {
		if s.Code == "" || s.Level < 1 || s.Level > 3 {
			return nil, errors.Wrapf(domain.ErrInvalidEntity, "operator %s: invalid skill %+v", o.ID, s)
		}
		op.Skills[s.Code] = domain.SkillProficiency{SkillCode: s.Code, Level: s.Level, CertifiedDate: s.Certified, ExpiresAt: s.Expires}
	}
	if o.Shift != "" {
		wh, err := calendar.ParseWorkingHours(o.Shift)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidEntity, "operator %s shift: %v", o.ID, err)
		}
		op.Shift = &wh
	}
	return op, nil
}

func (j Job) build(cat *domain.Catalog) error {
	prio, err := domain.ParsePriority(j.Priority)
	if err != nil {
		return err
	}
	number := j.Number
	if number == "" {
		number = j.ID
	}
	job, err := domain.NewJob(j.ID, number, prio, j.Release, j.Due)
	if err != nil {
		return err
	}
	var siblings []*domain.Task
	for i, spec := range j.Tasks {
		seq := spec.Sequence
		if seq == 0 {
			seq = i + 1
		}
		t, err := domain.NewTask(spec.ID, j.ID, spec.Operation, seq, spec.Options...)
		if err != nil {
			return err
		}
		t.PredecessorIDs = spec.After
		t.SkillRequirements = spec.Skills
		if err := job.AddTask(t, siblings); err != nil {
			return err
		}
		siblings = append(siblings, t)
		cat.AddTask(t)
	}
	cat.AddJob(job)
	return nil
}

func (o Optimize) request() (optimize.Request, error) {
	req := optimize.Request{
		ScheduleName:     o.Name,
		JobIDs:           o.JobIDs,
		Horizon:          o.Horizon,
		EnforceDueDates:  o.EnforceDueDates,
		OvertimeCapacity: o.OvertimeCapacity,
		Params: constraint.SolverParams{
			TimeLimit:          time.Duration(o.TimeLimitSeconds) * time.Second,
			GapTolerance:       o.GapTolerance,
			GranularityMinutes: o.GranularityMinutes,
		},
	}
	if o.Objective != "" {
		obj, err := constraint.ParseObjective(o.Objective)
		if err != nil {
			return optimize.Request{}, err
		}
		req.Objective = obj
	}
	return req, nil
}

func (s Schedule) build(cat *domain.Catalog, fallback calendar.TimeWindow) (*domain.Schedule, error) {
	horizon := s.Horizon
	if horizon.IsZero() {
		horizon = fallback
	}
	id := s.ID
	if id == "" {
		id = "schedule"
	}
	sched, err := domain.NewSchedule(id, s.Name, horizon)
	if err != nil {
		return nil, err
	}
	for _, a := range s.Assignments {
		t, ok := cat.Tasks[a.Task]
		if !ok {
			return nil, errors.Wrapf(domain.ErrUnknownTask, "schedule %s: task %s", id, a.Task)
		}
		if err := sched.Assign(domain.Assignment{
			TaskID:      t.ID,
			JobID:       t.JobID,
			MachineID:   a.Machine,
			OperatorIDs: a.Operators,
			Window:      calendar.TimeWindow{Start: a.Start, End: a.End},
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Seed saves every entity of p through repos.
func Seed(ctx context.Context, repos repository.Repositories, p *Problem) error {
	for _, m := range p.Catalog.SortedMachines() {
		if err := repos.Machines.Save(ctx, m); err != nil {
			return err
		}
	}
	for _, o := range p.Catalog.SortedOperators() {
		if err := repos.Operators.Save(ctx, o); err != nil {
			return err
		}
	}
	for _, t := range p.Catalog.SortedTasks() {
		if err := repos.Tasks.Save(ctx, t); err != nil {
			return err
		}
	}
	for _, j := range p.Catalog.Jobs {
		if err := repos.Jobs.Save(ctx, j); err != nil {
			return err
		}
	}
	if p.Schedule != nil {
		return repos.Schedules.Save(ctx, p.Schedule)
	}
	return nil
}
