package domain

import (
	"sort"
)

// Catalog is an in-memory view of the entities one planning run works on.
type Catalog struct {
	Jobs      map[string]*Job
	Tasks     map[string]*Task
	Machines  map[string]*Machine
	Operators map[string]*Operator
}

func NewCatalog() *Catalog {
	return &Catalog{
		Jobs:      map[string]*Job{},
		Tasks:     map[string]*Task{},
		Machines:  map[string]*Machine{},
		Operators: map[string]*Operator{},
	}
}

func (c *Catalog) AddJob(j *Job)           { c.Jobs[j.ID] = j }
func (c *Catalog) AddTask(t *Task)         { c.Tasks[t.ID] = t }
func (c *Catalog) AddMachine(m *Machine)   { c.Machines[m.ID] = m }
func (c *Catalog) AddOperator(o *Operator) { c.Operators[o.ID] = o }

// TasksOfJob returns the job's tasks ordered by sequence.
func (c *Catalog) TasksOfJob(jobID string) []*Task {
	var out []*Task
	for _, t := range c.Tasks {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	SortBySequence(out)
	return out
}

// SortedTasks returns every task ordered by job, then sequence.
func (c *Catalog) SortedTasks() []*Task {
	out := make([]*Task, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (c *Catalog) SortedMachines() []*Machine {
	out := make([]*Machine, 0, len(c.Machines))
	for _, m := range c.Machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) SortedOperators() []*Operator {
	out := make([]*Operator, 0, len(c.Operators))
	for _, o := range c.Operators {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortBySequence orders tasks by sequence, breaking ties by id.
func SortBySequence(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Sequence != tasks[j].Sequence {
			return tasks[i].Sequence < tasks[j].Sequence
		}
		return tasks[i].ID < tasks[j].ID
	})
}
