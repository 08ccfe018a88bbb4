// Package memory implements the repositories in process memory. Reads return
// copies; writes become visible when the surrounding transaction commits.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
	"jobshop/internal/repository"
)

type state struct {
	jobs      map[string]*domain.Job
	tasks     map[string]*domain.Task
	machines  map[string]*domain.Machine
	operators map[string]*domain.Operator
	schedules map[string]*domain.Schedule
}

func newState() *state {
	return &state{
		jobs:      map[string]*domain.Job{},
		tasks:     map[string]*domain.Task{},
		machines:  map[string]*domain.Machine{},
		operators: map[string]*domain.Operator{},
		schedules: map[string]*domain.Schedule{},
	}
}

// copy is shallow: stored entities are never mutated in place.
func (s *state) copy() *state {
	return &state{
		jobs:      maps.Clone(s.jobs),
		tasks:     maps.Clone(s.tasks),
		machines:  maps.Clone(s.machines),
		operators: maps.Clone(s.operators),
		schedules: maps.Clone(s.schedules),
	}
}

type view struct {
	mu sync.RWMutex
	st *state
}

func (v *view) read(fn func(st *state)) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fn(v.st)
}

func (v *view) write(fn func(st *state)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v.st)
}

// Store is an in-memory entity store. Transactions are serialized; plain
// reads and writes outside a transaction apply immediately.
type Store struct {
	txMu sync.Mutex
	live *view
}

func NewStore() *Store {
	return &Store{live: &view{st: newState()}}
}

// Repositories returns repositories bound to the committed state.
func (s *Store) Repositories() repository.Repositories {
	return bind(s.live)
}

// WithinTx stages writes on a copy of the committed state and swaps it in
// when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	var staged *view
	s.live.read(func(st *state) { staged = &view{st: st.copy()} })
	if err := fn(ctx, bind(staged)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.live.write(func(st *state) { *st = *staged.st })
	return nil
}

func bind(v *view) repository.Repositories {
	return repository.Repositories{
		Jobs:      &jobRepo{v: v},
		Tasks:     &taskRepo{v: v},
		Machines:  &machineRepo{v: v},
		Operators: &operatorRepo{v: v},
		Schedules: &scheduleRepo{v: v},
	}
}

var _ repository.Transactor = (*Store)(nil)

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type jobRepo struct{ v *view }

func (r *jobRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	var out *domain.Job
	r.v.read(func(st *state) {
		if j, ok := st.jobs[id]; ok {
			out = j.Clone()
		}
	})
	if out == nil {
		return nil, repository.NotFound("job", id)
	}
	return out, nil
}

func (r *jobRepo) GetByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var out []*domain.Job
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.jobs) {
			if j := st.jobs[k]; j.Status == status {
				out = append(out, j.Clone())
			}
		}
	})
	return out, nil
}

func (r *jobRepo) List(_ context.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.jobs) {
			out = append(out, st.jobs[k].Clone())
		}
	})
	return out, nil
}

func (r *jobRepo) Save(_ context.Context, j *domain.Job) error {
	c := j.Clone()
	c.PullEvents()
	r.v.write(func(st *state) { st.jobs[c.ID] = c })
	return nil
}

type taskRepo struct{ v *view }

func (r *taskRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	var out *domain.Task
	r.v.read(func(st *state) {
		if t, ok := st.tasks[id]; ok {
			out = t.Clone()
		}
	})
	if out == nil {
		return nil, repository.NotFound("task", id)
	}
	return out, nil
}

func (r *taskRepo) filter(keep func(t *domain.Task) bool) []*domain.Task {
	var out []*domain.Task
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.tasks) {
			if t := st.tasks[k]; keep(t) {
				out = append(out, t.Clone())
			}
		}
	})
	return out
}

func (r *taskRepo) GetByJobID(_ context.Context, jobID string) ([]*domain.Task, error) {
	out := r.filter(func(t *domain.Task) bool { return t.JobID == jobID })
	domain.SortBySequence(out)
	return out, nil
}

func (r *taskRepo) GetByStatus(_ context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return r.filter(func(t *domain.Task) bool { return t.Status == status }), nil
}

func (r *taskRepo) GetInTimeframe(_ context.Context, w calendar.TimeWindow) ([]*domain.Task, error) {
	return r.filter(func(t *domain.Task) bool {
		start, end, ok := t.PlannedWindow()
		return ok && w.Overlaps(calendar.TimeWindow{Start: start, End: end})
	}), nil
}

func (r *taskRepo) Save(_ context.Context, t *domain.Task) error {
	c := t.Clone()
	c.PullEvents()
	r.v.write(func(st *state) { st.tasks[c.ID] = c })
	return nil
}

type machineRepo struct{ v *view }

func (r *machineRepo) GetByID(_ context.Context, id string) (*domain.Machine, error) {
	var out *domain.Machine
	r.v.read(func(st *state) {
		if m, ok := st.machines[id]; ok {
			out = m.Clone()
		}
	})
	if out == nil {
		return nil, repository.NotFound("machine", id)
	}
	return out, nil
}

func (r *machineRepo) List(_ context.Context) ([]*domain.Machine, error) {
	var out []*domain.Machine
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.machines) {
			out = append(out, st.machines[k].Clone())
		}
	})
	return out, nil
}

func (r *machineRepo) Save(_ context.Context, m *domain.Machine) error {
	c := m.Clone()
	r.v.write(func(st *state) { st.machines[c.ID] = c })
	return nil
}

type operatorRepo struct{ v *view }

func (r *operatorRepo) GetByID(_ context.Context, id string) (*domain.Operator, error) {
	var out *domain.Operator
	r.v.read(func(st *state) {
		if o, ok := st.operators[id]; ok {
			out = o.Clone()
		}
	})
	if out == nil {
		return nil, repository.NotFound("operator", id)
	}
	return out, nil
}

func (r *operatorRepo) List(_ context.Context) ([]*domain.Operator, error) {
	var out []*domain.Operator
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.operators) {
			out = append(out, st.operators[k].Clone())
		}
	})
	return out, nil
}

func (r *operatorRepo) Save(_ context.Context, o *domain.Operator) error {
	c := o.Clone()
	r.v.write(func(st *state) { st.operators[c.ID] = c })
	return nil
}

type scheduleRepo struct{ v *view }

func (r *scheduleRepo) GetByID(_ context.Context, id string) (*domain.Schedule, error) {
	var out *domain.Schedule
	r.v.read(func(st *state) {
		if s, ok := st.schedules[id]; ok {
			out = s.Clone()
		}
	})
	if out == nil {
		return nil, repository.NotFound("schedule", id)
	}
	return out, nil
}

func (r *scheduleRepo) GetByStatus(_ context.Context, status domain.ScheduleStatus) ([]*domain.Schedule, error) {
	var out []*domain.Schedule
	r.v.read(func(st *state) {
		for _, k := range sortedKeys(st.schedules) {
			if s := st.schedules[k]; s.Status == status {
				out = append(out, s.Clone())
			}
		}
	})
	return out, nil
}

func (r *scheduleRepo) Save(_ context.Context, s *domain.Schedule) error {
	c := s.Clone()
	c.PullEvents()
	r.v.write(func(st *state) { st.schedules[c.ID] = c })
	return nil
}
