// Package uow implements the unit of work: one handle per logical
// transaction that tracks loaded entities, saves them atomically and
// publishes their events once the commit succeeded.
package uow

import (
	"context"

	"github.com/rs/zerolog/log"

	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/repository"
)

// Publisher receives committed events.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event)
}

type UnitOfWork struct {
	tx  repository.Transactor
	pub Publisher
}

// New returns a unit of work over tx. pub may be nil.
func New(tx repository.Transactor, pub Publisher) *UnitOfWork {
	return &UnitOfWork{tx: tx, pub: pub}
}

// Do runs fn with a fresh Session. When fn returns nil every tracked entity
// is saved in one transaction and the collected events are published after
// commit. Otherwise nothing is saved and tracked entities are restored to the
// state they were loaded in.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	var committed []domain.Event
	var session *Session
	err := u.tx.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		session = newSession(repos)
		if err := fn(ctx, session); err != nil {
			return err
		}
		events, err := session.flush(ctx)
		if err != nil {
			return err
		}
		committed = events
		return nil
	})
	if err != nil {
		if session != nil {
			session.rollback()
		}
		return err
	}
	if u.pub != nil && len(committed) > 0 {
		log.Debug().Int("events", len(committed)).Msg("publishing committed events")
		u.pub.Publish(ctx, committed...)
	}
	return nil
}

type entry struct {
	save    func(ctx context.Context, repos repository.Repositories) error
	pull    func() []domain.Event
	restore func()
}

// Session is the handle passed to a unit of work. It is not safe for
// concurrent use.
type Session struct {
	repos     repository.Repositories
	entries   []entry
	jobs      map[string]*domain.Job
	tasks     map[string]*domain.Task
	machines  map[string]*domain.Machine
	operators map[string]*domain.Operator
	schedules map[string]*domain.Schedule
}

func newSession(repos repository.Repositories) *Session {
	return &Session{
		repos:     repos,
		jobs:      map[string]*domain.Job{},
		tasks:     map[string]*domain.Task{},
		machines:  map[string]*domain.Machine{},
		operators: map[string]*domain.Operator{},
		schedules: map[string]*domain.Schedule{},
	}
}

// Repos exposes the transaction's repositories for read-only queries.
func (s *Session) Repos() repository.Repositories { return s.repos }

func (s *Session) Task(ctx context.Context, id string) (*domain.Task, error) {
	if t, ok := s.tasks[id]; ok {
		return t, nil
	}
	t, err := s.repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load task")
	}
	s.AddTask(t)
	return t, nil
}

// TasksOfJob loads and tracks the job's tasks in sequence order.
func (s *Session) TasksOfJob(ctx context.Context, jobID string) ([]*domain.Task, error) {
	loaded, err := s.repos.Tasks.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "load job tasks")
	}
	out := make([]*domain.Task, 0, len(loaded))
	for _, t := range loaded {
		if known, ok := s.tasks[t.ID]; ok {
			out = append(out, known)
			continue
		}
		s.AddTask(t)
		out = append(out, t)
	}
	return out, nil
}

func (s *Session) Job(ctx context.Context, id string) (*domain.Job, error) {
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	j, err := s.repos.Jobs.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load job")
	}
	s.AddJob(j)
	return j, nil
}

func (s *Session) Machine(ctx context.Context, id string) (*domain.Machine, error) {
	if m, ok := s.machines[id]; ok {
		return m, nil
	}
	m, err := s.repos.Machines.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load machine")
	}
	s.AddMachine(m)
	return m, nil
}

func (s *Session) Operator(ctx context.Context, id string) (*domain.Operator, error) {
	if o, ok := s.operators[id]; ok {
		return o, nil
	}
	o, err := s.repos.Operators.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load operator")
	}
	s.AddOperator(o)
	return o, nil
}

func (s *Session) Schedule(ctx context.Context, id string) (*domain.Schedule, error) {
	if sc, ok := s.schedules[id]; ok {
		return sc, nil
	}
	sc, err := s.repos.Schedules.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load schedule")
	}
	s.AddSchedule(sc)
	return sc, nil
}

// AddTask tracks t; it is saved on commit.
func (s *Session) AddTask(t *domain.Task) {
	if _, ok := s.tasks[t.ID]; ok {
		return
	}
	s.tasks[t.ID] = t
	snap := t.Clone()
	s.entries = append(s.entries, entry{
		save:    func(ctx context.Context, r repository.Repositories) error { return r.Tasks.Save(ctx, t) },
		pull:    t.PullEvents,
		restore: func() { *t = *snap },
	})
}

func (s *Session) AddJob(j *domain.Job) {
	if _, ok := s.jobs[j.ID]; ok {
		return
	}
	s.jobs[j.ID] = j
	snap := j.Clone()
	s.entries = append(s.entries, entry{
		save:    func(ctx context.Context, r repository.Repositories) error { return r.Jobs.Save(ctx, j) },
		pull:    j.PullEvents,
		restore: func() { *j = *snap },
	})
}

func (s *Session) AddMachine(m *domain.Machine) {
	if _, ok := s.machines[m.ID]; ok {
		return
	}
	s.machines[m.ID] = m
	snap := m.Clone()
	s.entries = append(s.entries, entry{
		save:    func(ctx context.Context, r repository.Repositories) error { return r.Machines.Save(ctx, m) },
		pull:    func() []domain.Event { return nil },
		restore: func() { *m = *snap },
	})
}

func (s *Session) AddOperator(o *domain.Operator) {
	if _, ok := s.operators[o.ID]; ok {
		return
	}
	s.operators[o.ID] = o
	snap := o.Clone()
	s.entries = append(s.entries, entry{
		save:    func(ctx context.Context, r repository.Repositories) error { return r.Operators.Save(ctx, o) },
		pull:    func() []domain.Event { return nil },
		restore: func() { *o = *snap },
	})
}

func (s *Session) AddSchedule(sc *domain.Schedule) {
	if _, ok := s.schedules[sc.ID]; ok {
		return
	}
	s.schedules[sc.ID] = sc
	snap := sc.Clone()
	s.entries = append(s.entries, entry{
		save:    func(ctx context.Context, r repository.Repositories) error { return r.Schedules.Save(ctx, sc) },
		pull:    sc.PullEvents,
		restore: func() { *sc = *snap },
	})
}

func (s *Session) flush(ctx context.Context) ([]domain.Event, error) {
	var events []domain.Event
	for _, e := range s.entries {
		if err := e.save(ctx, s.repos); err != nil {
			return nil, errors.Wrap(err, "save")
		}
	}
	for _, e := range s.entries {
		events = append(events, e.pull()...)
	}
	return events, nil
}

func (s *Session) rollback() {
	for _, e := range s.entries {
		e.restore()
	}
}
