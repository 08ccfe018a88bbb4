// Package repository declares the entity lookups the scheduling core consumes.
// Implementations hold no business logic.
package repository

import (
	"context"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.Kind("entity not found", errors.ErrRepository)

type JobRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	List(ctx context.Context) ([]*domain.Job, error)
	Save(ctx context.Context, j *domain.Job) error
}

type TaskRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	GetByJobID(ctx context.Context, jobID string) ([]*domain.Task, error)
	GetByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
	// GetInTimeframe returns tasks whose planned window overlaps w.
	GetInTimeframe(ctx context.Context, w calendar.TimeWindow) ([]*domain.Task, error)
	Save(ctx context.Context, t *domain.Task) error
}

type MachineRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Machine, error)
	List(ctx context.Context) ([]*domain.Machine, error)
	Save(ctx context.Context, m *domain.Machine) error
}

type OperatorRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Operator, error)
	List(ctx context.Context) ([]*domain.Operator, error)
	Save(ctx context.Context, o *domain.Operator) error
}

type ScheduleRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Schedule, error)
	GetByStatus(ctx context.Context, status domain.ScheduleStatus) ([]*domain.Schedule, error)
	Save(ctx context.Context, s *domain.Schedule) error
}

// Repositories bundles the repositories of one store or transaction.
type Repositories struct {
	Jobs      JobRepository
	Tasks     TaskRepository
	Machines  MachineRepository
	Operators OperatorRepository
	Schedules ScheduleRepository
}

// Transactor runs fn inside a transaction. Writes made through the
// repositories handed to fn become visible together when fn returns nil and
// are discarded otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// NotFound wraps ErrNotFound with the entity and id.
func NotFound(entity, id string) error {
	return errors.Wrapf(ErrNotFound, "%s %s", entity, id)
}
