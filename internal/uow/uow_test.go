package uow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recorder struct{ events []domain.Event }

func (r *recorder) Publish(_ context.Context, events ...domain.Event) {
	r.events = append(r.events, events...)
}

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		tk, err := domain.NewTask(id, "job-1", "op", i+1, domain.MachineOption{MachineID: "m1", ProcessingMinutes: 60})
		require.NoError(t, err)
		if i > 0 {
			tk.PredecessorIDs = []string{[]string{"a", "b"}[i-1]}
		}
		start := t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, tk.Schedule(start, start.Add(time.Hour), "m1"))
		require.NoError(t, store.Repositories().Tasks.Save(ctx, tk))
	}
}

func TestCommitPublishesAfterSave(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store)
	rec := &recorder{}

	err := New(store, rec).Do(ctx, func(ctx context.Context, s *Session) error {
		tk, err := s.Task(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, rec.events, "nothing is published before commit")
		return tk.Start(t0)
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.EventTaskStarted, rec.events[0].Kind)
	stored, err := store.Repositories().Tasks.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, stored.Status)
}

func TestFailureRollsBackCascade(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store)
	rec := &recorder{}
	var held []*domain.Task

	err := New(store, rec).Do(ctx, func(ctx context.Context, s *Session) error {
		tasks, err := s.TasksOfJob(ctx, "job-1")
		require.NoError(t, err)
		held = tasks
		moved, err := domain.CascadeDelay(tasks, "a", 2*time.Hour, "late material")
		require.NoError(t, err)
		require.Len(t, moved, 3)
		return errors.New("downstream failure")
	})
	require.Error(t, err)

	assert.Empty(t, rec.events)
	for i, id := range []string{"a", "b", "c"} {
		stored, err := store.Repositories().Tasks.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Duration(i)*time.Hour), *stored.PlannedStart, id)
		assert.Equal(t, t0.Add(time.Duration(i)*time.Hour), *held[i].PlannedStart, id)
		assert.Zero(t, held[i].PendingEvents())
	}
}

func TestIdentityMap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store)

	require.NoError(t, New(store, nil).Do(ctx, func(ctx context.Context, s *Session) error {
		a1, err := s.Task(ctx, "a")
		require.NoError(t, err)
		tasks, err := s.TasksOfJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Same(t, a1, tasks[0])
		return nil
	}))
}
