package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/calendar"
	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func task(t *testing.T, id string, seq int) *domain.Task {
	t.Helper()
	tk, err := domain.NewTask(id, "job-1", "op", seq, domain.MachineOption{MachineID: "m1", ProcessingMinutes: 60})
	require.NoError(t, err)
	return tk
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	require.NoError(t, repos.Tasks.Save(ctx, task(t, "a", 1)))

	got, err := repos.Tasks.GetByID(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, got.MarkReady(t0))

	again, err := repos.Tasks.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, again.Status)
	assert.Zero(t, again.PendingEvents())
}

func TestNotFound(t *testing.T) {
	_, err := NewStore().Repositories().Schedules.GetByID(context.Background(), "nope")

	assert.True(t, errors.Is(err, repository.ErrNotFound))
	assert.Equal(t, "RepositoryError", errors.Category(err))
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Repositories().Tasks.Save(ctx, task(t, "a", 1)))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		tk, err := repos.Tasks.GetByID(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, tk.Schedule(t0, t0.Add(time.Hour), "m1"))
		require.NoError(t, repos.Tasks.Save(ctx, tk))
		require.NoError(t, repos.Tasks.Save(ctx, task(t, "b", 2)))

		staged, err := repos.Tasks.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskScheduled, staged.Status)
		return boom
	})
	require.ErrorIs(t, err, boom)

	tk, err := store.Repositories().Tasks.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, tk.Status)
	_, err = store.Repositories().Tasks.GetByID(ctx, "b")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		a, b := task(t, "a", 1), task(t, "b", 2)
		require.NoError(t, a.Schedule(t0, t0.Add(time.Hour), "m1"))
		require.NoError(t, repos.Tasks.Save(ctx, a))
		return repos.Tasks.Save(ctx, b)
	}))

	tasks, err := store.Repositories().Tasks.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)

	in, err := store.Repositories().Tasks.GetInTimeframe(ctx, calendar.TimeWindow{Start: t0.Add(30 * time.Minute), End: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "a", in[0].ID)

	pending, err := store.Repositories().Tasks.GetByStatus(ctx, domain.TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}
