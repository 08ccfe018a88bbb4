package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobshop/internal/errors"
	"jobshop/internal/queue"
)

func newQueue(t *testing.T) queue.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func TestProcessDuePlansEnqueuesOncePerTick(t *testing.T) {
	ctx := context.Background()
	repo := newQueue(t)
	due := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	id, err := repo.CreatePlan(ctx, queue.Plan{
		Name:        "nightly",
		CronExpr:    "0 2 * * *",
		Kind:        "OptimizeSchedule",
		Payload:     json.RawMessage(`{"publish":true}`),
		Priority:    7,
		MaxAttempts: 2,
		Enabled:     true,
		NextRun:     due,
	})
	require.NoError(t, err)

	s := NewService(repo, time.Minute)
	assert.Zero(t, s.processDuePlans(ctx, due.Add(-time.Minute)))
	assert.Equal(t, 1, s.processDuePlans(ctx, due.Add(time.Minute)))

	p, err := repo.GetPlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, due.Add(24*time.Hour), p.NextRun)
	require.NotNil(t, p.LastRun)

	jobs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "OptimizeSchedule", jobs[0].Kind)
	assert.Equal(t, 7, jobs[0].Priority)
	assert.Equal(t, 2, jobs[0].MaxAttempts)
	assert.JSONEq(t, `{"publish":true}`, string(jobs[0].Payload))

	// Not due again until tomorrow.
	assert.Zero(t, s.processDuePlans(ctx, due.Add(2*time.Minute)))
}

func TestProcessPlanIsIdempotentPerTick(t *testing.T) {
	ctx := context.Background()
	repo := newQueue(t)
	due := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	p := queue.Plan{ID: "pln_1", Name: "nightly", CronExpr: "0 2 * * *", Kind: "OptimizeSchedule", Enabled: true, NextRun: due}
	_, err := repo.CreatePlan(ctx, p)
	require.NoError(t, err)

	s := NewService(repo, time.Minute)
	require.NoError(t, s.processPlan(ctx, p, due))
	require.NoError(t, s.processPlan(ctx, p, due.Add(time.Second)))

	jobs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestProcessPlanRejectsBadCron(t *testing.T) {
	s := NewService(newQueue(t), time.Minute)
	err := s.processPlan(context.Background(), queue.Plan{ID: "pln_x", CronExpr: "every day"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidCron)
}

func TestCronHelpers(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/15 6-18 * * 1-5"))
	err := ValidateCronExpression("61 * * * *")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	from := time.Date(2026, 3, 2, 6, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 15, 0, 0, time.UTC), next)
}
