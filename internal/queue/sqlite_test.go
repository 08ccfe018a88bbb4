package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobshop/internal/errors"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRepo(t *testing.T) (*sqliteRepo, *clock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))

	c := &clock{now: t0}
	return &sqliteRepo{db: db, now: c.Now}, c
}

func TestEnqueueLeaseSucceed(t *testing.T) {
	ctx := context.Background()
	r, c := newRepo(t)

	low, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", Payload: []byte(`{"objective":"makespan"}`), Priority: 1})
	require.NoError(t, err)
	high, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", Priority: 9})
	require.NoError(t, err)
	assert.Contains(t, low, "job_")

	j, lease, err := r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, high, j.ID)
	assert.Equal(t, StateRunning, j.State)
	assert.JSONEq(t, `{}`, string(j.Payload))
	assert.Equal(t, c.Now().Add(defaultVisibility*time.Second), lease.Until)

	require.NoError(t, r.Succeed(ctx, j.ID, []byte(`{"success":true}`)))
	got, err := r.Get(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))

	j, _, err = r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, low, j.ID)
	assert.JSONEq(t, `{"objective":"makespan"}`, string(j.Payload))

	_, _, err = r.LeaseNext(ctx, c.Now())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	key := "replan-2026-03-02"

	first, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", IdempotencyKey: &key})
	require.NoError(t, err)
	second, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	jobs, err := r.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].IdempotencyKey)
	assert.Equal(t, key, *jobs[0].IdempotencyKey)
}

func TestRetryUntilFailed(t *testing.T) {
	ctx := context.Background()
	r, c := newRepo(t)

	id, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", MaxAttempts: 2})
	require.NoError(t, err)

	j, _, err := r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)
	require.NoError(t, r.Retry(ctx, j.ID, "solver timed out", time.Minute))

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "solver timed out", got.LastError)
	assert.Equal(t, c.Now().Add(time.Minute), got.NextRunAt)

	// Not due yet.
	_, _, err = r.LeaseNext(ctx, c.Now())
	assert.ErrorIs(t, err, ErrEmpty)

	c.Advance(time.Minute)
	j, _, err = r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)
	require.NoError(t, r.Retry(ctx, j.ID, "solver timed out again", time.Minute))

	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 2, got.Attempts)
}

func TestFailAndUnknownJob(t *testing.T) {
	ctx := context.Background()
	r, c := newRepo(t)

	id, err := r.Enqueue(ctx, Job{Kind: "HandleResourceDisruption"})
	require.NoError(t, err)
	_, _, err = r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, id, "unknown command"))

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "unknown command", got.LastError)

	err = r.Succeed(ctx, "job_missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, errors.ErrRepository, errors.Category(err))

	_, err = r.Get(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	r, c := newRepo(t)

	id, err := r.Enqueue(ctx, Job{Kind: "OptimizeSchedule", VisibilityTimeout: 60})
	require.NoError(t, err)
	_, _, err = r.LeaseNext(ctx, c.Now())
	require.NoError(t, err)

	n, err := r.RecoverStale(ctx, c.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	later := c.Now().Add(2 * time.Minute)
	n, err = r.RecoverStale(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, _, err := r.LeaseNext(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
}

func TestPlans(t *testing.T) {
	ctx := context.Background()
	r, c := newRepo(t)

	nightly, err := r.CreatePlan(ctx, Plan{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Kind:     "OptimizeSchedule",
		Enabled:  true,
		NextRun:  t0.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = r.CreatePlan(ctx, Plan{
		Name:     "disabled",
		CronExpr: "*/5 * * * *",
		Kind:     "OptimizeSchedule",
		NextRun:  t0,
	})
	require.NoError(t, err)

	plans, err := r.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "disabled", plans[0].Name)

	due, err := r.GetDuePlans(ctx, c.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = r.GetDuePlans(ctx, c.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, nightly, due[0].ID)
	assert.Nil(t, due[0].LastRun)

	ran, next := t0.Add(time.Hour), t0.Add(25*time.Hour)
	require.NoError(t, r.UpdatePlanLastRun(ctx, nightly, ran, next))
	p, err := r.GetPlan(ctx, nightly)
	require.NoError(t, err)
	require.NotNil(t, p.LastRun)
	assert.Equal(t, ran, *p.LastRun)
	assert.Equal(t, next, p.NextRun)

	p.Enabled = false
	require.NoError(t, r.UpdatePlan(ctx, p))
	p, err = r.GetPlan(ctx, nightly)
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	assert.ErrorIs(t, r.UpdatePlan(ctx, Plan{ID: "pln_missing"}), ErrNotFound)

	require.NoError(t, r.DeletePlan(ctx, nightly))
	_, err = r.GetPlan(ctx, nightly)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRollsBackOnUpdateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := &sqliteRepo{db: db, now: func() time.Time { return t0 }}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO solve_attempts").
		WithArgs("job_1", true, "", t0.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE solve_jobs").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = r.Succeed(context.Background(), "job_1", []byte(`{}`))
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRollsBackWhenJobMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := &sqliteRepo{db: db, now: func() time.Time { return t0 }}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO solve_attempts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE solve_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = r.Fail(context.Background(), "job_1", "boom")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNextEmptyRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := &sqliteRepo{db: db, now: func() time.Time { return t0 }}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM solve_jobs").
		WithArgs(t0.Unix()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, _, err = r.LeaseNext(context.Background(), t0)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.NoError(t, mock.ExpectationsWereMet())
}
