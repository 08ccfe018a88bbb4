package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"jobshop/internal/errors"
)

var (
	// ErrEmpty is returned by LeaseNext when no job is due.
	ErrEmpty    = errors.New("no jobs ready")
	ErrNotFound = errors.Kind("queue entry not found", errors.ErrRepository)
)

const (
	defaultPriority    = 5
	defaultMaxAttempts = 3
	defaultVisibility  = 900
)

// EnsureSchema creates tables if they don't exist. Times are unix seconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS solve_jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 900,
  idempotency_key TEXT,
  result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_solve_jobs_next_run ON solve_jobs(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_solve_jobs_idem ON solve_jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS solve_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(job_id) REFERENCES solve_jobs(id)
);
CREATE TABLE IF NOT EXISTS replan_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replan_plans_next_run ON replan_plans(enabled, next_run);
`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "ensure schema")
}

type Repository interface {
	Enqueue(ctx context.Context, j Job) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (Job, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string, result []byte) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (Job, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)

	// Replan plans
	CreatePlan(ctx context.Context, p Plan) (string, error)
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	UpdatePlan(ctx context.Context, p Plan) error
	DeletePlan(ctx context.Context, id string) error
	GetDuePlans(ctx context.Context, now time.Time) ([]Plan, error)
	UpdatePlanLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

const jobColumns = `id,kind,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,result,last_error,created_at,updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (Job, error) {
	var j Job
	var idem sql.NullString
	var next, created, updated int64
	var payload, result []byte
	if err := row.Scan(&j.ID, &j.Kind, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.State,
		&next, &j.VisibilityTimeout, &idem, &result, &j.LastError, &created, &updated); err != nil {
		return Job{}, err
	}
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	j.NextRunAt, j.CreatedAt, j.UpdatedAt = fromUnix(next), fromUnix(created), fromUnix(updated)
	return j, nil
}

func fromUnix(s int64) time.Time { return time.Unix(s, 0).UTC() }

func (r *sqliteRepo) Enqueue(ctx context.Context, j Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.Priority == 0 {
		j.Priority = defaultPriority
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	if j.VisibilityTimeout == 0 {
		j.VisibilityTimeout = defaultVisibility
	}
	if len(j.Payload) == 0 {
		j.Payload = []byte("{}")
	}

	// An existing job with the same idempotency key wins.
	if j.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM solve_jobs WHERE idempotency_key = ?", *j.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	now := r.now().Unix()
	next := now
	if !j.NextRunAt.IsZero() {
		next = j.NextRunAt.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO solve_jobs (id,kind,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?,?,?)
`, id, j.Kind, []byte(j.Payload), j.Priority, j.MaxAttempts, next, j.VisibilityTimeout, j.IdempotencyKey, now, now)
	if err != nil {
		return "", errors.Wrapf(err, "enqueue %s", j.Kind)
	}
	return id, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (j Job, lease Lease, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM solve_jobs
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now.Unix())
	j, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return Job{}, Lease{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE solve_jobs SET state='running', updated_at=? WHERE id=?`, now.Unix(), j.ID)
	if err != nil {
		return Job{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return Job{}, Lease{}, err
	}
	j.State = StateRunning
	return j, Lease{Until: now.Add(time.Duration(j.VisibilityTimeout) * time.Second)}, nil
}

// finish records an attempt and updates the job in one transaction.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := r.now().Unix()
	if _, err = tx.ExecContext(ctx, `INSERT INTO solve_attempts(job_id, success, error, finished_at) VALUES (?,?,?,?)`,
		id, success, errStr, now); err != nil {
		return errors.Wrapf(err, "record attempt of %s", id)
	}
	res, err := tx.ExecContext(ctx, update, append([]any{now}, args...)...)
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = errors.Wrapf(ErrNotFound, "job %s", id)
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	next := r.now().Add(delay).Unix()
	return r.finish(ctx, id, false, errStr, `
UPDATE solve_jobs
SET updated_at = ?,
    attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    last_error = ?
WHERE id = ?`, next, errStr, id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string, result []byte) error {
	return r.finish(ctx, id, true, "", `
UPDATE solve_jobs SET updated_at=?, attempts=attempts+1, state='succeeded', result=? WHERE id=?`, result, id)
}

// Fail moves the job to failed without further retries.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE solve_jobs SET updated_at=?, attempts=attempts+1, state='failed', last_error=? WHERE id=?`, errStr, id)
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE solve_jobs
SET state='queued', next_run_at=?, updated_at=?
WHERE state='running' AND ? - updated_at > visibility_timeout`, now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM solve_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM solve_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const planColumns = `id,name,cron_expr,kind,payload,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanPlan(row scanner) (Plan, error) {
	var p Plan
	var lastRun sql.NullInt64
	var next, created, updated int64
	var payload []byte
	if err := row.Scan(&p.ID, &p.Name, &p.CronExpr, &p.Kind, &payload, &p.Priority, &p.MaxAttempts, &p.Enabled,
		&lastRun, &next, &created, &updated); err != nil {
		return Plan{}, err
	}
	p.Payload = payload
	if lastRun.Valid {
		t := fromUnix(lastRun.Int64)
		p.LastRun = &t
	}
	p.NextRun, p.CreatedAt, p.UpdatedAt = fromUnix(next), fromUnix(created), fromUnix(updated)
	return p, nil
}

func (r *sqliteRepo) CreatePlan(ctx context.Context, p Plan) (string, error) {
	id := p.ID
	if id == "" {
		id = "pln_" + uuid.NewString()
	}
	if p.Priority == 0 {
		p.Priority = defaultPriority
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = []byte("{}")
	}
	var lastRun any
	if p.LastRun != nil {
		lastRun = p.LastRun.Unix()
	}
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO replan_plans (`+planColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, id, p.Name, p.CronExpr, p.Kind, []byte(p.Payload), p.Priority, p.MaxAttempts, p.Enabled, lastRun, p.NextRun.Unix(), now, now)
	if err != nil {
		return "", errors.Wrapf(err, "create plan %s", p.Name)
	}
	return id, nil
}

func (r *sqliteRepo) GetPlan(ctx context.Context, id string) (Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM replan_plans WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, errors.Wrapf(ErrNotFound, "plan %s", id)
	}
	return p, err
}

func (r *sqliteRepo) listPlans(ctx context.Context, query string, args ...any) ([]Plan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (r *sqliteRepo) ListPlans(ctx context.Context) ([]Plan, error) {
	return r.listPlans(ctx, `SELECT `+planColumns+` FROM replan_plans ORDER BY name`)
}

func (r *sqliteRepo) UpdatePlan(ctx context.Context, p Plan) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE replan_plans SET name=?,cron_expr=?,kind=?,payload=?,priority=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, p.Name, p.CronExpr, p.Kind, []byte(p.Payload), p.Priority, p.MaxAttempts, p.Enabled, p.NextRun.Unix(), r.now().Unix(), p.ID)
	if err != nil {
		return errors.Wrapf(err, "update plan %s", p.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "plan %s", p.ID)
	}
	return nil
}

func (r *sqliteRepo) DeletePlan(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM replan_plans WHERE id=?", id)
	return errors.Wrapf(err, "delete plan %s", id)
}

func (r *sqliteRepo) GetDuePlans(ctx context.Context, now time.Time) ([]Plan, error) {
	return r.listPlans(ctx, `SELECT `+planColumns+` FROM replan_plans WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.Unix())
}

func (r *sqliteRepo) UpdatePlanLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE replan_plans SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.Unix(), nextRun.Unix(), r.now().Unix(), id)
	return errors.Wrapf(err, "update plan %s run times", id)
}
