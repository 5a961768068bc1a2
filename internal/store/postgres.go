package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"launchq/internal/job"
	logx "launchq/pkg/logx"
)

// postgresStore implements Store on PostgreSQL. The claim primitive uses
// FOR UPDATE SKIP LOCKED: competing workers never wait on a locked row, they
// just see the next candidate.
type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    priority       INTEGER NOT NULL DEFAULT 50,
    payload        BYTEA,
    queued_at      TIMESTAMPTZ,
    scheduled_for  TIMESTAMPTZ,
    launched_at    TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    failed_at      TIMESTAMPTZ,
    cancelled_at   TIMESTAMPTZ,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    max_retries    INTEGER NOT NULL DEFAULT 0,
    retry_strategy TEXT,
    last_error     TEXT,
    last_error_at  TIMESTAMPTZ,
    claimed_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready
    ON jobs(priority DESC, queued_at ASC)
    WHERE queued_at IS NOT NULL AND launched_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

const pgJobColumns = `id, status, priority, payload, queued_at, scheduled_for, launched_at,
	completed_at, failed_at, cancelled_at, retry_count, max_retries, retry_strategy,
	last_error, last_error_at, created_at, updated_at`

func (s *postgresStore) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+pgJobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.ID, string(j.Status), j.Priority, []byte(j.Payload),
		j.QueuedAt, j.ScheduledFor, j.LaunchedAt,
		j.CompletedAt, j.FailedAt, j.CancelledAt,
		j.RetryCount, j.MaxRetries, nullStr(j.RetryStrategy),
		nullStr(j.LastError), j.LastErrorAt,
		j.CreatedAt, j.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return mapPostgresErr(err)
}

func (s *postgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	return j, nil
}

func (s *postgresStore) Update(ctx context.Context, j *job.Job, expectedStatus job.Status) error {
	cur, err := s.Get(ctx, j.ID)
	if err != nil {
		return err
	}
	if cur.Status != expectedStatus {
		return ErrStaleStatus
	}
	if cur.Status != j.Status && !job.CanTransition(cur.Status, j.Status) {
		return &job.InvalidTransitionError{From: cur.Status, To: j.Status}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=$1, priority=$2, payload=$3, queued_at=$4, scheduled_for=$5,
			launched_at=$6, completed_at=$7, failed_at=$8, cancelled_at=$9, retry_count=$10,
			max_retries=$11, retry_strategy=$12, last_error=$13, last_error_at=$14,
			updated_at=$15
		 WHERE id=$16 AND status=$17`,
		string(j.Status), j.Priority, []byte(j.Payload),
		j.QueuedAt, j.ScheduledFor, j.LaunchedAt,
		j.CompletedAt, j.FailedAt, j.CancelledAt,
		j.RetryCount, j.MaxRetries, nullStr(j.RetryStrategy),
		nullStr(j.LastError), j.LastErrorAt, j.UpdatedAt,
		j.ID, string(expectedStatus),
	)
	if err != nil {
		return mapPostgresErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (s *postgresStore) ClaimNext(ctx context.Context, now time.Time, exclude []string) (j *job.Job, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := `SELECT ` + pgJobColumns + ` FROM jobs
		WHERE queued_at IS NOT NULL
		  AND launched_at IS NULL
		  AND retry_count < max_retries
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		  AND (claimed_at IS NULL OR claimed_at < $2)`
	args := []any{now, now.Add(-claimTTL)}
	if len(exclude) > 0 {
		q += ` AND id != ALL($3)`
		args = append(args, pq.Array(exclude))
	}
	q += ` ORDER BY priority DESC, queued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	row := tx.QueryRowContext(ctx, q, args...)
	j, err = scanPGJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		return nil, mapPostgresErr(err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE jobs SET claimed_at=$1 WHERE id=$2`, now, j.ID); err != nil {
		return nil, mapPostgresErr(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapPostgresErr(err)
	}
	return j, nil
}

func (s *postgresStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET claimed_at=NULL WHERE id=$1`, id)
	return mapPostgresErr(err)
}

func (s *postgresStore) Query(ctx context.Context, f Filter) ([]*job.Job, error) {
	q := `SELECT ` + pgJobColumns + ` FROM jobs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(f.Statuses) > 0 {
		ss := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ss = append(ss, string(st))
		}
		q += ` AND status = ANY(` + arg(pq.Array(ss)) + `)`
	}
	if f.Ready {
		q += ` AND queued_at IS NOT NULL AND launched_at IS NULL
			AND retry_count < max_retries
			AND (scheduled_for IS NULL OR scheduled_for <= ` + arg(f.Now) + `)`
	}
	if f.LaunchedBefore != nil {
		q += ` AND launched_at IS NOT NULL AND launched_at < ` + arg(*f.LaunchedBefore)
	}
	if len(f.Exclude) > 0 {
		q += ` AND id != ALL(` + arg(pq.Array(f.Exclude)) + `)`
	}
	if f.Ready {
		q += ` ORDER BY priority DESC, queued_at ASC`
	} else {
		q += ` ORDER BY created_at ASC`
	}
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, mapPostgresErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.Total += n
		switch job.Status(status) {
		case job.StatusPending:
			st.Pending = n
		case job.StatusRunning:
			st.Running = n
		case job.StatusRetrying:
			st.Retrying = n
		case job.StatusFailed:
			st.Failed = n
		case job.StatusCompleted:
			st.Completed = n
		case job.StatusCancelled:
			st.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE queued_at IS NOT NULL AND launched_at IS NULL
		   AND retry_count < max_retries
		   AND (scheduled_for IS NULL OR scheduled_for <= $1)`, now).Scan(&st.Ready)
	if err != nil {
		return st, mapPostgresErr(err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE queued_at IS NOT NULL AND launched_at IS NULL
		   AND scheduled_for IS NOT NULL AND scheduled_for > $1`, now).Scan(&st.ScheduledFuture)
	if err != nil {
		return st, mapPostgresErr(err)
	}
	return st, nil
}

func scanPGJob(r rowScanner) (*job.Job, error) {
	var (
		j                                  job.Job
		status                             string
		payload                            []byte
		queuedAt, scheduledFor, launchedAt sql.NullTime
		completedAt, failedAt, cancelledAt sql.NullTime
		retryStrategy, lastError           sql.NullString
		lastErrorAt                        sql.NullTime
	)
	err := r.Scan(
		&j.ID, &status, &j.Priority, &payload,
		&queuedAt, &scheduledFor, &launchedAt,
		&completedAt, &failedAt, &cancelledAt,
		&j.RetryCount, &j.MaxRetries, &retryStrategy,
		&lastError, &lastErrorAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if len(payload) > 0 {
		j.Payload = payload
	}
	j.QueuedAt = nullTimePtr(queuedAt)
	j.ScheduledFor = nullTimePtr(scheduledFor)
	j.LaunchedAt = nullTimePtr(launchedAt)
	j.CompletedAt = nullTimePtr(completedAt)
	j.FailedAt = nullTimePtr(failedAt)
	j.CancelledAt = nullTimePtr(cancelledAt)
	j.RetryStrategy = retryStrategy.String
	j.LastError = lastError.String
	j.LastErrorAt = nullTimePtr(lastErrorAt)
	return &j, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// mapPostgresErr converts deadlock and serialization failures into
// ErrContention; both are safe to retry.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01", "40001": // deadlock_detected, serialization_failure
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	return err
}
