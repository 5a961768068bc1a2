package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"launchq/internal/job"
	logx "launchq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// claimTTL bounds how long a claim can sit without a follow-up write. A
// claimer that crashed between claim and update stops shadowing its row once
// the TTL passes.
const claimTTL = 5 * time.Minute

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, status, priority, payload, queued_at, scheduled_for, launched_at,
	completed_at, failed_at, cancelled_at, retry_count, max_retries, retry_strategy,
	last_error, last_error_at, created_at, updated_at`

func (s *sqliteStore) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Status), j.Priority, []byte(j.Payload),
		msOrNil(j.QueuedAt), msOrNil(j.ScheduledFor), msOrNil(j.LaunchedAt),
		msOrNil(j.CompletedAt), msOrNil(j.FailedAt), msOrNil(j.CancelledAt),
		j.RetryCount, j.MaxRetries, nullStr(j.RetryStrategy),
		nullStr(j.LastError), msOrNil(j.LastErrorAt),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrExists
	}
	return mapSQLiteErr(err)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return j, nil
}

func (s *sqliteStore) Update(ctx context.Context, j *job.Job, expectedStatus job.Status) error {
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

	// The status predicate makes the write itself conditional, so a racing
	// writer can't sneak in between the read above and this statement.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, priority=?, payload=?, queued_at=?, scheduled_for=?,
			launched_at=?, completed_at=?, failed_at=?, cancelled_at=?, retry_count=?,
			max_retries=?, retry_strategy=?, last_error=?, last_error_at=?, updated_at=?
		 WHERE id=? AND status=?`,
		string(j.Status), j.Priority, []byte(j.Payload),
		msOrNil(j.QueuedAt), msOrNil(j.ScheduledFor), msOrNil(j.LaunchedAt),
		msOrNil(j.CompletedAt), msOrNil(j.FailedAt), msOrNil(j.CancelledAt),
		j.RetryCount, j.MaxRetries, nullStr(j.RetryStrategy),
		nullStr(j.LastError), msOrNil(j.LastErrorAt), j.UpdatedAt.UnixMilli(),
		j.ID, string(expectedStatus),
	)
	if err != nil {
		return mapSQLiteErr(err)
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

func (s *sqliteStore) ClaimNext(ctx context.Context, now time.Time, exclude []string) (*job.Job, error) {
	nowMS := now.UnixMilli()
	staleMS := now.Add(-claimTTL).UnixMilli()

	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE queued_at IS NOT NULL
		  AND launched_at IS NULL
		  AND retry_count < max_retries
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (claimed_at IS NULL OR claimed_at < ?)`
	args := []any{nowMS, staleMS}
	if len(exclude) > 0 {
		q += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	q += ` ORDER BY priority DESC, queued_at ASC LIMIT 10`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	// Try candidates in order; a conditional update that hits zero rows means
	// somebody else claimed it first, so move on rather than wait.
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET claimed_at=? WHERE id=? AND (claimed_at IS NULL OR claimed_at < ?)`,
			nowMS, c.ID, staleMS,
		)
		if err != nil {
			return nil, mapSQLiteErr(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return c, nil
		}
	}
	return nil, nil
}

func (s *sqliteStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET claimed_at=NULL WHERE id=?`, id)
	return mapSQLiteErr(err)
}

func (s *sqliteStore) Query(ctx context.Context, f Filter) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Ready {
		q += ` AND queued_at IS NOT NULL AND launched_at IS NULL
			AND retry_count < max_retries
			AND (scheduled_for IS NULL OR scheduled_for <= ?)`
		args = append(args, f.Now.UnixMilli())
	}
	if f.LaunchedBefore != nil {
		q += ` AND launched_at IS NOT NULL AND launched_at < ?`
		args = append(args, f.LaunchedBefore.UnixMilli())
	}
	if len(f.Exclude) > 0 {
		q += ` AND id NOT IN (` + placeholders(len(f.Exclude)) + `)`
		for _, id := range f.Exclude {
			args = append(args, id)
		}
	}
	if f.Ready {
		q += ` ORDER BY priority DESC, queued_at ASC`
	} else {
		q += ` ORDER BY created_at ASC`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return scanJobs(rows)
}

func (s *sqliteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, mapSQLiteErr(err)
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

	nowMS := now.UnixMilli()
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE queued_at IS NOT NULL AND launched_at IS NULL
		   AND retry_count < max_retries
		   AND (scheduled_for IS NULL OR scheduled_for <= ?)`, nowMS).Scan(&st.Ready)
	if err != nil {
		return st, mapSQLiteErr(err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE queued_at IS NOT NULL AND launched_at IS NULL
		   AND scheduled_for IS NOT NULL AND scheduled_for > ?`, nowMS).Scan(&st.ScheduledFuture)
	if err != nil {
		return st, mapSQLiteErr(err)
	}
	return st, nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                                     job.Job
		status                                string
		payload                               []byte
		queuedAt, scheduledFor, launchedAt    sql.NullInt64
		completedAt, failedAt, cancelledAt    sql.NullInt64
		retryStrategy, lastError              sql.NullString
		lastErrorAt, createdAtMS, updatedAtMS sql.NullInt64
	)
	err := r.Scan(
		&j.ID, &status, &j.Priority, &payload,
		&queuedAt, &scheduledFor, &launchedAt,
		&completedAt, &failedAt, &cancelledAt,
		&j.RetryCount, &j.MaxRetries, &retryStrategy,
		&lastError, &lastErrorAt, &createdAtMS, &updatedAtMS,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if len(payload) > 0 {
		j.Payload = payload
	}
	j.QueuedAt = timePtr(queuedAt)
	j.ScheduledFor = timePtr(scheduledFor)
	j.LaunchedAt = timePtr(launchedAt)
	j.CompletedAt = timePtr(completedAt)
	j.FailedAt = timePtr(failedAt)
	j.CancelledAt = timePtr(cancelledAt)
	j.RetryStrategy = retryStrategy.String
	j.LastError = lastError.String
	j.LastErrorAt = timePtr(lastErrorAt)
	if createdAtMS.Valid {
		j.CreatedAt = time.UnixMilli(createdAtMS.Int64)
	}
	if updatedAtMS.Valid {
		j.UpdatedAt = time.UnixMilli(updatedAtMS.Int64)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// mapSQLiteErr converts lock/busy conditions into ErrContention so callers
// retry with backoff instead of failing the operation.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}
