package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"launchq/internal/job"
	logx "launchq/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	j := job.New([]byte(`{"image":"acme/worker:v1"}`), 70, 3)
	j.RetryStrategy = "standard"
	if err := j.Transition(job.StatusQueued, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := st.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Create(ctx, j); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: %v", err)
	}

	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued || got.Priority != 70 || got.RetryStrategy != "standard" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.QueuedAt == nil || !got.QueuedAt.Equal(now) {
		t.Fatalf("queued_at mismatch: %v", got.QueuedAt)
	}
	if string(got.Payload) != `{"image":"acme/worker:v1"}` {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
}

func TestSQLiteClaimAndUpdate(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	mk := func(id string, prio int, offset time.Duration) {
		qa := now.Add(offset)
		j := &job.Job{
			ID: id, Status: job.StatusQueued, Priority: prio, MaxRetries: 3,
			QueuedAt: &qa, CreatedAt: qa, UpdatedAt: qa,
		}
		if err := st.Create(ctx, j); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("low", 20, 0)
	mk("high", 80, time.Millisecond)
	mk("mid", 50, 2*time.Millisecond)

	claimNow := now.Add(time.Second)

	first, err := st.ClaimNext(ctx, claimNow, nil)
	if err != nil || first == nil {
		t.Fatalf("claim: %+v, %v", first, err)
	}
	if first.ID != "high" {
		t.Fatalf("claimed %s, want high", first.ID)
	}

	// The held row is skipped by the next claimer.
	second, err := st.ClaimNext(ctx, claimNow, nil)
	if err != nil || second == nil {
		t.Fatalf("second claim: %+v, %v", second, err)
	}
	if second.ID != "mid" {
		t.Fatalf("second claim = %s, want mid", second.ID)
	}

	// Update transitions high -> running and drops the claim.
	up := first.Clone()
	if err := up.Transition(job.StatusRunning, claimNow); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := st.Update(ctx, up, job.StatusQueued); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.Get(ctx, "high")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusRunning || got.LaunchedAt == nil {
		t.Fatalf("post-update state: %+v", got)
	}

	// Stale expectation is rejected.
	if err := st.Update(ctx, up, job.StatusQueued); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("stale update: %v", err)
	}

	// Illegal direct status writes are rejected at the persistence boundary.
	bad := got.Clone()
	bad.Status = job.StatusQueued // running -> queued is not an edge
	var ite *job.InvalidTransitionError
	if err := st.Update(ctx, bad, job.StatusRunning); !errors.As(err, &ite) {
		t.Fatalf("illegal edge accepted: %v", err)
	}

	// Remaining claimable job is low.
	third, err := st.ClaimNext(ctx, claimNow, nil)
	if err != nil || third == nil || third.ID != "low" {
		t.Fatalf("third claim: %+v, %v", third, err)
	}
	if extra, err := st.ClaimNext(ctx, claimNow, nil); err != nil || extra != nil {
		t.Fatalf("queue should be drained: %+v, %v", extra, err)
	}
}

func TestSQLiteQueryAndStats(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	qa := now
	ready := &job.Job{ID: "r", Status: job.StatusQueued, Priority: 50, MaxRetries: 3, QueuedAt: &qa, CreatedAt: now, UpdatedAt: now}
	if err := st.Create(ctx, ready); err != nil {
		t.Fatalf("create: %v", err)
	}

	sched := now.Add(time.Hour)
	future := &job.Job{ID: "f", Status: job.StatusRetrying, Priority: 50, MaxRetries: 3, RetryCount: 1, QueuedAt: &qa, ScheduledFor: &sched, CreatedAt: now, UpdatedAt: now}
	if err := st.Create(ctx, future); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Query(ctx, Filter{Ready: true, Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r" {
		t.Fatalf("ready query = %+v", got)
	}

	// Past the backoff window the retrying job is ready too.
	got, err = st.Query(ctx, Filter{Ready: true, Now: now.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ready after window = %d", len(got))
	}

	byStatus, err := st.Query(ctx, Filter{Statuses: []job.Status{job.StatusRetrying}})
	if err != nil {
		t.Fatalf("status query: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "f" {
		t.Fatalf("status query = %+v", byStatus)
	}

	stats, err := st.Stats(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 1 || stats.ScheduledFuture != 1 || stats.Retrying != 1 || stats.Total != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}
