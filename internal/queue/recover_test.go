package queue

import (
	"context"
	"testing"
	"time"

	"launchq/internal/job"
)

func TestRecoverStaleRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)
	claimed, _ := m.AcquireNextJob(ctx, 0)
	if _, err := m.LaunchJobWithRetry(ctx, claimed); err != nil {
		t.Fatalf("LaunchJobWithRetry: %v", err)
	}

	// Too fresh: nothing to recover.
	if n, err := m.RecoverStale(ctx, 15*time.Minute); err != nil || n != 0 {
		t.Fatalf("early sweep: (%d, %v), want 0 recovered", n, err)
	}

	clk.Advance(16 * time.Minute)
	n, err := m.RecoverStale(ctx, 15*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("sweep: (%d, %v), want 1 recovered", n, err)
	}

	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.LaunchedAt != nil {
		t.Fatal("launched_at not cleared")
	}
	if got.LastError == "" {
		t.Fatal("recovery reason not recorded in last_error")
	}

	// Immediately claimable again.
	next, err := m.AcquireNextJob(ctx, 0)
	if err != nil || next == nil || next.ID != j.ID {
		t.Fatalf("reclaim: got (%v, %v), want job %s", next, err, j.ID)
	}
}

func TestRecoverStaleExhaustedBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, failExec("connection reset by peer"))

	j := mustQueue(t, m, 50, 1)

	// Burn the retry budget: initial failure schedules the only retry.
	claimed, _ := m.AcquireNextJob(ctx, 0)
	if _, err := m.LaunchJobWithRetry(ctx, claimed); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	clk.Advance(time.Minute)

	// The retry attempt launches (retry_count becomes 1) and then the worker
	// vanishes: swap in an executor that "succeeds" so the job stays running.
	m.exec = okExec
	claimed, _ = m.AcquireNextJob(ctx, 0)
	if claimed == nil {
		t.Fatal("retry attempt not claimable")
	}
	if _, err := m.LaunchJobWithRetry(ctx, claimed); err != nil {
		t.Fatalf("second launch: %v", err)
	}

	clk.Advance(time.Hour)
	n, err := m.RecoverStale(ctx, 15*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("sweep: (%d, %v), want 1 recovered", n, err)
	}

	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed (budget exhausted)", got.Status)
	}
	if got.QueuedAt != nil {
		t.Fatal("exhausted job still in the queue")
	}
}
