package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"launchq/internal/classify"
	"launchq/internal/eventbus"
	"launchq/internal/executor"
	"launchq/internal/job"
	"launchq/internal/retry"
	"launchq/internal/store"
	logx "launchq/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var okExec = executor.Func(func(ctx context.Context, j *job.Job) executor.Result {
	return executor.Result{OK: true}
})

func failExec(msg string) executor.Executor {
	return executor.Func(func(ctx context.Context, j *job.Job) executor.Result {
		return executor.Result{Error: msg}
	})
}

func newTestManager(t *testing.T, clk *fakeClock, exec executor.Executor) *Manager {
	t.Helper()
	return NewManager(
		store.NewMemory(), exec, retry.NewRegistry(), classify.Default(), logx.Nop(),
		WithClock(clk.Now), WithEventBus(eventbus.New()),
	)
}

func mustQueue(t *testing.T, m *Manager, priority, maxRetries int) *job.Job {
	t.Helper()
	j := job.New(json.RawMessage(`{"cmd":"true"}`), priority, maxRetries)
	q, err := m.QueueJob(context.Background(), j)
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	return q
}

func TestAcquireOrderByPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	byPriority := map[string]int{}
	for _, p := range []int{20, 80, 50, 90, 30} {
		j := mustQueue(t, m, p, 3)
		byPriority[j.ID] = p
	}

	want := []int{90, 80, 50, 30, 20}
	for i, wp := range want {
		j, err := m.AcquireNextJob(ctx, 0)
		if err != nil {
			t.Fatalf("AcquireNextJob #%d: %v", i, err)
		}
		if j == nil {
			t.Fatalf("AcquireNextJob #%d: queue drained early", i)
		}
		if got := byPriority[j.ID]; got != wp {
			t.Errorf("claim %d: priority = %d, want %d", i, got, wp)
		}
	}
	if j, err := m.AcquireNextJob(ctx, 0); err != nil || j != nil {
		t.Fatalf("drained queue: got (%v, %v), want (nil, nil)", j, err)
	}
}

func TestAcquireFIFOAtEqualPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	var order []string
	for i := 0; i < 4; i++ {
		j := mustQueue(t, m, 50, 3)
		order = append(order, j.ID)
		clk.Advance(time.Second)
	}

	for i, want := range order {
		j, err := m.AcquireNextJob(ctx, 0)
		if err != nil || j == nil {
			t.Fatalf("AcquireNextJob #%d: (%v, %v)", i, j, err)
		}
		if j.ID != want {
			t.Errorf("claim %d: id = %s, want %s (enqueue order)", i, j.ID, want)
		}
	}
}

func TestQueueJobGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)

	if _, err := m.QueueJob(ctx, j); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("double queue: err = %v, want ErrAlreadyQueued", err)
	}

	if ok, err := m.Cancel(ctx, j.ID); err != nil || !ok {
		t.Fatalf("Cancel: (%v, %v)", ok, err)
	}
	if _, err := m.QueueJob(ctx, j); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("queue cancelled: err = %v, want ErrInvalidState", err)
	}
}

func TestDequeueAndRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)

	d, err := m.DequeueJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}
	if d.QueuedAt != nil || d.RetryCount != 0 {
		t.Fatalf("dequeued job: queued_at = %v, retry_count = %d", d.QueuedAt, d.RetryCount)
	}
	if _, err := m.DequeueJob(ctx, j.ID); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("double dequeue: err = %v, want ErrNotQueued", err)
	}

	clk.Advance(time.Minute)
	q, err := m.QueueJob(ctx, d)
	if err != nil {
		t.Fatalf("requeue after dequeue: %v", err)
	}
	if q.QueuedAt == nil || !q.QueuedAt.Equal(clk.Now()) {
		t.Fatalf("requeued job queued_at = %v, want %v", q.QueuedAt, clk.Now())
	}
}

func TestScheduledJobsWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := job.New(nil, 90, 3)
	if _, err := m.QueueJob(ctx, j, After(time.Hour)); err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	mustQueue(t, m, 10, 3) // lower priority but ready now

	got, err := m.AcquireNextJob(ctx, 0)
	if err != nil || got == nil {
		t.Fatalf("AcquireNextJob: (%v, %v)", got, err)
	}
	if got.ID == j.ID {
		t.Fatal("acquired a job scheduled an hour in the future")
	}

	clk.Advance(time.Hour + time.Second)
	got, err = m.AcquireNextJob(ctx, 0)
	if err != nil || got == nil || got.ID != j.ID {
		t.Fatalf("after schedule passed: got %v, %v, want job %s", got, err, j.ID)
	}
}

func TestLaunchSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)
	claimed, err := m.AcquireNextJob(ctx, 0)
	if err != nil || claimed == nil {
		t.Fatalf("AcquireNextJob: (%v, %v)", claimed, err)
	}

	res, err := m.LaunchJobWithRetry(ctx, claimed)
	if err != nil {
		t.Fatalf("LaunchJobWithRetry: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	got, err := m.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != job.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.LaunchedAt == nil {
		t.Fatal("launched_at not stamped")
	}

	if err := m.ReportOutcome(ctx, j.ID, 0, true); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	got, _ = m.Status(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status after outcome = %s, want completed", got.Status)
	}
	if err := m.ReportOutcome(ctx, j.ID, 0, true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("outcome on completed job: err = %v, want ErrNotRunning", err)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, failExec("dial tcp: connection refused"))

	j := mustQueue(t, m, 50, 3)
	claimed, _ := m.AcquireNextJob(ctx, 0)
	if claimed == nil {
		t.Fatal("no job claimed")
	}

	res, err := m.LaunchJobWithRetry(ctx, claimed)
	if err != nil {
		t.Fatalf("LaunchJobWithRetry: %v", err)
	}
	if res.Success || !res.RetryScheduled {
		t.Fatalf("result = %+v, want a scheduled retry", res)
	}

	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.After(clk.Now()) {
		t.Fatalf("scheduled_for = %v, want a future instant", got.ScheduledFor)
	}
	if got.LaunchedAt != nil {
		t.Fatal("launched_at not cleared for the retry cycle")
	}
	if got.LastError == "" {
		t.Fatal("last_error not recorded")
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d; budget is consumed at retry launch, not scheduling", got.RetryCount)
	}

	// Still inside the backoff window: invisible to claimers.
	if next, _ := m.AcquireNextJob(ctx, 0); next != nil {
		t.Fatalf("claimed %s during its backoff window", next.ID)
	}

	// Standard policy, second attempt: 2s base with 20% jitter, < 3s.
	clk.Advance(3 * time.Second)
	next, err := m.AcquireNextJob(ctx, 0)
	if err != nil || next == nil || next.ID != j.ID {
		t.Fatalf("after backoff: got (%v, %v), want job %s", next, err, j.ID)
	}
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, failExec("pull access denied for registry.example.com/app"))

	j := mustQueue(t, m, 50, 3)
	claimed, _ := m.AcquireNextJob(ctx, 0)

	res, err := m.LaunchJobWithRetry(ctx, claimed)
	if err != nil {
		t.Fatalf("LaunchJobWithRetry: %v", err)
	}
	if res.Success || res.RetryScheduled {
		t.Fatalf("result = %+v, want terminal failure", res)
	}

	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.QueuedAt != nil {
		t.Fatal("terminally failed job still in the queue")
	}
	if next, _ := m.AcquireNextJob(ctx, 0); next != nil {
		t.Fatal("claimed a terminally failed job")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, failExec("i/o timeout"))

	// max_retries = 1: the initial attempt plus exactly one retry.
	j := mustQueue(t, m, 50, 1)

	claimed, _ := m.AcquireNextJob(ctx, 0)
	res, err := m.LaunchJobWithRetry(ctx, claimed)
	if err != nil || !res.RetryScheduled {
		t.Fatalf("first attempt: (%+v, %v), want scheduled retry", res, err)
	}

	clk.Advance(time.Minute)
	claimed, _ = m.AcquireNextJob(ctx, 0)
	if claimed == nil {
		t.Fatal("retry attempt not claimable after backoff")
	}
	res, err = m.LaunchJobWithRetry(ctx, claimed)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if res.RetryScheduled {
		t.Fatal("retry scheduled past the budget")
	}

	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}

	clk.Advance(time.Hour)
	if next, _ := m.AcquireNextJob(ctx, 0); next != nil {
		t.Fatal("exhausted job became claimable again")
	}
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, failExec("invalid configuration: bad image"))

	j := mustQueue(t, m, 50, 3)
	claimed, _ := m.AcquireNextJob(ctx, 0)
	if _, err := m.LaunchJobWithRetry(ctx, claimed); err != nil {
		t.Fatalf("LaunchJobWithRetry: %v", err)
	}

	failed, err := m.GetFailedJobs(ctx, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("GetFailedJobs: (%d, %v), want 1 job", len(failed), err)
	}

	if _, err := m.RequeueFailed(ctx, "no-such-id", false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("requeue unknown: err = %v, want ErrNotFound", err)
	}

	q, err := m.RequeueFailed(ctx, j.ID, true)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if q.Status != job.StatusQueued || q.RetryCount != 0 {
		t.Fatalf("requeued job: status = %s, retry_count = %d", q.Status, q.RetryCount)
	}
	if !q.Ready(clk.Now()) {
		t.Fatal("requeued job not ready")
	}
	if _, err := m.RequeueFailed(ctx, j.ID, false); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("double requeue: err = %v, want ErrNotFailed", err)
	}
}

func TestLaunchNextBatchRespectsConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	for i := 0; i < 10; i++ {
		mustQueue(t, m, 50, 3)
		clk.Advance(time.Millisecond)
	}

	res, err := m.LaunchNextBatch(ctx, 3, time.Minute)
	if err != nil {
		t.Fatalf("LaunchNextBatch: %v", err)
	}
	if len(res.Launched) != 3 {
		t.Fatalf("launched %d jobs, want 3", len(res.Launched))
	}

	stats, err := m.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Running != 3 || stats.Ready != 7 {
		t.Fatalf("stats = %+v, want 3 running / 7 ready", stats)
	}

	// No headroom: a second pass launches nothing.
	second, err := m.LaunchNextBatch(ctx, 3, time.Minute)
	if err != nil || len(second.Launched) != 0 {
		t.Fatalf("second pass: (%+v, %v), want zero launches", second, err)
	}

	// Completing one job frees exactly one slot.
	if err := m.ReportOutcome(ctx, res.Launched[0], 0, true); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	third, err := m.LaunchNextBatch(ctx, 3, time.Minute)
	if err != nil || len(third.Launched) != 1 {
		t.Fatalf("third pass: (%+v, %v), want one launch", third, err)
	}
}

func TestBatchSkipsFailingJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()

	// One poisoned payload among good ones; the pass must step over it.
	bad := job.New(json.RawMessage(`{"poison":true}`), 90, 3)
	exec := executor.Func(func(ctx context.Context, j *job.Job) executor.Result {
		if j.ID == bad.ID {
			return executor.Result{Error: "manifest unknown"}
		}
		return executor.Result{OK: true}
	})
	m := newTestManager(t, clk, exec)

	if _, err := m.QueueJob(ctx, bad); err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	mustQueue(t, m, 50, 3)
	mustQueue(t, m, 50, 3)

	res, err := m.LaunchNextBatch(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("LaunchNextBatch: %v", err)
	}
	if len(res.Launched) != 2 {
		t.Fatalf("launched %d, want 2 (poisoned job must not consume a slot)", len(res.Launched))
	}
	if len(res.Failed) != 1 || res.Failed[0] != bad.ID {
		t.Fatalf("failed = %v, want [%s]", res.Failed, bad.ID)
	}
}

// slowStatsStore stretches the window between reading occupancy and claiming
// a job, the window concurrent batch passes race in.
type slowStatsStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStatsStore) Stats(ctx context.Context, now time.Time) (store.Stats, error) {
	time.Sleep(s.delay)
	return s.Store.Stats(ctx, now)
}

func TestBatchCeilingHoldsUnderConcurrentPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	st := &slowStatsStore{Store: store.NewMemory(), delay: 20 * time.Millisecond}
	m := NewManager(st, okExec, retry.NewRegistry(), classify.Default(), logx.Nop(),
		WithClock(clk.Now), WithEventBus(eventbus.New()))

	mustQueue(t, m, 50, 3)
	mustQueue(t, m, 50, 3)

	const passes = 2
	results := make([]BatchResult, passes)
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.LaunchNextBatch(ctx, 1, time.Minute)
			if err != nil {
				t.Errorf("pass %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, res := range results {
		total += len(res.Launched)
	}
	if total != 1 {
		t.Fatalf("launched %d jobs under max_concurrent=1", total)
	}
	stats, err := m.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Running != 1 {
		t.Fatalf("running = %d, want 1", stats.Running)
	}
}

// cancelOnGetStore cancels the target job the moment a launcher reads it
// back, landing the cancel between the claim and the running write.
type cancelOnGetStore struct {
	store.Store
	target string
	clk    *fakeClock
	once   sync.Once
}

func (s *cancelOnGetStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.Store.Get(ctx, id)
	if err != nil || id != s.target {
		return j, err
	}
	s.once.Do(func() {
		c := j.Clone()
		if err := c.Transition(job.StatusCancelled, s.clk.Now()); err != nil {
			return
		}
		_ = s.Store.Update(ctx, c, j.Status)
	})
	return j, err
}

func TestBatchSkipsJobsCancelledMidLaunch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	st := &cancelOnGetStore{Store: store.NewMemory(), clk: clk}
	m := NewManager(st, okExec, retry.NewRegistry(), classify.Default(), logx.Nop(),
		WithClock(clk.Now), WithEventBus(eventbus.New()))

	doomed := job.New(json.RawMessage(`{"cmd":"true"}`), 90, 3)
	if _, err := m.QueueJob(ctx, doomed); err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	st.target = doomed.ID
	good := mustQueue(t, m, 50, 3)

	// The doomed job is claimed first (higher priority) and its launch loses
	// the race to the cancel. The pass must step over it, not abort.
	res, err := m.LaunchNextBatch(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("LaunchNextBatch: %v", err)
	}
	if len(res.Launched) != 1 || res.Launched[0] != good.ID {
		t.Fatalf("launched = %v, want [%s]", res.Launched, good.ID)
	}

	got, _ := m.Status(ctx, doomed.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestConcurrentAcquireExclusivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		mustQueue(t, m, i%5*20, 3)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := m.AcquireNextJob(ctx, 0)
				if err != nil {
					t.Errorf("AcquireNextJob: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestCancelReleasesClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)
	if claimed, _ := m.AcquireNextJob(ctx, 0); claimed == nil {
		t.Fatal("no job claimed")
	}

	ok, err := m.Cancel(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel: (%v, %v)", ok, err)
	}
	got, _ := m.Status(ctx, j.ID)
	if got.Status != job.StatusCancelled || got.QueuedAt != nil {
		t.Fatalf("cancelled job: status = %s, queued_at = %v", got.Status, got.QueuedAt)
	}

	if ok, err := m.Cancel(ctx, j.ID); err != nil || ok {
		t.Fatalf("double cancel: (%v, %v), want (false, nil)", ok, err)
	}
}

func TestLaunchStaleClaimIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := newTestManager(t, clk, okExec)

	j := mustQueue(t, m, 50, 3)
	claimed, _ := m.AcquireNextJob(ctx, 0)
	if claimed == nil {
		t.Fatal("no job claimed")
	}

	// The job is cancelled out from under the claim holder.
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := m.LaunchJobWithRetry(ctx, claimed); !errors.Is(err, ErrNotReady) {
		t.Fatalf("launch after cancel: err = %v, want ErrNotReady", err)
	}
}
