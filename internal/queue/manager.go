// Package queue implements the job queue manager: enqueueing, ordered
// retrieval, atomic acquisition, launch-with-retry, and batch launching.
//
// A Manager is a plain value with injected dependencies; there is no global
// instance. Multiple managers in one process (or many processes) coordinate
// exclusively through the durable store's claim primitive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"launchq/internal/classify"
	"launchq/internal/eventbus"
	"launchq/internal/executor"
	"launchq/internal/job"
	"launchq/internal/retry"
	"launchq/internal/store"
	logx "launchq/pkg/logx"
)

const (
	// Bounded internal retry on store contention. Contention is expected
	// steady-state, so exhausting this budget means "no job available",
	// not an error.
	acquireMaxAttempts = 4
	acquireBackoffBase = 25 * time.Millisecond
	acquireBackoffMax  = 250 * time.Millisecond
)

type Manager struct {
	store    store.Store
	exec     executor.Executor
	policies *retry.Registry
	cls      *classify.Classifier
	log      logx.Logger
	bus      eventbus.Bus

	// now is swappable for tests.
	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// launching counts claims being turned into RUNNING rows right now.
	// Batch capacity checks add it to the store's running count so
	// concurrent batch callers can't overshoot max_concurrent.
	launching atomic.Int32
	// resMu serializes slot reservations; see reserveSlot.
	resMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEventBus attaches a lifecycle event bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

func NewManager(st store.Store, exec executor.Executor, policies *retry.Registry, cls *classify.Classifier, log logx.Logger, opts ...Option) *Manager {
	if policies == nil {
		policies = retry.NewRegistry()
	}
	if cls == nil {
		cls = classify.Default()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:    st,
		exec:     exec,
		policies: policies,
		cls:      cls,
		log:      log,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetExecutor installs the launch backend. Executors that report outcomes
// through the manager need the manager built first, so this runs after
// construction and before anything launches.
func (m *Manager) SetExecutor(exec executor.Executor) { m.exec = exec }

// QueueOption adjusts a job while it is being enqueued.
type QueueOption func(*job.Job, time.Time)

// At sets the earliest eligible launch time.
func At(t time.Time) QueueOption {
	return func(j *job.Job, _ time.Time) {
		tt := t
		j.ScheduledFor = &tt
	}
}

// After schedules the job a delay from now.
func After(d time.Duration) QueueOption {
	return func(j *job.Job, now time.Time) {
		t := now.Add(d)
		j.ScheduledFor = &t
	}
}

// WithPriority overrides the job's priority (clamped).
func WithPriority(p int) QueueOption {
	return func(j *job.Job, _ time.Time) { j.Priority = job.ClampPriority(p) }
}

// QueueJob places a job in the queue: stamps queued_at, applies options, and
// commits one durable write. Unknown jobs in the pending state are created
// first. Fails with ErrAlreadyQueued if the job is queued, ErrInvalidState if
// it is terminal.
func (m *Manager) QueueJob(ctx context.Context, j *job.Job, opts ...QueueOption) (*job.Job, error) {
	now := m.now()

	cur, err := m.store.Get(ctx, j.ID)
	if errors.Is(err, store.ErrNotFound) {
		if err := m.store.Create(ctx, j); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		cur = j.Clone()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if cur.IsQueued() {
		return nil, ErrAlreadyQueued
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
	}

	prior := cur.Status
	if cur.Status == job.StatusQueued {
		// Previously dequeued: same status, just re-stamp the queue timing.
		t := now
		cur.QueuedAt = &t
		cur.UpdatedAt = now
	} else if err := cur.Transition(job.StatusQueued, now); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(cur, now)
	}

	if err := m.store.Update(ctx, cur, prior); err != nil {
		return nil, fmt.Errorf("persist queued job: %w", err)
	}

	m.publish(eventbus.TypeQueued, cur, "", 0)
	m.log.Debug("job queued",
		logx.String("job", cur.ID),
		logx.Int("priority", cur.Priority),
		logx.Time("scheduled_for", derefTime(cur.ScheduledFor)),
	)
	return cur, nil
}

// DequeueJob removes a job from the queue without cancelling it: queue timing
// is cleared and the retry counter reset. Fails with ErrNotQueued if the job
// is not currently queued.
func (m *Manager) DequeueJob(ctx context.Context, id string) (*job.Job, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.IsQueued() {
		return nil, ErrNotQueued
	}

	cur.QueuedAt = nil
	cur.ScheduledFor = nil
	cur.RetryCount = 0
	cur.UpdatedAt = m.now()

	if err := m.store.Update(ctx, cur, cur.Status); err != nil {
		return nil, fmt.Errorf("persist dequeued job: %w", err)
	}
	m.publish(eventbus.TypeDequeued, cur, "", 0)
	return cur, nil
}

// GetReadyJobs returns launch-eligible jobs ordered by priority DESC then
// queued_at ASC. The result reflects the store at call time; re-querying
// picks up new state, it is not a snapshot iterator.
func (m *Manager) GetReadyJobs(ctx context.Context, limit int, exclude ...string) ([]*job.Job, error) {
	return m.store.Query(ctx, store.Filter{
		Ready:   true,
		Now:     m.now(),
		Limit:   limit,
		Exclude: exclude,
	})
}

// GetFailedJobs returns jobs whose launch or execution failed terminally.
func (m *Manager) GetFailedJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	return m.store.Query(ctx, store.Filter{
		Statuses: []job.Status{job.StatusFailed},
		Limit:    limit,
	})
}

// AcquireNextJob atomically claims the best ready job. Returns (nil, nil)
// when nothing is claimable. Transient store contention is retried here with
// jittered exponential backoff, bounded by the attempt budget and timeout;
// exhausting it also returns (nil, nil) because contention is steady-state.
func (m *Manager) AcquireNextJob(ctx context.Context, timeout time.Duration, exclude ...string) (*job.Job, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	backoff := acquireBackoffBase
	for attempt := 1; ; attempt++ {
		j, err := m.store.ClaimNext(ctx, m.now(), exclude)
		if err == nil {
			if j != nil {
				m.publish(eventbus.TypeClaimed, j, "", 0)
			}
			return j, nil
		}
		if !errors.Is(err, store.ErrContention) {
			return nil, fmt.Errorf("claim next job: %w", err)
		}
		if attempt >= acquireMaxAttempts {
			m.log.Debug("claim contention budget exhausted", logx.Int("attempts", attempt))
			return nil, nil
		}

		delay := m.jitter(backoff)
		backoff *= 2
		if backoff > acquireBackoffMax {
			backoff = acquireBackoffMax
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(delay):
		}
	}
}

// LaunchResult is the outcome of LaunchJobWithRetry.
type LaunchResult struct {
	Success        bool
	Error          string
	RetryScheduled bool
}

// LaunchJobWithRetry drives one claimed job through a launch attempt.
//
// The job is re-validated against the committed state first (the claim may
// have gone stale), moved to running, and handed to the executor. On failure
// the error is classified and routed through the job's retry policy: either
// a retrying cycle with a computed backoff delay, or a terminal failed state
// that removes the job from the queue for good. The claim is always released
// before returning.
func (m *Manager) LaunchJobWithRetry(ctx context.Context, j *job.Job) (LaunchResult, error) {
	m.launching.Add(1)
	return m.launchClaimed(ctx, j)
}

// launchClaimed runs the launch attempt for a claimed job. The caller has
// already taken one launching reservation; it is consumed here, as is the
// claim.
func (m *Manager) launchClaimed(ctx context.Context, j *job.Job) (LaunchResult, error) {
	defer m.launching.Add(-1)
	defer func() { _ = m.store.Release(ctx, j.ID) }()

	now := m.now()

	cur, err := m.store.Get(ctx, j.ID)
	if err != nil {
		return LaunchResult{}, err
	}
	if !cur.Ready(now) {
		return LaunchResult{}, ErrNotReady
	}

	// A retrying job consumes one unit of retry budget as its attempt starts.
	if cur.Status == job.StatusRetrying {
		prior := cur.Status
		cur.RetryCount++
		if err := cur.Transition(job.StatusQueued, now); err != nil {
			return LaunchResult{}, err
		}
		if err := m.store.Update(ctx, cur, prior); err != nil {
			return LaunchResult{}, fmt.Errorf("persist retry attempt: %w", err)
		}
	}

	// Commit running before invoking the executor: the launched_at stamp is
	// what stops other claimers from seeing this job as ready, and a crash
	// from here on leaves a reconcilable running row instead of a limbo job.
	prior := cur.Status
	if err := cur.Transition(job.StatusRunning, now); err != nil {
		return LaunchResult{}, err
	}
	if err := m.store.Update(ctx, cur, prior); err != nil {
		return LaunchResult{}, fmt.Errorf("persist running job: %w", err)
	}

	res := m.exec.Launch(ctx, cur)
	if res.OK {
		m.publish(eventbus.TypeLaunched, cur, "", 0)
		m.log.Info("job launched",
			logx.String("job", cur.ID),
			logx.Int("priority", cur.Priority),
			logx.Int("attempt", cur.RetryCount+1),
		)
		return LaunchResult{Success: true}, nil
	}

	return m.handleLaunchFailure(ctx, cur, res.Error)
}

// handleLaunchFailure classifies a launch error and either schedules a retry
// or fails the job terminally. The job is currently committed as running.
func (m *Manager) handleLaunchFailure(ctx context.Context, cur *job.Job, errMsg string) (LaunchResult, error) {
	now := m.now()

	t := now
	cur.LastError = errMsg
	cur.LastErrorAt = &t
	if err := cur.Transition(job.StatusFailed, now); err != nil {
		return LaunchResult{}, err
	}
	if err := m.store.Update(ctx, cur, job.StatusRunning); err != nil {
		return LaunchResult{}, fmt.Errorf("persist failed job: %w", err)
	}

	class := m.cls.Classify(errMsg)
	pol := m.policies.ForJob(cur)
	attempts := cur.RetryCount + 1 // attempts made, including the initial one

	retryable := class != classify.Permanent &&
		cur.RetryCount < cur.MaxRetries &&
		pol.ShouldRetry(attempts, class)

	if !retryable {
		// Terminal failure: out of the queue for good. last_error stays for
		// operators; get_failed_jobs + manual requeue are the way back.
		cur.QueuedAt = nil
		cur.ScheduledFor = nil
		cur.UpdatedAt = now
		if err := m.store.Update(ctx, cur, job.StatusFailed); err != nil {
			return LaunchResult{}, fmt.Errorf("persist terminal failure: %w", err)
		}
		m.publish(eventbus.TypeFailed, cur, errMsg, 0)
		m.log.Warn("job failed terminally",
			logx.String("job", cur.ID),
			logx.String("class", string(class)),
			logx.Int("attempts", attempts),
			logx.String("err", errMsg),
		)
		return LaunchResult{Error: errMsg}, nil
	}

	m.rngMu.Lock()
	delay := pol.JitteredDelayFor(attempts+1, m.rng)
	m.rngMu.Unlock()
	sched := now.Add(delay)

	if err := cur.Transition(job.StatusRetrying, now); err != nil {
		return LaunchResult{}, err
	}
	cur.ScheduledFor = &sched
	// Retrying jobs have not "reached the executor" in any observable way;
	// clearing these keeps the job claimable once the backoff window passes.
	cur.LaunchedAt = nil
	cur.FailedAt = nil
	if err := m.store.Update(ctx, cur, job.StatusFailed); err != nil {
		return LaunchResult{}, fmt.Errorf("persist retry schedule: %w", err)
	}

	m.publish(eventbus.TypeRetrying, cur, errMsg, delay)
	m.log.Info("job retry scheduled",
		logx.String("job", cur.ID),
		logx.String("class", string(class)),
		logx.Int("attempt", attempts),
		logx.Duration("delay", delay),
		logx.String("err", errMsg),
	)
	return LaunchResult{Error: errMsg, RetryScheduled: true}, nil
}

// ReportOutcome records the terminal result of a running job. Drives the
// running -> completed/failed edges for executors that report completion
// asynchronously.
func (m *Manager) ReportOutcome(ctx context.Context, id string, exitCode int, ok bool) error {
	now := m.now()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != job.StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, cur.Status)
	}

	if ok {
		if err := cur.Transition(job.StatusCompleted, now); err != nil {
			return err
		}
		cur.QueuedAt = nil
	} else {
		t := now
		cur.LastError = fmt.Sprintf("exited with code %d", exitCode)
		cur.LastErrorAt = &t
		if err := cur.Transition(job.StatusFailed, now); err != nil {
			return err
		}
		cur.QueuedAt = nil
		cur.ScheduledFor = nil
	}

	if err := m.store.Update(ctx, cur, job.StatusRunning); err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}

	if ok {
		m.publish(eventbus.TypeCompleted, cur, "", 0)
		m.log.Info("job completed", logx.String("job", id))
	} else {
		m.publish(eventbus.TypeFailed, cur, cur.LastError, 0)
		m.log.Warn("job failed", logx.String("job", id), logx.Int("exit_code", exitCode))
	}
	return nil
}

// Cancel moves a job to cancelled from any non-terminal state. Returns false
// if the job was already terminal. A job currently executing keeps running
// until its executor honors the cancellation, but the scheduler will never
// re-attempt it.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		return false, nil
	}

	prior := cur.Status
	if err := cur.Transition(job.StatusCancelled, m.now()); err != nil {
		return false, err
	}
	if err := m.store.Update(ctx, cur, prior); err != nil {
		return false, fmt.Errorf("persist cancel: %w", err)
	}
	_ = m.store.Release(ctx, id)

	m.publish(eventbus.TypeCancelled, cur, "", 0)
	m.log.Info("job cancelled", logx.String("job", id), logx.String("was", string(prior)))
	return true, nil
}

// RequeueFailed puts a terminally failed job back in the queue as an explicit
// operator action, optionally resetting its retry budget. Never automatic.
func (m *Manager) RequeueFailed(ctx context.Context, id string, resetRetries bool) (*job.Job, error) {
	now := m.now()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != job.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, cur.Status)
	}

	if err := cur.Transition(job.StatusRetrying, now); err != nil {
		return nil, err
	}
	if resetRetries {
		cur.RetryCount = 0
	}
	cur.LaunchedAt = nil
	cur.FailedAt = nil
	if err := m.store.Update(ctx, cur, job.StatusFailed); err != nil {
		return nil, fmt.Errorf("persist requeue: %w", err)
	}

	prior := cur.Status
	if err := cur.Transition(job.StatusQueued, now); err != nil {
		return nil, err
	}
	cur.ScheduledFor = nil
	if err := m.store.Update(ctx, cur, prior); err != nil {
		return nil, fmt.Errorf("persist requeue: %w", err)
	}

	m.publish(eventbus.TypeQueued, cur, "", 0)
	m.log.Info("failed job requeued", logx.String("job", id), logx.Bool("reset_retries", resetRetries))
	return cur, nil
}

// QueueStats returns read-only aggregate counts. Safe at arbitrary frequency.
func (m *Manager) QueueStats(ctx context.Context) (store.Stats, error) {
	return m.store.Stats(ctx, m.now())
}

// Status returns a snapshot of one job.
func (m *Manager) Status(ctx context.Context, id string) (*job.Job, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) publish(typ string, j *job.Job, errMsg string, delay time.Duration) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Time: m.now(),
		Job: eventbus.JobEvent{
			JobID:    j.ID,
			Priority: j.Priority,
			Attempts: j.RetryCount + 1,
			Error:    errMsg,
			Delay:    delay,
		},
	})
}

func (m *Manager) jitter(d time.Duration) time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	if d <= 0 {
		return 0
	}
	return d + time.Duration(m.rng.Int63n(int64(d/2)+1))
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
