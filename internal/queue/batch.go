package queue

import (
	"context"
	"errors"
	"time"

	"launchq/internal/store"
	logx "launchq/pkg/logx"
)

// BatchResult reports what a batch launch pass accomplished.
type BatchResult struct {
	// Launched lists the job ids successfully handed to the executor.
	Launched []string
	// Retried lists the job ids whose launch failed and got rescheduled.
	Retried []string
	// Failed lists the job ids whose launch failed terminally.
	Failed []string
	// Skipped counts claim attempts that found nothing launchable.
	Skipped int
}

// Launchable reports how many more jobs a batch pass could launch right now
// under the given concurrency ceiling. Advisory only; launch passes go
// through reserveSlot, which re-checks occupancy while holding the
// reservation lock.
func (m *Manager) Launchable(ctx context.Context, maxConcurrent int) (int, error) {
	if maxConcurrent <= 0 {
		return 0, nil
	}
	inFlight := int(m.launching.Load())
	stats, err := m.store.Stats(ctx, m.now())
	if err != nil {
		return 0, err
	}
	headroom := maxConcurrent - stats.Running - inFlight
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// reserveSlot takes one launching reservation if occupancy is below the
// ceiling. Reservations are serialized by resMu so two concurrent passes can
// never both observe the same headroom and overshoot. The in-flight count is
// read before the store: a launch that commits in between is counted twice,
// never zero times, so the error side is launching less.
func (m *Manager) reserveSlot(ctx context.Context, maxConcurrent int) (bool, error) {
	m.resMu.Lock()
	defer m.resMu.Unlock()

	inFlight := int(m.launching.Load())
	stats, err := m.store.Stats(ctx, m.now())
	if err != nil {
		return false, err
	}
	if stats.Running+inFlight >= maxConcurrent {
		return false, nil
	}
	m.launching.Add(1)
	return true, nil
}

// LaunchNextBatch claims and launches ready jobs until the concurrency
// ceiling is met or the queue runs dry. Jobs are taken in queue order
// (priority DESC, queued_at ASC). A job whose launch fails is rescheduled or
// failed by the normal retry path and does not consume a launch slot; the
// pass moves on to the next candidate instead of stopping.
func (m *Manager) LaunchNextBatch(ctx context.Context, maxConcurrent int, timeout time.Duration) (BatchResult, error) {
	var res BatchResult

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Jobs that failed to launch in this pass get rescheduled with a backoff,
	// but a zero-delay policy could make one immediately claimable again.
	// Excluding them keeps a single pass from spinning on the same job.
	var exclude []string

	for {
		ok, err := m.reserveSlot(ctx, maxConcurrent)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}

		j, err := m.AcquireNextJob(ctx, 0, exclude...)
		if err != nil {
			m.launching.Add(-1)
			return res, err
		}
		if j == nil {
			m.launching.Add(-1)
			res.Skipped++
			return res, nil
		}

		lr, err := m.launchClaimed(ctx, j)
		switch {
		case errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrNotReady) || errors.Is(err, store.ErrStaleStatus):
			// Claim raced a cancel or reschedule; nothing to do.
			exclude = append(exclude, j.ID)
			continue
		case err != nil:
			return res, err
		case lr.Success:
			res.Launched = append(res.Launched, j.ID)
		case lr.RetryScheduled:
			res.Retried = append(res.Retried, j.ID)
			exclude = append(exclude, j.ID)
		default:
			res.Failed = append(res.Failed, j.ID)
			exclude = append(exclude, j.ID)
		}

		select {
		case <-ctx.Done():
			m.log.Debug("batch launch pass timed out",
				logx.Int("launched", len(res.Launched)),
				logx.Int("retried", len(res.Retried)),
				logx.Int("failed", len(res.Failed)),
			)
			return res, nil
		default:
		}
	}
}
