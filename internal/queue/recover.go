package queue

import (
	"context"
	"fmt"
	"time"

	"launchq/internal/eventbus"
	"launchq/internal/job"
	"launchq/internal/store"
	logx "launchq/pkg/logx"
)

// RecoverStale requeues running jobs whose launch is older than the given
// age and that never reported an outcome. These are launches lost to a
// crashed worker or executor. Jobs with retry budget left go back to the
// queue immediately; exhausted ones are failed terminally. Returns how many
// jobs were touched.
func (m *Manager) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := m.now()
	cutoff := now.Add(-olderThan)

	stale, err := m.store.Query(ctx, store.Filter{
		Statuses:       []job.Status{job.StatusRunning},
		LaunchedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("query stale jobs: %w", err)
	}

	recovered := 0
	for _, cur := range stale {
		if err := m.recoverOne(ctx, cur, olderThan); err != nil {
			// Contention with a live worker finishing the job is expected;
			// skip and let the next sweep decide.
			m.log.Debug("stale recovery skipped",
				logx.String("job", cur.ID), logx.Err(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) recoverOne(ctx context.Context, cur *job.Job, age time.Duration) error {
	now := m.now()

	t := now
	cur.LastError = fmt.Sprintf("no outcome reported within %s of launch", age)
	cur.LastErrorAt = &t
	if err := cur.Transition(job.StatusFailed, now); err != nil {
		return err
	}
	if err := m.store.Update(ctx, cur, job.StatusRunning); err != nil {
		return err
	}
	_ = m.store.Release(ctx, cur.ID)

	if cur.RetryCount >= cur.MaxRetries {
		cur.QueuedAt = nil
		cur.ScheduledFor = nil
		cur.UpdatedAt = now
		if err := m.store.Update(ctx, cur, job.StatusFailed); err != nil {
			return err
		}
		m.publish(eventbus.TypeFailed, cur, cur.LastError, 0)
		m.log.Warn("stale job failed terminally",
			logx.String("job", cur.ID), logx.Int("retry_count", cur.RetryCount))
		return nil
	}

	if err := cur.Transition(job.StatusRetrying, now); err != nil {
		return err
	}
	cur.LaunchedAt = nil
	cur.FailedAt = nil
	cur.ScheduledFor = nil
	if err := m.store.Update(ctx, cur, job.StatusFailed); err != nil {
		return err
	}
	m.publish(eventbus.TypeRetrying, cur, cur.LastError, 0)
	m.log.Warn("stale job requeued",
		logx.String("job", cur.ID),
		logx.Duration("stale_after", age),
	)
	return nil
}
