package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"launchq/internal/job"
)

// Memory is an in-process Store. Claims are serialized by a single mutex, so
// the at-most-one-claimer guarantee holds trivially; it exists for tests and
// single-node development, not durability.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	claimed map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*job.Job),
		claimed: make(map[string]time.Time),
	}
}

func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, j *job.Job, expectedStatus job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus {
		return ErrStaleStatus
	}
	// Persistence-boundary guard: a status change must be a legal edge from
	// the committed value, even if the caller mutated the field directly.
	if cur.Status != j.Status && !job.CanTransition(cur.Status, j.Status) {
		return &job.InvalidTransitionError{From: cur.Status, To: j.Status}
	}

	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) ClaimNext(ctx context.Context, now time.Time, exclude []string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		// Claims expire after the TTL, same as the durable drivers; a crashed
		// claimer must not shadow a job forever.
		if t, held := m.claimed[j.ID]; held && now.Sub(t) < claimTTL {
			continue
		}
		if !matches(j, Filter{Ready: true, Now: now, Exclude: exclude}) {
			continue
		}
		if best == nil || readyLess(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	m.claimed[best.ID] = now
	return best.Clone(), nil
}

func (m *Memory) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, id)
	return nil
}

func (m *Memory) Query(ctx context.Context, f Filter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if matches(j, f) {
			out = append(out, j.Clone())
		}
	}
	if f.Ready {
		sort.Slice(out, func(i, k int) bool { return readyLess(out[i], out[k]) })
	} else {
		sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, j := range m.jobs {
		st.Total++
		switch j.Status {
		case job.StatusPending:
			st.Pending++
		case job.StatusRunning:
			st.Running++
		case job.StatusRetrying:
			st.Retrying++
		case job.StatusFailed:
			st.Failed++
		case job.StatusCompleted:
			st.Completed++
		case job.StatusCancelled:
			st.Cancelled++
		}
		if j.IsQueued() {
			if j.Ready(now) {
				st.Ready++
			} else if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
				st.ScheduledFuture++
			}
		}
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }

// readyLess orders ready jobs: priority DESC, then queued_at ASC, with id as
// a final deterministic tie-break.
func readyLess(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	at, bt := timeOrZero(a.QueuedAt), timeOrZero(b.QueuedAt)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
