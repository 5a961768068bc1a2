// Package store is the durable job store boundary.
//
// All cross-worker coordination flows through the store's atomic claim
// primitive: "select the highest-priority eligible row, take it exclusively,
// skip rows somebody else already holds". Any backend with conditional
// updates can implement it; this repo ships memory, sqlite, and postgres
// drivers.
package store

import (
	"context"
	"errors"
	"time"

	"launchq/internal/job"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when creating a job whose id is already stored.
	ErrExists = errors.New("job already exists")
	// ErrStaleStatus is returned by Update when the committed status no
	// longer matches the caller's expectation (optimistic concurrency).
	ErrStaleStatus = errors.New("stored status does not match expected status")
	// ErrContention marks transient claim conflicts (deadlocks, busy
	// database). Callers retry these with backoff; they are steady-state.
	ErrContention = errors.New("store contention")
)

// Filter selects jobs for Query and bounds ClaimNext.
type Filter struct {
	// Statuses limits results to the given lifecycle states.
	Statuses []job.Status

	// Ready selects launch-eligible jobs as of Now: queued_at set,
	// launched_at unset, retry budget remaining, scheduled_for passed.
	// Ready results are ordered priority DESC, queued_at ASC.
	Ready bool
	Now   time.Time

	// LaunchedBefore selects jobs whose launched_at is older than the
	// given instant (stale-running sweeps).
	LaunchedBefore *time.Time

	// Exclude skips the given job ids.
	Exclude []string

	// Limit bounds the result size; 0 means no limit.
	Limit int
}

// Stats are read-only aggregate counts for operational visibility.
type Stats struct {
	Ready           int `json:"ready"`
	ScheduledFuture int `json:"scheduled_future"`
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Retrying        int `json:"retrying"`
	Failed          int `json:"failed"`
	Completed       int `json:"completed"`
	Cancelled       int `json:"cancelled"`
	Total           int `json:"total"`
}

// Store is the durable job store consumed by the queue manager.
//
// Update is optimistic: it fails with ErrStaleStatus if the committed status
// no longer matches expectedStatus, and it re-validates the lifecycle edge
// against the committed value so direct status writes cannot bypass the
// state machine. Updates do not touch claims; the claim owner releases them
// explicitly (or they expire after the claim TTL).
type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	Update(ctx context.Context, j *job.Job, expectedStatus job.Status) error

	// ClaimNext atomically takes exclusive hold of the best ready job:
	// highest priority first, earliest queued_at among equals. Jobs held
	// by other claimers are skipped, never waited on. Returns (nil, nil)
	// when no claimable job exists, and ErrContention on retryable
	// backend conflicts.
	ClaimNext(ctx context.Context, now time.Time, exclude []string) (*job.Job, error)

	// Release drops a claim without updating the job (error paths).
	Release(ctx context.Context, id string) error

	Query(ctx context.Context, f Filter) ([]*job.Job, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	Close() error
}

// matches reports whether a job satisfies a filter. Shared by the memory
// driver and by in-process re-checks.
func matches(j *job.Job, f Filter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Ready && !j.Ready(f.Now) {
		return false
	}
	if f.LaunchedBefore != nil {
		if j.LaunchedAt == nil || !j.LaunchedAt.Before(*f.LaunchedBefore) {
			return false
		}
	}
	for _, id := range f.Exclude {
		if j.ID == id {
			return false
		}
	}
	return true
}
