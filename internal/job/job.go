package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions at all.
//
// Note: StatusFailed is not terminal here; a failed job can still be moved to
// retrying (by the queue manager) or cancelled (by an operator).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	PriorityMin     = 0
	PriorityMax     = 100
	PriorityDefault = 50
)

// ClampPriority bounds a priority into the supported [0,100] range.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Job is the unit of schedulable work.
//
// The payload is opaque to the scheduler; it is handed to the executor
// untouched. Queue-timing and retry fields are owned by the queue manager;
// terminal timing fields are owned by whoever reports execution outcomes.
type Job struct {
	ID string `json:"id"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	// Execution payload, passed through to the executor as-is.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Queue timing.
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	LaunchedAt   *time.Time `json:"launched_at,omitempty"`

	// Terminal timing. At most one of these is ever set.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Retry bookkeeping.
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	RetryStrategy string     `json:"retry_strategy,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending job with a fresh id and a clamped priority.
func New(payload json.RawMessage, priority, maxRetries int) *Job {
	now := time.Now()
	return &Job{
		ID:         uuid.NewString(),
		Status:     StatusPending,
		Priority:   ClampPriority(priority),
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsQueued reports whether the job currently sits in the queue
// (enqueued and not yet handed to the executor).
func (j *Job) IsQueued() bool {
	return j.QueuedAt != nil && j.LaunchedAt == nil
}

// Ready reports whether the job is eligible for launch at the given time:
// queued, not yet launched, retry budget remaining, and past its scheduled
// time. The predicate is purely field-based so it holds for both queued and
// retrying jobs waiting on their backoff window.
func (j *Job) Ready(now time.Time) bool {
	if !j.IsQueued() {
		return false
	}
	if j.RetryCount >= j.MaxRetries {
		return false
	}
	if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
		return false
	}
	return true
}

// Clone returns a deep copy. Stores hand out clones so callers can't mutate
// committed state behind the adapter's back.
func (j *Job) Clone() *Job {
	cp := *j
	cp.QueuedAt = cloneTime(j.QueuedAt)
	cp.ScheduledFor = cloneTime(j.ScheduledFor)
	cp.LaunchedAt = cloneTime(j.LaunchedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.FailedAt = cloneTime(j.FailedAt)
	cp.CancelledAt = cloneTime(j.CancelledAt)
	cp.LastErrorAt = cloneTime(j.LastErrorAt)
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
