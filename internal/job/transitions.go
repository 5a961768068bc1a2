package job

import (
	"fmt"
	"time"
)

// InvalidTransitionError reports a lifecycle edge that does not exist.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// transitions is the full lifecycle edge table. Anything not listed here is
// rejected, both by Transition() and by the store adapters at write time.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusRunning, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusRetrying, StatusCancelled},
	StatusRetrying:  {StatusQueued, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether the lifecycle edge from -> to exists.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition applies a lifecycle transition in place, stamping the timestamps
// that ride on the target state. It fails with *InvalidTransitionError and
// leaves the job unmodified if the edge does not exist.
//
// Errors from previous attempts are intentionally NOT cleared when re-entering
// queued: last_error stays populated for operator diagnosis until the next
// failure overwrites it.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{From: j.Status, To: to}
	}

	switch to {
	case StatusQueued:
		if j.QueuedAt == nil {
			t := now
			j.QueuedAt = &t
		}
	case StatusRunning:
		if j.LaunchedAt == nil {
			t := now
			j.LaunchedAt = &t
		}
	case StatusCompleted:
		t := now
		j.CompletedAt = &t
	case StatusFailed:
		t := now
		j.FailedAt = &t
	case StatusCancelled:
		t := now
		j.CancelledAt = &t
		// A cancelled job is no longer queued.
		j.QueuedAt = nil
		j.ScheduledFor = nil
	}

	j.Status = to
	j.UpdatedAt = now
	return nil
}
