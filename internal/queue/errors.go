package queue

import "errors"

var (
	// ErrAlreadyQueued is returned when queueing a job that is already
	// sitting in the queue.
	ErrAlreadyQueued = errors.New("job is already queued")
	// ErrNotQueued is returned when dequeueing a job that is not queued.
	ErrNotQueued = errors.New("job is not queued")
	// ErrInvalidState is returned when queueing a job in a terminal state.
	ErrInvalidState = errors.New("job is in a terminal state")
	// ErrNotReady is returned when a claimed job fails the launch-time
	// readiness re-check (it was cancelled or rescheduled since the claim).
	ErrNotReady = errors.New("job is no longer ready")
	// ErrNotRunning is returned when reporting an outcome for a job that
	// is not running.
	ErrNotRunning = errors.New("job is not running")
	// ErrNotFailed is returned when requeueing a job that is not failed.
	ErrNotFailed = errors.New("job is not failed")
)
