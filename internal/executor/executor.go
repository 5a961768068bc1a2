// Package executor is the launch boundary: the scheduler core hands a claimed
// job to an Executor and interprets the outcome, nothing more. Container
// backends (Docker, Cloud Run, ...) live behind this interface.
package executor

import (
	"context"

	"launchq/internal/job"
)

// Result is the synchronous outcome of a launch attempt. OK means the job
// started executing; it says nothing about eventual completion, which is
// reported separately via the queue manager's ReportOutcome.
type Result struct {
	OK    bool
	Error string
}

// Executor launches jobs. Launch must be safe for concurrent use and should
// honor ctx cancellation. Asynchronous backends wrap themselves to present
// this blocking contract.
type Executor interface {
	Launch(ctx context.Context, j *job.Job) Result
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, j *job.Job) Result

func (f Func) Launch(ctx context.Context, j *job.Job) Result { return f(ctx, j) }
