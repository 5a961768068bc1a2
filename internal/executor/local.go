package executor

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"launchq/internal/job"
	logx "launchq/pkg/logx"
)

// LocalPayload is the payload shape understood by the local process executor.
// Other executors are free to define their own payload schema; the scheduler
// never inspects it.
type LocalPayload struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// OutcomeFunc receives the terminal result of a launched process. The app
// wires this to the queue manager's ReportOutcome.
type OutcomeFunc func(jobID string, exitCode int, ok bool)

// Local runs job payloads as child processes. It exists as the in-repo
// reference backend; production deployments inject a container executor.
type Local struct {
	log    logx.Logger
	onExit OutcomeFunc
}

func NewLocal(log logx.Logger, onExit OutcomeFunc) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{log: log, onExit: onExit}
}

// Launch starts the payload's command. "Launched OK" means the process
// started; completion is reported asynchronously through the outcome
// callback once the process exits.
func (l *Local) Launch(ctx context.Context, j *job.Job) Result {
	var p LocalPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return Result{Error: "invalid configuration: " + err.Error()}
	}
	if len(p.Command) == 0 {
		return Result{Error: "invalid configuration: payload has no command"}
	}

	// The process outlives the launch call, so detach from the caller's ctx
	// and apply only the payload's own timeout.
	runCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if p.Timeout != "" {
		if d, err := time.ParseDuration(p.Timeout); err == nil && d > 0 {
			runCtx, cancel = context.WithTimeout(runCtx, d)
		}
	}

	cmd := exec.CommandContext(runCtx, p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Dir
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return Result{Error: err.Error()}
	}

	l.log.Debug("process started",
		logx.String("job", j.ID),
		logx.Int("pid", cmd.Process.Pid),
	)

	id := j.ID
	go func() {
		defer cancel()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if l.onExit != nil {
			l.onExit(id, code, err == nil)
		}
	}()

	return Result{OK: true}
}
