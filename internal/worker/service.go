// Package worker hosts the polling loop that turns queued jobs into launched
// ones. A Service runs a configurable number of pollers under one supervisor,
// paces them with a shared rate limiter, and tracks the jobs it launched so
// shutdown can drain them gracefully.
package worker

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"launchq/internal/eventbus"
	"launchq/internal/job"
	"launchq/internal/queue"
	"launchq/internal/runtime/supervisor"
	"launchq/internal/store"
	logx "launchq/pkg/logx"
)

type Config struct {
	// Pollers is the number of concurrent poll loops. Each claims and
	// launches independently; the store's claim primitive keeps them from
	// stepping on each other.
	Pollers int

	// MaxConcurrent caps jobs in the running state across the whole queue.
	MaxConcurrent int

	// PollInterval paces the poll loops collectively.
	PollInterval time.Duration

	// BatchTimeout bounds a single launch pass.
	BatchTimeout time.Duration

	// ShutdownGrace is how long Stop waits for in-flight jobs to finish
	// before giving up on them.
	ShutdownGrace time.Duration
}

func (c *Config) fill() {
	if c.Pollers <= 0 {
		c.Pollers = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// ShutdownReport says how a Stop went.
type ShutdownReport struct {
	// Clean is true when every job this worker launched finished within
	// the grace window.
	Clean bool `json:"clean"`
	// Interrupted lists jobs still running when the grace window closed.
	// They stay running; the stale-launch sweep or a restart picks them up.
	Interrupted []string `json:"interrupted,omitempty"`
}

// Metrics are cumulative counters for one worker service.
type Metrics struct {
	Launched uint64 `json:"launched"`
	Retried  uint64 `json:"retried"`
	Failed   uint64 `json:"failed"`
	Tracking int    `json:"tracking"`
}

// Service drives the queue. Start/Stop lifecycle, safe for one cycle only.
type Service struct {
	cfg Config
	mgr *queue.Manager
	bus eventbus.Bus
	log logx.Logger

	limiter *rate.Limiter
	sup     *supervisor.Supervisor

	mu      sync.Mutex
	running map[string]time.Time

	launched atomic.Uint64
	retried  atomic.Uint64
	failed   atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, mgr *queue.Manager, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.fill()
	return &Service{
		cfg:     cfg,
		mgr:     mgr,
		bus:     bus,
		log:     log.With(logx.String("svc", "worker")),
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		running: make(map[string]time.Time),
		stopped: make(chan struct{}),
	}
}

// Start launches the pollers and the completion watcher. It returns
// immediately; the loops run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		s.sup.Go("completion-watch", func(ctx context.Context) error {
			defer unsub()
			s.watchCompletions(ctx, events)
			return nil
		})
	}

	for i := 0; i < s.cfg.Pollers; i++ {
		s.sup.GoRestart("poller-"+strconv.Itoa(i), s.pollLoop)
	}

	s.log.Info("worker started",
		logx.Int("pollers", s.cfg.Pollers),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Duration("poll_interval", s.cfg.PollInterval),
	)
	return nil
}

func (s *Service) pollLoop(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := s.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// RunOnce performs a single launch pass and returns how many jobs it
// launched. Exposed for drain-style callers and tests.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	res, err := s.mgr.LaunchNextBatch(ctx, s.cfg.MaxConcurrent, s.cfg.BatchTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now()
	s.mu.Lock()
	for _, id := range res.Launched {
		s.running[id] = now
	}
	s.mu.Unlock()

	s.launched.Add(uint64(len(res.Launched)))
	s.retried.Add(uint64(len(res.Retried)))
	s.failed.Add(uint64(len(res.Failed)))

	if len(res.Launched) > 0 || len(res.Failed) > 0 {
		s.log.Debug("launch pass",
			logx.Int("launched", len(res.Launched)),
			logx.Int("retried", len(res.Retried)),
			logx.Int("failed", len(res.Failed)),
		)
	}
	return len(res.Launched), nil
}

func (s *Service) watchCompletions(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeCompleted, eventbus.TypeFailed, eventbus.TypeCancelled:
				s.mu.Lock()
				delete(s.running, e.Job.JobID)
				s.mu.Unlock()
			}
		}
	}
}

// Stop halts polling, then waits up to the configured grace window for jobs
// this worker launched to finish. Jobs still running when the window closes
// are reported, not killed.
func (s *Service) Stop(ctx context.Context) ShutdownReport {
	report := ShutdownReport{Clean: true}
	s.stopOnce.Do(func() {
		defer close(s.stopped)

		if s.sup != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.sup.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("supervisor stop", logx.Err(err))
			}
		}

		report = s.drain(ctx)
		if report.Clean {
			s.log.Info("worker stopped clean")
		} else {
			s.log.Warn("worker stopped with jobs still running",
				logx.Int("interrupted", len(report.Interrupted)))
		}
	})
	return report
}

// drain waits for tracked jobs to reach a settled state. The completion
// watcher is already stopped at this point, so it re-checks the committed
// status of each tracked job directly instead of relying on events.
func (s *Service) drain(ctx context.Context) ShutdownReport {
	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if left := s.pruneSettled(ctx); len(left) == 0 {
			return ShutdownReport{Clean: true}
		}

		select {
		case <-ctx.Done():
		case <-deadline.C:
		case <-tick.C:
			continue
		}

		left := s.pruneSettled(ctx)
		sort.Strings(left)
		return ShutdownReport{Interrupted: left, Clean: len(left) == 0}
	}
}

// pruneSettled drops tracked jobs that are no longer running and returns the
// ids still in flight.
func (s *Service) pruneSettled(ctx context.Context) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	left := ids[:0]
	for _, id := range ids {
		j, err := s.mgr.Status(ctx, id)
		if err != nil {
			// A failed read says nothing about the job. Keep tracking it
			// unless the row is genuinely gone; claiming a clean shutdown on
			// a flaky store would be a lie.
			if errors.Is(err, store.ErrNotFound) {
				s.untrack(id)
				continue
			}
			left = append(left, id)
			continue
		}
		if j.Status != job.StatusRunning {
			s.untrack(id)
			continue
		}
		left = append(left, id)
	}
	return left
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Metrics returns cumulative launch counters.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	tracking := len(s.running)
	s.mu.Unlock()
	return Metrics{
		Launched: s.launched.Load(),
		Retried:  s.retried.Load(),
		Failed:   s.failed.Load(),
		Tracking: tracking,
	}
}
