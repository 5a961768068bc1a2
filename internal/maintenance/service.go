// Package maintenance runs the queue's background housekeeping on cron
// schedules: recovering launches lost to crashed workers, and logging
// periodic queue statistics.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"launchq/internal/queue"
	logx "launchq/pkg/logx"
)

type Config struct {
	Enabled bool

	// SweepSpec schedules the stale-launch recovery sweep.
	SweepSpec string
	// StaleAfter is how long a running job may go without an outcome before
	// the sweep reclaims it.
	StaleAfter time.Duration

	// StatsSpec schedules the periodic stats log line. Empty disables it.
	StatsSpec string
}

func (c *Config) fill() {
	if strings.TrimSpace(c.SweepSpec) == "" {
		c.SweepSpec = "@every 1m"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
}

type Service struct {
	cfg Config
	mgr *queue.Manager
	log logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, mgr *queue.Manager, log logx.Logger) *Service {
	cfg.fill()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		mgr: mgr,
		log: log.With(logx.String("svc", "maintenance")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	sweepSpec, err := normalizeSpec(s.cfg.SweepSpec)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	if _, err := c.AddFunc(sweepSpec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.SweepSpec, err)
	}
	if raw := strings.TrimSpace(s.cfg.StatsSpec); raw != "" {
		spec, err := normalizeSpec(raw)
		if err != nil {
			return fmt.Errorf("stats schedule: %w", err)
		}
		if _, err := c.AddFunc(spec, func() { s.logStats(ctx) }); err != nil {
			return fmt.Errorf("stats schedule %q: %w", raw, err)
		}
	}

	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.String("sweep", s.cfg.SweepSpec),
		logx.Duration("stale_after", s.cfg.StaleAfter),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Sweep runs one stale-launch recovery pass immediately. Exposed so a fresh
// process can reclaim orphans at startup instead of waiting a cron tick.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.mgr.RecoverStale(ctx, s.cfg.StaleAfter)
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("stale sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("stale sweep recovered jobs", logx.Int("count", n))
	}
}

func (s *Service) logStats(ctx context.Context) {
	st, err := s.mgr.QueueStats(ctx)
	if err != nil {
		s.log.Error("stats query failed", logx.Err(err))
		return
	}
	s.log.Info("queue stats",
		logx.Int("ready", st.Ready),
		logx.Int("scheduled", st.ScheduledFuture),
		logx.Int("running", st.Running),
		logx.Int("retrying", st.Retrying),
		logx.Int("failed", st.Failed),
		logx.Int("completed", st.Completed),
		logx.Int("total", st.Total),
	)
}
