// Package app wires the scheduler together: config, logging, store,
// classifier, retry policies, queue manager, executor, worker, and
// maintenance. It owns startup and shutdown ordering.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"launchq/internal/classify"
	"launchq/internal/config"
	"launchq/internal/eventbus"
	"launchq/internal/executor"
	"launchq/internal/job"
	"launchq/internal/maintenance"
	"launchq/internal/queue"
	"launchq/internal/runtime/supervisor"
	"launchq/internal/store"
	"launchq/internal/worker"
	logx "launchq/pkg/logx"
)

type App struct {
	cfg *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	cls   *classify.Classifier
	mgr   *queue.Manager
	wrk   *worker.Service
	maint *maintenance.Service

	sup *supervisor.Supervisor
}

// New builds the full service graph from a config file. Nothing starts
// running until Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store opened", logx.String("driver", driverName(sc.Driver)))

	cls := classify.Default()
	if cfg.Classifier.RulesPath != "" {
		rules, err := classify.LoadRules(cfg.Classifier.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("classifier rules: %w", err)
		}
		cls.Replace(rules)
		log.Info("classifier rules loaded",
			logx.String("path", cfg.Classifier.RulesPath),
			logx.Int("rules", len(rules)),
		)
	}

	reg, err := cfg.RetryRegistry()
	if err != nil {
		return nil, err
	}

	mgr := queue.NewManager(st, nil, reg, cls, log.With(logx.String("comp", "queue")),
		queue.WithEventBus(bus))

	// The local executor reports process exits back through the manager.
	exec := executor.NewLocal(log.With(logx.String("comp", "executor")),
		func(jobID string, exitCode int, ok bool) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mgr.ReportOutcome(ctx, jobID, exitCode, ok); err != nil {
				log.Warn("outcome report failed",
					logx.String("job", jobID), logx.Err(err))
			}
		})
	mgr.SetExecutor(exec)

	wc, err := cfg.WorkerOptions()
	if err != nil {
		return nil, err
	}
	wrk := worker.New(wc, mgr, bus, log)

	mc, err := cfg.MaintenanceOptions()
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mc, mgr, log)

	return &App{
		cfg:   cfg,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: st,
		cls:   cls,
		mgr:   mgr,
		wrk:   wrk,
		maint: maint,
	}, nil
}

// Start brings the scheduler up: reclaim orphaned launches from a previous
// process first, then start maintenance, the rules watcher, and the worker.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if n, err := a.maint.Sweep(ctx); err != nil {
		a.log.Warn("startup sweep failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("startup sweep recovered jobs", logx.Int("count", n))
	}

	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.cfg.Classifier.RulesPath != "" && a.cfg.Classifier.Watch {
		w := classify.NewWatcher(a.cfg.Classifier.RulesPath, a.cls,
			a.log.With(logx.String("comp", "classify")))
		a.sup.Go("rules-watch", w.Watch)
	}

	if err := a.wrk.Start(a.sup.Context()); err != nil {
		return err
	}

	a.log.Info("scheduler started")
	return nil
}

// Stop shuts down in reverse order: stop claiming new work, drain launched
// jobs, stop housekeeping, close the store.
func (a *App) Stop(ctx context.Context) worker.ShutdownReport {
	report := a.wrk.Stop(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	a.maint.Stop(stopCtx)
	if a.sup != nil {
		_ = a.sup.Stop(stopCtx)
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("scheduler stopped", logx.Bool("clean", report.Clean))
	_ = a.logs.Close()
	return report
}

// Submit enqueues a new job and returns it. Negative priority or maxRetries
// select the configured defaults (0 is a legal value for both).
func (a *App) Submit(ctx context.Context, payload json.RawMessage, priority, maxRetries int, scheduledFor *time.Time) (*job.Job, error) {
	if priority < 0 {
		priority = a.cfg.DefaultPriority()
	}
	if maxRetries < 0 {
		maxRetries = a.cfg.DefaultMaxRetries()
	}
	j := job.New(payload, priority, maxRetries)

	var opts []queue.QueueOption
	if scheduledFor != nil {
		opts = append(opts, queue.At(*scheduledFor))
	}
	return a.mgr.QueueJob(ctx, j, opts...)
}

// Cancel cancels a job. Returns false if it already reached a terminal state.
func (a *App) Cancel(ctx context.Context, id string) (bool, error) {
	return a.mgr.Cancel(ctx, id)
}

// Status returns a snapshot of one job.
func (a *App) Status(ctx context.Context, id string) (*job.Job, error) {
	return a.mgr.Status(ctx, id)
}

// QueueStats returns aggregate queue counts.
func (a *App) QueueStats(ctx context.Context) (store.Stats, error) {
	return a.mgr.QueueStats(ctx)
}

// Metrics returns worker counters plus supervisor goroutine counts.
func (a *App) Metrics() map[string]any {
	m := map[string]any{"worker": a.wrk.Metrics()}
	if a.sup != nil {
		m["goroutines"] = a.sup.Counters()
	}
	return m
}

// Manager exposes the queue manager for operational tooling.
func (a *App) Manager() *queue.Manager { return a.mgr }

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
