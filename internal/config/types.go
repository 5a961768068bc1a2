// Package config loads and validates the scheduler's configuration file.
//
// Files may be YAML or JSON; YAML is coerced to JSON so one strict decoder
// (DisallowUnknownFields) covers both. All durations are Go duration strings
// ("500ms", "10s", "2m").
package config

import (
	"fmt"
	"strings"

	"launchq/internal/maintenance"
	"launchq/internal/store"
	"launchq/internal/worker"
	logx "launchq/pkg/logx"
)

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Store       StoreConfig       `json:"store"`
	Queue       QueueConfig       `json:"queue,omitempty"`
	Worker      WorkerConfig      `json:"worker,omitempty"`
	Classifier  ClassifierConfig  `json:"classifier,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// RetryPolicies adds or overrides named retry policies on top of the
	// built-in set (aggressive/standard/relaxed/batch).
	RetryPolicies []RetryPolicyConfig `json:"retry_policies,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the job store backend.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./launchq.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type QueueConfig struct {
	// DefaultMaxRetries applies to submitted jobs that do not set their own.
	DefaultMaxRetries int `json:"default_max_retries,omitempty"`
	// DefaultPriority applies to submitted jobs with no priority. Clamped
	// to [0,100].
	DefaultPriority int `json:"default_priority,omitempty"`
}

type WorkerConfig struct {
	Pollers       int    `json:"pollers,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	BatchTimeout  string `json:"batch_timeout,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type ClassifierConfig struct {
	// RulesPath points to a YAML rules file overriding the built-in
	// classification table. Empty keeps the defaults.
	RulesPath string `json:"rules_path,omitempty"`
	// Watch reloads the rules file on change.
	Watch bool `json:"watch,omitempty"`
}

type MaintenanceConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	SweepSpec  string `json:"sweep_spec,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
	StatsSpec  string `json:"stats_spec,omitempty"`
}

type RetryPolicyConfig struct {
	Name        string  `json:"name"`
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay"`
	MaxDelay    string  `json:"max_delay"`
	Factor      float64 `json:"factor"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// LogConfig converts the logging section for the logx service.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() (store.Config, error) {
	busy, err := durationField("store.busy_timeout", c.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Store.Driver)),
		Path:        c.Store.Path,
		DSN:         c.Store.DSN,
		BusyTimeout: busy,
	}, nil
}

// WorkerOptions converts the worker section. Zero values fall back to the
// worker package defaults.
func (c *Config) WorkerOptions() (worker.Config, error) {
	poll, err := durationField("worker.poll_interval", c.Worker.PollInterval)
	if err != nil {
		return worker.Config{}, err
	}
	batch, err := durationField("worker.batch_timeout", c.Worker.BatchTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	grace, err := durationField("worker.shutdown_grace", c.Worker.ShutdownGrace)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Pollers:       c.Worker.Pollers,
		MaxConcurrent: c.Worker.MaxConcurrent,
		PollInterval:  poll,
		BatchTimeout:  batch,
		ShutdownGrace: grace,
	}, nil
}

// MaintenanceOptions converts the maintenance section. Omitting "enabled"
// means enabled.
func (c *Config) MaintenanceOptions() (maintenance.Config, error) {
	stale, err := durationField("maintenance.stale_after", c.Maintenance.StaleAfter)
	if err != nil {
		return maintenance.Config{}, err
	}
	enabled := true
	if c.Maintenance.Enabled != nil {
		enabled = *c.Maintenance.Enabled
	}
	return maintenance.Config{
		Enabled:    enabled,
		SweepSpec:  c.Maintenance.SweepSpec,
		StaleAfter: stale,
		StatsSpec:  c.Maintenance.StatsSpec,
	}, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	if d := strings.ToLower(strings.TrimSpace(c.Store.Driver)); (d == "postgres" || d == "postgresql") && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn: required for the postgres driver")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries: must be >= 0")
	}
	if c.Worker.Pollers < 0 || c.Worker.MaxConcurrent < 0 {
		return fmt.Errorf("worker: pollers and max_concurrent must be >= 0")
	}
	for i, p := range c.RetryPolicies {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("retry_policies[%d]: name is required", i)
		}
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry_policies[%d]: max_attempts must be >= 1", i)
		}
		if _, err := durationField(fmt.Sprintf("retry_policies[%d].base_delay", i), p.BaseDelay); err != nil {
			return err
		}
		if _, err := durationField(fmt.Sprintf("retry_policies[%d].max_delay", i), p.MaxDelay); err != nil {
			return err
		}
	}
	return nil
}

// DefaultMaxRetries returns the queue section's default, falling back to 3.
func (c *Config) DefaultMaxRetries() int {
	if c.Queue.DefaultMaxRetries > 0 {
		return c.Queue.DefaultMaxRetries
	}
	return 3
}

// DefaultPriority returns the queue section's default priority.
func (c *Config) DefaultPriority() int {
	if c.Queue.DefaultPriority > 0 {
		return c.Queue.DefaultPriority
	}
	return 50
}
