package store

import (
	"errors"
	"strings"
	"time"

	logx "launchq/pkg/logx"
)

// Config configures the durable job store.
//
// Driver values:
//   - "memory":   in-process store (tests, single-node dev)
//   - "sqlite":   SQLite database file
//   - "postgres": PostgreSQL via DSN (multi-worker deployments)
type Config struct {
	Driver      string
	Path        string        // sqlite database file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
