package store

import (
	"context"
	"fmt"
)

// Config selects and configures a record store
type Config struct {
	Backend string // sqlite | postgres | memory | none
	Path    string // sqlite database file
	DSN     string // postgres connection string
}

// Open creates the configured store. It returns a nil Store for BackendNone,
// which disables persistence entirely.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case BackendNone:
		return nil, noop, nil
	case BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendSQLite, "":
		path := cfg.Path
		if path == "" {
			path = "healthchat.db"
		}
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, noop, fmt.Errorf("store.dsn is required for the postgres backend")
		}
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
