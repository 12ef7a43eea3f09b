// Package store is the shared relational store holding checks, pings,
// flips, channels and notifications. It is the only coordination surface
// between workers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Status values cached on a check. "started" is derived for API consumers
// and never stored.
const (
	StatusNew    = "new"
	StatusUp     = "up"
	StatusDown   = "down"
	StatusPaused = "paused"
)

// Ping kinds.
const (
	PingSuccess = "success"
	PingStart   = "start"
	PingFail    = "fail"
	PingLog     = "log"
	PingIgn     = "ign"
)

// Flip reasons.
const (
	ReasonTimeout = "timeout"
	ReasonFail    = "fail"
	ReasonNag     = "nag"
)

type Options struct {
	// Pool allows a small pool of connections. Without it all access is
	// serialized on a single connection, which sidesteps SQLITE_BUSY
	// between concurrent workers sharing one store.
	Pool bool
}

type Store struct {
	db     *sql.DB
	dbPath string
}

func New(dbPath string, opts Options) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.Pool {
		db.SetMaxOpenConns(4)
	} else {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
