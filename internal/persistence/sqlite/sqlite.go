// SPDX-License-Identifier: MIT

// Package sqlite provides the durable repository backed by a single SQLite
// database file.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// PoolConfig defines the SQLite operational parameters.
type PoolConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultPoolConfig suits a single-process daemon doing short transactions.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs. The
// pragmas ride in the DSN so they apply to every connection in the pool.
func Open(dbPath string, cfg PoolConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
