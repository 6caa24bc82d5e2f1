// Package store implements the Store component: transactional, durable
// persistence for projects, missions, tasks, processes, and audit entries.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeoutMillis = 5000

// openSQLiteWriter opens the single writer connection used to serialize all
// mutating statements.
func openSQLiteWriter(dbPath string) (*sqlx.DB, error) {
	path := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("preparing sqlite file: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, defaultBusyTimeoutMillis,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openSQLiteReader opens a small read-only connection pool. WAL mode lets
// these proceed concurrently with the single writer.
func openSQLiteReader(dbPath string) (*sqlx.DB, error) {
	path := normalizeSQLitePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, defaultBusyTimeoutMillis,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite reader: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	return db, nil
}

func ensureSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizeSQLitePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// openPostgresPool opens a single connection pool used as both writer and
// reader; unlike sqlite, Postgres handles concurrent writers natively so
// there is no need to split a single-connection writer from a reader pool.
func openPostgresPool(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return db, nil
}

// pool bundles a writer and a reader handle, both against the same dialect.
type pool struct {
	writer  *sqlx.DB
	reader  *sqlx.DB
	dialect string
}

// rebind rewrites a query written with "?" placeholders into the bind style
// the underlying driver expects (sqlite keeps "?", Postgres becomes "$n").
// Every hand-written query in this package is passed through here so the
// same SQL text serves both backends.
func (p *pool) rebind(query string) string {
	return p.writer.Rebind(query)
}

func (p *pool) Close() error {
	var firstErr error
	if err := p.writer.Close(); err != nil {
		firstErr = err
	}
	if p.reader != p.writer {
		if err := p.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isUniqueViolation reports whether err is a uniqueness constraint failure,
// recognizing both sqlite's and Postgres's error text/code markers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"UNIQUE constraint failed", "SQLSTATE 23505", "duplicate key value"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
