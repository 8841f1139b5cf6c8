// Package sqlite writes records to an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/mattn/go-sqlite3"
)

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Store is a SQLite backed store.Store. SQLite allows a single writer, so the
// pool is limited to one connection.
type Store struct {
	dsn string

	mu sync.RWMutex
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New returns an unconnected store for dsn (a file path or sqlite3 URI).
func New(dsn string) *Store {
	return &Store{dsn: dsn}
}

func (s *Store) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &store.ConnectionError{Op: "connect", Err: err}
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	db := s.get()
	if db == nil {
		return &store.ConnectionError{Op: "ping", Err: store.ErrNotConnected}
	}
	if err := db.PingContext(ctx); err != nil {
		return &store.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// WriteRecords inserts records in one transaction.
func (s *Store) WriteRecords(ctx context.Context, records []message.Record) error {
	db := s.get()
	if db == nil {
		return &store.ConnectionError{Op: "write", Err: store.ErrNotConnected}
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		query, args, err := store.InsertSQL(r, store.Question)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", store.QuoteIdentifier(r.Schema, r.Table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Classify(err error) store.ErrorClass {
	if err == nil {
		return store.ClassPermanent
	}

	var connErr *store.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, store.ErrNotConnected) {
		return store.ClassConnection
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return store.ClassConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.ClassTransient
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return store.ClassTransient
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return store.ClassConnection
		}
	}
	if strings.HasSuffix(err.Error(), "sql: database is closed") {
		return store.ClassConnection
	}
	return store.ClassPermanent
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying database, nil when not connected.
func (s *Store) DB() *sql.DB {
	return s.get()
}

func (s *Store) get() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}
