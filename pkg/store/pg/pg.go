// Package pg writes records to PostgreSQL through a pgx connection pool.
package pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a PostgreSQL backed store.Store.
type Store struct {
	connString string

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New returns an unconnected store for connString.
func New(connString string) *Store {
	return &Store{connString: connString}
}

func (s *Store) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(s.connString)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return &store.ConnectionError{Op: "connect", Err: err}
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return &store.ConnectionError{Op: "connect", Err: fmt.Errorf("error connecting to database: %w", err)}
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	pool := s.get()
	if pool == nil {
		return &store.ConnectionError{Op: "ping", Err: store.ErrNotConnected}
	}
	if err := pool.Ping(ctx); err != nil {
		return &store.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// WriteRecords queues one insert per record on a single transaction and
// commits it. Any failure rolls the whole transaction back.
func (s *Store) WriteRecords(ctx context.Context, records []message.Record) error {
	pool := s.get()
	if pool == nil {
		return &store.ConnectionError{Op: "write", Err: store.ErrNotConnected}
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		query, args, err := store.InsertSQL(r, store.Dollar)
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	for _, r := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert into %s: %w", store.QuoteIdentifier(r.Schema, r.Table), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Classify maps SQLSTATE codes and network failures to an error class.
func (s *Store) Classify(err error) store.ErrorClass {
	if err == nil {
		return store.ClassPermanent
	}

	var connErr *store.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, store.ErrNotConnected) {
		return store.ClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return store.ClassConnection
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return store.ClassConnection
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return store.ClassTransient
		case strings.HasPrefix(pgErr.Code, "53"):
			return store.ClassTransient
		default:
			return store.ClassPermanent
		}
	}

	var pgConnErr *pgconn.ConnectError
	if errors.As(err, &pgConnErr) {
		return store.ClassConnection
	}
	// context.DeadlineExceeded satisfies net.Error, check it first.
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return store.ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return store.ClassConnection
	}
	if errors.Is(err, pgx.ErrTxClosed) || pgconn.SafeToRetry(err) {
		return store.ClassTransient
	}
	return store.ClassPermanent
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Pool exposes the underlying pool, nil when not connected.
func (s *Store) Pool() *pgxpool.Pool {
	return s.get()
}

func (s *Store) get() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}
