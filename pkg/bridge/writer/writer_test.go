package writer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/route"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/edgeflare/mqtt2pg/pkg/store/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	errBusy       = errors.New("busy")
	errConstraint = errors.New("constraint")
	errGone       = errors.New("gone")
)

// scriptedStore fails WriteRecords with the scripted errors in order, then succeeds.
type scriptedStore struct {
	mu      sync.Mutex
	script  []error
	calls   int
	written [][]message.Record
}

func (s *scriptedStore) Connect(context.Context) error { return nil }
func (s *scriptedStore) Ping(context.Context) error    { return nil }
func (s *scriptedStore) Close() error                  { return nil }

func (s *scriptedStore) WriteRecords(_ context.Context, records []message.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.written = append(s.written, records)
	return nil
}

func (s *scriptedStore) Classify(err error) store.ErrorClass {
	switch {
	case errors.Is(err, errBusy):
		return store.ClassTransient
	case errors.Is(err, errGone):
		return store.ClassConnection
	default:
		return store.ClassPermanent
	}
}

var allow = route.AllowList{"temperature": {}}

var fastRetry = RetryConfig{MaxAttempts: 3, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func batchOf(values ...float64) message.Batch {
	entries := make([]message.Entry, len(values))
	for i, v := range values {
		entries[i] = message.Entry{
			Sequence: uint64(i + 1),
			Record:   message.Record{Table: "temperature", Columns: []message.Column{{Name: "value", Value: v}}},
		}
	}
	return message.NewBatch(entries)
}

func TestWriteBatchCommits(t *testing.T) {
	s := &scriptedStore{}
	w := New(s, allow, fastRetry, nil)
	before := testutil.ToFloat64(metrics.RowsCommitted.WithLabelValues("temperature"))

	batch := batchOf(1, 2)
	receipt, err := w.WriteBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, batch.ID, receipt.BatchID)
	assert.Equal(t, message.OutcomeCommitted, receipt.Outcome)
	assert.Equal(t, []uint64{1, 2}, receipt.Sequences())
	assert.Equal(t, 1, receipt.Attempts)
	assert.Len(t, s.written, 1)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.RowsCommitted.WithLabelValues("temperature")))
}

func TestWriteBatchRetriesTransientErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := &scriptedStore{script: []error{errBusy, errBusy}}
	w := New(s, allow, fastRetry, zap.New(core))
	retries := testutil.ToFloat64(metrics.WriteRetries)

	receipt, err := w.WriteBatch(context.Background(), batchOf(21.4))
	require.NoError(t, err)

	assert.Equal(t, 3, receipt.Attempts)
	assert.Equal(t, 3, s.calls)
	require.Len(t, s.written, 1, "a retried batch is committed exactly once")
	require.Len(t, s.written[0], 1)
	assert.Equal(t, []message.Column{{Name: "value", Value: 21.4}}, s.written[0][0].Columns)
	assert.Equal(t, retries+2, testutil.ToFloat64(metrics.WriteRetries))
	assert.Equal(t, 2, logs.FilterMessage("Batch write failed, retrying").Len())
}

func TestWriteBatchExhaustsRetries(t *testing.T) {
	s := &scriptedStore{script: []error{errBusy, errBusy, errBusy, errBusy}}
	w := New(s, allow, fastRetry, nil)

	batch := batchOf(1)
	_, err := w.WriteBatch(context.Background(), batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.ErrorIs(t, err, errBusy)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, batch.ID, werr.BatchID)
	assert.Equal(t, 3, werr.Attempts)
	assert.Equal(t, store.ClassTransient, werr.Class)
	assert.Equal(t, 3, s.calls)
}

func TestWriteBatchPermanentErrorIsNotRetried(t *testing.T) {
	s := &scriptedStore{script: []error{errConstraint}}
	w := New(s, allow, fastRetry, nil)

	_, err := w.WriteBatch(context.Background(), batchOf(1))
	assert.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.ErrorIs(t, err, errConstraint)
	assert.Equal(t, 1, s.calls)
}

func TestWriteBatchConnectionErrorReturnsImmediately(t *testing.T) {
	s := &scriptedStore{script: []error{errGone}}
	w := New(s, allow, fastRetry, nil)

	_, err := w.WriteBatch(context.Background(), batchOf(1))
	var connErr *store.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, errGone)
	assert.NotErrorIs(t, err, ErrPersistenceExhausted)
	assert.Equal(t, 1, s.calls)
}

func TestWriteBatchRejectsTablesOutsideAllowList(t *testing.T) {
	s := &scriptedStore{}
	w := New(s, allow, fastRetry, nil)

	batch := message.NewBatch([]message.Entry{{
		Sequence: 1,
		Record:   message.Record{Table: "users", Columns: []message.Column{{Name: "name", Value: "x"}}},
	}})
	_, err := w.WriteBatch(context.Background(), batch)
	assert.ErrorIs(t, err, ErrTableNotAllowed)
	assert.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.Zero(t, s.calls, "store must not be called")
}

func TestWriteBatchContextCanceled(t *testing.T) {
	s := &scriptedStore{script: []error{errBusy, errBusy, errBusy}}
	w := New(s, allow, RetryConfig{MaxAttempts: 10, BaseInterval: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.WriteBatch(ctx, batchOf(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrPersistenceExhausted)
}

func TestWriteBatchEmpty(t *testing.T) {
	s := &scriptedStore{}
	w := New(s, allow, fastRetry, nil)
	receipt, err := w.WriteBatch(context.Background(), message.NewBatch(nil))
	require.NoError(t, err)
	assert.Empty(t, receipt.Entries)
	assert.Zero(t, s.calls)
}

func TestWriteBatchSQLite(t *testing.T) {
	ctx := context.Background()
	s := sqlite.New(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	_, err := s.DB().Exec(`CREATE TABLE temperature (value REAL NOT NULL)`)
	require.NoError(t, err)

	w := New(s, allow, fastRetry, nil)
	_, err = w.WriteBatch(ctx, batchOf(21.4, 22.5, 23.0))
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM temperature`).Scan(&n))
	assert.Equal(t, 3, n)

	bad := batchOf(1)
	bad.Entries[0].Record.Columns[0].Value = nil
	_, err = w.WriteBatch(ctx, bad)
	assert.ErrorIs(t, err, ErrPersistenceExhausted)
}
