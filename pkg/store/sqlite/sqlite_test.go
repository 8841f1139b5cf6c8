package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })

	_, err := s.DB().Exec(`CREATE TABLE temperature (value REAL NOT NULL, room TEXT, at TIMESTAMP)`)
	require.NoError(t, err)
	return s
}

func count(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM temperature`).Scan(&n))
	return n
}

func rec(v any) message.Record {
	return message.Record{
		Table: "temperature",
		Columns: []message.Column{
			{Name: "value", Value: v},
			{Name: "room", Value: "basement"},
			{Name: "at", Value: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
	}
}

func TestWriteRecords(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.WriteRecords(ctx, []message.Record{rec(21.4), rec(22.5)}))
	assert.Equal(t, 2, count(t, s))

	var v float64
	var room string
	require.NoError(t, s.DB().QueryRow(`SELECT value, room FROM temperature ORDER BY rowid LIMIT 1`).Scan(&v, &room))
	assert.Equal(t, 21.4, v)
	assert.Equal(t, "basement", room)
}

func TestWriteRecordsIsAtomic(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	err := s.WriteRecords(ctx, []message.Record{rec(1.0), rec(nil)})
	require.Error(t, err)
	assert.Equal(t, store.ClassPermanent, s.Classify(err))
	assert.Zero(t, count(t, s), "first insert must be rolled back")
}

func TestWriteRecordsUnknownColumn(t *testing.T) {
	s := open(t)
	r := message.Record{Table: "temperature", Columns: []message.Column{{Name: "humidity", Value: 1}}}
	err := s.WriteRecords(context.Background(), []message.Record{r})
	require.Error(t, err)
	assert.Equal(t, store.ClassPermanent, s.Classify(err))
}

func TestWriteAfterClose(t *testing.T) {
	s := open(t)
	require.NoError(t, s.Close())

	err := s.WriteRecords(context.Background(), []message.Record{rec(1.0)})
	assert.Equal(t, store.ClassConnection, s.Classify(err))

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.WriteRecords(context.Background(), []message.Record{rec(1.0)}))
	assert.Equal(t, 1, count(t, s))
}

func TestClassify(t *testing.T) {
	s := New(":memory:")
	tests := []struct {
		err  error
		want store.ErrorClass
	}{
		{sqlite3.Error{Code: sqlite3.ErrBusy}, store.ClassTransient},
		{fmt.Errorf("commit: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), store.ClassTransient},
		{sqlite3.Error{Code: sqlite3.ErrCantOpen}, store.ClassConnection},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, store.ClassPermanent},
		{sql.ErrConnDone, store.ClassConnection},
		{errors.New("sql: database is closed"), store.ClassConnection},
		{context.DeadlineExceeded, store.ClassTransient},
		{errors.New("boom"), store.ClassPermanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Classify(tt.err), "%v", tt.err)
	}
}
