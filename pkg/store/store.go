// Package store defines the relational backends records are written to.
//
// A Store owns its connection. WriteRecords must be atomic: either every
// record of the call is committed or none is. Table and column names reach a
// Store only after allow-list validation and are always quoted; values are
// always bound as statement parameters.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/jackc/pgx/v5"
)

// Predefined drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrorClass tells the writer how to react to a failed write.
type ErrorClass int

const (
	// ClassPermanent errors will fail again if retried (constraint violations, bad columns).
	ClassPermanent ErrorClass = iota
	// ClassTransient errors may succeed on retry (serialization failures, deadlocks, busy).
	ClassTransient
	// ClassConnection errors mean the store is unreachable.
	ClassConnection
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConnection:
		return "connection"
	default:
		return "permanent"
	}
}

var ErrNotConnected = errors.New("store not connected")

// ConnectionError wraps a failure caused by a lost or unreachable store.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store %s: connection: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Store is a relational backend.
type Store interface {
	// Connect opens the connection. It may be called again after Close or a lost connection.
	Connect(ctx context.Context) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	// WriteRecords inserts all records in a single transaction.
	WriteRecords(ctx context.Context, records []message.Record) error
	// Classify maps an error returned by WriteRecords to an ErrorClass.
	Classify(err error) ErrorClass
	Close() error
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders PostgreSQL style placeholders ($1, $2, ...).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders positional ? placeholders.
func Question(int) string { return "?" }

// QuoteIdentifier quotes a possibly schema-qualified name.
func QuoteIdentifier(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// InsertSQL builds a parameterized INSERT for record. Identifiers are quoted,
// values are returned separately for binding.
func InsertSQL(record message.Record, ph Placeholder) (string, []any, error) {
	if record.Table == "" {
		return "", nil, errors.New("record has no table")
	}
	if len(record.Columns) == 0 {
		return "", nil, fmt.Errorf("record for %s has no columns", record.Table)
	}

	columns := make([]string, len(record.Columns))
	placeholders := make([]string, len(record.Columns))
	values := make([]any, len(record.Columns))
	for i, c := range record.Columns {
		columns[i] = pgx.Identifier{c.Name}.Sanitize()
		placeholders[i] = ph(i + 1)
		values[i] = c.Value
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdentifier(record.Schema, record.Table),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, values, nil
}
