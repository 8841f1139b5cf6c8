package store

import (
	"testing"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSQL(t *testing.T) {
	rec := message.Record{
		Table:  "temperature",
		Schema: "sensors",
		Columns: []message.Column{
			{Name: "value", Value: 21.4},
			{Name: "room", Value: "basement"},
		},
	}

	query, args, err := InsertSQL(rec, Dollar)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "sensors"."temperature" ("value", "room") VALUES ($1, $2)`, query)
	assert.Equal(t, []any{21.4, "basement"}, args)

	rec.Schema = ""
	query, _, err = InsertSQL(rec, Question)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "temperature" ("value", "room") VALUES (?, ?)`, query)
}

func TestInsertSQLNeverInlinesValues(t *testing.T) {
	rec := message.Record{
		Table:   "temperature",
		Columns: []message.Column{{Name: "value", Value: "1); DROP TABLE temperature; --"}},
	}
	query, args, err := InsertSQL(rec, Dollar)
	require.NoError(t, err)
	assert.NotContains(t, query, "DROP")
	assert.Equal(t, []any{"1); DROP TABLE temperature; --"}, args)
}

func TestInsertSQLQuotesIdentifiers(t *testing.T) {
	rec := message.Record{Table: `t"x`, Columns: []message.Column{{Name: "v", Value: 1}}}
	query, _, err := InsertSQL(rec, Dollar)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "t""x" ("v") VALUES ($1)`, query)
}

func TestInsertSQLRejectsEmpty(t *testing.T) {
	_, _, err := InsertSQL(message.Record{}, Dollar)
	assert.Error(t, err)

	_, _, err = InsertSQL(message.Record{Table: "t"}, Dollar)
	assert.Error(t, err)
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "connection", ClassConnection.String())
}
