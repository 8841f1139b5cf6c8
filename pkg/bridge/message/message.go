package message

import (
	"time"

	"github.com/google/uuid"
)

// AckToken acknowledges an inbound message to the bus once it is settled.
// mqtt.Message from paho satisfies it.
type AckToken interface {
	Ack()
}

type nopAck struct{}

func (nopAck) Ack() {}

// NopAck is used for messages that need no bus-level acknowledgment (QoS 0).
var NopAck AckToken = nopAck{}

// AckFunc adapts a plain function to AckToken.
type AckFunc func()

func (f AckFunc) Ack() { f() }

// Inbound is a message as delivered by the bus. It is not modified after it is received.
type Inbound struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	QoS        byte      `json:"qos"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	Token      AckToken  `json:"-"`
}

// Column is a single named value of a record, in table column order.
type Column struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Record is a decoded message ready for insertion into an allow-listed table.
type Record struct {
	Table   string   `json:"table"`
	Schema  string   `json:"schema,omitempty"`
	Columns []Column `json:"columns"`
	// Origin is the message the record was decoded from.
	Origin Inbound `json:"origin"`
}

// ColumnNames returns the column names in order.
func (r Record) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Values returns the column values in order.
func (r Record) Values() []any {
	values := make([]any, len(r.Columns))
	for i, c := range r.Columns {
		values[i] = c.Value
	}
	return values
}

// Entry is a record held by the write buffer.
type Entry struct {
	Sequence uint64
	Record   Record
	Token    AckToken
}

// Batch is an ordered group of entries that commit together or not at all.
type Batch struct {
	ID      string
	Entries []Entry
}

// NewBatch wraps entries in a batch with a fresh id.
func NewBatch(entries []Entry) Batch {
	return Batch{ID: uuid.NewString(), Entries: entries}
}

// Records returns the records of the batch in sequence order.
func (b Batch) Records() []Record {
	records := make([]Record, len(b.Entries))
	for i, e := range b.Entries {
		records[i] = e.Record
	}
	return records
}

// Sequences returns the sequence ids of the batch.
func (b Batch) Sequences() []uint64 {
	return sequences(b.Entries)
}

func (b Batch) Len() int { return len(b.Entries) }

// Outcome says how the entries of a receipt were settled.
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
)

// Receipt reports the settlement of a set of entries.
type Receipt struct {
	BatchID  string
	Entries  []Entry
	Attempts int
	Outcome  Outcome
	At       time.Time
}

// Sequences returns the sequence ids covered by the receipt.
func (r Receipt) Sequences() []uint64 {
	return sequences(r.Entries)
}

func sequences(entries []Entry) []uint64 {
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.Sequence
	}
	return ids
}
