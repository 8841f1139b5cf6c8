// Package deadletter parks messages the bridge settled without committing.
//
// Sinks are registered by name; the nats and kafka subpackages register
// themselves in init and are enabled with a blank import.
package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Predefined sinks
const (
	KindLog   = "log"
	KindNATS  = "nats"
	KindKafka = "kafka"
)

// Reasons a message ends up in a sink.
const (
	ReasonWriteFailed      = "write_failed"
	ReasonEvicted          = "evicted"
	ReasonUnknownTopic     = "unknown_topic"
	ReasonMalformedTopic   = "malformed_topic"
	ReasonMalformedPayload = "malformed_payload"
	ReasonBufferFull       = "buffer_full"
)

// Letter is a parked message with the reason it was not persisted.
type Letter struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	Topic      string    `json:"topic"`
	Table      string    `json:"table,omitempty"`
	Sequence   uint64    `json:"sequence,omitempty"`
	Payload    []byte    `json:"payload"`
	QoS        byte      `json:"qos"`
	ReceivedAt time.Time `json:"receivedAt"`
	ParkedAt   time.Time `json:"parkedAt"`
}

// FromInbound builds a letter for a message that was never buffered.
func FromInbound(msg message.Inbound, reason string, err error) Letter {
	l := Letter{
		ID:         uuid.NewString(),
		Reason:     reason,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        msg.QoS,
		ReceivedAt: msg.ReceivedAt,
		ParkedAt:   time.Now().UTC(),
	}
	if err != nil {
		l.Error = err.Error()
	}
	return l
}

// FromEntry builds a letter for a buffered entry.
func FromEntry(e message.Entry, reason string, err error) Letter {
	l := FromInbound(e.Record.Origin, reason, err)
	l.Table = e.Record.Table
	if e.Record.Schema != "" {
		l.Table = e.Record.Schema + "." + e.Record.Table
	}
	l.Sequence = e.Sequence
	return l
}

// FromEntries builds one letter per entry.
func FromEntries(entries []message.Entry, reason string, err error) []Letter {
	letters := make([]Letter, len(entries))
	for i, e := range entries {
		letters[i] = FromEntry(e, reason, err)
	}
	return letters
}

// Marshal encodes l as JSON. The payload is base64 encoded.
func (l Letter) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// Sink stores letters outside the bridge.
type Sink interface {
	// Park stores letters. It returns an error if any letter may not have been stored.
	Park(ctx context.Context, letters []Letter) error
	Close() error
}

// Factory creates a sink from its configuration section.
type Factory func(config map[string]any, logger *zap.Logger) (Sink, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a sink factory to the registry.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Kinds returns the registered sink kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New creates a sink of the given kind. Parked letters are counted per sink and result.
func New(kind string, config map[string]any, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown dead-letter sink %q (registered: %v)", kind, Kinds())
	}

	sink, err := f(config, logger.With(zap.String("sink", kind)))
	if err != nil {
		return nil, fmt.Errorf("dead-letter sink %s: %w", kind, err)
	}
	return &metered{Sink: sink, kind: kind}, nil
}

// Decode decodes a configuration section into out. Keys match field names
// or mapstructure tags case-insensitively and strings are converted to
// numbers or bools where needed.
func Decode(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(config)
}

type metered struct {
	Sink
	kind string
}

func (m *metered) Park(ctx context.Context, letters []Letter) error {
	if len(letters) == 0 {
		return nil
	}
	err := m.Sink.Park(ctx, letters)
	result := "parked"
	if err != nil {
		result = "failed"
	}
	metrics.DeadLetters.WithLabelValues(m.kind, result).Add(float64(len(letters)))
	return err
}
