// Package bridge relays messages from an MQTT bus to a relational store.
//
// A Controller owns the whole pipeline: the bus delivery callback routes,
// decodes and buffers each message; a single writer goroutine drains the
// buffer in batches and commits them; the ack coordinator acknowledges
// messages to the bus once they are settled, in arrival order.
//
//	bus -> route -> decode -> buffer -> writer -> store
//	                                       \-> ack -> bus
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/buffer"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/writer"
	"github.com/edgeflare/mqtt2pg/pkg/mqtt"
)

var (
	ErrBusConnect       = errors.New("bus connect failed")
	ErrStoreConnect     = errors.New("store connect failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrAlreadyStarted   = errors.New("bridge already started")
)

// FlushTimeoutError is returned by Run when buffered messages could not be
// written within the shutdown grace period. None of them were acknowledged.
type FlushTimeoutError struct {
	Grace     time.Duration
	Unflushed []uint64
}

func (e *FlushTimeoutError) Error() string {
	return fmt.Sprintf("flush did not complete within %s: %d message(s) unflushed", e.Grace, len(e.Unflushed))
}

// State is the lifecycle state of a Controller.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateRunning
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnState is the state of one external connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDegraded
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDegraded:
		return "degraded"
	}
	return fmt.Sprintf("conn(%d)", int(s))
}

// Connection names, also used as metric labels.
const (
	ConnBus   = "bus"
	ConnStore = "store"
)

// Bus is the subscribing side of the message bus. *mqtt.Bus implements it.
type Bus interface {
	Connect(ctx context.Context, h mqtt.Handlers) error
	Subscribe(ctx context.Context, filter string, qos byte, handler func(message.Inbound)) error
	Disconnect()
}

var _ Bus = (*mqtt.Bus)(nil)

// Options tune the controller. Zero values select the defaults.
type Options struct {
	SubscribeTopic string
	SubscribeQoS   byte

	BufferCapacity int
	OverflowPolicy buffer.Policy

	BatchMaxSize int
	BatchMaxWait time.Duration

	Retry writer.RetryConfig

	// ReconnectMaxAttempts bounds connection attempts to the bus and the store,
	// at startup and after a connection is lost.
	ReconnectMaxAttempts  int
	ReconnectBaseInterval time.Duration
	ReconnectMaxInterval  time.Duration

	ShutdownGrace time.Duration

	// DeadLetterRejected also parks messages that fail routing or decoding.
	DeadLetterRejected bool
}

func (o Options) withDefaults() Options {
	if o.SubscribeTopic == "" {
		o.SubscribeTopic = "#"
	}
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = 1024
	}
	if o.OverflowPolicy == "" {
		o.OverflowPolicy = buffer.PolicyBlock
	}
	if o.BatchMaxSize <= 0 {
		o.BatchMaxSize = 100
	}
	if o.BatchMaxWait <= 0 {
		o.BatchMaxWait = 500 * time.Millisecond
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 5
	}
	if o.Retry.BaseInterval <= 0 {
		o.Retry.BaseInterval = 100 * time.Millisecond
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = 10 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 10
	}
	if o.ReconnectBaseInterval <= 0 {
		o.ReconnectBaseInterval = 500 * time.Millisecond
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	return o
}

// Status is a snapshot of a controller, served by the status endpoint.
type Status struct {
	State        string `json:"state"`
	Bus          string `json:"bus"`
	Store        string `json:"store"`
	Buffered     int    `json:"buffered"`
	Capacity     int    `json:"capacity"`
	Watermark    uint64 `json:"watermark"`
	Acknowledged uint64 `json:"acknowledged"`
}
