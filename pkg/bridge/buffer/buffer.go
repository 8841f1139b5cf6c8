package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
)

var (
	ErrBufferFull = errors.New("write buffer full")
	ErrClosed     = errors.New("write buffer closed")
)

// Policy decides what Enqueue does when the buffer is at capacity.
type Policy string

const (
	// PolicyBlock makes Enqueue wait for a free slot.
	PolicyBlock Policy = "block"
	// PolicyReject makes Enqueue fail with ErrBufferFull.
	PolicyReject Policy = "reject"
	// PolicyDropOldest evicts the oldest entry to make room.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy validates a configured overflow policy. An empty string selects PolicyBlock.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyBlock, nil
	case PolicyBlock, PolicyReject, PolicyDropOldest:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Options configures a Buffer.
type Options struct {
	Capacity int
	Policy   Policy
	// OnEvict receives entries removed by PolicyDropOldest. It is called without the buffer lock held.
	OnEvict func(message.Entry)
}

// Buffer is a bounded FIFO queue between the bus delivery callback and the writer loop.
// Sequence ids are assigned at enqueue time, start at 1 and strictly increase.
type Buffer struct {
	mu      sync.Mutex
	ring    []message.Entry
	head    int
	size    int
	nextSeq uint64
	closed  bool
	changed chan struct{}
	policy  Policy
	onEvict func(message.Entry)
}

// New returns an empty buffer. Capacity must be positive.
func New(opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", opts.Capacity)
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	return &Buffer{
		ring:    make([]message.Entry, opts.Capacity),
		nextSeq: 1,
		changed: make(chan struct{}),
		policy:  policy,
		onEvict: opts.OnEvict,
	}, nil
}

// broadcast wakes every waiter. Callers hold b.mu.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
	metrics.BufferDepth.Set(float64(b.size))
}

func (b *Buffer) push(e message.Entry) {
	b.ring[(b.head+b.size)%len(b.ring)] = e
	b.size++
}

func (b *Buffer) pop() message.Entry {
	e := b.ring[b.head]
	b.ring[b.head] = message.Entry{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	return e
}

// Enqueue appends record and returns its sequence id. When the buffer is full
// the configured policy applies; with PolicyBlock it waits until a slot frees,
// the buffer is closed or ctx is done.
func (b *Buffer) Enqueue(ctx context.Context, record message.Record, token message.AckToken) (uint64, error) {
	if token == nil {
		token = message.NopAck
	}

	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return 0, ErrClosed
		}

		if b.size < len(b.ring) {
			seq := b.assign(record, token)
			b.mu.Unlock()
			return seq, nil
		}

		switch b.policy {
		case PolicyReject:
			b.mu.Unlock()
			return 0, ErrBufferFull
		case PolicyDropOldest:
			evicted := b.pop()
			seq := b.assign(record, token)
			b.mu.Unlock()
			metrics.BufferDropped.Inc()
			if b.onEvict != nil {
				b.onEvict(evicted)
			}
			return seq, nil
		default:
			wait := b.changed
			b.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %w", ErrBufferFull, ctx.Err())
			}
			b.mu.Lock()
		}
	}
}

func (b *Buffer) assign(record message.Record, token message.AckToken) uint64 {
	seq := b.nextSeq
	b.nextSeq++
	b.push(message.Entry{Sequence: seq, Record: record, Token: token})
	b.broadcast()
	return seq
}

// DrainBatch removes up to maxSize entries in FIFO order. It waits up to maxWait
// for the first entry and then keeps collecting until maxSize entries are taken
// or maxWait has elapsed since the call. A closed buffer returns what it holds
// without waiting; once closed and empty it returns ErrClosed.
// If ctx ends, the entries collected so far are returned along with ctx's error.
func (b *Buffer) DrainBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]message.Entry, error) {
	if maxSize <= 0 {
		maxSize = 1
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var batch []message.Entry

	b.mu.Lock()
	for {
		took := false
		for b.size > 0 && len(batch) < maxSize {
			batch = append(batch, b.pop())
			took = true
		}
		if took {
			b.broadcast()
		}

		if len(batch) >= maxSize {
			b.mu.Unlock()
			return batch, nil
		}
		if b.closed {
			b.mu.Unlock()
			if len(batch) == 0 {
				return nil, ErrClosed
			}
			return batch, nil
		}

		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			b.mu.Lock()
			for b.size > 0 && len(batch) < maxSize {
				batch = append(batch, b.pop())
			}
			b.broadcast()
			b.mu.Unlock()
			return batch, nil
		case <-ctx.Done():
			return batch, ctx.Err()
		}

		b.mu.Lock()
	}
}

// Close stops new enqueues and wakes blocked producers and the drainer.
// Entries already buffered can still be drained. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}

// LastSequence returns the most recently assigned sequence id, or 0 if none.
func (b *Buffer) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Pending returns the sequence ids still buffered, oldest first.
func (b *Buffer) Pending() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uint64, 0, b.size)
	for i := 0; i < b.size; i++ {
		ids = append(ids, b.ring[(b.head+i)%len(b.ring)].Sequence)
	}
	return ids
}
