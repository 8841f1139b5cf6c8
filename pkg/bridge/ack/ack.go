// Package ack gates bus acknowledgments on durable settlement.
//
// Every buffered entry carries a sequence id. The coordinator keeps a
// watermark, the lowest sequence id not yet settled, and acknowledges
// messages strictly in sequence order as the watermark advances. A message
// is never acknowledged before every earlier sequence is settled.
package ack

import (
	"sync"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"go.uber.org/zap"
)

// Coordinator tracks settled sequences and sends acknowledgments in order.
type Coordinator struct {
	mu        sync.Mutex
	sendMu    sync.Mutex
	watermark uint64
	settled   map[uint64]message.AckToken
	deferred  map[uint64][]message.AckToken
	logger    *zap.Logger
}

// New returns a coordinator whose watermark starts at sequence 1.
func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.AckWatermark.Set(1)
	return &Coordinator{
		watermark: 1,
		settled:   make(map[uint64]message.AckToken),
		deferred:  make(map[uint64][]message.AckToken),
		logger:    logger,
	}
}

// OnCommit settles the entries of a receipt, whatever its outcome, and
// acknowledges every message the watermark passes.
func (c *Coordinator) OnCommit(receipt message.Receipt) {
	c.mu.Lock()
	for _, e := range receipt.Entries {
		if e.Sequence < c.watermark {
			c.logger.Warn("Sequence settled twice",
				zap.Uint64("sequence", e.Sequence),
				zap.String("batch", receipt.BatchID))
			continue
		}
		token := e.Token
		if token == nil {
			token = message.NopAck
		}
		c.settled[e.Sequence] = token
	}
	ready := c.advance()
	c.send(ready)
}

// Defer acknowledges token right after sequence after is acknowledged. It is
// used for messages that were settled without being buffered, such as
// routing or decoding rejects, so that acknowledgments keep arrival order.
func (c *Coordinator) Defer(after uint64, token message.AckToken) {
	if token == nil {
		return
	}
	c.mu.Lock()
	if after < c.watermark {
		c.send([]message.AckToken{token})
		return
	}
	c.deferred[after] = append(c.deferred[after], token)
	c.mu.Unlock()
}

// advance moves the watermark over the contiguous settled prefix and returns the
// tokens to acknowledge, in order. Callers hold c.mu.
func (c *Coordinator) advance() []message.AckToken {
	var ready []message.AckToken
	for {
		token, ok := c.settled[c.watermark]
		if !ok {
			break
		}
		delete(c.settled, c.watermark)
		ready = append(ready, token)
		ready = append(ready, c.deferred[c.watermark]...)
		delete(c.deferred, c.watermark)
		c.watermark++
	}
	metrics.AckWatermark.Set(float64(c.watermark))
	return ready
}

// send hands the lock over to sendMu so acknowledgments leave in the order they
// were released, then acknowledges without holding c.mu. Callers hold c.mu.
func (c *Coordinator) send(tokens []message.AckToken) {
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()
	for _, t := range tokens {
		t.Ack()
		metrics.Acks.Inc()
	}
}

// Watermark returns the lowest sequence id not yet settled.
func (c *Coordinator) Watermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Acknowledged returns the highest sequence id acknowledged so far, or 0.
func (c *Coordinator) Acknowledged() uint64 {
	return c.Watermark() - 1
}

// Outstanding returns how many settled sequences wait behind a gap.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.settled)
}
