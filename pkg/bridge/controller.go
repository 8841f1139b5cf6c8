package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/ack"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/buffer"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/decode"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/route"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/writer"
	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/edgeflare/mqtt2pg/pkg/mqtt"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"go.uber.org/zap"
)

// Controller drives the bridge. It is used once: Run blocks until the bridge
// has shut down.
type Controller struct {
	opts   Options
	router *route.Router
	bus    Bus
	store  store.Store
	sink   deadletter.Sink
	logger *zap.Logger

	buf    *buffer.Buffer
	writer *writer.Writer
	acks   *ack.Coordinator

	mu        sync.Mutex
	state     State
	conns     map[string]ConnState
	busConns  int
	inflight  []uint64
	runCtx    context.Context
	fatal     chan error
	fatalOnce sync.Once
}

// New wires a controller. sink may be nil, in which case letters go to the log.
func New(opts Options, router *route.Router, bus Bus, st store.Store, sink deadletter.Sink, logger *zap.Logger) (*Controller, error) {
	if router == nil || bus == nil || st == nil {
		return nil, errors.New("bridge: router, bus and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = deadletter.NewLogSink(logger, zap.WarnLevel)
	}
	opts = opts.withDefaults()

	c := &Controller{
		opts:   opts,
		router: router,
		bus:    bus,
		store:  st,
		sink:   sink,
		logger: logger,
		acks:   ack.New(logger.Named("ack")),
		conns:  map[string]ConnState{ConnBus: ConnDisconnected, ConnStore: ConnDisconnected},
		fatal:  make(chan error, 1),
	}

	buf, err := buffer.New(buffer.Options{
		Capacity: opts.BufferCapacity,
		Policy:   opts.OverflowPolicy,
		OnEvict:  c.evicted,
	})
	if err != nil {
		return nil, err
	}
	c.buf = buf
	c.writer = writer.New(st, router.AllowList(), opts.Retry, logger.Named("writer"))

	metrics.ConnectionState.WithLabelValues(ConnBus).Set(float64(ConnDisconnected))
	metrics.ConnectionState.WithLabelValues(ConnStore).Set(float64(ConnDisconnected))
	return c, nil
}

// Run connects the store and the bus, subscribes and relays messages until
// ctx is canceled or a fatal error occurs, then shuts down gracefully.
//
// It returns nil after a clean shutdown with everything flushed, an error
// matching ErrStoreConnect or ErrBusConnect if a connection could not be
// established or re-established, ErrStoreUnavailable if the store was lost
// for good, or a *FlushTimeoutError.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.runCtx = ctx
	c.mu.Unlock()
	c.setState(StateSubscribing)

	if err := c.connectStore(ctx); err != nil {
		return c.abortStartup(ctx, err)
	}
	if err := c.connectBus(ctx); err != nil {
		return c.abortStartup(ctx, err)
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	writerDone := make(chan error, 1)
	go func() {
		err := c.writeLoop(loopCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.fail(err)
		}
		writerDone <- err
	}()

	err := c.bus.Subscribe(ctx, c.opts.SubscribeTopic, c.opts.SubscribeQoS, c.deliver)
	if err != nil {
		err = fmt.Errorf("%w: subscribe %q: %w", ErrBusConnect, c.opts.SubscribeTopic, err)
		if ctx.Err() != nil {
			err = nil
		}
		return c.shutdown(writerDone, cancelLoop, err)
	}

	c.mu.Lock()
	if c.state == StateSubscribing {
		c.state = StateRunning
		if c.conns[ConnStore] != ConnConnected || c.conns[ConnBus] != ConnConnected {
			c.state = StateDegraded
		}
	}
	state := c.state
	c.mu.Unlock()
	c.logger.Info("Bridge started",
		zap.Stringer("state", state),
		zap.String("topic", c.opts.SubscribeTopic),
		zap.Uint8("qos", c.opts.SubscribeQoS),
		zap.Strings("tables", c.router.AllowList().Tables()))

	var cause error
	select {
	case <-ctx.Done():
		c.logger.Info("Shutdown requested")
	case cause = <-c.fatal:
		c.logger.Error("Bridge failed", zap.Error(cause))
	}
	return c.shutdown(writerDone, cancelLoop, cause)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn returns the state of the named connection (ConnBus or ConnStore).
func (c *Controller) Conn(name string) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[name]
}

// Watermark returns the lowest sequence id not yet settled.
func (c *Controller) Watermark() uint64 {
	return c.acks.Watermark()
}

// Buffered returns the number of messages waiting in the write buffer.
func (c *Controller) Buffered() int {
	return c.buf.Len()
}

// Status returns a snapshot of the controller. It is healthy only while
// Running.
func (c *Controller) Status() (Status, bool) {
	c.mu.Lock()
	state, bus, st := c.state, c.conns[ConnBus], c.conns[ConnStore]
	c.mu.Unlock()
	return Status{
		State:        state.String(),
		Bus:          bus.String(),
		Store:        st.String(),
		Buffered:     c.buf.Len(),
		Capacity:     c.buf.Cap(),
		Watermark:    c.acks.Watermark(),
		Acknowledged: c.acks.Acknowledged(),
	}, state == StateRunning
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("Bridge state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// setConn records a connection state and moves the bridge between Running
// and Degraded accordingly.
func (c *Controller) setConn(name string, s ConnState) {
	metrics.ConnectionState.WithLabelValues(name).Set(float64(s))

	c.mu.Lock()
	c.conns[name] = s
	prev := c.state
	if prev == StateRunning || prev == StateDegraded {
		c.state = StateDegraded
		if c.conns[ConnBus] == ConnConnected && c.conns[ConnStore] == ConnConnected {
			c.state = StateRunning
		}
	}
	next := c.state
	c.mu.Unlock()

	if prev != next {
		c.logger.Info("Bridge state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
			zap.String("connection", name),
			zap.Stringer("connState", s))
	}
}

// abortStartup releases whatever Run opened. A shutdown requested while
// connecting is not a failure.
func (c *Controller) abortStartup(ctx context.Context, err error) error {
	c.closeResources(false)
	c.setState(StateClosed)
	if ctx.Err() != nil {
		c.logger.Info("Bridge stopped during startup", zap.Error(err))
		return nil
	}
	return err
}

func (c *Controller) fail(err error) {
	c.fatalOnce.Do(func() { c.fatal <- err })
}

func (c *Controller) reconnectBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectBaseInterval
	b.MaxInterval = c.opts.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.ReconnectMaxAttempts-1)), ctx)
}

// connectStore opens the store with bounded retry.
func (c *Controller) connectStore(ctx context.Context) error {
	c.setConn(ConnStore, ConnConnecting)
	err := c.dialStore(ctx)
	if err != nil {
		c.setConn(ConnStore, ConnDisconnected)
		return fmt.Errorf("%w: %w", ErrStoreConnect, err)
	}
	c.setConn(ConnStore, ConnConnected)
	return nil
}

func (c *Controller) dialStore(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.store.Connect(ctx)
		if err != nil && c.store.Classify(err) != store.ClassConnection {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Store connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.opts.ReconnectMaxAttempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, c.reconnectBackOff(ctx), notify)
}

// reconnectStore re-establishes a lost store connection from the writer loop.
func (c *Controller) reconnectStore(ctx context.Context, cause error) error {
	c.setConn(ConnStore, ConnDegraded)
	c.logger.Warn("Store connection lost", zap.Error(cause), zap.Int("buffered", c.buf.Len()))

	_ = c.store.Close()
	if err := c.dialStore(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setConn(ConnStore, ConnDisconnected)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	c.setConn(ConnStore, ConnConnected)
	c.logger.Info("Store reconnected")
	return nil
}

// connectBus connects to the broker with bounded retry. Once connected,
// reconnects are automatic and reported through the handlers.
func (c *Controller) connectBus(ctx context.Context) error {
	c.setConn(ConnBus, ConnConnecting)
	handlers := mqtt.Handlers{
		OnConnect:        c.busConnected,
		OnConnectionLost: c.busLost,
		OnReconnecting:   c.busReconnecting,
	}

	attempt := 0
	op := func() error {
		attempt++
		return c.bus.Connect(ctx, handlers)
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Bus connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.opts.ReconnectMaxAttempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, c.reconnectBackOff(ctx), notify); err != nil {
		c.setConn(ConnBus, ConnDisconnected)
		return fmt.Errorf("%w: %w", ErrBusConnect, err)
	}

	c.setConn(ConnBus, ConnConnected)
	return nil
}

func (c *Controller) busConnected() {
	c.mu.Lock()
	c.busConns++
	first := c.busConns == 1
	c.mu.Unlock()
	if first {
		// reported by connectBus
		return
	}
	c.setConn(ConnBus, ConnConnected)
	c.logger.Info("Bus reconnected")
}

func (c *Controller) busLost(err error) {
	c.setConn(ConnBus, ConnDegraded)
	c.logger.Warn("Bus connection lost, buffering continues",
		zap.Error(err),
		zap.Int("buffered", c.buf.Len()))
}

func (c *Controller) busReconnecting(attempt int) {
	if attempt > c.opts.ReconnectMaxAttempts {
		c.fail(fmt.Errorf("%w: gave up after %d reconnect attempts", ErrBusConnect, attempt-1))
	}
}

// deliver is the bus delivery callback: route, decode, enqueue. With the
// block policy it waits for buffer space, which stalls the bus.
func (c *Controller) deliver(msg message.Inbound) {
	metrics.MessagesReceived.WithLabelValues(strconv.Itoa(int(msg.QoS))).Inc()

	target, err := c.router.Route(msg.Topic)
	if err != nil {
		reason := metrics.ReasonUnknownTopic
		if errors.Is(err, route.ErrMalformedTopic) {
			reason = metrics.ReasonMalformedTopic
		}
		c.reject(msg, reason, err, true)
		return
	}

	record, err := decode.Decode(msg, target)
	if err != nil {
		c.reject(msg, metrics.ReasonMalformedPayload, err, true)
		return
	}

	if _, err := c.buf.Enqueue(c.runCtx, record, msg.Token); err != nil {
		if errors.Is(err, buffer.ErrClosed) || c.runCtx.Err() != nil {
			// Not acknowledged; the broker redelivers it to the next session.
			c.reject(msg, metrics.ReasonBufferClosed, err, false)
			return
		}
		c.reject(msg, metrics.ReasonBufferFull, err, true)
	}
}

// reject counts and logs a message that will not be buffered. Settled
// messages are acknowledged right after the last buffered message that
// arrived before them.
func (c *Controller) reject(msg message.Inbound, reason string, err error, settle bool) {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	c.logger.Warn("Message rejected",
		zap.String("topic", msg.Topic),
		zap.String("reason", reason),
		zap.Uint8("qos", msg.QoS),
		zap.Error(err))

	if !settle {
		return
	}
	if c.opts.DeadLetterRejected {
		c.park(c.runCtx, []deadletter.Letter{deadletter.FromInbound(msg, reason, err)})
	}
	c.acks.Defer(c.buf.LastSequence(), msg.Token)
}

// evicted settles an entry dropped by the drop-oldest policy.
func (c *Controller) evicted(e message.Entry) {
	entries := []message.Entry{e}
	c.park(context.Background(), deadletter.FromEntries(entries, deadletter.ReasonEvicted, buffer.ErrBufferFull))
	c.acks.OnCommit(message.Receipt{Entries: entries, Outcome: message.OutcomeDropped, At: time.Now()})
	metrics.Batches.WithLabelValues(string(message.OutcomeDropped)).Inc()
}

// park hands letters to the dead-letter sink. A sink failure is logged with
// the payloads so nothing is dropped without a trace.
func (c *Controller) park(ctx context.Context, letters []deadletter.Letter) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.sink.Park(ctx, letters); err != nil {
		for _, l := range letters {
			c.logger.Error("Dead letter could not be parked",
				zap.Error(err),
				zap.String("id", l.ID),
				zap.String("reason", l.Reason),
				zap.String("topic", l.Topic),
				zap.Uint64("sequence", l.Sequence),
				zap.ByteString("payload", l.Payload))
		}
	}
}

// writeLoop is the only user of the store once Run has connected it.
func (c *Controller) writeLoop(ctx context.Context) error {
	for {
		entries, err := c.buf.DrainBatch(ctx, c.opts.BatchMaxSize, c.opts.BatchMaxWait)
		if len(entries) > 0 {
			batch := message.NewBatch(entries)
			c.mu.Lock()
			c.inflight = batch.Sequences()
			c.mu.Unlock()
			if perr := c.persist(ctx, batch); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, buffer.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// persist writes batch until it is settled. A lost store connection is
// re-established and the same batch is retried, which keeps commit order.
// Reconnect cycles share one backoff, so a store that accepts connections
// but keeps failing writes still ends in ErrStoreUnavailable.
func (c *Controller) persist(ctx context.Context, batch message.Batch) error {
	var cycles backoff.BackOff
	reconnects := 0
	for {
		receipt, err := c.writer.WriteBatch(ctx, batch)
		if err == nil {
			c.settle(receipt)
			return nil
		}

		var connErr *store.ConnectionError
		var writeErr *writer.WriteError
		switch {
		case errors.As(err, &connErr):
			if cycles == nil {
				cycles = c.reconnectBackOff(ctx)
			} else {
				next := cycles.NextBackOff()
				if next == backoff.Stop {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					c.setConn(ConnStore, ConnDisconnected)
					return fmt.Errorf("%w: batch %s still failing after %d reconnect(s): %w",
						ErrStoreUnavailable, batch.ID, reconnects, err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(next):
				}
			}
			reconnects++
			if rerr := c.reconnectStore(ctx, err); rerr != nil {
				return rerr
			}
		case errors.As(err, &writeErr) && writeErr.Class == store.ClassPermanent && batch.Len() > 1:
			// One bad record fails the whole transaction; retry the entries
			// one by one so only the bad ones are dead-lettered.
			c.logger.Warn("Batch rejected by store, writing entries individually",
				zap.String("batch", batch.ID),
				zap.Int("entries", batch.Len()),
				zap.Error(err))
			for _, e := range batch.Entries {
				if perr := c.persist(ctx, message.NewBatch([]message.Entry{e})); perr != nil {
					return perr
				}
			}
			return nil
		case errors.Is(err, writer.ErrPersistenceExhausted):
			c.logger.Error("Batch could not be persisted, dead-lettering",
				zap.String("batch", batch.ID),
				zap.Uint64s("sequences", batch.Sequences()),
				zap.Error(err))
			c.park(ctx, deadletter.FromEntries(batch.Entries, deadletter.ReasonWriteFailed, err))
			c.settle(message.Receipt{
				BatchID: batch.ID,
				Entries: batch.Entries,
				Outcome: message.OutcomeDeadLettered,
				At:      time.Now(),
			})
			metrics.Batches.WithLabelValues(string(message.OutcomeDeadLettered)).Inc()
			return nil
		default:
			return err
		}
	}
}

func (c *Controller) settle(receipt message.Receipt) {
	c.acks.OnCommit(receipt)

	settled := make(map[uint64]struct{}, len(receipt.Entries))
	for _, seq := range receipt.Sequences() {
		settled[seq] = struct{}{}
	}
	c.mu.Lock()
	c.inflight = slices.DeleteFunc(c.inflight, func(seq uint64) bool {
		_, ok := settled[seq]
		return ok
	})
	c.mu.Unlock()
}

// unflushed lists the sequences neither settled nor dropped, in order.
func (c *Controller) unflushed() []uint64 {
	c.mu.Lock()
	ids := append([]uint64(nil), c.inflight...)
	c.mu.Unlock()
	ids = append(ids, c.buf.Pending()...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// shutdown stops intake, flushes the buffer within the grace period and
// releases the connections. The bus is disconnected after the flush so
// acknowledgments of flushed messages still reach the broker.
func (c *Controller) shutdown(writerDone <-chan error, cancelLoop context.CancelFunc, cause error) error {
	c.setState(StateClosing)
	c.buf.Close()
	c.logger.Info("Flushing write buffer",
		zap.Int("buffered", c.buf.Len()),
		zap.Duration("grace", c.opts.ShutdownGrace))

	result := cause
	grace := time.NewTimer(c.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case werr := <-writerDone:
		if result == nil && werr != nil {
			result = werr
		}
	case <-grace.C:
		cancelLoop()
		<-writerDone
		unflushed := c.unflushed()
		c.logger.Error("Flush timed out", zap.Uint64s("unflushed", unflushed))
		if result == nil {
			result = &FlushTimeoutError{Grace: c.opts.ShutdownGrace, Unflushed: unflushed}
		}
	}

	if unflushed := c.unflushed(); len(unflushed) > 0 && result != nil {
		var fte *FlushTimeoutError
		if !errors.As(result, &fte) {
			c.logger.Error("Shutting down with unflushed messages", zap.Uint64s("unflushed", unflushed))
		}
	}

	c.closeResources(true)
	c.setState(StateClosed)
	c.logger.Info("Bridge stopped", zap.Uint64("acknowledged", c.acks.Acknowledged()))
	return result
}

func (c *Controller) closeResources(bus bool) {
	if bus {
		c.bus.Disconnect()
		c.setConn(ConnBus, ConnDisconnected)
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("Error closing store", zap.Error(err))
	}
	c.setConn(ConnStore, ConnDisconnected)
	if err := c.sink.Close(); err != nil {
		c.logger.Warn("Error closing dead-letter sink", zap.Error(err))
	}
}
