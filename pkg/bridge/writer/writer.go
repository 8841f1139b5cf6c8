// Package writer persists write batches through a store.Store with bounded
// retry of transient failures.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/route"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"go.uber.org/zap"
)

var (
	ErrTableNotAllowed      = errors.New("table not allowed")
	ErrPersistenceExhausted = errors.New("persistence exhausted")
)

// WriteError reports a batch that could not be committed. It matches
// ErrPersistenceExhausted; the batch has to be dead-lettered.
type WriteError struct {
	BatchID  string
	Attempts int
	Class    store.ErrorClass
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("batch %s failed after %d attempt(s) (%s): %v", e.BatchID, e.Attempts, e.Class, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrPersistenceExhausted }

// RetryConfig bounds the retry of transient store errors.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.BaseInterval > 0 {
		b.InitialInterval = c.BaseInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Writer commits batches to an allow-listed set of tables.
type Writer struct {
	store  store.Store
	allow  route.AllowList
	retry  RetryConfig
	logger *zap.Logger
}

func New(s store.Store, allow route.AllowList, retry RetryConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: s, allow: allow, retry: retry, logger: logger}
}

// WriteBatch commits every record of batch in one transaction.
//
// Transient failures are retried; a batch that still fails, or fails
// permanently, returns a *WriteError. A lost connection returns a
// *store.ConnectionError without retrying so the caller can reconnect and
// submit the same batch again. A canceled ctx returns ctx.Err().
func (w *Writer) WriteBatch(ctx context.Context, batch message.Batch) (message.Receipt, error) {
	start := time.Now()
	defer func() { metrics.WriteDuration.Observe(time.Since(start).Seconds()) }()

	if batch.Len() == 0 {
		return message.Receipt{BatchID: batch.ID, Outcome: message.OutcomeCommitted, At: time.Now()}, nil
	}

	records := batch.Records()
	for _, r := range records {
		if !w.allow.Allows(r.Schema, r.Table) {
			metrics.Batches.WithLabelValues("failed").Inc()
			return message.Receipt{}, &WriteError{
				BatchID: batch.ID,
				Class:   store.ClassPermanent,
				Err:     fmt.Errorf("%w: %s", ErrTableNotAllowed, route.Qualify(r.Schema, r.Table)),
			}
		}
	}

	var (
		attempts int
		class    store.ErrorClass
	)
	op := func() error {
		attempts++
		err := w.store.WriteRecords(ctx, records)
		if err == nil {
			return nil
		}
		class = w.store.Classify(err)
		if class == store.ClassTransient {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		metrics.WriteRetries.Inc()
		w.logger.Warn("Batch write failed, retrying",
			zap.String("batch", batch.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, w.retry.backOff(ctx), notify)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return message.Receipt{}, ctx.Err()
	case class == store.ClassConnection:
		var connErr *store.ConnectionError
		if errors.As(err, &connErr) {
			return message.Receipt{}, connErr
		}
		return message.Receipt{}, &store.ConnectionError{Op: "write", Err: err}
	default:
		metrics.Batches.WithLabelValues("failed").Inc()
		return message.Receipt{}, &WriteError{BatchID: batch.ID, Attempts: attempts, Class: class, Err: err}
	}

	metrics.Batches.WithLabelValues(string(message.OutcomeCommitted)).Inc()
	for _, r := range records {
		metrics.RowsCommitted.WithLabelValues(route.Qualify(r.Schema, r.Table)).Inc()
	}
	w.logger.Debug("Batch committed",
		zap.String("batch", batch.ID),
		zap.Int("rows", len(records)),
		zap.Int("attempts", attempts))

	return message.Receipt{
		BatchID:  batch.ID,
		Entries:  batch.Entries,
		Attempts: attempts,
		Outcome:  message.OutcomeCommitted,
		At:       time.Now(),
	}, nil
}
