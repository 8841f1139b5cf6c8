package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(v float64) message.Record {
	return message.Record{Table: "temperature", Columns: []message.Column{{Name: "value", Value: v}}}
}

func newBuffer(t *testing.T, capacity int, policy Policy, onEvict func(message.Entry)) *Buffer {
	t.Helper()
	b, err := New(Options{Capacity: capacity, Policy: policy, OnEvict: onEvict})
	require.NoError(t, err)
	return b
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Capacity: 0})
	assert.Error(t, err)

	_, err = New(Options{Capacity: 1, Policy: "overwrite"})
	assert.Error(t, err)

	b, err := New(Options{Capacity: 3})
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, b.policy)
	assert.Equal(t, 3, b.Cap())
}

func TestSequencesStartAtOneAndIncrease(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(t, 4, PolicyReject, nil)
	assert.Equal(t, uint64(0), b.LastSequence())

	for want := uint64(1); want <= 3; want++ {
		seq, err := b.Enqueue(ctx, record(float64(want)), nil)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.Equal(t, uint64(3), b.LastSequence())
	assert.Equal(t, []uint64{1, 2, 3}, b.Pending())
}

func TestFIFOSingleProducerSingleConsumer(t *testing.T) {
	ctx := context.Background()
	const total = 500
	b := newBuffer(t, 8, PolicyBlock, nil)

	go func() {
		for i := 0; i < total; i++ {
			_, err := b.Enqueue(ctx, record(float64(i)), nil)
			if err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
		}
		b.Close()
	}()

	var got []uint64
	var values []float64
	for {
		batch, err := b.DrainBatch(ctx, 7, 5*time.Millisecond)
		if err == ErrClosed {
			break
		}
		require.NoError(t, err)
		for _, e := range batch {
			got = append(got, e.Sequence)
			values = append(values, e.Record.Columns[0].Value.(float64))
		}
	}

	require.Len(t, got, total)
	for i := range got {
		assert.Equal(t, uint64(i+1), got[i])
		assert.Equal(t, float64(i), values[i])
	}
}

func TestOverflowReject(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(t, 2, PolicyReject, nil)

	_, err := b.Enqueue(ctx, record(1), nil)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, record(2), nil)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, record(3), nil)
	assert.ErrorIs(t, err, ErrBufferFull)

	batch, err := b.DrainBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 1.0, batch[0].Record.Columns[0].Value)
	assert.Equal(t, 2.0, batch[1].Record.Columns[0].Value)
}

func TestOverflowDropOldest(t *testing.T) {
	ctx := context.Background()
	var evicted []message.Entry
	b := newBuffer(t, 2, PolicyDropOldest, func(e message.Entry) { evicted = append(evicted, e) })
	before := testutil.ToFloat64(metrics.BufferDropped)

	for i := 1; i <= 3; i++ {
		_, err := b.Enqueue(ctx, record(float64(i)), nil)
		require.NoError(t, err)
	}

	require.Len(t, evicted, 1)
	assert.Equal(t, uint64(1), evicted[0].Sequence)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BufferDropped))
	assert.Equal(t, []uint64{2, 3}, b.Pending())

	batch, err := b.DrainBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, batch[0].Record.Columns[0].Value)
	assert.Equal(t, 3.0, batch[1].Record.Columns[0].Value)
}

func TestOverflowBlockWaitsForSlot(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(t, 2, PolicyBlock, nil)

	_, err := b.Enqueue(ctx, record(1), nil)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, record(2), nil)
	require.NoError(t, err)

	done := make(chan uint64)
	go func() {
		seq, err := b.Enqueue(ctx, record(3), nil)
		assert.NoError(t, err)
		done <- seq
	}()

	select {
	case <-done:
		t.Fatal("third enqueue must block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []uint64{1, 2}, b.Pending())

	batch, err := b.DrainBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(1), batch[0].Sequence)

	select {
	case seq := <-done:
		assert.Equal(t, uint64(3), seq)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue did not resume after a slot freed")
	}
	assert.Equal(t, []uint64{2, 3}, b.Pending())
}

func TestOverflowBlockHonoursContext(t *testing.T) {
	b := newBuffer(t, 1, PolicyBlock, nil)
	_, err := b.Enqueue(context.Background(), record(1), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Enqueue(ctx, record(2), nil)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []uint64{1}, b.Pending())
}

func TestCloseReleasesBlockedProducer(t *testing.T) {
	b := newBuffer(t, 1, PolicyBlock, nil)
	_, err := b.Enqueue(context.Background(), record(1), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := b.Enqueue(context.Background(), record(2), nil)
		assert.ErrorIs(t, err, ErrClosed)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()
	wg.Wait()

	batch, err := b.DrainBatch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, err = b.DrainBatch(context.Background(), 10, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrainBatchTimesOutEmpty(t *testing.T) {
	b := newBuffer(t, 4, PolicyBlock, nil)
	start := time.Now()
	batch, err := b.DrainBatch(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDrainBatchWakesOnEnqueue(t *testing.T) {
	b := newBuffer(t, 4, PolicyBlock, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = b.Enqueue(context.Background(), record(1), nil)
		_, _ = b.Enqueue(context.Background(), record(2), nil)
	}()

	batch, err := b.DrainBatch(context.Background(), 2, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestDrainBatchRespectsMaxSize(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(t, 8, PolicyBlock, nil)
	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, record(float64(i)), nil)
		require.NoError(t, err)
	}

	batch, err := b.DrainBatch(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, message.Batch{Entries: batch}.Sequences())
	assert.Equal(t, 2, b.Len())
}

func TestDrainBatchContextCanceled(t *testing.T) {
	b := newBuffer(t, 4, PolicyBlock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := b.DrainBatch(ctx, 4, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, batch)
}
