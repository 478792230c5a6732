package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueueStore(t *testing.T) store.QueueStore {
	t.Helper()
	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	st, err := store.NewGenericQueueStore(p)
	require.NoError(t, err)
	return st
}

func newTestQueue(t *testing.T, st store.QueueStore, clk *clock, maxAttempts int) *Queue {
	t.Helper()
	q, err := NewQueue(st, Options{MaxAttempts: maxAttempts, RetryBase: time.Minute, RetryMax: 4 * time.Minute, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func pkg(id string) *transaction.Package {
	return &transaction.Package{
		ID:       id,
		Metadata: transaction.Metadata{Amount: "1.5", Symbol: "SOL"},
		Payload:  []byte("signed-" + id),
	}
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(t, newQueueStore(t), clk, 3)

	item, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, item.Status)
	assert.Equal(t, 0, item.Attempts)

	_, err = q.Enqueue(ctx, pkg("tx-1"), types.DirectionInbound)
	assert.True(t, errors.Is(err, errors.ErrDuplicateTransaction))

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.DirectionOutbound, all[0].Direction)
}

func TestQueue_CompletedIdsStayDuplicates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newQueueStore(t), &clock{now: time.Now()}, 3)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)
	_, err = q.MarkAsProcessing(ctx, "tx-1")
	require.NoError(t, err)
	done, err := q.MarkAsCompleted(ctx, "tx-1", "sig-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, "sig-1", done.Signature)

	_, err = q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	assert.True(t, errors.Is(err, errors.ErrDuplicateTransaction))

	got, err := q.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStats{Completed: 1}, stats)
}

func TestQueue_GetNextIsFIFO(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(t, newQueueStore(t), clk, 3)

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, pkg(id), types.DirectionOutbound)
		require.NoError(t, err)
		clk.Add(time.Second)
	}
	// same timestamp as c, ordered by enqueue sequence
	clk.Add(-time.Second)
	_, err := q.Enqueue(ctx, pkg("d"), types.DirectionInbound)
	require.NoError(t, err)

	var order []string
	for {
		next, err := q.GetNext(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.ID)
		_, err = q.MarkAsProcessing(ctx, next.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestQueue_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newQueueStore(t), &clock{now: time.Now()}, 3)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)

	_, err = q.MarkAsCompleted(ctx, "tx-1", "")
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))
	assert.True(t, errors.Is(q.RecordSubmission(ctx, "tx-1", "sig"), errors.ErrIllegalTransition))
	_, err = q.Retry(ctx, "tx-1")
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))

	_, err = q.MarkAsProcessing(ctx, "tx-1")
	require.NoError(t, err)
	_, err = q.MarkAsProcessing(ctx, "tx-1")
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))

	_, err = q.MarkAsProcessing(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrQueueItemNotFound))

	// the record was not overwritten by any refused call
	item, err := q.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestQueue_ImmediateFailureFromQueued(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newQueueStore(t), &clock{now: time.Now()}, 3)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionInbound)
	require.NoError(t, err)
	failed, err := q.MarkAsFailed(ctx, "tx-1", errors.NewError(errors.KindValidation, errors.CodeInvalidInput, "bad signature"), true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "bad signature", failed.LastError)
	assert.Equal(t, 0, failed.Attempts)

	_, err = q.MarkAsProcessing(ctx, "tx-1")
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))
}

func TestQueue_RetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(t, newQueueStore(t), clk, 3)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)

	backoffs := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for attempt := 1; attempt <= 3; attempt++ {
		var item *types.QueuedTransaction
		if attempt == 1 {
			item, err = q.GetNext(ctx)
		} else {
			item, err = q.GetNextRetry(ctx)
		}
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", attempt)

		item, err = q.MarkAsProcessing(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, item.Attempts)

		failed, err := q.MarkAsFailed(ctx, item.ID, fmt.Errorf("rpc timeout"), false)
		require.NoError(t, err)
		assert.Equal(t, clk.Now().Add(backoffs[attempt-1]), failed.RetryAt)

		// not eligible before the backoff elapses
		early, err := q.GetNextRetry(ctx)
		require.NoError(t, err)
		assert.Nil(t, early)
		clk.Add(backoffs[attempt-1])
	}

	exhausted, err := q.GetNextRetry(ctx)
	require.NoError(t, err)
	assert.Nil(t, exhausted)
	_, err = q.MarkAsProcessing(ctx, "tx-1")
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Exhausted)

	// manual retry resets the budget
	item, err := q.Retry(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Attempts)
	again, err := q.GetNextRetry(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "tx-1", again.ID)
	assert.Equal(t, "rpc timeout", again.LastError)
}

func TestQueue_PermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newQueueStore(t), &clock{now: time.Now()}, 5)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)
	_, err = q.MarkAsProcessing(ctx, "tx-1")
	require.NoError(t, err)
	_, err = q.MarkAsFailed(ctx, "tx-1", errors.ErrInsufficientFunds, true)
	require.NoError(t, err)

	next, err := q.GetNextRetry(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	failed, err := q.List(ctx, types.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Permanent)
}

func TestQueue_SingleProcessingUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newQueueStore(t), &clock{now: time.Now()}, 3)

	_, err := q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		success int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.MarkAsProcessing(ctx, "tx-1"); err == nil {
				atomic.AddInt32(&success, 1)
			} else {
				assert.True(t, errors.Is(err, errors.ErrIllegalTransition))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), success)
}

func TestQueue_RecoverAfterCrash(t *testing.T) {
	ctx := context.Background()
	st := newQueueStore(t)
	clk := &clock{now: time.Now()}

	q, err := NewQueue(st, Options{MaxAttempts: 3, Now: clk.Now})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, pkg("tx-2"), types.DirectionOutbound)
	require.NoError(t, err)
	_, err = q.MarkAsProcessing(ctx, "tx-1")
	require.NoError(t, err)
	require.NoError(t, q.RecordSubmission(ctx, "tx-1", "sig-1"))
	q.Close()

	reopened := newTestQueue(t, st, clk, 3)
	item, err := reopened.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "sig-1", item.Signature)

	n, err := reopened.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// sequence continues after restart
	third, err := reopened.Enqueue(ctx, pkg("tx-3"), types.DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)

	next, err := reopened.GetNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", next.ID)
}
