package queue

import (
	"context"
	"sort"
	"time"

	"github.com/mezonai/peerpay/actor"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/types"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryBase   = time.Minute
	DefaultRetryMax    = 15 * time.Minute
)

type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase < 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue tracks locally known transactions until the network settles them.
// All state changes go through the queue's mailbox, so a given id can never be
// Processing twice.
type Queue struct {
	mailbox *actor.Mailbox
	store   store.QueueStore
	opts    Options

	// owned by the mailbox goroutine
	items    map[string]*types.QueuedTransaction
	archived map[string]struct{}
	seq      uint64
}

// NewQueue loads persisted items and resets interrupted Processing items to Queued.
func NewQueue(st store.QueueStore, opts Options) (*Queue, error) {
	opts.applyDefaults()
	q := &Queue{
		store:    st,
		opts:     opts,
		items:    make(map[string]*types.QueuedTransaction),
		archived: make(map[string]struct{}),
	}

	active, err := st.LoadActive()
	if err != nil {
		return nil, err
	}
	for _, item := range active {
		q.items[item.ID] = item
	}
	done, err := st.LoadArchived()
	if err != nil {
		return nil, err
	}
	for _, item := range done {
		q.archived[item.ID] = struct{}{}
	}
	if q.seq, err = st.LastSequence(); err != nil {
		return nil, err
	}

	recovered, err := q.recover()
	if err != nil {
		return nil, err
	}
	logx.Info("QUEUE", "Loaded ", len(q.items), " active and ", len(q.archived), " archived transactions, recovered ", recovered)
	q.updateGauges()

	q.mailbox = actor.NewMailbox("transaction-queue", 64)
	return q, nil
}

func (q *Queue) Close() {
	q.mailbox.Close()
}

func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Enqueue adds a package. An id that was ever enqueued, including completed
// ones, is rejected with DUPLICATE_TRANSACTION.
func (q *Queue) Enqueue(ctx context.Context, pkg *transaction.Package, direction types.Direction) (*types.QueuedTransaction, error) {
	if pkg == nil || pkg.ID == "" {
		return nil, errors.NewError(errors.KindValidation, errors.CodeInvalidPackage, "package without id")
	}
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		if _, ok := q.items[pkg.ID]; ok {
			return nil, q.duplicate(pkg.ID)
		}
		if _, ok := q.archived[pkg.ID]; ok {
			return nil, q.duplicate(pkg.ID)
		}

		now := q.opts.Now()
		item := &types.QueuedTransaction{
			ID:          pkg.ID,
			Transaction: pkg,
			Status:      types.StatusQueued,
			Direction:   direction,
			Sequence:    q.seq + 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := q.store.SaveNew(item); err != nil {
			return nil, err
		}
		q.seq = item.Sequence
		q.items[item.ID] = item
		q.updateGauges()
		logx.Info("QUEUE", "Enqueued ", direction, " transaction ", item.ID)
		return item.Clone(), nil
	})
}

func (q *Queue) duplicate(id string) error {
	logx.Warn("QUEUE", "Duplicate transaction ", id)
	return errors.NewError(errors.KindQueue, errors.CodeDuplicateTransaction, errors.ErrMsgDuplicateTransaction)
}

// GetNext returns the oldest Queued item, nil when there is none.
func (q *Queue) GetNext(ctx context.Context) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		return q.oldest(func(item *types.QueuedTransaction) bool {
			return item.Status == types.StatusQueued
		}).Clone(), nil
	})
}

// GetNextRetry returns the oldest Failed item that may be retried now.
func (q *Queue) GetNextRetry(ctx context.Context) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		now := q.opts.Now()
		return q.oldest(func(item *types.QueuedTransaction) bool {
			return item.Retryable(q.opts.MaxAttempts) && !now.Before(item.RetryAt)
		}).Clone(), nil
	})
}

func (q *Queue) oldest(match func(*types.QueuedTransaction) bool) *types.QueuedTransaction {
	var best *types.QueuedTransaction
	for _, item := range q.items {
		if match(item) && (best == nil || item.Before(best)) {
			best = item
		}
	}
	return best
}

func (q *Queue) lookup(id string) (*types.QueuedTransaction, error) {
	item, ok := q.items[id]
	if !ok {
		return nil, errors.Newf(errors.KindQueue, errors.CodeQueueItemNotFound, errors.ErrMsgQueueItemNotFound, id)
	}
	return item, nil
}

func illegal(item *types.QueuedTransaction, to types.QueueStatus) error {
	logx.Error("QUEUE", "Illegal transition of ", item.ID, ": ", item.Status, " -> ", to)
	return errors.Newf(errors.KindQueue, errors.CodeIllegalTransition, errors.ErrMsgIllegalTransition, item.ID, item.Status, to)
}

// save persists next and only then replaces the in-memory record.
func (q *Queue) save(item, next *types.QueuedTransaction) error {
	next.UpdatedAt = q.opts.Now()
	if err := q.store.Save(next); err != nil {
		return err
	}
	*item = *next
	q.updateGauges()
	return nil
}

// MarkAsProcessing starts an attempt. Legal from Queued, or from Failed while
// attempts remain. A second attempt on an item already Processing is refused.
func (q *Queue) MarkAsProcessing(ctx context.Context, id string) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		item, err := q.lookup(id)
		if err != nil {
			return nil, err
		}
		switch {
		case item.Status == types.StatusQueued:
		case item.Status == types.StatusFailed && item.Retryable(q.opts.MaxAttempts):
		default:
			return nil, illegal(item, types.StatusProcessing)
		}
		next := item.Clone()
		next.Status = types.StatusProcessing
		next.Attempts++
		if err := q.save(item, next); err != nil {
			return nil, err
		}
		return item.Clone(), nil
	})
}

// RecordSubmission stores the chain signature of the current attempt before
// confirmation, so a crash in between can be reconciled.
func (q *Queue) RecordSubmission(ctx context.Context, id, signature string) error {
	_, err := actor.Call(ctx, q.mailbox, func() (struct{}, error) {
		item, err := q.lookup(id)
		if err != nil {
			return struct{}{}, err
		}
		if item.Status != types.StatusProcessing {
			return struct{}{}, illegal(item, types.StatusProcessing)
		}
		next := item.Clone()
		next.Signature = signature
		return struct{}{}, q.save(item, next)
	})
	return err
}

// MarkAsCompleted settles a Processing item and moves it to the archive.
func (q *Queue) MarkAsCompleted(ctx context.Context, id, signature string) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		item, err := q.lookup(id)
		if err != nil {
			return nil, err
		}
		if item.Status != types.StatusProcessing {
			return nil, illegal(item, types.StatusCompleted)
		}
		next := item.Clone()
		next.Status = types.StatusCompleted
		next.LastError = ""
		if signature != "" {
			next.Signature = signature
		}
		next.UpdatedAt = q.opts.Now()
		if err := q.store.Archive(next); err != nil {
			return nil, err
		}
		delete(q.items, id)
		q.archived[id] = struct{}{}
		q.updateGauges()
		logx.Info("QUEUE", "Completed ", id, " after ", next.Attempts, " attempts")
		return next, nil
	})
}

// MarkAsFailed records a failed attempt. Legal from Processing, and from
// Queued for failures found before any attempt. Permanent failures are never
// picked up again automatically.
func (q *Queue) MarkAsFailed(ctx context.Context, id string, cause error, permanent bool) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		item, err := q.lookup(id)
		if err != nil {
			return nil, err
		}
		if item.Status != types.StatusProcessing && item.Status != types.StatusQueued {
			return nil, illegal(item, types.StatusFailed)
		}
		next := item.Clone()
		next.Status = types.StatusFailed
		next.LastError = errorMessage(cause)
		next.Permanent = permanent
		next.RetryAt = q.opts.Now().Add(q.backoff(next.Attempts))
		if err := q.save(item, next); err != nil {
			return nil, err
		}
		if !item.Retryable(q.opts.MaxAttempts) {
			logx.Warn("QUEUE", "Transaction ", id, " failed permanently: ", item.LastError)
		}
		return item.Clone(), nil
	})
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var we *errors.WalletError
	if errors.As(err, &we) && we.Message != "" {
		return we.Message
	}
	return err.Error()
}

// backoff doubles from RetryBase per attempt, capped at RetryMax.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.RetryBase
	for i := 1; i < attempts && d < q.opts.RetryMax; i++ {
		d *= 2
	}
	if d > q.opts.RetryMax {
		d = q.opts.RetryMax
	}
	return d
}

// Retry is the manual retry of a Failed item: the attempt budget is reset and
// the item becomes eligible immediately.
func (q *Queue) Retry(ctx context.Context, id string) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		item, err := q.lookup(id)
		if err != nil {
			return nil, err
		}
		if item.Status != types.StatusFailed {
			return nil, illegal(item, types.StatusProcessing)
		}
		next := item.Clone()
		next.Attempts = 0
		next.Permanent = false
		next.RetryAt = time.Time{}
		if err := q.save(item, next); err != nil {
			return nil, err
		}
		logx.Info("QUEUE", "Manual retry scheduled for ", id)
		return item.Clone(), nil
	})
}

// Recover resets every Processing item to Queued. An interrupted attempt is
// never assumed to have completed or failed.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	return actor.Call(ctx, q.mailbox, q.recover)
}

func (q *Queue) recover() (int, error) {
	n := 0
	for _, item := range q.items {
		if item.Status != types.StatusProcessing {
			continue
		}
		next := item.Clone()
		next.Status = types.StatusQueued
		if err := q.save(item, next); err != nil {
			return n, err
		}
		logx.Warn("QUEUE", "Recovered interrupted transaction ", item.ID)
		n++
	}
	return n, nil
}

// Get returns an active or archived item.
func (q *Queue) Get(ctx context.Context, id string) (*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() (*types.QueuedTransaction, error) {
		if item, ok := q.items[id]; ok {
			return item.Clone(), nil
		}
		if _, ok := q.archived[id]; ok {
			return q.store.Get(id)
		}
		return nil, errors.Newf(errors.KindQueue, errors.CodeQueueItemNotFound, errors.ErrMsgQueueItemNotFound, id)
	})
}

// Contains reports whether id was ever enqueued.
func (q *Queue) Contains(ctx context.Context, id string) (bool, error) {
	return actor.Call(ctx, q.mailbox, func() (bool, error) {
		_, active := q.items[id]
		_, done := q.archived[id]
		return active || done, nil
	})
}

// List returns items in FIFO order, filtered by status when any are given.
// Completed items are read back from the archive.
func (q *Queue) List(ctx context.Context, statuses ...types.QueueStatus) ([]*types.QueuedTransaction, error) {
	return actor.Call(ctx, q.mailbox, func() ([]*types.QueuedTransaction, error) {
		want := make(map[types.QueueStatus]bool, len(statuses))
		for _, s := range statuses {
			want[s] = true
		}
		match := func(s types.QueueStatus) bool { return len(want) == 0 || want[s] }

		var out []*types.QueuedTransaction
		for _, item := range q.items {
			if match(item.Status) {
				out = append(out, item.Clone())
			}
		}
		if match(types.StatusCompleted) {
			done, err := q.store.LoadArchived()
			if err != nil {
				return nil, err
			}
			out = append(out, done...)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
		return out, nil
	})
}

func (q *Queue) Stats(ctx context.Context) (types.QueueStats, error) {
	return actor.Call(ctx, q.mailbox, func() (types.QueueStats, error) {
		return q.stats(), nil
	})
}

func (q *Queue) stats() types.QueueStats {
	s := types.QueueStats{Completed: len(q.archived)}
	for _, item := range q.items {
		switch item.Status {
		case types.StatusQueued:
			s.Queued++
		case types.StatusProcessing:
			s.Processing++
		case types.StatusFailed:
			s.Failed++
			if !item.Retryable(q.opts.MaxAttempts) {
				s.Exhausted++
			}
		}
	}
	return s
}

func (q *Queue) updateGauges() {
	s := q.stats()
	monitoring.SetQueueSize(string(types.StatusQueued), s.Queued)
	monitoring.SetQueueSize(string(types.StatusProcessing), s.Processing)
	monitoring.SetQueueSize(string(types.StatusFailed), s.Failed)
	monitoring.SetQueueSize(string(types.StatusCompleted), s.Completed)
}
