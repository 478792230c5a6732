// Package syncer reconciles the local transaction queue with the network.
// It is the only component that submits queued payloads.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mezonai/peerpay/actor"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/exception"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/nonce"
	"github.com/mezonai/peerpay/queue"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/types"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultCooldown       = 5 * time.Second
	DefaultConfirmTimeout = 30 * time.Second
	DefaultConfirmPoll    = time.Second
)

type Config struct {
	Interval time.Duration
	// Cooldown is the minimum gap between two non forced runs; 0 disables it.
	Cooldown       time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = DefaultConfirmPoll
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of the engine. Connectivity, StateStore and Bus are optional.
type Deps struct {
	Queue        *queue.Queue
	Ledger       *nonce.Ledger
	Network      interfaces.NetworkClient
	Connectivity interfaces.Connectivity
	StateStore   store.SyncStateStore
	Bus          *events.EventBus
}

// Result of one run. Skipped means the run did nothing because another one
// was in flight or the cooldown had not elapsed.
type Result struct {
	Success   bool
	Errors    []error
	Processed int
	Skipped   bool
}

type Engine struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter

	running atomic.Bool
	online  atomic.Bool

	// state is owned by the mailbox goroutine
	mailbox   *actor.Mailbox
	state     types.SyncState
	listeners *events.Listeners[types.SyncState]

	trigger   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewEngine restores the persisted sync state. The engine starts offline
// unless a Connectivity says otherwise or SetOnline(true) is called.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Queue == nil || deps.Ledger == nil || deps.Network == nil {
		return nil, errors.NewError(errors.KindValidation, errors.CodeInvalidInput, "sync engine needs a queue, a nonce ledger and a network client")
	}
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.Cooldown > 0 {
		limit = rate.Every(cfg.Cooldown)
	}
	e := &Engine{
		deps:      deps,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		mailbox:   actor.NewMailbox("sync-engine", 16),
		listeners: events.NewListeners[types.SyncState]("sync-listener"),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if deps.StateStore != nil {
		st, err := deps.StateStore.Load()
		if err != nil {
			e.mailbox.Close()
			return nil, err
		}
		e.state = st
	}
	e.state.Online = e.IsOnline()
	logx.Info("SYNC", "Sync engine ready, last sync ", e.state.LastSync, ", error count ", e.state.ErrorCount)
	return e, nil
}

// IsOnline prefers the Connectivity collaborator and falls back to the last SetOnline value.
func (e *Engine) IsOnline() bool {
	if e.deps.Connectivity != nil {
		return e.deps.Connectivity.IsOnline()
	}
	return e.online.Load()
}

// Sync runs one reconciliation pass. A call while another pass is in flight
// or within the cooldown is a no-op.
func (e *Engine) Sync(ctx context.Context) Result {
	return e.run(ctx, false)
}

// ForceSync ignores the cooldown. It still never runs next to another pass.
func (e *Engine) ForceSync(ctx context.Context) Result {
	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, force bool) Result {
	if !e.running.CompareAndSwap(false, true) {
		logx.Debug("SYNC", "Sync already in flight, skipping")
		return Result{Skipped: true}
	}
	defer e.running.Store(false)

	if !e.IsOnline() {
		monitoring.RecordSyncRun("offline", 0)
		return Result{Errors: []error{errors.NewError(errors.KindNetwork, errors.CodeOffline, errors.ErrMsgOffline)}}
	}
	if !force && !e.limiter.Allow() {
		logx.Debug("SYNC", "Sync cooldown active, skipping")
		return Result{Skipped: true}
	}

	start := e.cfg.Now()
	e.update(func(s *types.SyncState) { s.IsSyncing = true })

	res := e.drain(ctx)
	res.Success = len(res.Errors) == 0

	outbound, inbound := e.pending(context.WithoutCancel(ctx))
	e.update(func(s *types.SyncState) {
		s.IsSyncing = false
		s.LastSync = e.cfg.Now()
		s.PendingTransactions = outbound
		s.PendingMessages = inbound
	})

	outcome := "success"
	if !res.Success {
		outcome = "error"
	}
	monitoring.RecordSyncRun(outcome, e.cfg.Now().Sub(start))
	logx.Info("SYNC", "Sync finished: processed=", res.Processed, " errors=", len(res.Errors), " pending=", outbound+inbound)
	return res
}

// drain processes Queued items first, then Failed items due for retry. Every
// attempt increments the item's attempt count, so the loop ends once the
// retry budget of each item is spent.
func (e *Engine) drain(ctx context.Context) Result {
	var res Result
	for {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		if !e.IsOnline() {
			res.Errors = append(res.Errors, errors.NewError(errors.KindNetwork, errors.CodeOffline, errors.ErrMsgOffline))
			return res
		}
		item, err := e.next(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		if item == nil {
			return res
		}
		current, err := e.deps.Queue.MarkAsProcessing(ctx, item.ID)
		if err != nil {
			logx.Error("SYNC", "Cannot start attempt on ", item.ID, ": ", err)
			res.Errors = append(res.Errors, err)
			return res
		}
		res.Processed++
		if err := e.process(ctx, current); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}
}

func (e *Engine) next(ctx context.Context) (*types.QueuedTransaction, error) {
	item, err := e.deps.Queue.GetNext(ctx)
	if err != nil || item != nil {
		return item, err
	}
	return e.deps.Queue.GetNextRetry(ctx)
}

func (e *Engine) pending(ctx context.Context) (outbound, inbound int) {
	items, err := e.deps.Queue.List(ctx, types.StatusQueued, types.StatusProcessing, types.StatusFailed)
	if err != nil {
		logx.Warn("SYNC", "Cannot count pending transactions: ", err)
		return 0, 0
	}
	for _, item := range items {
		if item.Direction == types.DirectionInbound {
			inbound++
		} else {
			outbound++
		}
	}
	return outbound, inbound
}

// State returns a snapshot of the sync state.
func (e *Engine) State() types.SyncState {
	st, err := actor.Call(context.Background(), e.mailbox, func() (types.SyncState, error) {
		return e.state, nil
	})
	if err != nil {
		logx.Warn("SYNC", "State requested after close")
	}
	return st
}

// AddSyncListener registers fn for every state change. The returned
// unsubscribe is idempotent.
func (e *Engine) AddSyncListener(fn func(types.SyncState)) func() {
	return e.listeners.Add(fn)
}

// ClearErrors resets the visible error counter. A successful run never does that.
func (e *Engine) ClearErrors() {
	e.update(func(s *types.SyncState) { s.ErrorCount = 0 })
	monitoring.SetSyncErrorCount(0)
	logx.Info("SYNC", "Sync errors cleared")
}

// update applies fn on the engine goroutine, persists the result and
// notifies listeners with the new snapshot.
func (e *Engine) update(fn func(*types.SyncState)) {
	snap, err := actor.Call(context.Background(), e.mailbox, func() (types.SyncState, error) {
		fn(&e.state)
		if e.deps.StateStore != nil {
			if err := e.deps.StateStore.Save(e.state); err != nil {
				logx.Error("SYNC", "Persist sync state failed: ", err)
			}
		}
		return e.state, nil
	})
	if err != nil {
		return
	}
	e.listeners.Notify(snap)
}

// SetOnline records a connectivity change. Regaining connectivity triggers a run.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	e.update(func(s *types.SyncState) { s.Online = online })
	logx.Info("SYNC", "Connectivity changed, online=", online)
	if online {
		e.kick()
	}
}

// NotifyForeground triggers a run when the app comes back to the foreground.
func (e *Engine) NotifyForeground() {
	e.kick()
}

// Trigger asks the scheduler for a run soon. Without Start it does nothing.
func (e *Engine) Trigger() {
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start runs the scheduler until ctx ends or Close: every Interval, and on
// foreground and connectivity triggers. Nothing runs while offline.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		exception.SafeGo("sync-scheduler", func() {
			defer close(e.done)
			e.loop(ctx)
		})
	})
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if !e.IsOnline() {
			continue
		}
		if res := e.Sync(ctx); !res.Success && !res.Skipped {
			logx.Warn("SYNC", "Scheduled sync finished with ", len(res.Errors), " errors")
		}
	}
}

// Close stops the scheduler and waits for a run in progress to return.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)
		// never started: nothing to wait for
		e.startOnce.Do(func() { close(e.done) })
		<-e.done
		e.mailbox.Close()
	})
}
