package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/nonce"
	"github.com/mezonai/peerpay/queue"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authority = "AuthorityAddress1111111111111111111111111111"

// mockNetwork is a chain where submitting payload p lands signature "sig-"+p.
type mockNetwork struct {
	mu          sync.Mutex
	confirmed   map[string]bool
	nonces      map[string]string
	created     int
	submitErrs  []error
	submits     int
	submitGate  chan struct{}
	submitEnter chan struct{}
	calls       int32
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{confirmed: make(map[string]bool), nonces: make(map[string]string)}
}

func (m *mockNetwork) GetNonceAccountValue(_ context.Context, acct string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nonces[acct]
	if !ok {
		return "", errors.NewError(errors.KindNonce, errors.CodeNotFound, "no such account")
	}
	return v, nil
}

func (m *mockNetwork) CreateNonceAccount(_ context.Context, auth string) (*interfaces.NonceAccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	acct := fmt.Sprintf("nonce-acct-%d", m.created)
	m.nonces[acct] = fmt.Sprintf("value-%d-0", m.created)
	return &interfaces.NonceAccountInfo{Address: acct, Authority: auth, Value: m.nonces[acct]}, nil
}

// advance simulates another transaction consuming the nonce.
func (m *mockNetwork) advance(acct string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[acct] += "'"
}

func (m *mockNetwork) land(sig string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[sig] = true
}

func (m *mockNetwork) GetLatestBlockhash(context.Context) (string, error) {
	return "blockhash", nil
}

func (m *mockNetwork) SubmitTransaction(ctx context.Context, payload []byte) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.submitEnter != nil {
		m.submitEnter <- struct{}{}
	}
	if m.submitGate != nil {
		<-m.submitGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		return "", err
	}
	sig := "sig-" + string(payload)
	m.confirmed[sig] = true
	return sig, nil
}

func (m *mockNetwork) ConfirmTransaction(_ context.Context, sig string) (*types.Confirmation, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confirmed[sig] {
		return &types.Confirmation{Status: types.ConfirmationConfirmed, Slot: 7}, nil
	}
	return &types.Confirmation{Status: types.ConfirmationNotFound}, nil
}

func (m *mockNetwork) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

type harness struct {
	engine  *Engine
	queue   *queue.Queue
	ledger  *nonce.Ledger
	network *mockNetwork
	stores  *store.Stores
	bus     *events.EventBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	stores, err := store.NewStores(p)
	require.NoError(t, err)

	network := newMockNetwork()
	q, err := queue.NewQueue(stores.Queue, queue.Options{MaxAttempts: 3, RetryBase: 0, RetryMax: time.Minute})
	require.NoError(t, err)
	ledger, err := nonce.NewLedger(stores.Nonce, network, time.Hour)
	require.NoError(t, err)
	bus := events.NewEventBus()

	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 200 * time.Millisecond
	}
	if cfg.ConfirmPoll == 0 {
		cfg.ConfirmPoll = 10 * time.Millisecond
	}
	e, err := NewEngine(Deps{
		Queue:      q,
		Ledger:     ledger,
		Network:    network,
		StateStore: stores.SyncState,
		Bus:        bus,
	}, cfg)
	require.NoError(t, err)
	e.SetOnline(true)

	t.Cleanup(func() {
		e.Close()
		ledger.Close()
		q.Close()
		bus.Close()
		_ = stores.Close()
	})
	return &harness{engine: e, queue: q, ledger: ledger, network: network, stores: stores, bus: bus}
}

func pkg(id string) *transaction.Package {
	payload := "payload-" + id
	return &transaction.Package{
		ID:         id,
		Metadata:   transaction.Metadata{Amount: "1.5", Symbol: "SOL"},
		Payload:    []byte(payload),
		Provenance: transaction.Provenance{Signatures: []transaction.Signature{{PubKey: "sender", Sig: "sig-" + payload}}},
	}
}

func (h *harness) reserve(t *testing.T) *types.NonceReservation {
	t.Helper()
	r, err := h.ledger.Reserve(context.Background(), authority)
	require.NoError(t, err)
	return r
}

func (h *harness) get(t *testing.T, id string) *types.QueuedTransaction {
	t.Helper()
	item, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestEngine_RetriesFailedSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.network.submitErrs = []error{errors.NewError(errors.KindTransaction, errors.CodeSendFailed, "node busy")}

	_, err := h.queue.Enqueue(ctx, pkg("tx-1"), types.DirectionOutbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	assert.False(t, res.Skipped)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Processed)

	item := h.get(t, "tx-1")
	assert.Equal(t, types.StatusCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, "sig-payload-tx-1", item.Signature)
	assert.Equal(t, 2, h.network.submitCount())

	st := h.engine.State()
	assert.Equal(t, 1, st.ErrorCount)
	assert.False(t, st.IsSyncing)
	assert.Zero(t, st.PendingTransactions)
	assert.False(t, st.LastSync.IsZero())
}

func TestEngine_ReconcilesLandedTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, ch := h.bus.Subscribe()

	p := pkg("tx-landed")
	h.network.land(p.ChainSignature())
	_, err := h.queue.Enqueue(ctx, p, types.DirectionOutbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	require.True(t, res.Success)
	assert.Equal(t, types.StatusCompleted, h.get(t, "tx-landed").Status)
	assert.Zero(t, h.network.submitCount())

	ev := <-ch
	confirmed, ok := ev.(*events.TransactionConfirmed)
	require.True(t, ok)
	assert.True(t, confirmed.Reconciled())
}

func TestEngine_OfflineFailsFast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.engine.SetOnline(false)

	_, err := h.queue.Enqueue(ctx, pkg("tx-offline"), types.DirectionOutbound)
	require.NoError(t, err)
	before := atomic.LoadInt32(&h.network.calls)

	res := h.engine.Sync(ctx)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], errors.ErrOffline))

	item := h.get(t, "tx-offline")
	assert.Equal(t, types.StatusQueued, item.Status)
	assert.Zero(t, item.Attempts)
	assert.Zero(t, h.engine.State().ErrorCount)
	assert.Equal(t, before, atomic.LoadInt32(&h.network.calls))
}

func TestEngine_SingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.network.submitGate = make(chan struct{})
	h.network.submitEnter = make(chan struct{}, 1)

	_, err := h.queue.Enqueue(ctx, pkg("tx-slow"), types.DirectionOutbound)
	require.NoError(t, err)

	first := make(chan Result, 1)
	go func() { first <- h.engine.Sync(ctx) }()
	<-h.network.submitEnter

	assert.True(t, h.engine.Sync(ctx).Skipped)
	assert.True(t, h.engine.ForceSync(ctx).Skipped)
	assert.True(t, h.engine.State().IsSyncing)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processing)

	close(h.network.submitGate)
	res := <-first
	assert.True(t, res.Success)
	assert.Equal(t, 1, h.network.submitCount())
	assert.Equal(t, 1, h.get(t, "tx-slow").Attempts)
}

func TestEngine_InsufficientFundsIsPermanent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	r := h.reserve(t)
	h.network.submitErrs = []error{errors.NewError(errors.KindTransaction, errors.CodeInsufficientFunds, errors.ErrMsgInsufficientFunds)}

	p := pkg("tx-broke")
	p.Provenance.NonceUsed = r.Ref()
	require.NoError(t, h.ledger.Bind(ctx, r, p.ID))
	_, err := h.queue.Enqueue(ctx, p, types.DirectionOutbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], errors.ErrInsufficientFunds))

	item := h.get(t, "tx-broke")
	assert.Equal(t, types.StatusFailed, item.Status)
	assert.True(t, item.Permanent)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, errors.ErrMsgInsufficientFunds, item.LastError)

	// the nonce was never used, so it is released rather than consumed
	status := h.ledger.CheckStatus(ctx, r.NonceValue)
	assert.True(t, status.IsValid)
	assert.False(t, status.IsUsed)

	list, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.NonceFresh, list[0].State)
	assert.Empty(t, list[0].PackageID)

	next := h.reserve(t)
	assert.Equal(t, r.NonceAccount, next.NonceAccount)
	assert.Equal(t, r.NonceValue, next.NonceValue)

	// a second run does not pick it up again
	res = h.engine.ForceSync(ctx)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, h.network.submitCount())
}

func TestEngine_RetryableFailureKeepsNonceBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	r := h.reserve(t)
	h.network.submitErrs = []error{
		errors.NewError(errors.KindTransaction, errors.CodeSendFailed, "node busy"),
		errors.NewError(errors.KindTransaction, errors.CodeSendFailed, "node busy"),
		errors.NewError(errors.KindTransaction, errors.CodeSendFailed, "node busy"),
	}

	p := pkg("tx-busy")
	p.Provenance.NonceUsed = r.Ref()
	require.NoError(t, h.ledger.Bind(ctx, r, p.ID))
	_, err := h.queue.Enqueue(ctx, p, types.DirectionOutbound)
	require.NoError(t, err)

	h.engine.ForceSync(ctx)
	assert.Equal(t, types.StatusFailed, h.get(t, "tx-busy").Status)

	list, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.NonceReserved, list[0].State)
	assert.Equal(t, "tx-busy", list[0].PackageID)

	next := h.reserve(t)
	assert.NotEqual(t, r.NonceAccount, next.NonceAccount)
}

func TestEngine_AdvancesNonceOnConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	r := h.reserve(t)

	p := pkg("tx-offline-signed")
	p.Provenance.NonceUsed = r.Ref()
	_, err := h.queue.Enqueue(ctx, p, types.DirectionOutbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	assert.Equal(t, types.StatusCompleted, h.get(t, "tx-offline-signed").Status)

	list, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.NonceConsumed, list[0].State)
}

func TestEngine_NonceConflictSurfacesToLoser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	r := h.reserve(t)
	h.network.advance(r.NonceAccount)

	p := pkg("tx-loser")
	p.Provenance.NonceUsed = r.Ref()
	_, err := h.queue.Enqueue(ctx, p, types.DirectionOutbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], errors.ErrNonceAdvanceFailed))
	assert.Zero(t, h.network.submitCount())

	item := h.get(t, "tx-loser")
	assert.Equal(t, types.StatusFailed, item.Status)
	assert.True(t, item.Permanent)

	list, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NonceInvalid, list[0].State)
}

func TestEngine_InboundNonceCheckedOnChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	info, err := h.network.CreateNonceAccount(ctx, "other-device")
	require.NoError(t, err)

	p := pkg("tx-inbound")
	p.Provenance.NonceUsed = &transaction.NonceRef{NonceAccount: info.Address, NonceValue: info.Value, Authority: "other-device"}
	_, err = h.queue.Enqueue(ctx, p, types.DirectionInbound)
	require.NoError(t, err)

	res := h.engine.Sync(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	assert.Equal(t, types.StatusCompleted, h.get(t, "tx-inbound").Status)

	// the sender's nonce is not ours to consume
	list, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngine_ListenersAndClearErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.network.submitErrs = []error{
		errors.NewError(errors.KindTransaction, errors.CodeBroadcastFailed, "rejected"),
	}

	var mu sync.Mutex
	var snapshots []types.SyncState
	unsubscribe := h.engine.AddSyncListener(func(s types.SyncState) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})

	_, err := h.queue.Enqueue(ctx, pkg("tx-rejected"), types.DirectionOutbound)
	require.NoError(t, err)
	h.engine.Sync(ctx)

	mu.Lock()
	require.NotEmpty(t, snapshots)
	assert.True(t, snapshots[0].IsSyncing)
	last := snapshots[len(snapshots)-1]
	mu.Unlock()
	assert.False(t, last.IsSyncing)
	assert.Equal(t, 1, last.ErrorCount)
	assert.Equal(t, 1, last.PendingTransactions)

	// a later successful run does not reset the counter
	_, err = h.queue.Enqueue(ctx, pkg("tx-ok"), types.DirectionOutbound)
	require.NoError(t, err)
	require.True(t, h.engine.Sync(ctx).Success)
	assert.Equal(t, 1, h.engine.State().ErrorCount)

	h.engine.ClearErrors()
	assert.Zero(t, h.engine.State().ErrorCount)
	persisted, err := h.stores.SyncState.Load()
	require.NoError(t, err)
	assert.Zero(t, persisted.ErrorCount)

	unsubscribe()
	unsubscribe()
	mu.Lock()
	n := len(snapshots)
	mu.Unlock()
	h.engine.ClearErrors()
	mu.Lock()
	assert.Equal(t, n, len(snapshots))
	mu.Unlock()
}

func TestEngine_CooldownOnlyBindsUnforcedRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Cooldown: time.Hour})

	assert.False(t, h.engine.Sync(ctx).Skipped)
	assert.True(t, h.engine.Sync(ctx).Skipped)

	_, err := h.queue.Enqueue(ctx, pkg("tx-forced"), types.DirectionOutbound)
	require.NoError(t, err)
	res := h.engine.ForceSync(ctx)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Processed)
}

func TestEngine_SchedulerRunsWhenConnectivityReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, Config{Interval: time.Hour})
	h.engine.SetOnline(false)
	h.engine.Start(ctx)

	_, err := h.queue.Enqueue(ctx, pkg("tx-later"), types.DirectionOutbound)
	require.NoError(t, err)

	h.engine.NotifyForeground()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.StatusQueued, h.get(t, "tx-later").Status)

	h.engine.SetOnline(true)
	assert.Eventually(t, func() bool {
		item, err := h.queue.Get(context.Background(), "tx-later")
		return err == nil && item.Status == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
