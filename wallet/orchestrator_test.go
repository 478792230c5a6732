package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/envelope"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/nonce"
	"github.com/mezonai/peerpay/queue"
	"github.com/mezonai/peerpay/ratelimit"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/syncer"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/transport"
	"github.com/mezonai/peerpay/types"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

var pin = interfaces.AuthContext{PIN: "1234"}

func randomAddress(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return common.AddressFromPublicKey(pub)
}

func randomHash() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return common.EncodeBytesToBase58(b)
}

type testSigner struct {
	priv ed25519.PrivateKey
	addr string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &testSigner{priv: priv, addr: common.AddressFromPublicKey(pub)}
}

func (s *testSigner) Address() string {
	return s.addr
}

func (s *testSigner) Sign(_ context.Context, payload []byte, auth interfaces.AuthContext) ([]byte, error) {
	if auth.PIN != pin.PIN {
		return nil, errors.NewError(errors.KindSigner, errors.CodeAuthenticationRequired, errors.ErrMsgAuthenticationNeeded)
	}
	return ed25519.Sign(s.priv, payload), nil
}

// mockNetwork is a chain shared by every device of a test. A submitted
// transfer lands under its own signature and consumes its durable nonce.
type mockNetwork struct {
	mu        sync.Mutex
	nonces    map[string]string
	confirmed map[string]bool
	submits   int
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{nonces: make(map[string]string), confirmed: make(map[string]bool)}
}

func (m *mockNetwork) GetNonceAccountValue(_ context.Context, acct string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nonces[acct]
	if !ok {
		return "", errors.NewError(errors.KindNonce, errors.CodeNotFound, "no such account")
	}
	return v, nil
}

func (m *mockNetwork) CreateNonceAccount(_ context.Context, authority string) (*interfaces.NonceAccountInfo, error) {
	pub, _, _ := ed25519.GenerateKey(nil)
	acct := common.AddressFromPublicKey(pub)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[acct] = randomHash()
	return &interfaces.NonceAccountInfo{Address: acct, Authority: authority, Value: m.nonces[acct]}, nil
}

func (m *mockNetwork) GetLatestBlockhash(context.Context) (string, error) {
	return randomHash(), nil
}

func (m *mockNetwork) SubmitTransaction(_ context.Context, payload []byte) (string, error) {
	tx, err := transaction.ParseTransfer(payload)
	if err != nil {
		return "", errors.Wrap(errors.KindTransaction, errors.CodeBroadcastFailed, "bad payload", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if tx.UsesDurableNonce() {
		if m.nonces[tx.NonceAccount] != tx.NonceValue {
			return "", errors.NewError(errors.KindNonce, errors.CodeAdvanceFailed, errors.ErrMsgNonceAdvanceFailed)
		}
		m.nonces[tx.NonceAccount] = randomHash()
	}
	m.confirmed[tx.Signature] = true
	return tx.Signature, nil
}

func (m *mockNetwork) ConfirmTransaction(_ context.Context, sig string) (*types.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confirmed[sig] {
		return &types.Confirmation{Status: types.ConfirmationConfirmed, Slot: 1}, nil
	}
	return &types.Confirmation{Status: types.ConfirmationNotFound}, nil
}

// land records a transaction submitted by somebody else.
func (m *mockNetwork) land(sig string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[sig] = true
}

func (m *mockNetwork) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

type fakeChannel struct {
	*transport.Base
	mu    sync.Mutex
	delay time.Duration
	errs  []error
	calls int
	sent  []string
}

func newFakeChannel(kind transport.Kind) *fakeChannel {
	return &fakeChannel{Base: transport.NewBase(kind)}
}

func (f *fakeChannel) Start(context.Context) error {
	f.MarkStarted()
	return nil
}

func (f *fakeChannel) StartAdvertising(_ context.Context, id transport.Identity) error {
	f.SetAdvertising(true, id)
	return nil
}

func (f *fakeChannel) StopAdvertising() error {
	f.SetAdvertising(false, transport.Identity{})
	return nil
}

func (f *fakeChannel) StartBrowsing(context.Context) error {
	f.SetBrowsing(true)
	return nil
}

func (f *fakeChannel) StopBrowsing() error {
	f.SetBrowsing(false)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, env string, to transport.Peer) error {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	delay := f.delay
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transport.SendError(ctx, f.Kind(), ctx.Err())
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	return nil
}

func (f *fakeChannel) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	wallet   *Orchestrator
	signer   *testSigner
	network  *mockNetwork
	queue    *queue.Queue
	ledger   *nonce.Ledger
	engine   *syncer.Engine
	bus      *events.EventBus
	channel  *fakeChannel
	manager  *transport.Manager
	limiter  *ratelimit.RateLimiter
	codec    *envelope.Codec
	maxChars int
}

type option func(*harness, *Config)

func newHarness(t *testing.T, network *mockNetwork, online bool, opts ...option) *harness {
	t.Helper()
	h := &harness{network: network, signer: newTestSigner(t), maxChars: envelope.DefaultMaxChars}
	cfg := Config{SendTimeout: time.Second, SendAttempts: 3, SendBackoff: time.Millisecond}
	for _, o := range opts {
		o(h, &cfg)
	}

	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	stores, err := store.NewStores(p)
	require.NoError(t, err)
	h.queue, err = queue.NewQueue(stores.Queue, queue.Options{MaxAttempts: 3, RetryBase: 0, RetryMax: time.Minute})
	require.NoError(t, err)
	h.ledger, err = nonce.NewLedger(stores.Nonce, network, time.Hour)
	require.NoError(t, err)
	h.bus = events.NewEventBus()
	h.engine, err = syncer.NewEngine(syncer.Deps{
		Queue:      h.queue,
		Ledger:     h.ledger,
		Network:    network,
		StateStore: stores.SyncState,
		Bus:        h.bus,
	}, syncer.Config{ConfirmTimeout: 200 * time.Millisecond, ConfirmPoll: 10 * time.Millisecond})
	require.NoError(t, err)
	h.engine.SetOnline(online)
	h.codec, err = envelope.NewCodec(h.maxChars, transaction.EnvelopeVersionCompact)
	require.NoError(t, err)

	h.manager = transport.NewManager()
	h.channel = newFakeChannel(transport.KindBluetooth)
	require.NoError(t, h.manager.Register(h.channel))
	require.Empty(t, h.manager.Start(context.Background()))
	if h.limiter == nil {
		h.limiter = ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{MaxRequests: 100, WindowSize: time.Minute})
	}

	h.wallet, err = NewOrchestrator(Deps{
		Signer:     h.signer,
		Network:    network,
		Ledger:     h.ledger,
		Codec:      h.codec,
		Queue:      h.queue,
		Engine:     h.engine,
		Transports: h.manager,
		Limiter:    h.limiter,
		Bus:        h.bus,
	}, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.wallet.Close()
		_ = h.manager.Close()
		h.engine.Close()
		h.limiter.Stop()
		h.ledger.Close()
		h.queue.Close()
		h.bus.Close()
		_ = stores.Close()
	})
	return h
}

// waitFor reads events until one of type want arrives.
func waitFor(t *testing.T, ch <-chan events.WalletEvent, want events.EventType) events.WalletEvent {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type() == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return nil
		}
	}
}

func TestOrchestrator_SendTimeoutIsReconciledWithoutResend(t *testing.T) {
	ctx := context.Background()
	network := newMockNetwork()
	h := newHarness(t, network, true, func(_ *harness, c *Config) { c.SendTimeout = 30 * time.Millisecond })
	h.channel.delay = time.Second
	h.channel.Discovered(transport.Peer{DeviceID: "phone-b", DisplayIdentity: "Bob", LastSeen: time.Now()})
	_, sub := h.wallet.Subscribe()

	res, err := h.wallet.Send(ctx, SendRequest{
		Recipient: randomAddress(t),
		Amount:    "1.5",
		Symbol:    "SOL",
		Auth:      pin,
		Transport: transport.KindBluetooth,
		DeviceID:  "phone-b",
	})
	require.NoError(t, err)
	assert.False(t, res.Offline)
	assert.Equal(t, transaction.DeliveryUnknown, res.Delivery)
	assert.True(t, errors.Is(res.DeliveryErr, errors.ErrTransportTimeout))
	assert.Equal(t, 1, h.channel.sendCalls(), "a timeout is not retried")

	ev := waitFor(t, sub, events.EventDeliveryUnknown)
	assert.Equal(t, res.Package.ID, ev.PackageID())
	d, ok := h.wallet.Delivery(res.Package.ID)
	require.True(t, ok)
	assert.Equal(t, transaction.DeliveryUnknown, d.State)

	item, err := h.queue.Get(ctx, res.Package.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, item.Status)
	assert.Zero(t, item.Attempts)

	// the peer got the envelope after all and submitted it
	network.land(res.Package.ChainSignature())

	result := h.engine.ForceSync(ctx)
	require.True(t, result.Success, "%v", result.Errors)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, network.submitCount())

	item, err = h.queue.Get(ctx, res.Package.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, item.Status)
	confirmed := waitFor(t, sub, events.EventTransactionConfirmed).(*events.TransactionConfirmed)
	assert.True(t, confirmed.Reconciled())
}

func unsupportedEnvelope(body []byte) string {
	buf := []byte{'P', 'P'}
	buf = binary.AppendUvarint(buf, 9999)
	buf = append(buf, body...)
	sum := blake3.Sum256(buf)
	return envelope.ArmorPrefix + base58.Encode(append(buf, sum[:16]...))
}

func TestOrchestrator_ReceiveRejectsUnsupportedVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockNetwork(), true)
	_, sub := h.wallet.Subscribe()

	res, err := h.wallet.Receive(ctx, unsupportedEnvelope([]byte(`{"id":"future"}`)), "phone-z")
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedVersion))

	items, err := h.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	rejected := waitFor(t, sub, events.EventEnvelopeRejected).(*events.EnvelopeRejected)
	assert.Equal(t, manualSource, rejected.Transport())

	_, err = h.wallet.Receive(ctx, "not an envelope", "phone-z")
	assert.True(t, errors.Is(err, errors.ErrMalformedEnvelope))
}

func TestOrchestrator_OfflineSendSettlesThroughPeer(t *testing.T) {
	ctx := context.Background()
	network := newMockNetwork()
	sender := newHarness(t, network, false)
	receiver := newHarness(t, network, true)

	res, err := sender.wallet.Send(ctx, SendRequest{
		Recipient: receiver.signer.Address(),
		Amount:    "2",
		Symbol:    "SOL",
		Memo:      "  rent ",
		Auth:      pin,
	})
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, res.Delivery)
	ref := res.Package.Provenance.NonceUsed
	require.NotNil(t, ref)
	assert.Equal(t, "rent", res.Package.Metadata.Memo)
	assert.Empty(t, res.Package.Provenance.RecentBlockhash)

	held, err := sender.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, res.Package.ID, held[0].PackageID)

	got, err := receiver.wallet.Receive(ctx, res.Envelope, "phone-a")
	require.NoError(t, err)
	assert.False(t, got.Duplicate)
	assert.Equal(t, res.Package.ID, got.Package.ID)
	assert.Equal(t, types.DirectionInbound, got.Queued.Direction)

	again, err := receiver.wallet.Receive(ctx, res.Envelope, "phone-a")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Package.ID, again.PackageID)

	// same package in the JSON framing is caught by the queue, not the envelope cache
	relabeled := *res.Package
	relabeled.EnvelopeVersion = transaction.EnvelopeVersionJSON
	text, err := receiver.codec.Encode(&relabeled)
	require.NoError(t, err)
	require.NotEqual(t, res.Envelope, text)
	again, err = receiver.wallet.Receive(ctx, text, "phone-a")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	require.NotNil(t, again.Package)
	assert.Equal(t, res.Package.ID, again.Package.ID)

	result := receiver.engine.ForceSync(ctx)
	require.True(t, result.Success, "%v", result.Errors)
	assert.Equal(t, 1, network.submitCount())

	// the sender comes online and finds its transfer already settled
	sender.engine.SetOnline(true)
	result = sender.engine.ForceSync(ctx)
	require.True(t, result.Success, "%v", result.Errors)
	assert.Equal(t, 1, network.submitCount())

	item, err := sender.queue.Get(ctx, res.Package.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, item.Status)
	reservations, err := sender.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, types.NonceConsumed, reservations[0].State)
}

func TestOrchestrator_SendValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockNetwork(), true)
	to := randomAddress(t)

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"zero amount", SendRequest{Recipient: to, Amount: "0", Symbol: "SOL", Auth: pin}, errors.ErrInvalidAmount},
		{"garbage amount", SendRequest{Recipient: to, Amount: "1.2.3", Symbol: "SOL", Auth: pin}, errors.ErrInvalidAmount},
		{"bad recipient", SendRequest{Recipient: "0OIl", Amount: "1", Symbol: "SOL", Auth: pin}, errors.ErrInvalidAddress},
		{"self", SendRequest{Recipient: h.signer.Address(), Amount: "1", Symbol: "SOL", Auth: pin}, errors.ErrInvalidAddress},
		{"locked signer", SendRequest{Recipient: to, Amount: "1", Symbol: "SOL"}, errors.ErrAuthenticationRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.wallet.Send(ctx, tt.req)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	items, err := h.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOrchestrator_TooLargeEnvelopeReleasesNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockNetwork(), false, func(h *harness, _ *Config) { h.maxChars = 64 })

	_, err := h.wallet.Send(ctx, SendRequest{Recipient: randomAddress(t), Amount: "1", Symbol: "SOL", Auth: pin})
	assert.True(t, errors.Is(err, errors.ErrEnvelopeTooLarge))

	reservations, err := h.ledger.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, types.NonceFresh, reservations[0].State)
	items, err := h.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOrchestrator_TransportRetriesSendFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockNetwork(), false)
	busy := errors.NewError(errors.KindTransport, errors.CodeTransportSendFailed, "radio busy")
	h.channel.errs = []error{busy, busy}
	h.channel.Discovered(transport.Peer{DeviceID: "phone-b", LastSeen: time.Now()})

	res, err := h.wallet.Send(ctx, SendRequest{
		Recipient: randomAddress(t), Amount: "1", Symbol: "SOL", Auth: pin,
		Transport: transport.KindBluetooth, DeviceID: "phone-b",
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.DeliveryAcked, res.Delivery)
	assert.NoError(t, res.DeliveryErr)
	assert.Equal(t, 3, h.channel.sendCalls())

	// an unknown peer is not retried and leaves the package queued
	state, err := h.wallet.Resend(ctx, res.Package.ID, transport.KindBluetooth, "phone-x")
	assert.Equal(t, transaction.DeliveryFailed, state)
	assert.True(t, errors.Is(err, errors.ErrPeerNotFound))
	assert.Equal(t, 3, h.channel.sendCalls())

	state, err = h.wallet.Resend(ctx, res.Package.ID, transport.KindBluetooth, "phone-b")
	require.NoError(t, err)
	assert.Equal(t, transaction.DeliveryAcked, state)
	item, err := h.queue.Get(ctx, res.Package.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, item.Status)
}

func TestOrchestrator_ReceivesFromTransportsAndRateLimits(t *testing.T) {
	ctx := context.Background()
	network := newMockNetwork()
	sender := newHarness(t, network, true)
	receiver := newHarness(t, network, false, func(h *harness, _ *Config) {
		h.limiter = ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{MaxRequests: 1, WindowSize: time.Minute})
	})

	first, err := sender.wallet.Send(ctx, SendRequest{Recipient: receiver.signer.Address(), Amount: "1", Symbol: "SOL", Auth: pin})
	require.NoError(t, err)
	second, err := sender.wallet.Send(ctx, SendRequest{Recipient: receiver.signer.Address(), Amount: "3", Symbol: "SOL", Auth: pin})
	require.NoError(t, err)

	receiver.channel.Received("phone-a", first.Envelope)
	ok, err := receiver.queue.Contains(ctx, first.Package.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = receiver.wallet.Receive(ctx, second.Envelope, "phone-a")
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	ok, err = receiver.queue.Contains(ctx, second.Package.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// a repeat of an accepted envelope is answered without spending the budget
	again, err := receiver.wallet.Receive(ctx, first.Envelope, "phone-a")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Package.ID, again.PackageID)
}

func TestOrchestrator_ReceiveRejectsForgedPackage(t *testing.T) {
	ctx := context.Background()
	network := newMockNetwork()
	sender := newHarness(t, network, true)
	receiver := newHarness(t, network, true)

	res, err := sender.wallet.Send(ctx, SendRequest{Recipient: receiver.signer.Address(), Amount: "1", Symbol: "SOL", Auth: pin})
	require.NoError(t, err)

	forged := *res.Package
	forged.Metadata.Amount = "100"
	text, err := receiver.codec.Encode(&forged)
	require.NoError(t, err)

	_, err = receiver.wallet.Receive(ctx, text, "phone-a")
	assert.Equal(t, errors.CodeInvalidPackage, errors.CodeOf(err))
	ok, err := receiver.queue.Contains(ctx, forged.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
