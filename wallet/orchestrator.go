// Package wallet composes the ledger, codec, transports, queue and sync
// engine into the send and receive journeys.
package wallet

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/envelope"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/nonce"
	"github.com/mezonai/peerpay/queue"
	"github.com/mezonai/peerpay/ratelimit"
	"github.com/mezonai/peerpay/security/validation"
	"github.com/mezonai/peerpay/syncer"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/transport"
	"github.com/mezonai/peerpay/types"
)

const (
	DefaultSendTimeout  = 10 * time.Second
	DefaultSendAttempts = 3
	DefaultSendBackoff  = 500 * time.Millisecond

	// source label for envelopes handed to Receive directly
	manualSource = "manual"
)

type Config struct {
	// SendTimeout bounds one transport attempt. A send still running at the
	// deadline is reported Unknown, never Failed.
	SendTimeout  time.Duration
	SendAttempts int
	SendBackoff  time.Duration
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = DefaultSendBackoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the services the orchestrator composes. Transports, Limiter and
// Bus are optional.
type Deps struct {
	Signer     interfaces.Signer
	Network    interfaces.NetworkClient
	Ledger     *nonce.Ledger
	Codec      *envelope.Codec
	Queue      *queue.Queue
	Engine     *syncer.Engine
	Transports *transport.Manager
	Limiter    *ratelimit.RateLimiter
	Bus        *events.EventBus
}

// SendRequest describes a transfer. Amount is a decimal string in units of
// Symbol. Transport and DeviceID are both set to hand the envelope to a peer
// right away; otherwise the caller shares SendResult.Envelope itself.
type SendRequest struct {
	Recipient string
	Amount    string
	Symbol    string
	Memo      string
	Auth      interfaces.AuthContext
	Transport transport.Kind
	DeviceID  string
}

type SendResult struct {
	Package  *transaction.Package
	Envelope string
	Queued   *types.QueuedTransaction
	// Offline is set when the transfer was signed against a durable nonce.
	Offline bool
	// Delivery is empty when no transport was requested.
	Delivery    transaction.DeliveryState
	DeliveryErr error
}

// ReceiveResult describes an accepted envelope. When an identical envelope
// was accepted recently only PackageID and Duplicate are set.
type ReceiveResult struct {
	PackageID string
	Package   *transaction.Package
	Queued    *types.QueuedTransaction
	Duplicate bool
}

type Orchestrator struct {
	deps    Deps
	cfg     Config
	tracker *transaction.DeliveryTracker
	seen    *envelopeDedup
	stopRx  func()
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Signer == nil || deps.Network == nil || deps.Ledger == nil || deps.Codec == nil || deps.Queue == nil || deps.Engine == nil {
		return nil, errors.NewError(errors.KindValidation, errors.CodeInvalidInput, "orchestrator needs a signer, network, ledger, codec, queue and sync engine")
	}
	cfg.applyDefaults()
	o := &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		tracker: transaction.NewDeliveryTracker(),
		seen:    newEnvelopeDedup(DedupBucket, DedupBuckets, cfg.Now),
		stopRx:  func() {},
	}
	if deps.Transports != nil {
		o.stopRx = deps.Transports.OnEnvelope(o.onEnvelope)
	}
	return o, nil
}

// Send validates, signs, packages and enqueues a transfer, then optionally
// hands it to a peer. It returns before the network confirms anything.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	sender := o.deps.Signer.Address()
	amount, err := o.validate(req, sender)
	if err != nil {
		return nil, err
	}
	memo := validation.NormalizeMemo(req.Memo)

	tx := &transaction.Transfer{
		Type:      transaction.TxTypeTransfer,
		Sender:    sender,
		Recipient: req.Recipient,
		Amount:    amount,
		Symbol:    req.Symbol,
		TextData:  memo,
		Timestamp: uint64(o.cfg.Now().UnixMilli()),
	}

	online := o.deps.Engine.IsOnline()
	var reservation *types.NonceReservation
	if online {
		blockhash, err := o.deps.Network.GetLatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		tx.RecentBlockhash = blockhash
	} else {
		reservation, err = o.deps.Ledger.Reserve(ctx, sender)
		if err != nil {
			return nil, err
		}
		tx.Type = transaction.TxTypeTransferDurableNonce
		tx.NonceAccount = reservation.NonceAccount
		tx.NonceValue = reservation.NonceValue
		tx.NonceAuthority = reservation.Authority
	}

	pkg, text, err := o.build(ctx, tx, memo, reservation, req.Auth)
	if err != nil {
		o.release(ctx, reservation)
		return nil, err
	}
	if reservation != nil {
		if err := o.deps.Ledger.Bind(ctx, reservation, pkg.ID); err != nil {
			o.release(ctx, reservation)
			return nil, err
		}
	}
	item, err := o.deps.Queue.Enqueue(ctx, pkg, types.DirectionOutbound)
	if err != nil {
		o.release(ctx, reservation)
		return nil, err
	}
	o.publish(events.NewTransactionQueued(pkg.ID, string(types.DirectionOutbound)))
	logx.Info("WALLET", "Queued transfer ", pkg.ID, " of ", pkg.Metadata.Amount, " ", pkg.Metadata.Symbol, " to ", common.ShortenLog(pkg.Metadata.ToAddress), " offline=", !online)

	res := &SendResult{Package: pkg, Envelope: text, Queued: item, Offline: !online}
	if req.Transport != "" && req.DeviceID != "" {
		res.Delivery, res.DeliveryErr = o.deliver(ctx, pkg.ID, text, req.Transport, req.DeviceID)
	}
	if online {
		o.deps.Engine.Trigger()
	}
	return res, nil
}

func (o *Orchestrator) validate(req SendRequest, sender string) (*uint256.Int, error) {
	if err := validation.ValidateRecipient(req.Recipient, sender); err != nil {
		return nil, err
	}
	if err := validation.ValidateSymbol(req.Symbol); err != nil {
		return nil, err
	}
	amount, err := common.ParseAmount(req.Amount, common.DecimalsFor(req.Symbol))
	if err != nil {
		return nil, errors.Wrap(errors.KindTransaction, errors.CodeInvalidAmount, errors.ErrMsgInvalidAmount, err)
	}
	if err := validation.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := validation.ValidateMemo(req.Memo); err != nil {
		return nil, err
	}
	return amount, nil
}

// build signs tx and wraps it into an encoded package.
func (o *Orchestrator) build(ctx context.Context, tx *transaction.Transfer, memo string, reservation *types.NonceReservation, auth interfaces.AuthContext) (*transaction.Package, string, error) {
	sig, err := o.deps.Signer.Sign(ctx, tx.Serialize(), auth)
	if err != nil {
		return nil, "", err
	}
	tx.Signature = common.EncodeBytesToBase58(sig)

	var ref *transaction.NonceRef
	if reservation != nil {
		ref = reservation.Ref()
	}
	pkg, err := transaction.NewPackage(tx, memo, ref, o.deps.Codec.DefaultVersion())
	if err != nil {
		return nil, "", errors.Wrap(errors.KindSigner, errors.CodeSigningFailed, "build package", err)
	}
	text, err := o.deps.Codec.Encode(pkg)
	if err != nil {
		return nil, "", err
	}
	return pkg, text, nil
}

// release hands an unused nonce back to the ledger.
func (o *Orchestrator) release(ctx context.Context, reservation *types.NonceReservation) {
	if reservation == nil {
		return
	}
	if err := o.deps.Ledger.Release(context.WithoutCancel(ctx), reservation); err != nil {
		logx.Warn("WALLET", "Release nonce ", common.ShortenLog(reservation.NonceValue), " failed: ", err)
	}
}

// Resend hands a queued package to a peer over an explicitly chosen channel,
// typically after the first one failed or timed out.
func (o *Orchestrator) Resend(ctx context.Context, id string, kind transport.Kind, deviceID string) (transaction.DeliveryState, error) {
	item, err := o.deps.Queue.Get(ctx, id)
	if err != nil {
		return "", err
	}
	text, err := o.deps.Codec.Encode(item.Transaction)
	if err != nil {
		return "", err
	}
	return o.deliver(ctx, id, text, kind, deviceID)
}

// deliver sends with bounded retries. Only plain send failures are retried:
// a timeout may already have reached the peer and is reported Unknown, and
// a missing peer or channel will not appear by retrying.
func (o *Orchestrator) deliver(ctx context.Context, id, text string, kind transport.Kind, deviceID string) (transaction.DeliveryState, error) {
	if o.deps.Transports == nil {
		return transaction.DeliveryFailed, transport.Unavailable(kind, nil)
	}
	peer, ok := o.deps.Transports.Peer(deviceID)
	if !ok || !peer.Has(kind) {
		return transaction.DeliveryFailed, transport.PeerNotFound(kind, deviceID)
	}
	if !o.tracker.Begin(id, string(kind), deviceID) {
		return transaction.DeliveryInFlight, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.cfg.SendBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.cfg.SendAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		defer cancel()
		err := o.deps.Transports.Send(sendCtx, kind, text, peer)
		if err == nil {
			return nil
		}
		if errors.CodeOf(err) != errors.CodeTransportSendFailed {
			return backoff.Permanent(err)
		}
		logx.Debug("WALLET", "Send attempt ", attempt, " of ", id, " over ", kind, " failed: ", err)
		return err
	}, policy)

	switch {
	case err == nil:
		o.tracker.Finish(id, transaction.DeliveryAcked)
		logx.Info("WALLET", "Delivered ", id, " to ", deviceID, " over ", kind)
		return transaction.DeliveryAcked, nil
	case errors.Is(err, errors.ErrTransportTimeout):
		// the queue item stays as it is; sync settles it through the network
		o.tracker.Finish(id, transaction.DeliveryUnknown)
		o.publish(events.NewDeliveryUnknown(id, string(kind), deviceID))
		logx.Warn("WALLET", "Delivery of ", id, " to ", deviceID, " over ", kind, " is unknown: ", err)
		return transaction.DeliveryUnknown, err
	default:
		o.tracker.Finish(id, transaction.DeliveryFailed)
		logx.Warn("WALLET", "Delivery of ", id, " over ", kind, " failed after ", attempt, " attempts: ", err)
		return transaction.DeliveryFailed, err
	}
}

// Delivery reports what is known about the last transport handoff of id.
func (o *Orchestrator) Delivery(id string) (transaction.Delivery, bool) {
	return o.tracker.Get(id)
}

// UnknownDeliveries lists handoffs that timed out.
func (o *Orchestrator) UnknownDeliveries() []transaction.Delivery {
	return o.tracker.Unknown()
}

// Receive accepts an envelope handed over out of band, e.g. a scanned code.
func (o *Orchestrator) Receive(ctx context.Context, text, fromDeviceID string) (*ReceiveResult, error) {
	return o.receive(ctx, text, manualSource, fromDeviceID)
}

func (o *Orchestrator) onEnvelope(env transport.Envelope) {
	// listeners run on the channel goroutine; the context only bounds queue calls
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()
	if _, err := o.receive(ctx, env.Text, string(env.Channel), env.DeviceID); err != nil {
		logx.Warn("WALLET", "Envelope from ", env.DeviceID, " over ", env.Channel, " rejected: ", err)
	}
}

// receive never enqueues anything that failed to decode or verify.
func (o *Orchestrator) receive(ctx context.Context, text, source, from string) (*ReceiveResult, error) {
	hash := envelopeHash(text)
	if id, ok := o.seen.Lookup(hash); ok {
		monitoring.RecordEnvelopeReceived(source, "duplicate")
		return &ReceiveResult{PackageID: id, Duplicate: true}, nil
	}

	key := from
	if key == "" {
		key = source
	}
	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Check(key); err != nil {
			o.reject("", source, err)
			return nil, err
		}
	}

	pkg, err := o.deps.Codec.Decode(text)
	if err != nil {
		o.reject("", source, err)
		return nil, err
	}
	if err := pkg.VerifySignatures(); err != nil {
		err = errors.Wrap(errors.KindValidation, errors.CodeInvalidPackage, "package signature check failed", err)
		o.reject(pkg.ID, source, err)
		return nil, err
	}
	if pkg.Metadata.ToAddress != o.deps.Signer.Address() {
		logx.Info("WALLET", "Relaying package ", pkg.ID, " addressed to ", common.ShortenLog(pkg.Metadata.ToAddress))
	}

	item, err := o.deps.Queue.Enqueue(ctx, pkg, types.DirectionInbound)
	if errors.Is(err, errors.ErrDuplicateTransaction) {
		monitoring.RecordEnvelopeReceived(source, "duplicate")
		logx.Info("WALLET", "Package ", pkg.ID, " from ", from, " already known")
		o.seen.Add(hash, pkg.ID)
		return &ReceiveResult{PackageID: pkg.ID, Package: pkg, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	o.seen.Add(hash, pkg.ID)
	monitoring.RecordEnvelopeReceived(source, "accepted")
	o.publish(events.NewTransactionQueued(pkg.ID, string(types.DirectionInbound)))
	logx.Info("WALLET", "Received package ", pkg.ID, " of ", pkg.Metadata.Amount, " ", pkg.Metadata.Symbol, " from ", from, " over ", source)
	if o.deps.Engine.IsOnline() {
		o.deps.Engine.Trigger()
	}
	return &ReceiveResult{PackageID: pkg.ID, Package: pkg, Queued: item}, nil
}

func (o *Orchestrator) reject(id, source string, err error) {
	monitoring.RecordEnvelopeReceived(source, "rejected")
	o.publish(events.NewEnvelopeRejected(id, source, err.Error()))
}

// Subscribe returns a channel of transaction lifecycle events. Call
// Unsubscribe with the id when done. Without a bus the channel is nil.
func (o *Orchestrator) Subscribe() (events.SubscriberID, <-chan events.WalletEvent) {
	if o.deps.Bus == nil {
		return "", nil
	}
	return o.deps.Bus.Subscribe()
}

func (o *Orchestrator) Unsubscribe(id events.SubscriberID) {
	if o.deps.Bus != nil {
		o.deps.Bus.Unsubscribe(id)
	}
}

func (o *Orchestrator) publish(ev events.WalletEvent) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(ev)
	}
}

// Close detaches from the transports. The composed services are owned by the session.
func (o *Orchestrator) Close() {
	o.stopRx()
	o.tracker.Stop()
}
