package nonce

import (
	"context"
	"sort"
	"time"

	"github.com/mezonai/peerpay/actor"
	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/types"
)

const DefaultTTL = 24 * time.Hour

// Ledger hands out durable nonces for offline signing and tracks their
// lifecycle. It is the only writer of nonce state; every method runs on the
// ledger's mailbox goroutine.
type Ledger struct {
	mailbox *actor.Mailbox
	store   store.NonceStore
	network interfaces.NetworkClient
	ttl     time.Duration
	now     func() time.Time

	// owned by the mailbox goroutine
	byAccount map[string]*types.NonceReservation
	byValue   map[string]string
}

type Option func(*Ledger)

// WithClock replaces time.Now, used by tests to move past the TTL.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger loads the persisted reservations and starts the ledger.
func NewLedger(st store.NonceStore, network interfaces.NetworkClient, ttl time.Duration, opts ...Option) (*Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Ledger{
		store:     st,
		network:   network,
		ttl:       ttl,
		now:       time.Now,
		byAccount: make(map[string]*types.NonceReservation),
		byValue:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}

	reservations, err := st.LoadReservations()
	if err != nil {
		return nil, err
	}
	for _, r := range reservations {
		l.index(r)
	}
	logx.Info("NONCE", "Loaded ", len(reservations), " nonce accounts")

	l.mailbox = actor.NewMailbox("nonce-ledger", 32)
	return l, nil
}

func (l *Ledger) Close() {
	l.mailbox.Close()
}

func (l *Ledger) index(r *types.NonceReservation) {
	if old, ok := l.byAccount[r.NonceAccount]; ok && old.NonceValue != r.NonceValue {
		// superseded values stay resolvable through the consumed set only
		delete(l.byValue, old.NonceValue)
	}
	l.byAccount[r.NonceAccount] = r
	l.byValue[r.NonceValue] = r.NonceAccount
}

func clone(r *types.NonceReservation) *types.NonceReservation {
	c := *r
	return &c
}

// Reserve returns a nonce usable for signing under authority. A known account
// is reused when no package holds it and its value has not been consumed;
// otherwise a new account is created, which needs the network.
func (l *Ledger) Reserve(ctx context.Context, authority string) (*types.NonceReservation, error) {
	return actor.Call(ctx, l.mailbox, func() (*types.NonceReservation, error) {
		if r := l.reuse(ctx, authority); r != nil {
			monitoring.IncreaseNonceReservation("reused")
			return clone(r), nil
		}

		info, err := l.network.CreateNonceAccount(ctx, authority)
		if err != nil {
			return nil, errors.Wrap(errors.KindNonce, errors.CodeCreationFailed, errors.ErrMsgNonceCreationFailed, err)
		}
		if info == nil || info.Address == "" || info.Value == "" {
			return nil, errors.NewError(errors.KindNonce, errors.CodeCreationFailed, errors.ErrMsgNonceCreationFailed)
		}
		consumed, err := l.store.IsConsumed(info.Value)
		if err != nil {
			return nil, err
		}
		if consumed {
			return nil, errors.Newf(errors.KindNonce, errors.CodeCreationFailed, "new nonce account %s returned consumed value", info.Address)
		}

		r := l.newReservation(info.Address, info.Value, authority)
		if err := l.store.SaveReservation(r); err != nil {
			return nil, err
		}
		l.index(r)
		monitoring.IncreaseNonceReservation("created")
		logx.Info("NONCE", "Created nonce account ", r.NonceAccount, " for ", authority)
		return clone(r), nil
	})
}

func (l *Ledger) newReservation(account, value, authority string) *types.NonceReservation {
	now := l.now()
	return &types.NonceReservation{
		NonceAccount:      account,
		NonceValue:        value,
		Authority:         authority,
		ReservedAt:        now,
		ExpiresAt:         now.Add(l.ttl),
		State:             types.NonceReserved,
		LastObservedValue: value,
	}
}

// reuse picks a known account of authority that no signed package holds.
// Fresh accounts and unbound ones past their TTL qualify; consumed or
// invalidated accounts qualify once the chain shows a new value. When the
// chain cannot be read, only a Fresh account still inside its TTL is handed
// out with its cached value, and sync checks it on chain before submitting.
func (l *Ledger) reuse(ctx context.Context, authority string) *types.NonceReservation {
	now := l.now()
	accounts := make([]string, 0, len(l.byAccount))
	for acct, r := range l.byAccount {
		if r.Authority != authority {
			continue
		}
		if r.State == types.NonceReserved && !r.IsBound() && r.IsExpired(now) {
			r.State = types.NonceExpired
			l.persist(r)
			logx.Info("NONCE", "Unused reservation on ", common.ShortenLog(acct), " expired")
		}
		if l.reusable(r) {
			accounts = append(accounts, acct)
		}
	}
	sort.Strings(accounts)

	for _, acct := range accounts {
		cached := l.byAccount[acct]
		value, err := l.network.GetNonceAccountValue(ctx, acct)
		if err != nil {
			if !l.usableOffline(cached, now) {
				logx.Warn("NONCE", "Skipping nonce account ", acct, ": ", err)
				continue
			}
			r := l.newReservation(acct, cached.NonceValue, authority)
			r.ExpiresAt = cached.ExpiresAt
			if l.save(r) {
				logx.Info("NONCE", "Chain unreachable, reusing cached nonce on ", common.ShortenLog(acct))
				return r
			}
			continue
		}
		consumed, err := l.store.IsConsumed(value)
		if err != nil || consumed {
			continue
		}
		r := l.newReservation(acct, value, authority)
		if l.save(r) {
			logx.Info("NONCE", "Reusing nonce account ", acct)
			return r
		}
	}
	return nil
}

func (l *Ledger) reusable(r *types.NonceReservation) bool {
	switch r.State {
	case types.NonceFresh, types.NonceConsumed, types.NonceInvalid:
		return true
	case types.NonceExpired:
		return !r.IsBound()
	}
	return false
}

// usableOffline reports whether the cached value can be signed against
// without asking the chain.
func (l *Ledger) usableOffline(r *types.NonceReservation, now time.Time) bool {
	if r.State != types.NonceFresh || r.IsExpired(now) {
		return false
	}
	if r.LastObservedValue != "" && r.LastObservedValue != r.NonceValue {
		return false
	}
	consumed, err := l.store.IsConsumed(r.NonceValue)
	return err == nil && !consumed
}

func (l *Ledger) save(r *types.NonceReservation) bool {
	if err := l.store.SaveReservation(r); err != nil {
		logx.Error("NONCE", "Save reservation failed: ", err)
		return false
	}
	l.index(r)
	return true
}

// CheckStatus compares the chain value of the account holding nonceValue with
// the cached reservation. It refreshes the cache and may mark the reservation
// Expired or Invalid, never Consumed.
func (l *Ledger) CheckStatus(ctx context.Context, nonceValue string) types.NonceStatus {
	status, err := actor.Call(ctx, l.mailbox, func() (types.NonceStatus, error) {
		return l.checkStatus(ctx, nonceValue), nil
	})
	if err != nil {
		return types.NonceStatus{Err: err}
	}
	return status
}

func (l *Ledger) checkStatus(ctx context.Context, nonceValue string) types.NonceStatus {
	consumedLocally, err := l.store.IsConsumed(nonceValue)
	if err != nil {
		return types.NonceStatus{Err: err}
	}

	acct, ok := l.byValue[nonceValue]
	if !ok {
		if consumedLocally {
			return types.NonceStatus{IsValid: true, IsUsed: true}
		}
		return types.NonceStatus{Err: errors.Newf(errors.KindNonce, errors.CodeNotFound, "unknown nonce value %s", nonceValue)}
	}
	r := l.byAccount[acct]
	consumedLocally = consumedLocally || r.State == types.NonceConsumed

	status := types.NonceStatus{ExpiresAt: r.ExpiresAt, IsUsed: consumedLocally}
	chainValue, err := l.network.GetNonceAccountValue(ctx, acct)
	if err != nil {
		if errors.Is(err, errors.ErrNonceNotFound) {
			r.State = types.NonceInvalid
			l.persist(r)
		}
		status.IsValid = r.State != types.NonceInvalid && r.State != types.NonceExpired
		status.Err = errors.Wrap(errors.KindNonce, errors.CodeVerificationFailed, "read nonce account "+acct, err)
		return status
	}

	changed := r.LastObservedValue != chainValue
	r.LastObservedValue = chainValue
	if chainValue != r.NonceValue {
		status.IsUsed = true
	}
	if !status.IsUsed && r.State == types.NonceReserved && r.IsExpired(l.now()) {
		r.State = types.NonceExpired
		changed = true
		logx.Info("NONCE", "Reservation on ", acct, " expired")
	}
	if changed {
		l.persist(r)
	}

	status.IsValid = r.State != types.NonceInvalid && r.State != types.NonceExpired
	if r.State == types.NonceExpired {
		status.Err = errors.NewError(errors.KindNonce, errors.CodeExpired, errors.ErrMsgNonceExpired)
	}
	return status
}

func (l *Ledger) persist(r *types.NonceReservation) {
	if err := l.store.SaveReservation(r); err != nil {
		logx.Error("NONCE", "Persist reservation ", r.NonceAccount, " failed: ", err)
	}
}

// Advance marks the reservation Consumed once its transaction is confirmed.
// The ledger must still hold the same value in a non consumed state; anything
// else means another transaction got there first.
func (l *Ledger) Advance(ctx context.Context, reservation *types.NonceReservation) error {
	if reservation == nil {
		return errors.NewError(errors.KindNonce, errors.CodeNotFound, "nil reservation")
	}
	_, err := actor.Call(ctx, l.mailbox, func() (struct{}, error) {
		r, ok := l.byAccount[reservation.NonceAccount]
		if !ok {
			return struct{}{}, errors.Newf(errors.KindNonce, errors.CodeNotFound, "unknown nonce account %s", reservation.NonceAccount)
		}
		if r.NonceValue != reservation.NonceValue || r.State == types.NonceConsumed || r.State == types.NonceInvalid {
			return struct{}{}, l.conflict(r, reservation)
		}
		consumed, err := l.store.IsConsumed(reservation.NonceValue)
		if err != nil {
			return struct{}{}, err
		}
		if consumed {
			return struct{}{}, l.conflict(r, reservation)
		}

		next := clone(r)
		next.State = types.NonceConsumed
		next.PackageID = ""
		if err := l.store.Consume(next); err != nil {
			return struct{}{}, err
		}
		*r = *next
		logx.Info("NONCE", "Consumed nonce ", common.ShortenLog(r.NonceValue), " on ", common.ShortenLog(r.NonceAccount))
		return struct{}{}, nil
	})
	return err
}

// Bind ties a reservation to the package signed with it.
func (l *Ledger) Bind(ctx context.Context, reservation *types.NonceReservation, packageID string) error {
	if reservation == nil {
		return errors.NewError(errors.KindNonce, errors.CodeNotFound, "nil reservation")
	}
	_, err := actor.Call(ctx, l.mailbox, func() (struct{}, error) {
		r, ok := l.byAccount[reservation.NonceAccount]
		if !ok || r.NonceValue != reservation.NonceValue || r.State != types.NonceReserved {
			return struct{}{}, errors.Newf(errors.KindNonce, errors.CodeNotFound, "no reservation of %s on %s to bind", reservation.NonceValue, reservation.NonceAccount)
		}
		if r.IsBound() && r.PackageID != packageID {
			return struct{}{}, errors.Newf(errors.KindNonce, errors.CodeVerificationFailed, "nonce %s already signs package %s", reservation.NonceValue, r.PackageID)
		}
		next := clone(r)
		next.PackageID = packageID
		if err := l.store.SaveReservation(next); err != nil {
			return struct{}{}, err
		}
		*r = *next
		return struct{}{}, nil
	})
	return err
}

func (l *Ledger) conflict(current, expected *types.NonceReservation) error {
	logx.Warn("NONCE", "Advance conflict on ", current.NonceAccount, ": expected ", expected.NonceValue,
		" have ", current.NonceValue, " (", current.State, ")")
	return errors.NewError(errors.KindNonce, errors.CodeAdvanceFailed, errors.ErrMsgNonceAdvanceFailed)
}

// Release returns an unused reservation so the account can be handed out
// again, also when a package was bound to it but never landed. It is a no-op
// unless the ledger still holds the same value as Reserved or Expired.
func (l *Ledger) Release(ctx context.Context, reservation *types.NonceReservation) error {
	if reservation == nil {
		return nil
	}
	_, err := actor.Call(ctx, l.mailbox, func() (struct{}, error) {
		r, ok := l.byAccount[reservation.NonceAccount]
		if !ok || r.NonceValue != reservation.NonceValue {
			return struct{}{}, nil
		}
		if r.State != types.NonceReserved && r.State != types.NonceExpired {
			return struct{}{}, nil
		}
		r.State = types.NonceFresh
		r.PackageID = ""
		return struct{}{}, l.store.SaveReservation(r)
	})
	return err
}

// Invalidate records that the reservation lost a race on chain. The account
// is re-read before any later reuse.
func (l *Ledger) Invalidate(ctx context.Context, reservation *types.NonceReservation) error {
	if reservation == nil {
		return nil
	}
	_, err := actor.Call(ctx, l.mailbox, func() (struct{}, error) {
		r, ok := l.byAccount[reservation.NonceAccount]
		if !ok || r.NonceValue != reservation.NonceValue || r.State == types.NonceConsumed {
			return struct{}{}, nil
		}
		r.State = types.NonceInvalid
		r.PackageID = ""
		logx.Warn("NONCE", "Nonce ", common.ShortenLog(r.NonceValue), " on ", common.ShortenLog(r.NonceAccount), " was consumed by another transaction")
		return struct{}{}, l.store.SaveReservation(r)
	})
	return err
}

// Reservations returns a snapshot ordered by account.
func (l *Ledger) Reservations(ctx context.Context) ([]*types.NonceReservation, error) {
	return actor.Call(ctx, l.mailbox, func() ([]*types.NonceReservation, error) {
		out := make([]*types.NonceReservation, 0, len(l.byAccount))
		for _, r := range l.byAccount {
			out = append(out, clone(r))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NonceAccount < out[j].NonceAccount })
		return out, nil
	})
}
