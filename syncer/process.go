package syncer

import (
	"context"
	"time"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/types"
)

// process runs one attempt of an item already marked Processing. The chain
// is asked first, so a payload that already landed is never sent twice.
func (e *Engine) process(ctx context.Context, item *types.QueuedTransaction) error {
	// bookkeeping must finish even when the caller gives up
	bg := context.WithoutCancel(ctx)
	pkg := item.Transaction

	signature := item.Signature
	if signature == "" {
		signature = pkg.ChainSignature()
	}
	if signature != "" {
		conf, err := e.deps.Network.ConfirmTransaction(ctx, signature)
		if err != nil {
			return e.fail(bg, item, err)
		}
		switch conf.Status {
		case types.ConfirmationConfirmed:
			logx.Info("SYNC", "Transaction ", item.ID, " already on chain, reconciled without sending")
			return e.complete(bg, item, signature, true)
		case types.ConfirmationFailed:
			return e.fail(bg, item, errors.Newf(errors.KindTransaction, errors.CodeBroadcastFailed,
				"transaction %s failed on chain: %s", item.ID, conf.Err))
		case types.ConfirmationPending:
			// landed but not final; wait for it instead of sending again
			return e.await(ctx, item, signature)
		}
	}

	if ref := pkg.Provenance.NonceUsed; ref != nil {
		used, err := e.nonceUsed(ctx, item, ref)
		if err != nil {
			return e.fail(bg, item, err)
		}
		if used {
			return e.conflict(bg, item)
		}
	}

	chainSig, err := e.deps.Network.SubmitTransaction(ctx, pkg.Payload)
	if err != nil {
		if errors.Is(err, errors.ErrNonceAdvanceFailed) {
			return e.conflict(bg, item)
		}
		return e.fail(bg, item, err)
	}
	if err := e.deps.Queue.RecordSubmission(bg, item.ID, chainSig); err != nil {
		logx.Error("SYNC", "Record submission of ", item.ID, " failed: ", err)
	}
	e.publish(events.NewTransactionSubmitted(item.ID, chainSig))
	logx.Info("SYNC", "Submitted ", item.Direction, " transaction ", item.ID, " as ", chainSig)

	return e.await(ctx, item, chainSig)
}

// nonceUsed reports whether the durable nonce of the package was consumed on
// chain. Outbound packages go through the ledger, which owns the reservation;
// inbound ones carry another device's nonce and are checked directly.
func (e *Engine) nonceUsed(ctx context.Context, item *types.QueuedTransaction, ref *transaction.NonceRef) (bool, error) {
	if item.Direction == types.DirectionOutbound {
		status := e.deps.Ledger.CheckStatus(ctx, ref.NonceValue)
		switch {
		case status.IsUsed:
			return true, nil
		case status.Err == nil, errors.Is(status.Err, errors.ErrNonceExpired):
			// an expired reservation still signs validly while the chain value is unchanged
			return false, nil
		case !errors.Is(status.Err, errors.ErrNonceNotFound):
			return false, status.Err
		}
	}
	value, err := e.deps.Network.GetNonceAccountValue(ctx, ref.NonceAccount)
	if err != nil {
		return false, err
	}
	return value != ref.NonceValue, nil
}

// conflict settles an item whose nonce was consumed by another transaction.
func (e *Engine) conflict(ctx context.Context, item *types.QueuedTransaction) error {
	ref := item.Transaction.Provenance.NonceUsed
	if item.Direction == types.DirectionOutbound && ref != nil {
		if err := e.deps.Ledger.Invalidate(ctx, types.ReservationFromRef(ref)); err != nil {
			logx.Error("SYNC", "Invalidate nonce of ", item.ID, " failed: ", err)
		}
	}
	return e.fail(ctx, item, errors.NewError(errors.KindNonce, errors.CodeAdvanceFailed, errors.ErrMsgNonceAdvanceFailed))
}

func (e *Engine) await(ctx context.Context, item *types.QueuedTransaction, signature string) error {
	bg := context.WithoutCancel(ctx)
	deadline := time.NewTimer(e.cfg.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.ConfirmPoll)
	defer poll.Stop()

	for {
		conf, err := e.deps.Network.ConfirmTransaction(ctx, signature)
		if err != nil {
			logx.Debug("SYNC", "Confirmation of ", item.ID, " not available: ", err)
		} else {
			switch conf.Status {
			case types.ConfirmationConfirmed:
				return e.complete(bg, item, signature, false)
			case types.ConfirmationFailed:
				return e.fail(bg, item, errors.Newf(errors.KindTransaction, errors.CodeBroadcastFailed,
					"transaction %s failed on chain: %s", item.ID, conf.Err))
			}
		}

		select {
		case <-ctx.Done():
			return e.fail(bg, item, errors.Wrap(errors.KindTransaction, errors.CodeConfirmationFailed, "confirmation interrupted", ctx.Err()))
		case <-deadline.C:
			return e.fail(bg, item, errors.Newf(errors.KindTransaction, errors.CodeConfirmationFailed,
				"transaction %s not confirmed within %s", item.ID, e.cfg.ConfirmTimeout))
		case <-poll.C:
		}
	}
}

// complete archives the item and, for our own offline sends, consumes the nonce.
func (e *Engine) complete(ctx context.Context, item *types.QueuedTransaction, signature string, reconciled bool) error {
	done, err := e.deps.Queue.MarkAsCompleted(ctx, item.ID, signature)
	if err != nil {
		return err
	}
	ref := item.Transaction.Provenance.NonceUsed
	if item.Direction == types.DirectionOutbound && ref != nil {
		if err := e.deps.Ledger.Advance(ctx, types.ReservationFromRef(ref)); err != nil {
			// the transfer is settled either way; the ledger only loses its cache entry
			logx.Warn("SYNC", "Advance nonce after ", item.ID, " failed: ", err)
		}
	}
	monitoring.RecordTimeToSettlement(e.cfg.Now().Sub(done.CreatedAt))
	e.publish(events.NewTransactionConfirmed(item.ID, signature, reconciled))
	return nil
}

// fail records the failed attempt. A retryable failure keeps the nonce bound
// to the package; a permanent one hands it back to the ledger.
func (e *Engine) fail(ctx context.Context, item *types.QueuedTransaction, cause error) error {
	permanent := isPermanent(cause)
	failed, err := e.deps.Queue.MarkAsFailed(ctx, item.ID, cause, permanent)
	if err != nil {
		logx.Error("SYNC", "Mark ", item.ID, " failed: ", err)
		return err
	}
	var count int
	e.update(func(s *types.SyncState) {
		s.ErrorCount++
		count = s.ErrorCount
	})
	monitoring.SetSyncErrorCount(count)

	if permanent {
		e.settleNonce(ctx, item, cause)
	}

	exhausted := permanent || !failed.Retryable(e.deps.Queue.MaxAttempts())
	if exhausted {
		logx.Warn("SYNC", "Transaction ", item.ID, " needs attention: ", cause)
	} else {
		logx.Info("SYNC", "Attempt ", failed.Attempts, " of ", item.ID, " failed, will retry: ", cause)
	}
	e.publish(events.NewTransactionFailed(item.ID, failed.LastError, exhausted))
	return cause
}

// settleNonce frees the reservation of an outbound package that will not be
// submitted again. A payload rejected on chain may still have moved the
// nonce, so the account is invalidated and re-read before reuse; otherwise
// the value is released as is. Conflicts were invalidated already.
func (e *Engine) settleNonce(ctx context.Context, item *types.QueuedTransaction, cause error) {
	ref := item.Transaction.Provenance.NonceUsed
	if item.Direction != types.DirectionOutbound || ref == nil {
		return
	}
	var err error
	switch errors.CodeOf(cause) {
	case errors.CodeAdvanceFailed:
		return
	case errors.CodeBroadcastFailed:
		err = e.deps.Ledger.Invalidate(ctx, types.ReservationFromRef(ref))
	default:
		err = e.deps.Ledger.Release(ctx, types.ReservationFromRef(ref))
	}
	if err != nil {
		logx.Error("SYNC", "Settle nonce of ", item.ID, " failed: ", err)
	}
}

// isPermanent lists failures that retrying cannot fix.
func isPermanent(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeInsufficientFunds, errors.CodeBroadcastFailed, errors.CodeAdvanceFailed:
		return true
	}
	return !errors.IsRetryable(err)
}

func (e *Engine) publish(ev events.WalletEvent) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ev)
	}
}
