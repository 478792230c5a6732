package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/types"
)

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Retrying wraps a NetworkClient and retries idempotent reads with
// exponential backoff. Account creation and submission are passed through
// once: their retries belong to the sync engine, keyed by package id.
type Retrying struct {
	inner  interfaces.NetworkClient
	policy RetryPolicy
}

var _ interfaces.NetworkClient = (*Retrying)(nil)

func NewRetrying(inner interfaces.NetworkClient, policy RetryPolicy) *Retrying {
	return &Retrying{inner: inner, policy: policy}
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.policy.MaxRetries), ctx)
}

func retry[T any](ctx context.Context, r *Retrying, name string, op func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		v, err := op()
		if err != nil {
			if !errors.IsRetryable(err) {
				return v, backoff.Permanent(err)
			}
			logx.Debug("RPC", name, " attempt ", attempt, " failed: ", err)
		}
		return v, err
	}, r.backOff(ctx))
}

func (r *Retrying) GetNonceAccountValue(ctx context.Context, nonceAccount string) (string, error) {
	return retry(ctx, r, MethodGetNonceAccount, func() (string, error) {
		return r.inner.GetNonceAccountValue(ctx, nonceAccount)
	})
}

func (r *Retrying) CreateNonceAccount(ctx context.Context, authority string) (*interfaces.NonceAccountInfo, error) {
	return r.inner.CreateNonceAccount(ctx, authority)
}

func (r *Retrying) GetLatestBlockhash(ctx context.Context) (string, error) {
	return retry(ctx, r, MethodGetLatestBlockhash, func() (string, error) {
		return r.inner.GetLatestBlockhash(ctx)
	})
}

func (r *Retrying) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	return r.inner.SubmitTransaction(ctx, signedTx)
}

func (r *Retrying) ConfirmTransaction(ctx context.Context, signature string) (*types.Confirmation, error) {
	return retry(ctx, r, MethodGetTxStatus, func() (*types.Confirmation, error) {
		return r.inner.ConfirmTransaction(ctx, signature)
	})
}
