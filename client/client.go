package client

import (
	"context"
	"net/http"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/types"
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// RPCClient talks JSON-RPC 2.0 over HTTP to a chain node.
type RPCClient struct {
	cfg Config
	cli *jrpc2.Client
}

var _ interfaces.NetworkClient = (*RPCClient)(nil)

func NewRPCClient(cfg Config) (*RPCClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewError(errors.KindValidation, errors.CodeInvalidInput, "rpc endpoint is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	ch := jhttp.NewChannel(cfg.Endpoint, &jhttp.ChannelOptions{
		Client: &http.Client{Timeout: cfg.Timeout},
	})
	return &RPCClient{cfg: cfg, cli: jrpc2.NewClient(ch, nil)}, nil
}

func (c *RPCClient) Close() error {
	return c.cli.Close()
}

// fallback is the error kind/code for rpc errors without a wallet mapping.
type fallback struct {
	kind errors.Kind
	code errors.Code
}

var (
	readFallback = fallback{errors.KindNetwork, errors.CodeUnavailable}
	sendFallback = fallback{errors.KindTransaction, errors.CodeSendFailed}
)

func (c *RPCClient) call(ctx context.Context, method string, params, result interface{}, fb fallback) error {
	err := c.cli.CallResult(ctx, method, params, result)
	if err != nil {
		logx.Debug("RPC", method, " failed: ", err)
		return mapError(method, err, fb)
	}
	return nil
}

func mapError(method string, err error, fb fallback) error {
	var rpcErr *jrpc2.Error
	if !errors.As(err, &rpcErr) {
		// transport, timeout or cancellation: the node was not reached
		return errors.Wrap(errors.KindNetwork, errors.CodeUnavailable, method, err)
	}

	var we errors.WalletError
	if len(rpcErr.Data) > 0 && jsonx.Unmarshal(rpcErr.Data, &we) == nil && we.Code != "" {
		return errors.Wrap(we.Kind, we.Code, we.Message, err)
	}

	switch rpcErr.Code {
	case CodeInsufficientFunds:
		return errors.Wrap(errors.KindTransaction, errors.CodeInsufficientFunds, errors.ErrMsgInsufficientFunds, err)
	case CodeNonceAdvanced:
		return errors.Wrap(errors.KindNonce, errors.CodeAdvanceFailed, errors.ErrMsgNonceAdvanceFailed, err)
	case CodeAccountNotFound:
		return errors.Wrap(errors.KindNonce, errors.CodeNotFound, rpcErr.Message, err)
	case CodeRejected:
		return errors.Wrap(errors.KindTransaction, errors.CodeBroadcastFailed, rpcErr.Message, err)
	}
	return errors.Wrap(fb.kind, fb.code, method+": "+rpcErr.Message, err)
}

func (c *RPCClient) GetNonceAccountValue(ctx context.Context, nonceAccount string) (string, error) {
	var res nonceAccountResponse
	if err := c.call(ctx, MethodGetNonceAccount, getNonceAccountRequest{Address: nonceAccount}, &res, readFallback); err != nil {
		return "", err
	}
	return res.Value, nil
}

func (c *RPCClient) CreateNonceAccount(ctx context.Context, authority string) (*interfaces.NonceAccountInfo, error) {
	var res nonceAccountResponse
	fb := fallback{errors.KindNonce, errors.CodeCreationFailed}
	if err := c.call(ctx, MethodCreateNonceAccount, createNonceAccountRequest{Authority: authority}, &res, fb); err != nil {
		return nil, err
	}
	return &interfaces.NonceAccountInfo{Address: res.Address, Authority: res.Authority, Value: res.Value}, nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	var res latestBlockhashResponse
	if err := c.call(ctx, MethodGetLatestBlockhash, nil, &res, readFallback); err != nil {
		return "", err
	}
	return res.Blockhash, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	var res sendTransactionResponse
	if err := c.call(ctx, MethodSendTransaction, sendTransactionRequest{Transaction: signedTx}, &res, sendFallback); err != nil {
		return "", err
	}
	if res.Signature == "" {
		return "", errors.NewError(errors.KindTransaction, errors.CodeSendFailed, "node returned no signature")
	}
	return res.Signature, nil
}

func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature string) (*types.Confirmation, error) {
	var res txStatusResponse
	fb := fallback{errors.KindTransaction, errors.CodeConfirmationFailed}
	if err := c.call(ctx, MethodGetTxStatus, getTxStatusRequest{Signature: signature}, &res, fb); err != nil {
		return nil, err
	}
	conf := &types.Confirmation{Slot: res.Slot, Err: res.Error}
	switch res.Status {
	case TxStatusConfirmed, TxStatusFinalized:
		conf.Status = types.ConfirmationConfirmed
	case TxStatusFailed:
		conf.Status = types.ConfirmationFailed
	case TxStatusNotFound, "":
		conf.Status = types.ConfirmationNotFound
	default:
		conf.Status = types.ConfirmationPending
	}
	return conf, nil
}
