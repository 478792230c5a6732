package interfaces

import (
	"context"

	"github.com/mezonai/peerpay/types"
)

type NonceAccountInfo struct {
	Address   string `json:"address"`
	Authority string `json:"authority"`
	Value     string `json:"value"`
}

// NetworkClient is the narrow blockchain RPC surface the wallet core needs.
type NetworkClient interface {
	GetNonceAccountValue(ctx context.Context, nonceAccount string) (string, error)
	CreateNonceAccount(ctx context.Context, authority string) (*NonceAccountInfo, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	SubmitTransaction(ctx context.Context, signedTx []byte) (string, error)
	ConfirmTransaction(ctx context.Context, signature string) (*types.Confirmation, error)
}

// Connectivity reports whether the device can reach the network.
type Connectivity interface {
	IsOnline() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) IsOnline() bool {
	return f()
}
