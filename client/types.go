package client

// Params/results of the wallet facing JSON-RPC methods.

const (
	MethodGetNonceAccount    = "nonce.getnonceaccount"
	MethodCreateNonceAccount = "nonce.createnonceaccount"
	MethodGetLatestBlockhash = "chain.getlatestblockhash"
	MethodSendTransaction    = "tx.sendtransaction"
	MethodGetTxStatus        = "tx.gettransactionstatus"
)

type getNonceAccountRequest struct {
	Address string `json:"address"`
}

type nonceAccountResponse struct {
	Address   string `json:"address"`
	Authority string `json:"authority"`
	Value     string `json:"value"`
}

type createNonceAccountRequest struct {
	Authority string `json:"authority"`
}

type latestBlockhashResponse struct {
	Blockhash string `json:"blockhash"`
}

type sendTransactionRequest struct {
	Transaction []byte `json:"transaction"`
}

type sendTransactionResponse struct {
	Signature string `json:"signature"`
}

type getTxStatusRequest struct {
	Signature string `json:"signature"`
}

// tx status values reported by the node
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFinalized = "finalized"
	TxStatusFailed    = "failed"
	TxStatusNotFound  = "not_found"
)

type txStatusResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Slot      uint64 `json:"slot"`
	Error     string `json:"error,omitempty"`
}

// JSON-RPC error codes used by the node for wallet errors. Anything else is
// mapped from the error data when present.
const (
	CodeInsufficientFunds = -32010
	CodeNonceAdvanced     = -32011
	CodeAccountNotFound   = -32012
	CodeRejected          = -32013
)
