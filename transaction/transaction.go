package transaction

import (
	"crypto/ed25519"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
)

const (
	TxTypeTransfer             = 0
	TxTypeTransferDurableNonce = 1
)

// Limits to prevent DoS via oversized inputs
const (
	maxSignatureBase58Len = 128
	maxMemoLen            = 256
)

// Transfer is the chain message carried as a package payload. Exactly one of
// RecentBlockhash (online) or NonceAccount+NonceValue (offline) anchors it.
type Transfer struct {
	Type            int32        `json:"type"`
	Sender          string       `json:"sender"`
	Recipient       string       `json:"recipient"`
	Amount          *uint256.Int `json:"amount"`
	Symbol          string       `json:"symbol"`
	TextData        string       `json:"text_data,omitempty"`
	Timestamp       uint64       `json:"timestamp"`
	RecentBlockhash string       `json:"recent_blockhash,omitempty"`
	NonceAccount    string       `json:"nonce_account,omitempty"`
	NonceValue      string       `json:"nonce_value,omitempty"`
	NonceAuthority  string       `json:"nonce_authority,omitempty"`
	Signature       string       `json:"signature,omitempty"`
}

// Serialize returns the bytes covered by the sender signature.
func (tx *Transfer) Serialize() []byte {
	metadata := fmt.Sprintf(
		"%d|%s|%s|%s|%s|%s|%d|%s|%s|%s|%s",
		tx.Type, tx.Sender, tx.Recipient, uint256ToString(tx.Amount), tx.Symbol, tx.TextData,
		tx.Timestamp, tx.RecentBlockhash, tx.NonceAccount, tx.NonceValue, tx.NonceAuthority,
	)
	return []byte(metadata)
}

// UsesDurableNonce reports whether the transfer is anchored on a nonce account.
func (tx *Transfer) UsesDurableNonce() bool {
	return tx.Type == TxTypeTransferDurableNonce
}

func (tx *Transfer) Validate() error {
	if err := common.ValidateAddress(tx.Sender); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := common.ValidateAddress(tx.Recipient); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	if tx.Amount == nil || tx.Amount.IsZero() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if len(tx.TextData) > maxMemoLen {
		return fmt.Errorf("memo exceeds %d bytes", maxMemoLen)
	}
	switch tx.Type {
	case TxTypeTransfer:
		if tx.RecentBlockhash == "" {
			return fmt.Errorf("missing recent blockhash")
		}
	case TxTypeTransferDurableNonce:
		if tx.NonceAccount == "" || tx.NonceValue == "" || tx.NonceAuthority == "" {
			return fmt.Errorf("missing durable nonce fields")
		}
	default:
		return fmt.Errorf("unknown transfer type %d", tx.Type)
	}
	return nil
}

// Verify checks the sender signature.
func (tx *Transfer) Verify() bool {
	if tx.Signature == "" {
		logx.Error("TransactionVerify", "missing signature")
		return false
	}
	if len(tx.Signature) > maxSignatureBase58Len {
		logx.Error("TransactionVerify", "signature too large")
		return false
	}
	signature, err := common.DecodeBase58ToBytes(tx.Signature)
	if err != nil {
		logx.Error("TransactionVerify", "failed to decode signature", err)
		return false
	}
	pub, err := common.PublicKeyFromAddress(tx.Sender)
	if err != nil {
		logx.Error("TransactionVerify", "failed to decode sender", err)
		return false
	}
	return ed25519.Verify(pub, tx.Serialize(), signature)
}

// Bytes is the wire form submitted to the network and stored as package payload.
func (tx *Transfer) Bytes() []byte {
	b, _ := jsonx.MarshalCanonical(tx)
	return b
}

// ParseTransfer decodes a payload produced by Bytes.
func ParseTransfer(payload []byte) (*Transfer, error) {
	var tx Transfer
	if err := jsonx.UnmarshalStrict(payload, &tx); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	return &tx, nil
}

// uint256ToString converts a *uint256.Int to string, returning "0" if nil
func uint256ToString(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return value.Dec()
}
