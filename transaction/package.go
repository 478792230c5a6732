package transaction

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mezonai/peerpay/common"
)

const (
	EnvelopeVersionJSON    = 1
	EnvelopeVersionCompact = 2
)

type Metadata struct {
	Amount      string `json:"amount"`
	Symbol      string `json:"symbol"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Memo        string `json:"memo,omitempty"`
	CreatedAt   int64  `json:"created_at"` // unix millis
}

// NonceRef is the durable nonce a package was signed against, frozen at signing time.
type NonceRef struct {
	NonceAccount string `json:"nonce_account"`
	NonceValue   string `json:"nonce_value"`
	Authority    string `json:"authority"`
	ReservedAt   int64  `json:"reserved_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

type Signature struct {
	PubKey string `json:"pub_key"`
	Sig    string `json:"sig"`
}

type Provenance struct {
	NonceUsed       *NonceRef   `json:"nonce_used,omitempty"`
	RecentBlockhash string      `json:"recent_blockhash,omitempty"`
	Signatures      []Signature `json:"signatures,omitempty"`
}

// Package is the transport agnostic transfer descriptor. ID is the idempotency
// key across every hop and retry.
type Package struct {
	ID              string     `json:"id"`
	Metadata        Metadata   `json:"metadata"`
	Payload         []byte     `json:"payload"`
	Provenance      Provenance `json:"provenance"`
	EnvelopeVersion int        `json:"envelope_version"`
}

// NewPackageID returns a time ordered UUIDv7.
func NewPackageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewPackage wraps a signed transfer. The package is dated with the signed
// timestamp so every copy of it carries the same creation time.
func NewPackage(tx *Transfer, memo string, nonce *NonceRef, version int) (*Package, error) {
	if tx.Signature == "" {
		return nil, fmt.Errorf("transfer is not signed")
	}
	decimals := common.DecimalsFor(tx.Symbol)
	createdAt := int64(tx.Timestamp)
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	pkg := &Package{
		ID: NewPackageID(),
		Metadata: Metadata{
			Amount:      common.FormatAmount(tx.Amount, decimals),
			Symbol:      tx.Symbol,
			FromAddress: tx.Sender,
			ToAddress:   tx.Recipient,
			Memo:        memo,
			CreatedAt:   createdAt,
		},
		Payload: tx.Bytes(),
		Provenance: Provenance{
			NonceUsed:       nonce,
			RecentBlockhash: tx.RecentBlockhash,
			Signatures:      []Signature{{PubKey: tx.Sender, Sig: tx.Signature}},
		},
		EnvelopeVersion: version,
	}
	return pkg, nil
}

// ChainSignature is the identifier the network assigns the payload: its first signature.
func (p *Package) ChainSignature() string {
	if len(p.Provenance.Signatures) == 0 {
		return ""
	}
	return p.Provenance.Signatures[0].Sig
}

func (p *Package) Transfer() (*Transfer, error) {
	return ParseTransfer(p.Payload)
}

// Validate checks that the metadata is well formed. It does not verify signatures.
func (p *Package) Validate() error {
	if _, err := uuid.Parse(p.ID); err != nil {
		return fmt.Errorf("invalid package id %q: %w", p.ID, err)
	}
	if err := common.ValidateAddress(p.Metadata.FromAddress); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := common.ValidateAddress(p.Metadata.ToAddress); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	if p.Metadata.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	amount, err := common.ParseAmount(p.Metadata.Amount, common.DecimalsFor(p.Metadata.Symbol))
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if n := p.Provenance.NonceUsed; n != nil && (n.NonceAccount == "" || n.NonceValue == "") {
		return fmt.Errorf("incomplete nonce reference")
	}
	return nil
}

// VerifySignatures decodes the payload, checks it agrees with the metadata and
// verifies the sender signature.
func (p *Package) VerifySignatures() error {
	tx, err := p.Transfer()
	if err != nil {
		return err
	}
	if tx.Sender != p.Metadata.FromAddress || tx.Recipient != p.Metadata.ToAddress || tx.Symbol != p.Metadata.Symbol {
		return fmt.Errorf("payload does not match metadata")
	}
	amount, err := common.ParseAmount(p.Metadata.Amount, common.DecimalsFor(p.Metadata.Symbol))
	if err != nil {
		return err
	}
	if tx.Amount == nil || !tx.Amount.Eq(amount) {
		return fmt.Errorf("payload amount does not match metadata")
	}
	if n := p.Provenance.NonceUsed; n != nil && (tx.NonceAccount != n.NonceAccount || tx.NonceValue != n.NonceValue) {
		return fmt.Errorf("payload nonce does not match provenance")
	}
	if !tx.Verify() {
		return fmt.Errorf("invalid sender signature")
	}
	if sig := p.ChainSignature(); sig != tx.Signature {
		return fmt.Errorf("provenance signature does not match payload")
	}
	return nil
}

// Equal compares two packages field by field.
func (p *Package) Equal(o *Package) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ID != o.ID || p.Metadata != o.Metadata || p.EnvelopeVersion != o.EnvelopeVersion {
		return false
	}
	if !bytes.Equal(p.Payload, o.Payload) || p.Provenance.RecentBlockhash != o.Provenance.RecentBlockhash {
		return false
	}
	if (p.Provenance.NonceUsed == nil) != (o.Provenance.NonceUsed == nil) {
		return false
	}
	if p.Provenance.NonceUsed != nil && *p.Provenance.NonceUsed != *o.Provenance.NonceUsed {
		return false
	}
	if len(p.Provenance.Signatures) != len(o.Provenance.Signatures) {
		return false
	}
	for i := range p.Provenance.Signatures {
		if p.Provenance.Signatures[i] != o.Provenance.Signatures[i] {
			return false
		}
	}
	return true
}
