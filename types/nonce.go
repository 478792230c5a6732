package types

import (
	"time"

	"github.com/mezonai/peerpay/transaction"
)

type NonceState string

const (
	NonceFresh    NonceState = "fresh"
	NonceReserved NonceState = "reserved"
	NonceConsumed NonceState = "consumed"
	NonceExpired  NonceState = "expired"
	NonceInvalid  NonceState = "invalid"
)

// NonceReservation is owned by the nonce ledger. LastObservedValue is an
// advisory cache of the on-chain value; the chain always wins.
type NonceReservation struct {
	NonceAccount      string     `json:"nonce_account"`
	NonceValue        string     `json:"nonce_value"`
	Authority         string     `json:"authority"`
	ReservedAt        time.Time  `json:"reserved_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	State             NonceState `json:"state"`
	LastObservedValue string     `json:"last_observed_value,omitempty"`
	// PackageID is set once a package was signed with the value. A bound
	// reservation is never handed out again until it settles or is released.
	PackageID         string     `json:"package_id,omitempty"`
}

func (r *NonceReservation) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

func (r *NonceReservation) IsBound() bool {
	return r.PackageID != ""
}

// Ref freezes the reservation into the form carried by a signed package.
func (r *NonceReservation) Ref() *transaction.NonceRef {
	return &transaction.NonceRef{
		NonceAccount: r.NonceAccount,
		NonceValue:   r.NonceValue,
		Authority:    r.Authority,
		ReservedAt:   r.ReservedAt.UnixMilli(),
		ExpiresAt:    r.ExpiresAt.UnixMilli(),
	}
}

// ReservationFromRef rebuilds the fields of a reservation from a package reference.
func ReservationFromRef(ref *transaction.NonceRef) *NonceReservation {
	if ref == nil {
		return nil
	}
	return &NonceReservation{
		NonceAccount: ref.NonceAccount,
		NonceValue:   ref.NonceValue,
		Authority:    ref.Authority,
		ReservedAt:   time.UnixMilli(ref.ReservedAt),
		ExpiresAt:    time.UnixMilli(ref.ExpiresAt),
		State:        NonceReserved,
	}
}

// NonceStatus is the answer of a status check against the chain.
type NonceStatus struct {
	IsValid   bool
	IsUsed    bool
	ExpiresAt time.Time
	Err       error
}
