package types

import "time"

// SyncState is the process wide view of reconciliation, mutated only by the sync engine.
type SyncState struct {
	LastSync            time.Time `json:"last_sync"`
	PendingTransactions int       `json:"pending_transactions"`
	PendingMessages     int       `json:"pending_messages"`
	IsSyncing           bool      `json:"is_syncing"`
	ErrorCount          int       `json:"error_count"`
	Online              bool      `json:"online"`
}

// ConfirmationStatus is what the network reports for a signature.
type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationFailed    ConfirmationStatus = "failed"
	ConfirmationNotFound  ConfirmationStatus = "not_found"
)

// Confirmation carries the network answer; Err explains ConfirmationFailed.
type Confirmation struct {
	Status ConfirmationStatus `json:"status"`
	Slot   uint64             `json:"slot,omitempty"`
	Err    string             `json:"err,omitempty"`
}
