package types

import (
	"time"

	"github.com/mezonai/peerpay/transaction"
)

type QueueStatus string

const (
	StatusQueued     QueueStatus = "queued"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// QueuedTransaction is the queue side record of a package. Only the queue mutates it.
type QueuedTransaction struct {
	ID          string               `json:"id"`
	Transaction *transaction.Package `json:"transaction"`
	Status      QueueStatus          `json:"status"`
	Direction   Direction            `json:"direction"`
	Attempts    int                  `json:"attempts"`
	LastError   string               `json:"last_error,omitempty"`
	// Signature is the chain signature recorded before confirmation polling,
	// so a crash between submit and confirm can be reconciled.
	Signature string `json:"signature,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
	// RetryAt is the earliest time a Failed item is picked up again.
	RetryAt   time.Time `json:"retry_at,omitempty"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand out of the queue. The package is immutable and shared.
func (q *QueuedTransaction) Clone() *QueuedTransaction {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

// Retryable reports whether a Failed item may be picked up again.
func (q *QueuedTransaction) Retryable(maxAttempts int) bool {
	return q.Status == StatusFailed && !q.Permanent && q.Attempts < maxAttempts
}

// Before orders items FIFO: creation time first, enqueue sequence on ties.
func (q *QueuedTransaction) Before(o *QueuedTransaction) bool {
	if !q.CreatedAt.Equal(o.CreatedAt) {
		return q.CreatedAt.Before(o.CreatedAt)
	}
	return q.Sequence < o.Sequence
}

type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	// Exhausted counts Failed items that will not be retried automatically.
	Exhausted int `json:"exhausted"`
	Completed int `json:"completed"`
}

// Pending is everything not yet settled.
func (s QueueStats) Pending() int {
	return s.Queued + s.Processing + s.Failed
}
