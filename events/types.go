package events

import (
	"time"
)

// EventType is an enum-like string type for transaction lifecycle events
type EventType string

const (
	EventTransactionQueued    EventType = "TransactionQueued"
	EventTransactionSubmitted EventType = "TransactionSubmitted"
	EventTransactionConfirmed EventType = "TransactionConfirmed"
	EventTransactionFailed    EventType = "TransactionFailed"
	EventDeliveryUnknown      EventType = "DeliveryUnknown"
	EventEnvelopeRejected     EventType = "EnvelopeRejected"
)

// WalletEvent represents anything that happens to a package on this device
type WalletEvent interface {
	Type() EventType
	Timestamp() time.Time
	PackageID() string
}

type base struct {
	packageID string
	timestamp time.Time
}

func (b base) Timestamp() time.Time {
	return b.timestamp
}

func (b base) PackageID() string {
	return b.packageID
}

// TransactionQueued event when a package enters the local queue
type TransactionQueued struct {
	base
	direction string
}

func NewTransactionQueued(packageID, direction string) *TransactionQueued {
	return &TransactionQueued{base: base{packageID, time.Now()}, direction: direction}
}

func (e *TransactionQueued) Type() EventType {
	return EventTransactionQueued
}

func (e *TransactionQueued) Direction() string {
	return e.direction
}

// TransactionSubmitted event when the network accepted the payload
type TransactionSubmitted struct {
	base
	signature string
}

func NewTransactionSubmitted(packageID, signature string) *TransactionSubmitted {
	return &TransactionSubmitted{base: base{packageID, time.Now()}, signature: signature}
}

func (e *TransactionSubmitted) Type() EventType {
	return EventTransactionSubmitted
}

func (e *TransactionSubmitted) Signature() string {
	return e.signature
}

// TransactionConfirmed event when the network confirmed the payload
type TransactionConfirmed struct {
	base
	signature  string
	reconciled bool
}

func NewTransactionConfirmed(packageID, signature string, reconciled bool) *TransactionConfirmed {
	return &TransactionConfirmed{base: base{packageID, time.Now()}, signature: signature, reconciled: reconciled}
}

func (e *TransactionConfirmed) Type() EventType {
	return EventTransactionConfirmed
}

func (e *TransactionConfirmed) Signature() string {
	return e.signature
}

// Reconciled is true when the confirmation was found on chain without submitting.
func (e *TransactionConfirmed) Reconciled() bool {
	return e.reconciled
}

// TransactionFailed event when an attempt failed
type TransactionFailed struct {
	base
	errorMessage string
	permanent    bool
}

func NewTransactionFailed(packageID, errorMessage string, permanent bool) *TransactionFailed {
	return &TransactionFailed{base: base{packageID, time.Now()}, errorMessage: errorMessage, permanent: permanent}
}

func (e *TransactionFailed) Type() EventType {
	return EventTransactionFailed
}

func (e *TransactionFailed) ErrorMessage() string {
	return e.errorMessage
}

func (e *TransactionFailed) Permanent() bool {
	return e.permanent
}

// DeliveryUnknown event when a transport send timed out
type DeliveryUnknown struct {
	base
	transport string
	deviceID  string
}

func NewDeliveryUnknown(packageID, transport, deviceID string) *DeliveryUnknown {
	return &DeliveryUnknown{base: base{packageID, time.Now()}, transport: transport, deviceID: deviceID}
}

func (e *DeliveryUnknown) Type() EventType {
	return EventDeliveryUnknown
}

func (e *DeliveryUnknown) Transport() string {
	return e.transport
}

func (e *DeliveryUnknown) DeviceID() string {
	return e.deviceID
}

// EnvelopeRejected event when a received envelope could not be accepted.
// PackageID is empty when the envelope did not decode.
type EnvelopeRejected struct {
	base
	transport string
	reason    string
}

func NewEnvelopeRejected(packageID, transport, reason string) *EnvelopeRejected {
	return &EnvelopeRejected{base: base{packageID, time.Now()}, transport: transport, reason: reason}
}

func (e *EnvelopeRejected) Type() EventType {
	return EventEnvelopeRejected
}

func (e *EnvelopeRejected) Transport() string {
	return e.transport
}

func (e *EnvelopeRejected) Reason() string {
	return e.reason
}
