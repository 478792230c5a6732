package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/mezonai/peerpay/jsonx"
)

// Kind groups error codes by the subsystem that produced them.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindTransport   Kind = "transport_error"
	KindNonce       Kind = "nonce_error"
	KindTransaction Kind = "transaction_error"
	KindStorage     Kind = "storage_error"
	KindCodec       Kind = "codec_error"
	KindQueue       Kind = "queue_error"
	KindSigner      Kind = "signer_error"
	KindNetwork     Kind = "network_error"
)

// Code is the stable machine-readable reason inside a Kind.
type Code string

const (
	// Validation errors
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeInvalidAddress Code = "INVALID_ADDRESS"
	CodeInvalidMemo    Code = "INVALID_MEMO"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeInvalidPackage Code = "INVALID_PACKAGE"

	// Transport errors
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeChannelNotFound      Code = "CHANNEL_NOT_FOUND"
	CodePeerNotFound         Code = "PEER_NOT_FOUND"
	CodeTransportSendFailed  Code = "TRANSPORT_SEND_FAILED"
	CodeTransportTimeout     Code = "TRANSPORT_TIMEOUT"

	// Nonce errors
	CodeCreationFailed     Code = "CREATION_FAILED"
	CodeAdvanceFailed      Code = "ADVANCE_FAILED"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeExpired            Code = "EXPIRED"
	CodeNotFound           Code = "NOT_FOUND"

	// Transaction errors
	CodeSendFailed         Code = "SEND_FAILED"
	CodeConfirmationFailed Code = "CONFIRMATION_FAILED"
	CodeBroadcastFailed    Code = "BROADCAST_FAILED"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"

	// Storage errors
	CodeReadFailed       Code = "READ_FAILED"
	CodeWriteFailed      Code = "WRITE_FAILED"
	CodeEncryptionFailed Code = "ENCRYPTION_FAILED"

	// Codec errors
	CodeEnvelopeTooLarge   Code = "ENVELOPE_TOO_LARGE"
	CodeUnsupportedVersion Code = "UNSUPPORTED_VERSION"
	CodeMalformedEnvelope  Code = "MALFORMED_ENVELOPE"

	// Queue errors
	CodeDuplicateTransaction Code = "DUPLICATE_TRANSACTION"
	CodeIllegalTransition    Code = "ILLEGAL_TRANSITION"
	CodeQueueItemNotFound    Code = "QUEUE_ITEM_NOT_FOUND"

	// Signer errors
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeSigningFailed          Code = "SIGNING_FAILED"

	// Network errors
	CodeOffline     Code = "OFFLINE"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Error message constants - user-friendly and concise
const (
	ErrMsgInvalidAmount         = "Amount is invalid or zero"
	ErrMsgInvalidAddress        = "Wallet address is invalid"
	ErrMsgInsufficientFunds     = "Not enough balance in your wallet"
	ErrMsgDuplicateTransaction  = "This transaction already exists"
	ErrMsgEnvelopeTooLarge      = "Transaction is too large for the selected transfer method (%d > %d)"
	ErrMsgUnsupportedVersion    = "Transaction was created by an unsupported app version (%d)"
	ErrMsgMalformedEnvelope     = "Scanned data is not a valid transaction"
	ErrMsgNonceCreationFailed   = "Could not prepare an offline nonce account"
	ErrMsgNonceAdvanceFailed    = "Offline nonce was already used by another transaction"
	ErrMsgNonceExpired          = "Offline nonce reservation expired"
	ErrMsgOffline               = "Device is offline"
	ErrMsgAuthenticationNeeded  = "Unlock your wallet to sign"
	ErrMsgTransportUnavailable  = "Transfer method %s is unavailable"
	ErrMsgIllegalTransition     = "Transaction %s cannot move from %s to %s"
	ErrMsgQueueItemNotFound     = "Transaction %s is not queued"
	ErrMsgRateLimited           = "Too many transfers from this device, please slow down"
	ErrMsgMemoTooLong           = "Memo length exceeds maximum (%d)"
	ErrMsgMemoInvalidCharacters = "Memo contains invalid characters"
)

// WalletError is the single error type of the transfer core.
type WalletError struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code"`
	Message string `json:"message"`

	cause error
}

// Error implements the error interface
func (e *WalletError) Error() string {
	b, err := jsonx.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Cause   string `json:"cause,omitempty"`
	}{e.Kind, e.Code, e.Message, causeString(e.cause)})
	if err != nil {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	}
	return string(b)
}

func (e *WalletError) Unwrap() error {
	return e.cause
}

// Is matches any *WalletError with the same kind and code, so sentinels below
// work with errors.Is regardless of message or cause.
func (e *WalletError) Is(target error) bool {
	t, ok := target.(*WalletError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewError creates a new WalletError and returns it as error interface
func NewError(kind Kind, code Code, message string) error {
	return &WalletError{Kind: kind, Code: code, Message: message}
}

// Wrap attaches cause to a new WalletError.
func Wrap(kind Kind, code Code, message string, cause error) error {
	return &WalletError{Kind: kind, Code: code, Message: message, cause: cause}
}

func Newf(kind Kind, code Code, format string, args ...interface{}) error {
	return &WalletError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidAmount          = &WalletError{Kind: KindTransaction, Code: CodeInvalidAmount}
	ErrInvalidAddress         = &WalletError{Kind: KindValidation, Code: CodeInvalidAddress}
	ErrInsufficientFunds      = &WalletError{Kind: KindTransaction, Code: CodeInsufficientFunds}
	ErrNonceCreationFailed    = &WalletError{Kind: KindNonce, Code: CodeCreationFailed}
	ErrNonceAdvanceFailed     = &WalletError{Kind: KindNonce, Code: CodeAdvanceFailed}
	ErrNonceVerification      = &WalletError{Kind: KindNonce, Code: CodeVerificationFailed}
	ErrNonceExpired           = &WalletError{Kind: KindNonce, Code: CodeExpired}
	ErrNonceNotFound          = &WalletError{Kind: KindNonce, Code: CodeNotFound}
	ErrEnvelopeTooLarge       = &WalletError{Kind: KindCodec, Code: CodeEnvelopeTooLarge}
	ErrUnsupportedVersion     = &WalletError{Kind: KindCodec, Code: CodeUnsupportedVersion}
	ErrMalformedEnvelope      = &WalletError{Kind: KindCodec, Code: CodeMalformedEnvelope}
	ErrDuplicateTransaction   = &WalletError{Kind: KindQueue, Code: CodeDuplicateTransaction}
	ErrIllegalTransition      = &WalletError{Kind: KindQueue, Code: CodeIllegalTransition}
	ErrQueueItemNotFound      = &WalletError{Kind: KindQueue, Code: CodeQueueItemNotFound}
	ErrTransportUnavailable   = &WalletError{Kind: KindTransport, Code: CodeTransportUnavailable}
	ErrTransportTimeout       = &WalletError{Kind: KindTransport, Code: CodeTransportTimeout}
	ErrTransportSendFailed    = &WalletError{Kind: KindTransport, Code: CodeTransportSendFailed}
	ErrChannelNotFound        = &WalletError{Kind: KindTransport, Code: CodeChannelNotFound}
	ErrPeerNotFound           = &WalletError{Kind: KindTransport, Code: CodePeerNotFound}
	ErrAuthenticationRequired = &WalletError{Kind: KindSigner, Code: CodeAuthenticationRequired}
	ErrSigningFailed          = &WalletError{Kind: KindSigner, Code: CodeSigningFailed}
	ErrOffline                = &WalletError{Kind: KindNetwork, Code: CodeOffline}
	ErrNetworkUnavailable     = &WalletError{Kind: KindNetwork, Code: CodeUnavailable}
	ErrBroadcastFailed        = &WalletError{Kind: KindTransaction, Code: CodeBroadcastFailed}
	ErrConfirmationFailed     = &WalletError{Kind: KindTransaction, Code: CodeConfirmationFailed}
	ErrSendFailed             = &WalletError{Kind: KindTransaction, Code: CodeSendFailed}
	ErrReadFailed             = &WalletError{Kind: KindStorage, Code: CodeReadFailed}
	ErrWriteFailed            = &WalletError{Kind: KindStorage, Code: CodeWriteFailed}
	ErrEncryptionFailed       = &WalletError{Kind: KindStorage, Code: CodeEncryptionFailed}
	ErrRateLimited            = &WalletError{Kind: KindValidation, Code: CodeRateLimited}
)

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// KindOf returns the kind of the first WalletError in the chain.
func KindOf(err error) Kind {
	var we *WalletError
	if stderrors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// CodeOf returns the code of the first WalletError in the chain.
func CodeOf(err error) Code {
	var we *WalletError
	if stderrors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsRetryable reports whether retrying the same operation can change the outcome.
// Validation, codec, conflicts and insufficient funds are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var we *WalletError
	if !stderrors.As(err, &we) {
		return true
	}
	switch we.Kind {
	case KindValidation, KindCodec, KindSigner:
		return false
	case KindTransport, KindStorage, KindNetwork:
		return true
	case KindNonce:
		return we.Code == CodeExpired || we.Code == CodeVerificationFailed
	case KindTransaction:
		return we.Code == CodeSendFailed || we.Code == CodeConfirmationFailed
	case KindQueue:
		return false
	}
	return true
}
