package store

// Declare database key prefix for objects
const (
	PrefixQueue     = "queue:"
	PrefixQueueDone = "queue_done:"
	KeyQueueSeq     = "queue_meta:seq"

	PrefixNonceAccount = "nonce_acct:"
	PrefixNonceUsed    = "nonce_used:"

	KeySyncState = "sync_state"
)
