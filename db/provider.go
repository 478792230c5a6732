package db

// DatabaseProvider is the key value surface the wallet stores are written
// against. LevelDB, bbolt, Redis and the in-memory LevelDB all implement it.
// Get returns (nil, nil) for a missing key.
type DatabaseProvider interface {
	Get(key []byte) ([]byte, error)
	// GetBatch returns only the keys that exist, keyed by string(key).
	GetBatch(keys [][]byte) (map[string][]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)

	// IteratePrefix visits pairs under prefix in key order until the
	// callback returns false. Values must be copied if retained.
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error

	Batch() DatabaseBatch
	Close() error
}

// DatabaseBatch collects writes that land together on Write or not at all.
type DatabaseBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
	Close()
}
