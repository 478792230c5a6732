package store

import (
	"fmt"
	"path/filepath"

	"github.com/mezonai/peerpay/db"
)

// StoreType represents the type of store implementation
type StoreType string

const (
	// LevelDBStoreType uses the LevelDB implementation
	LevelDBStoreType StoreType = "leveldb"

	// BoltStoreType keeps everything in a single bbolt file
	BoltStoreType StoreType = "bbolt"

	// RedisStoreType uses the Redis implementation
	RedisStoreType StoreType = "redis"

	// MemoryStoreType is LevelDB on in-memory storage, nothing survives the process
	MemoryStoreType StoreType = "memory"
)

// StoreConfig holds configuration for creating store instances
type StoreConfig struct {
	// Type specifies which store implementation to use
	Type StoreType `json:"type" yaml:"type"`

	// Directory is the database directory path (for file-based databases)
	Directory string `json:"directory" yaml:"directory"`

	// RedisAddress and RedisDB are used by the redis type only
	RedisAddress string `json:"redis_address" yaml:"redis_address"`
	RedisDB      int    `json:"redis_db" yaml:"redis_db"`
	Namespace    string `json:"namespace" yaml:"namespace"`

	// Encrypt wraps the provider in a SecureProvider keyed by the wallet key
	Encrypt bool `json:"encrypt" yaml:"encrypt"`
}

// Validate validates the store configuration
func (sc *StoreConfig) Validate() error {
	if sc.Type == "" {
		return fmt.Errorf("store type cannot be empty")
	}

	switch sc.Type {
	case LevelDBStoreType, BoltStoreType:
		if sc.Directory == "" {
			return fmt.Errorf("directory cannot be empty")
		}
	case RedisStoreType:
		if sc.RedisAddress == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case MemoryStoreType:
	default:
		return fmt.Errorf("unsupported store type: %s", sc.Type)
	}
	return nil
}

// Stores groups the persisted state of one wallet session.
type Stores struct {
	Provider  db.DatabaseProvider
	Queue     QueueStore
	Nonce     NonceStore
	SyncState SyncStateStore
}

func (s *Stores) Close() error {
	return s.Provider.Close()
}

// StoreFactory take responsibility to create store instances
type StoreFactory struct{}

// NewStoreFactory creates a new store factory
func NewStoreFactory() *StoreFactory {
	return &StoreFactory{}
}

// CreateStores opens the provider and builds every store on it. encryptionKey
// is only used when config.Encrypt is set.
func (sf *StoreFactory) CreateStores(config *StoreConfig, encryptionKey []byte) (*Stores, error) {
	provider, err := sf.CreateProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	if config.Encrypt {
		secure, err := NewSecureProvider(provider, encryptionKey)
		if err != nil {
			_ = provider.Close()
			return nil, err
		}
		provider = secure
	}
	return NewStores(provider)
}

// NewStores builds the stores on an already opened provider.
func NewStores(provider db.DatabaseProvider) (*Stores, error) {
	queueStore, err := NewGenericQueueStore(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue store: %w", err)
	}
	nonceStore, err := NewGenericNonceStore(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce store: %w", err)
	}
	syncStore, err := NewGenericSyncStateStore(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync state store: %w", err)
	}
	return &Stores{Provider: provider, Queue: queueStore, Nonce: nonceStore, SyncState: syncStore}, nil
}

// CreateProvider creates a database provider based on the configuration
func (sf *StoreFactory) CreateProvider(config *StoreConfig) (db.DatabaseProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	switch config.Type {
	case LevelDBStoreType:
		return db.NewLevelDBProvider(config.Directory)

	case BoltStoreType:
		return db.NewBoltProvider(filepath.Join(config.Directory, "wallet.db"))

	case RedisStoreType:
		// just for debug
		return db.NewRedisProvider(config.RedisAddress, config.RedisDB, config.Namespace)

	case MemoryStoreType:
		return db.NewMemLevelDBProvider()

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
