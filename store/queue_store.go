package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/types"
)

// QueueStore persists queued transactions. Active records live under
// PrefixQueue; completed ones are moved under PrefixQueueDone and kept for
// duplicate detection.
type QueueStore interface {
	Save(item *types.QueuedTransaction) error
	// SaveNew stores a new record together with the bumped sequence counter.
	SaveNew(item *types.QueuedTransaction) error
	Archive(item *types.QueuedTransaction) error
	Get(id string) (*types.QueuedTransaction, error)
	Exists(id string) (bool, error)
	LoadActive() ([]*types.QueuedTransaction, error)
	LoadArchived() ([]*types.QueuedTransaction, error)
	LastSequence() (uint64, error)
}

type GenericQueueStore struct {
	mu         sync.Mutex
	dbProvider db.DatabaseProvider
	batcher    *db.Batcher
}

func NewGenericQueueStore(dbProvider db.DatabaseProvider) (*GenericQueueStore, error) {
	if dbProvider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	return &GenericQueueStore{
		dbProvider: dbProvider,
		batcher:    db.NewBatcher(dbProvider),
	}, nil
}

func (s *GenericQueueStore) activeKey(id string) []byte {
	return []byte(PrefixQueue + id)
}

func (s *GenericQueueStore) archivedKey(id string) []byte {
	return []byte(PrefixQueueDone + id)
}

func (s *GenericQueueStore) Save(item *types.QueuedTransaction) error {
	data, err := jsonx.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal queue record", err)
	}
	if err := s.dbProvider.Put(s.activeKey(item.ID), data); err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "write queue record "+item.ID, err)
	}
	return nil
}

func (s *GenericQueueStore) SaveNew(item *types.QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := jsonx.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal queue record", err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, item.Sequence)

	err = s.batcher.Update(func(batch db.DatabaseBatch) error {
		batch.Put(s.activeKey(item.ID), data)
		batch.Put([]byte(KeyQueueSeq), seq)
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "write queue record "+item.ID, err)
	}
	return nil
}

// Archive moves a record from the active set to the archive in one batch.
func (s *GenericQueueStore) Archive(item *types.QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := jsonx.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal queue record", err)
	}
	err = s.batcher.Update(func(batch db.DatabaseBatch) error {
		batch.Put(s.archivedKey(item.ID), data)
		batch.Delete(s.activeKey(item.ID))
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "archive queue record "+item.ID, err)
	}
	logx.Debug("QUEUE_STORE", "Archived ", item.ID)
	return nil
}

// Get returns the active or archived record, nil if unknown.
func (s *GenericQueueStore) Get(id string) (*types.QueuedTransaction, error) {
	for _, key := range [][]byte{s.activeKey(id), s.archivedKey(id)} {
		data, err := s.dbProvider.Get(key)
		if err != nil {
			return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "read queue record "+id, err)
		}
		if data == nil {
			continue
		}
		var item types.QueuedTransaction
		if err := jsonx.Unmarshal(data, &item); err != nil {
			return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "decode queue record "+id, err)
		}
		return &item, nil
	}
	return nil, nil
}

func (s *GenericQueueStore) Exists(id string) (bool, error) {
	for _, key := range [][]byte{s.activeKey(id), s.archivedKey(id)} {
		ok, err := s.dbProvider.Has(key)
		if err != nil {
			return false, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "check queue record "+id, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *GenericQueueStore) LoadActive() ([]*types.QueuedTransaction, error) {
	return s.load(PrefixQueue)
}

func (s *GenericQueueStore) LoadArchived() ([]*types.QueuedTransaction, error) {
	return s.load(PrefixQueueDone)
}

func (s *GenericQueueStore) load(prefix string) ([]*types.QueuedTransaction, error) {
	var (
		items   []*types.QueuedTransaction
		loadErr error
	)
	err := s.dbProvider.IteratePrefix([]byte(prefix), func(key, value []byte) bool {
		var item types.QueuedTransaction
		if err := jsonx.Unmarshal(value, &item); err != nil {
			loadErr = errors.Wrap(errors.KindStorage, errors.CodeReadFailed, fmt.Sprintf("decode %s", key), err)
			return false
		}
		items = append(items, &item)
		return true
	})
	if loadErr != nil {
		return nil, loadErr
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "iterate "+prefix, err)
	}
	return items, nil
}

func (s *GenericQueueStore) LastSequence() (uint64, error) {
	data, err := s.dbProvider.Get([]byte(KeyQueueSeq))
	if err != nil {
		return 0, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "read queue sequence", err)
	}
	if len(data) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}
