package store

import (
	"fmt"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/types"
)

// SyncStateStore keeps the sync state singleton so the visible error counter
// and last sync time survive restarts.
type SyncStateStore interface {
	Save(state types.SyncState) error
	Load() (types.SyncState, error)
}

type GenericSyncStateStore struct {
	provider db.DatabaseProvider
}

func NewGenericSyncStateStore(provider db.DatabaseProvider) (*GenericSyncStateStore, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	return &GenericSyncStateStore{provider: provider}, nil
}

func (s *GenericSyncStateStore) Save(state types.SyncState) error {
	// in-flight flag is never persisted
	state.IsSyncing = false
	data, err := jsonx.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal sync state", err)
	}
	if err := s.provider.Put([]byte(KeySyncState), data); err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "write sync state", err)
	}
	return nil
}

func (s *GenericSyncStateStore) Load() (types.SyncState, error) {
	var state types.SyncState
	data, err := s.provider.Get([]byte(KeySyncState))
	if err != nil {
		return state, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "read sync state", err)
	}
	if data == nil {
		return state, nil
	}
	if err := jsonx.Unmarshal(data, &state); err != nil {
		return state, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "decode sync state", err)
	}
	state.IsSyncing = false
	return state, nil
}
