package store

import (
	"fmt"
	"time"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/types"
)

// NonceStore is the persisted nonce cache: the latest reservation per nonce
// account plus the set of values known to be consumed.
type NonceStore interface {
	SaveReservation(r *types.NonceReservation) error
	GetReservation(nonceAccount string) (*types.NonceReservation, error)
	LoadReservations() ([]*types.NonceReservation, error)
	// Consume saves the reservation and records its value as used atomically.
	Consume(r *types.NonceReservation) error
	IsConsumed(nonceValue string) (bool, error)
}

type consumedRecord struct {
	NonceAccount string    `json:"nonce_account"`
	ConsumedAt   time.Time `json:"consumed_at"`
}

type GenericNonceStore struct {
	dbProvider db.DatabaseProvider
	batcher    *db.Batcher
}

func NewGenericNonceStore(dbProvider db.DatabaseProvider) (*GenericNonceStore, error) {
	if dbProvider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	return &GenericNonceStore{dbProvider: dbProvider, batcher: db.NewBatcher(dbProvider)}, nil
}

func (s *GenericNonceStore) SaveReservation(r *types.NonceReservation) error {
	data, err := jsonx.Marshal(r)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal reservation", err)
	}
	if err := s.dbProvider.Put([]byte(PrefixNonceAccount+r.NonceAccount), data); err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "write reservation "+r.NonceAccount, err)
	}
	return nil
}

func (s *GenericNonceStore) GetReservation(nonceAccount string) (*types.NonceReservation, error) {
	data, err := s.dbProvider.Get([]byte(PrefixNonceAccount + nonceAccount))
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "read reservation "+nonceAccount, err)
	}
	if data == nil {
		return nil, nil
	}
	var r types.NonceReservation
	if err := jsonx.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "decode reservation "+nonceAccount, err)
	}
	return &r, nil
}

func (s *GenericNonceStore) LoadReservations() ([]*types.NonceReservation, error) {
	var (
		out     []*types.NonceReservation
		loadErr error
	)
	err := s.dbProvider.IteratePrefix([]byte(PrefixNonceAccount), func(key, value []byte) bool {
		var r types.NonceReservation
		if err := jsonx.Unmarshal(value, &r); err != nil {
			loadErr = errors.Wrap(errors.KindStorage, errors.CodeReadFailed, fmt.Sprintf("decode %s", key), err)
			return false
		}
		out = append(out, &r)
		return true
	})
	if loadErr != nil {
		return nil, loadErr
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "iterate reservations", err)
	}
	return out, nil
}

func (s *GenericNonceStore) Consume(r *types.NonceReservation) error {
	data, err := jsonx.Marshal(r)
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal reservation", err)
	}
	used, err := jsonx.Marshal(consumedRecord{NonceAccount: r.NonceAccount, ConsumedAt: time.Now()})
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "marshal consumed record", err)
	}
	err = s.batcher.Update(func(batch db.DatabaseBatch) error {
		batch.Put([]byte(PrefixNonceAccount+r.NonceAccount), data)
		batch.Put([]byte(PrefixNonceUsed+r.NonceValue), used)
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, errors.CodeWriteFailed, "consume nonce "+r.NonceValue, err)
	}
	return nil
}

func (s *GenericNonceStore) IsConsumed(nonceValue string) (bool, error) {
	ok, err := s.dbProvider.Has([]byte(PrefixNonceUsed + nonceValue))
	if err != nil {
		return false, errors.Wrap(errors.KindStorage, errors.CodeReadFailed, "check consumed nonce", err)
	}
	return ok, nil
}
