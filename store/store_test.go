package store

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mezonai/peerpay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStores(t *testing.T) *Stores {
	t.Helper()
	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	s, err := NewStores(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queued(id string, seq uint64) *types.QueuedTransaction {
	now := time.UnixMilli(1700000000000 + int64(seq))
	return &types.QueuedTransaction{
		ID:          id,
		Transaction: &transaction.Package{ID: id, Payload: []byte("payload")},
		Status:      types.StatusQueued,
		Direction:   types.DirectionOutbound,
		Sequence:    seq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestQueueStore_SaveArchive(t *testing.T) {
	s := newMemStores(t)

	require.NoError(t, s.Queue.SaveNew(queued("a", 1)))
	require.NoError(t, s.Queue.SaveNew(queued("b", 2)))

	seq, err := s.Queue.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	active, err := s.Queue.LoadActive()
	require.NoError(t, err)
	assert.Len(t, active, 2)

	done := queued("a", 1)
	done.Status = types.StatusCompleted
	require.NoError(t, s.Queue.Archive(done))

	active, err = s.Queue.LoadActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].ID)

	ok, err := s.Queue.Exists("a")
	require.NoError(t, err)
	assert.True(t, ok, "archived ids still count for dedup")

	got, err := s.Queue.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	got, err = s.Queue.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNonceStore_Consume(t *testing.T) {
	s := newMemStores(t)

	r := &types.NonceReservation{NonceAccount: "acct", NonceValue: "v1", Authority: "auth", State: types.NonceReserved}
	require.NoError(t, s.Nonce.SaveReservation(r))

	used, err := s.Nonce.IsConsumed("v1")
	require.NoError(t, err)
	assert.False(t, used)

	r.State = types.NonceConsumed
	require.NoError(t, s.Nonce.Consume(r))

	used, err = s.Nonce.IsConsumed("v1")
	require.NoError(t, err)
	assert.True(t, used)

	got, err := s.Nonce.GetReservation("acct")
	require.NoError(t, err)
	assert.Equal(t, types.NonceConsumed, got.State)

	all, err := s.Nonce.LoadReservations()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSyncStateStore_NeverPersistsInFlight(t *testing.T) {
	s := newMemStores(t)

	require.NoError(t, s.SyncState.Save(types.SyncState{IsSyncing: true, ErrorCount: 3}))
	state, err := s.SyncState.Load()
	require.NoError(t, err)
	assert.False(t, state.IsSyncing)
	assert.Equal(t, 3, state.ErrorCount)
}

func TestSecureProvider(t *testing.T) {
	inner, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	defer inner.Close()

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	p, err := NewSecureProvider(inner, key)
	require.NoError(t, err)

	require.NoError(t, p.Put([]byte("queue:a"), []byte("secret")))

	raw, err := inner.Get([]byte("queue:a"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	v, err := p.Get([]byte("queue:a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), v)

	// a value moved under another key must not open
	require.NoError(t, inner.Put([]byte("queue:b"), raw))
	_, err = p.Get([]byte("queue:b"))
	assert.True(t, errors.Is(err, errors.ErrEncryptionFailed))

	_, err = NewSecureProvider(inner, []byte("short"))
	assert.Error(t, err)
}

func TestStoreConfig_Validate(t *testing.T) {
	assert.Error(t, (&StoreConfig{}).Validate())
	assert.Error(t, (&StoreConfig{Type: LevelDBStoreType}).Validate())
	assert.Error(t, (&StoreConfig{Type: "rocksdb", Directory: "x"}).Validate())
	assert.NoError(t, (&StoreConfig{Type: MemoryStoreType}).Validate())
	assert.NoError(t, (&StoreConfig{Type: BoltStoreType, Directory: "x"}).Validate())
}
