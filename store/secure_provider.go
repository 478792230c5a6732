package store

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/mezonai/peerpay/db"
	"github.com/mezonai/peerpay/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecureProvider encrypts every value with XChaCha20-Poly1305 before it
// reaches the underlying provider. The key is bound as associated data so a
// value copied under another key fails to open. Keys stay in clear text so
// prefix iteration keeps working.
type SecureProvider struct {
	inner db.DatabaseProvider
	aead  cipher.AEAD
}

func NewSecureProvider(inner db.DatabaseProvider, key []byte) (*SecureProvider, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeEncryptionFailed, "invalid storage key", err)
	}
	return &SecureProvider{inner: inner, aead: aead}, nil
}

func (p *SecureProvider) seal(key, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize(), p.aead.NonceSize()+len(plaintext)+p.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeEncryptionFailed, "read nonce", err)
	}
	return p.aead.Seal(nonce, nonce, plaintext, key), nil
}

func (p *SecureProvider) open(key, sealed []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}
	ns := p.aead.NonceSize()
	if len(sealed) < ns+p.aead.Overhead() {
		return nil, errors.Newf(errors.KindStorage, errors.CodeEncryptionFailed, "sealed value for %q too short", key)
	}
	plain, err := p.aead.Open(nil, sealed[:ns], sealed[ns:], key)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, errors.CodeEncryptionFailed, fmt.Sprintf("open value for %q", key), err)
	}
	return plain, nil
}

func (p *SecureProvider) Get(key []byte) ([]byte, error) {
	sealed, err := p.inner.Get(key)
	if err != nil {
		return nil, err
	}
	return p.open(key, sealed)
}

func (p *SecureProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	sealed, err := p.inner.GetBatch(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(sealed))
	for k, v := range sealed {
		plain, err := p.open([]byte(k), v)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

func (p *SecureProvider) Put(key, value []byte) error {
	sealed, err := p.seal(key, value)
	if err != nil {
		return err
	}
	return p.inner.Put(key, sealed)
}

func (p *SecureProvider) Delete(key []byte) error {
	return p.inner.Delete(key)
}

func (p *SecureProvider) Has(key []byte) (bool, error) {
	return p.inner.Has(key)
}

func (p *SecureProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	var openErr error
	err := p.inner.IteratePrefix(prefix, func(key, value []byte) bool {
		plain, err := p.open(key, value)
		if err != nil {
			openErr = err
			return false
		}
		return callback(key, plain)
	})
	if openErr != nil {
		return openErr
	}
	return err
}

func (p *SecureProvider) Close() error {
	return p.inner.Close()
}

func (p *SecureProvider) Batch() db.DatabaseBatch {
	return &secureBatch{provider: p, inner: p.inner.Batch()}
}

type secureBatch struct {
	provider *SecureProvider
	inner    db.DatabaseBatch
	err      error
}

func (b *secureBatch) Put(key, value []byte) {
	sealed, err := b.provider.seal(key, value)
	if err != nil {
		b.err = err
		return
	}
	b.inner.Put(key, sealed)
}

func (b *secureBatch) Delete(key []byte) {
	b.inner.Delete(key)
}

func (b *secureBatch) Write() error {
	if b.err != nil {
		return b.err
	}
	return b.inner.Write()
}

func (b *secureBatch) Reset() {
	b.err = nil
	b.inner.Reset()
}

func (b *secureBatch) Close() {
	b.inner.Close()
}
