package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// argon2id parameters, stored in the key file so they can be raised later
const (
	defaultTime    = 3
	defaultMemory  = 64 * 1024
	defaultThreads = 2
	saltSize       = 16
	storageInfo    = "peerpay-storage"
)

type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	Salt    []byte `json:"salt"`
}

type keyFile struct {
	Address    string    `json:"address"`
	KDF        kdfParams `json:"kdf"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// LocalSigner keeps an ed25519 seed sealed with a PIN derived key. The seed is
// only unsealed for the duration of a Sign call.
type LocalSigner struct {
	path string
	file keyFile
}

var _ interfaces.Signer = (*LocalSigner)(nil)

func (p kdfParams) derive(pin string) []byte {
	return argon2.IDKey([]byte(pin), p.Salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// Generate creates a new key, seals it under pin and writes it to path.
func Generate(path, pin string) (*LocalSigner, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return Import(path, pin, seed)
}

// Import seals an existing seed.
func Import(path, pin string, seed []byte) (*LocalSigner, error) {
	if pin == "" {
		return nil, errors.NewError(errors.KindSigner, errors.CodeAuthenticationRequired, "a PIN is required to protect the key")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}

	params := kdfParams{Time: defaultTime, Memory: defaultMemory, Threads: defaultThreads, Salt: make([]byte, saltSize)}
	if _, err := io.ReadFull(rand.Reader, params.Salt); err != nil {
		return nil, err
	}
	aead, err := newAEAD(params.derive(pin))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	addr := common.AddressFromPublicKey(priv.Public().(ed25519.PublicKey))
	kf := keyFile{
		Address:    addr,
		KDF:        params,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, seed, []byte(addr)),
	}

	data, err := jsonx.Marshal(kf)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	logx.Info("KEYSTORE", "Created key ", addr, " at ", path)
	return &LocalSigner{path: path, file: kf}, nil
}

// Open reads a key file without unsealing it.
func Open(path string) (*LocalSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := jsonx.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if err := common.ValidateAddress(kf.Address); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return &LocalSigner{path: path, file: kf}, nil
}

func (s *LocalSigner) Address() string {
	return s.file.Address
}

func (s *LocalSigner) unseal(auth interfaces.AuthContext) (ed25519.PrivateKey, error) {
	if auth.PIN == "" {
		return nil, errors.NewError(errors.KindSigner, errors.CodeAuthenticationRequired, errors.ErrMsgAuthenticationNeeded)
	}
	aead, err := newAEAD(s.file.KDF.derive(auth.PIN))
	if err != nil {
		return nil, errors.Wrap(errors.KindSigner, errors.CodeSigningFailed, "init cipher", err)
	}
	seed, err := aead.Open(nil, s.file.Nonce, s.file.Ciphertext, []byte(s.file.Address))
	if err != nil {
		return nil, errors.NewError(errors.KindSigner, errors.CodeAuthenticationRequired, errors.ErrMsgAuthenticationNeeded)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if subtle.ConstantTimeCompare([]byte(common.AddressFromPublicKey(pub)), []byte(s.file.Address)) != 1 {
		return nil, errors.NewError(errors.KindSigner, errors.CodeSigningFailed, "key file address does not match key")
	}
	return priv, nil
}

func (s *LocalSigner) Sign(ctx context.Context, payload []byte, auth interfaces.AuthContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindSigner, errors.CodeSigningFailed, "sign cancelled", err)
	}
	priv, err := s.unseal(auth)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, payload), nil
}

// StorageKey derives the key protecting the wallet database. It checks the
// PIN first, so a wrong PIN never opens the store with a wrong key.
func (s *LocalSigner) StorageKey(auth interfaces.AuthContext) ([]byte, error) {
	if _, err := s.unseal(auth); err != nil {
		return nil, err
	}
	p := s.file.KDF
	p.Salt = append(append([]byte(nil), p.Salt...), storageInfo...)
	return p.derive(auth.PIN), nil
}
