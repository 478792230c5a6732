package common

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodeBytesToBase58 encodes bytes directly to base58
func EncodeBytesToBase58(bytes []byte) string {
	return base58.Encode(bytes)
}

// DecodeBase58ToBytes decodes base58 string to bytes
func DecodeBase58ToBytes(base58Str string) ([]byte, error) {
	bytes, err := base58.Decode(base58Str)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base58 string: %w", err)
	}
	return bytes, nil
}

// IsValidBase58 checks if a string is valid base58
func IsValidBase58(str string) bool {
	decoded, err := base58.Decode(str)
	return err == nil && len(decoded) > 0
}

// ValidateAddress checks that addr is a base58 encoded ed25519 public key.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is empty")
	}
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("address is not base58: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return fmt.Errorf("address must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return nil
}

// AddressFromPublicKey returns the base58 address of an ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// PublicKeyFromAddress decodes addr back into an ed25519 public key.
func PublicKeyFromAddress(addr string) (ed25519.PublicKey, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	decoded, _ := base58.Decode(addr)
	return ed25519.PublicKey(decoded), nil
}

// IsValidHash reports whether s is a base58 encoded 32 byte hash (blockhash or nonce value).
func IsValidHash(s string) bool {
	decoded, err := base58.Decode(s)
	return err == nil && len(decoded) == 32
}
