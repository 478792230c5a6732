package interfaces

import "context"

// AuthContext carries whatever the key store needs to unlock signing.
type AuthContext struct {
	PIN string
}

// Signer never exposes key material. Sign fails with AUTHENTICATION_REQUIRED or SIGNING_FAILED.
type Signer interface {
	Address() string
	Sign(ctx context.Context, payload []byte, auth AuthContext) ([]byte, error)
}
