package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"bayou/internal/domain"
)

type ed25519PrivateKey struct {
	key ed25519.PrivateKey
}

func NewEd25519(key ed25519.PrivateKey) PrivateKey {
	return ed25519PrivateKey{key: append(ed25519.PrivateKey(nil), key...)}
}

// NewEd25519FromSeed returns a deterministic key, mostly useful in tests.
func NewEd25519FromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", domain.ErrMalformedKey, ed25519.SeedSize)
	}
	return ed25519PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k ed25519PrivateKey) Algorithm() domain.Algorithm { return domain.Hs2019 }

func (k ed25519PrivateKey) PEM() (string, error) {
	return encodePKCS8(k.key)
}

func (k ed25519PrivateKey) Public() PublicKey {
	return ed25519PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

func (k ed25519PrivateKey) Sign(content []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.key, content)), nil
}

type ed25519PublicKey struct {
	key ed25519.PublicKey
}

func (k ed25519PublicKey) Algorithm() domain.Algorithm { return domain.Hs2019 }

func (k ed25519PublicKey) PEM() (string, error) {
	return encodePKIX(k.key)
}

func (k ed25519PublicKey) Verify(content, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.key, content, signature)
}
