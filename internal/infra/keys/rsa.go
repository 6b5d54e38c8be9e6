package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"bayou/internal/domain"
)

type rsaPrivateKey struct {
	key *rsa.PrivateKey
}

func NewRSA(key *rsa.PrivateKey) PrivateKey {
	return rsaPrivateKey{key: key}
}

func (k rsaPrivateKey) Algorithm() domain.Algorithm { return domain.RsaSha256 }

func (k rsaPrivateKey) PEM() (string, error) {
	return encodePKCS8(k.key)
}

func (k rsaPrivateKey) Public() PublicKey {
	return rsaPublicKey{key: &k.key.PublicKey}
}

func (k rsaPrivateKey) Sign(content []byte) (string, error) {
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(nil, k.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type rsaPublicKey struct {
	key *rsa.PublicKey
}

func (k rsaPublicKey) Algorithm() domain.Algorithm { return domain.RsaSha256 }

func (k rsaPublicKey) PEM() (string, error) {
	return encodePKIX(k.key)
}

func (k rsaPublicKey) Verify(content, signature []byte) bool {
	digest := sha256.Sum256(content)
	return rsa.VerifyPKCS1v15(k.key, crypto.SHA256, digest[:], signature) == nil
}
