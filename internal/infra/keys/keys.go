// Package keys wraps the two supported signature backends behind one
// interface: RSA with PKCS#1 v1.5 over SHA-256, and Ed25519.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"bayou/internal/domain"
)

const (
	pemPKCS1PrivateKey = "RSA PRIVATE KEY"
	pemPKCS8PrivateKey = "PRIVATE KEY"
	pemPKIXPublicKey   = "PUBLIC KEY"
	pemPKCS1PublicKey  = "RSA PUBLIC KEY"

	DefaultRSABits = 2048
)

type PublicKey interface {
	Algorithm() domain.Algorithm
	PEM() (string, error)
	// Verify reports whether signature is valid for content. It never
	// returns an error for a bad signature.
	Verify(content, signature []byte) bool
}

type PrivateKey interface {
	Algorithm() domain.Algorithm
	PEM() (string, error)
	Public() PublicKey
	// Sign returns the base64 encoded signature over content.
	Sign(content []byte) (string, error)
}

func Generate(alg domain.Algorithm) (PrivateKey, error) {
	switch alg {
	case domain.RsaSha256:
		key, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
		if err != nil {
			return nil, err
		}
		return NewRSA(key), nil
	case domain.Hs2019:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return NewEd25519(key), nil
	default:
		return nil, fmt.Errorf("generate key: unsupported algorithm %s", alg)
	}
}

// GeneratePEM returns a fresh key pair as PKCS#8 and PKIX PEM text.
func GeneratePEM(alg domain.Algorithm) (privatePEM, publicPEM string, err error) {
	key, err := Generate(alg)
	if err != nil {
		return "", "", err
	}
	if privatePEM, err = key.PEM(); err != nil {
		return "", "", err
	}
	if publicPEM, err = key.Public().PEM(); err != nil {
		return "", "", err
	}
	return privatePEM, publicPEM, nil
}

// ParsePrivateKeyPEM accepts PKCS#1 RSA keys and PKCS#8 RSA or Ed25519 keys.
func ParsePrivateKeyPEM(data string) (PrivateKey, error) {
	rest := []byte(data)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case pemPKCS1PrivateKey:
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMalformedKey, err)
			}
			return NewRSA(key), nil
		case pemPKCS8PrivateKey:
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMalformedKey, err)
			}
			switch key := parsed.(type) {
			case *rsa.PrivateKey:
				return NewRSA(key), nil
			case ed25519.PrivateKey:
				return NewEd25519(key), nil
			default:
				return nil, fmt.Errorf("%w: unsupported private key type %T", domain.ErrMalformedKey, parsed)
			}
		}
	}
	return nil, fmt.Errorf("%w: no private key block", domain.ErrMalformedKey)
}

// ParsePublicKeyPEM accepts PKIX RSA or Ed25519 keys and PKCS#1 RSA keys.
func ParsePublicKeyPEM(data string) (PublicKey, error) {
	rest := []byte(data)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case pemPKIXPublicKey:
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMalformedKey, err)
			}
			switch key := parsed.(type) {
			case *rsa.PublicKey:
				return rsaPublicKey{key: key}, nil
			case ed25519.PublicKey:
				return ed25519PublicKey{key: key}, nil
			default:
				return nil, fmt.Errorf("%w: unsupported public key type %T", domain.ErrMalformedKey, parsed)
			}
		case pemPKCS1PublicKey:
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMalformedKey, err)
			}
			return rsaPublicKey{key: key}, nil
		}
	}
	return nil, fmt.Errorf("%w: no public key block", domain.ErrMalformedKey)
}

func encodePKCS8(key any) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPKCS8PrivateKey, Bytes: der})), nil
}

func encodePKIX(key any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPKIXPublicKey, Bytes: der})), nil
}
