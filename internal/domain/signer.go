package domain

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Signer is the principal produced by the versia scheme: the signing actor
// and the domain that is authoritative for it.
type Signer struct {
	Identity string `json:"identity"`
	Domain   string `json:"domain"`
}

// ParseSigner derives the signer domain from an actor URI. Hosts given as IP
// literals or missing entirely are rejected with ErrUntrustedSigner: such a
// peer cannot be defederated reliably.
func ParseSigner(identity string) (Signer, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Signer{}, ErrMalformedHeader
	}
	domain, err := DomainOf(identity)
	if err != nil {
		return Signer{}, err
	}
	return Signer{Identity: identity, Domain: domain}, nil
}

// DomainOf returns the lowercased host of an absolute http(s) URI.
func DomainOf(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", NewVerifyError(VerifyMalformedHeader, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", NewVerifyError(VerifyMalformedHeader, errors.New("identity must be an http(s) uri"))
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return "", ErrUntrustedSigner
	}
	return host, nil
}

// Principal is the identity established by a legacy signature.
type Principal struct {
	KeyID  string `json:"key_id"`
	Owner  string `json:"owner"`
	Domain string `json:"domain"`
	Local  bool   `json:"local,omitempty"`
}

// KeyOwner maps a key id to the actor holding it by dropping the fragment.
func KeyOwner(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}
