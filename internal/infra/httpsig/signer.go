package httpsig

import (
	"errors"
	"net/http"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

// Signer signs outbound requests with a fixed key. It holds no mutable
// state and is safe for concurrent use.
type Signer struct {
	ID  string
	Key keys.PrivateKey
	Now func() time.Time
}

func NewSigner(keyID string, key keys.PrivateKey) *Signer {
	return &Signer{ID: keyID, Key: key, Now: time.Now}
}

func (s *Signer) KeyID() string {
	return s.ID
}

// SignRequest sets Host, Date, Digest (when body is non-nil) and Signature.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	if s == nil || s.Key == nil {
		return errors.New("httpsig: signer has no key")
	}
	if s.ID == "" {
		return errors.New("httpsig: signer has no key id")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	req.Host = host
	req.Header.Set(HeaderHost, host)
	req.Header.Set(HeaderDate, now().UTC().Format(http.TimeFormat))

	covered := []string{RequestTarget, "host", "date"}
	if body != nil {
		req.Header.Set(HeaderDigest, s.Key.Algorithm().Digest(body))
		covered = append(covered, "digest")
	}

	canonical, err := CanonicalString(req.Method, req.URL.RequestURI(), req.Header, covered)
	if err != nil {
		return err
	}
	sig, err := s.Key.Sign([]byte(canonical))
	if err != nil {
		return err
	}
	header := SignatureHeader{
		KeyID:     s.ID,
		Algorithm: s.Key.Algorithm(),
		Headers:   covered,
	}
	req.Header.Set(HeaderSignature, header.formatWith(sig))
	return nil
}

var _ domain.RequestSigner = (*Signer)(nil)

// NewSignerFromPEM builds a signer from stored key material. A key that
// does not parse is reported as domain.ErrMalformedKey.
func NewSignerFromPEM(keyID, privateKeyPEM string) (*Signer, error) {
	key, err := keys.ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyID, key), nil
}

// NewRequestSigner is NewSignerFromPEM returning the domain interface.
func NewRequestSigner(keyID, privateKeyPEM string) (domain.RequestSigner, error) {
	signer, err := NewSignerFromPEM(keyID, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return signer, nil
}
