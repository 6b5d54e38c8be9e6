// Package versia implements the Versia request signature scheme. The signed
// string is "<method> <path> <signed-at> <body digest>", which is not
// interchangeable with the legacy Signature header string.
package versia

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

const (
	HeaderSignature = "Versia-Signature"
	HeaderSignedBy  = "Versia-Signed-By"
	HeaderSignedAt  = "Versia-Signed-At"

	DefaultWindow = 5 * time.Minute
)

// BodyDigest is the base64 SHA-256 of the raw body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func CanonicalString(method, path string, signedAt int64, bodyDigest string) string {
	return strings.ToLower(method) + " " + path + " " + strconv.FormatInt(signedAt, 10) + " " + bodyDigest
}

// ClaimedAuthor returns the "author" field of a JSON entity, or "" when the
// entity does not claim one.
func ClaimedAuthor(body []byte) (string, error) {
	var entity struct {
		Author string `json:"author"`
	}
	if err := json.Unmarshal(body, &entity); err != nil {
		return "", err
	}
	return entity.Author, nil
}

type KeyResolver interface {
	ResolveSigner(ctx context.Context, signer domain.Signer, local domain.RequestSigner) (*domain.Actor, error)
}

// SignerRefresher refetches a signer whose stored key failed to verify.
type SignerRefresher interface {
	RefreshSigner(ctx context.Context, signer domain.Signer, local domain.RequestSigner) (*domain.Actor, error)
}

type PublicKeyCache interface {
	Get(pem string) (keys.PublicKey, bool)
	Put(pem string, key keys.PublicKey)
}

type Request struct {
	Headers    http.Header
	Method     string
	Path       string
	BodyDigest string
	// Author is the author URI claimed by the body, if any.
	Author string
}

type Verifier struct {
	Keys   KeyResolver
	Cache  PublicKeyCache
	Window time.Duration
	Now    func() time.Time
}

func NewVerifier(resolver KeyResolver, window time.Duration) *Verifier {
	return &Verifier{Keys: resolver, Window: window, Now: time.Now}
}

// VerifyRequest checks header presence, signer domain, key, signature and
// freshness in that order, then requires any claimed author to live on the
// signer's domain.
func (v *Verifier) VerifyRequest(ctx context.Context, req Request, local domain.RequestSigner) (domain.Signer, error) {
	for _, name := range []string{HeaderSignature, HeaderSignedBy, HeaderSignedAt} {
		if req.Headers.Get(name) == "" {
			return domain.Signer{}, domain.MissingHeader(strings.ToLower(name))
		}
	}
	signedAt, err := strconv.ParseInt(strings.TrimSpace(req.Headers.Get(HeaderSignedAt)), 10, 64)
	if err != nil {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyInvalidTimestamp, err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Headers.Get(HeaderSignature)))
	if err != nil {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyMalformedHeader, err)
	}
	signer, err := domain.ParseSigner(req.Headers.Get(HeaderSignedBy))
	if err != nil {
		return domain.Signer{}, err
	}

	canonical := CanonicalString(req.Method, req.Path, signedAt, req.BodyDigest)

	if v.Keys == nil {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, errors.New("no key resolver"))
	}
	actor, err := v.Keys.ResolveSigner(ctx, signer, local)
	if err != nil {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, err)
	}
	pub, err := v.publicKey(actor.Key.PEM)
	if err != nil {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, err)
	}
	if !pub.Verify([]byte(canonical), sig) && !v.verifyRefreshed(ctx, signer, actor, local, []byte(canonical), sig) {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifySignatureVerificationFailure, nil)
	}

	skew := v.now().Sub(time.Unix(signedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window() {
		return domain.Signer{}, domain.NewVerifyError(domain.VerifyTooOld, nil)
	}

	if req.Author != "" {
		authorDomain, err := domain.DomainOf(req.Author)
		if err != nil || authorDomain != signer.Domain {
			return domain.Signer{}, domain.NewVerifyError(domain.VerifyAuthorMismatch, err)
		}
	}
	return signer, nil
}

func (v *Verifier) verifyRefreshed(ctx context.Context, signer domain.Signer, stale *domain.Actor, local domain.RequestSigner, message, sig []byte) bool {
	refresher, ok := v.Keys.(SignerRefresher)
	if !ok || stale.Local {
		return false
	}
	actor, err := refresher.RefreshSigner(ctx, signer, local)
	if err != nil || actor.Key.PEM == stale.Key.PEM {
		return false
	}
	pub, err := v.publicKey(actor.Key.PEM)
	return err == nil && pub.Verify(message, sig)
}

func (v *Verifier) publicKey(pem string) (keys.PublicKey, error) {
	if v.Cache != nil {
		if key, ok := v.Cache.Get(pem); ok {
			return key, nil
		}
	}
	key, err := keys.ParsePublicKeyPEM(pem)
	if err != nil {
		return nil, err
	}
	if v.Cache != nil {
		v.Cache.Put(pem, key)
	}
	return key, nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) window() time.Duration {
	if v.Window > 0 {
		return v.Window
	}
	return DefaultWindow
}

// Signer produces Versia signature headers for an actor.
type Signer struct {
	Identity string
	Key      keys.PrivateKey
	Now      func() time.Time
}

func (s *Signer) KeyID() string {
	return s.Identity
}

func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	if s == nil || s.Key == nil || s.Identity == "" {
		return errors.New("versia: signer is not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	signedAt := now().Unix()
	canonical := CanonicalString(req.Method, req.URL.RequestURI(), signedAt, BodyDigest(body))
	sig, err := s.Key.Sign([]byte(canonical))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignedBy, s.Identity)
	req.Header.Set(HeaderSignedAt, strconv.FormatInt(signedAt, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

var _ domain.RequestSigner = (*Signer)(nil)
