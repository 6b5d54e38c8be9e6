package httpsig

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

const DefaultWindow = 5 * time.Minute

// KeyResolver maps a key id to the actor that owns it, fetching and
// persisting unknown actors when needed. local signs any outbound fetch.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string, local domain.RequestSigner) (*domain.Actor, error)
}

// KeyRefresher refetches the owner of keyID after a signature failed against
// the stored key. Implementations bound how often one actor is refetched.
type KeyRefresher interface {
	RefreshKey(ctx context.Context, keyID string, local domain.RequestSigner) (*domain.Actor, error)
}

// PublicKeyCache holds parsed public keys keyed by their PEM text.
type PublicKeyCache interface {
	Get(pem string) (keys.PublicKey, bool)
	Put(pem string, key keys.PublicKey)
}

type Request struct {
	Method  string
	Target  string
	Headers http.Header
	// Body is nil for requests without a body.
	Body []byte
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

func (v *Verifier) VerifyGet(ctx context.Context, headers http.Header, target string, local domain.RequestSigner) (domain.Principal, error) {
	return v.Verify(ctx, Request{Method: http.MethodGet, Target: target, Headers: headers}, local)
}

func (v *Verifier) VerifyPost(ctx context.Context, headers http.Header, body []byte, target string, local domain.RequestSigner) (domain.Principal, error) {
	if body == nil {
		body = []byte{}
	}
	return v.Verify(ctx, Request{Method: http.MethodPost, Target: target, Headers: headers, Body: body}, local)
}

// Verify runs the checks in a fixed order: header presence, canonical
// string, key resolution, signature, digest, freshness. Every failure is a
// *domain.VerifyError.
func (v *Verifier) Verify(ctx context.Context, req Request, local domain.RequestSigner) (domain.Principal, error) {
	raw := req.Headers.Get(HeaderSignature)
	if raw == "" {
		return domain.Principal{}, domain.MissingHeader("signature")
	}
	sig, err := ParseSignatureHeader(raw)
	if err != nil {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyMalformedHeader, err)
	}
	if !sig.Covers(RequestTarget) {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyMalformedHeader, errors.New("(request-target) is not signed"))
	}

	hasBody := req.Body != nil
	for _, name := range sig.Headers {
		if name == RequestTarget {
			continue
		}
		if len(req.Headers.Values(name)) == 0 {
			return domain.Principal{}, domain.MissingHeader(name)
		}
	}
	if req.Headers.Get(HeaderDate) == "" {
		return domain.Principal{}, domain.MissingHeader("date")
	}
	if hasBody && req.Headers.Get(HeaderDigest) == "" {
		return domain.Principal{}, domain.MissingHeader("digest")
	}
	for _, required := range []string{"host", "date"} {
		if !sig.Covers(required) {
			return domain.Principal{}, domain.NewVerifyError(domain.VerifyMalformedHeader, errors.New(required+" is not signed"))
		}
	}
	if hasBody && !sig.Covers("digest") {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyMalformedHeader, errors.New("digest is not signed"))
	}

	canonical, err := CanonicalString(req.Method, req.Target, req.Headers, sig.Headers)
	if err != nil {
		return domain.Principal{}, err
	}

	if v.Keys == nil {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, errors.New("no key resolver"))
	}
	actor, err := v.Keys.ResolveKey(ctx, sig.KeyID, local)
	if err != nil {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, err)
	}
	pub, err := v.publicKey(actor.Key.PEM)
	if err != nil {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyUnableToObtainKey, err)
	}

	if !pub.Verify([]byte(canonical), sig.Signature) {
		fresh, freshPub, ok := v.refresh(ctx, sig.KeyID, actor, local)
		if !ok || !freshPub.Verify([]byte(canonical), sig.Signature) {
			return domain.Principal{}, domain.NewVerifyError(domain.VerifySignatureVerificationFailure, nil)
		}
		actor = fresh
	}

	if hasBody && !domain.DigestMatches(req.Headers.Get(HeaderDigest), req.Body) {
		return domain.Principal{}, domain.NewVerifyError(domain.VerifyDigestMismatch, nil)
	}

	if err := CheckFreshness(req.Headers.Get(HeaderDate), v.now(), v.window()); err != nil {
		return domain.Principal{}, err
	}

	return domain.Principal{
		KeyID:  sig.KeyID,
		Owner:  actor.URI,
		Domain: actor.Domain,
		Local:  actor.Local,
	}, nil
}

// CheckFreshness accepts a Date within window of now in either direction,
// boundary included.
func CheckFreshness(date string, now time.Time, window time.Duration) error {
	signedAt, err := http.ParseTime(date)
	if err != nil {
		return domain.NewVerifyError(domain.VerifyInvalidTimestamp, err)
	}
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return domain.NewVerifyError(domain.VerifyTooOld, nil)
	}
	return nil
}

// refresh reports ok only when the refetched key differs from the stale one.
func (v *Verifier) refresh(ctx context.Context, keyID string, stale *domain.Actor, local domain.RequestSigner) (*domain.Actor, keys.PublicKey, bool) {
	refresher, ok := v.Keys.(KeyRefresher)
	if !ok || stale.Local {
		return nil, nil, false
	}
	actor, err := refresher.RefreshKey(ctx, keyID, local)
	if err != nil || actor.Key.PEM == stale.Key.PEM {
		return nil, nil, false
	}
	pub, err := v.publicKey(actor.Key.PEM)
	if err != nil {
		return nil, nil, false
	}
	return actor, pub, true
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
