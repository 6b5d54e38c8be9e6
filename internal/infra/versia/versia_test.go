package versia

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bobURI = "https://b.example/users/bob"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type signerResolver struct {
	pem   string
	calls int
}

func (r *signerResolver) ResolveSigner(_ context.Context, signer domain.Signer, _ domain.RequestSigner) (*domain.Actor, error) {
	r.calls++
	if signer.Identity != bobURI {
		return nil, domain.ErrNotFound
	}
	return &domain.Actor{URI: bobURI, Domain: "b.example", Key: domain.ActorKey{ID: bobURI, Owner: bobURI, PEM: r.pem}}, nil
}

func setup(t *testing.T) (*Signer, *signerResolver) {
	t.Helper()
	key, err := keys.NewEd25519FromSeed(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	pem, err := key.Public().PEM()
	require.NoError(t, err)
	return &Signer{Identity: bobURI, Key: key, Now: func() time.Time { return t0 }}, &signerResolver{pem: pem}
}

func sign(t *testing.T, signer *Signer, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://a.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, body))
	return req
}

func verifierAt(resolver KeyResolver, now time.Time) *Verifier {
	return &Verifier{Keys: resolver, Now: func() time.Time { return now }}
}

func requestFor(req *http.Request, body []byte) Request {
	author, _ := ClaimedAuthor(body)
	return Request{
		Headers:    req.Header,
		Method:     req.Method,
		Path:       req.URL.RequestURI(),
		BodyDigest: BodyDigest(body),
		Author:     author,
	}
}

func TestVerifyRequestReturnsSigner(t *testing.T) {
	signer, resolver := setup(t)
	body := []byte(`{"type":"Note","author":"https://b.example/users/bob"}`)
	req := sign(t, signer, body)

	got, err := verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Signer{Identity: bobURI, Domain: "b.example"}, got)
}

func TestCrossDomainAuthorIsRejected(t *testing.T) {
	signer, resolver := setup(t)
	body := []byte(`{"type":"Note","author":"https://a.example/users/bob"}`)
	req := sign(t, signer, body)

	_, err := verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.ErrAuthorMismatch)
	assert.Equal(t, 1, resolver.calls)
}

func TestTamperedBodyFailsSignature(t *testing.T) {
	signer, resolver := setup(t)
	body := []byte(`{"type":"Note","author":"https://b.example/users/bob"}`)
	req := sign(t, signer, body)

	tampered := bytes.Replace(body, []byte("Note"), []byte("Nope"), 1)
	_, err := verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, tampered), nil)
	assert.ErrorIs(t, err, domain.ErrSignatureVerificationFailure)
}

func TestFreshnessWindow(t *testing.T) {
	signer, resolver := setup(t)
	body := []byte(`{}`)
	req := sign(t, signer, body)

	_, err := verifierAt(resolver, t0.Add(DefaultWindow)).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.NoError(t, err)
	_, err = verifierAt(resolver, t0.Add(-DefaultWindow-time.Second)).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.ErrTooOld)

	req.Header.Set(HeaderSignedAt, "noon")
	_, err = verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTimestamp)
}

func TestHeaderAndSignerChecksPrecedeKeyResolution(t *testing.T) {
	signer, resolver := setup(t)
	body := []byte(`{}`)

	req := sign(t, signer, body)
	req.Header.Del(HeaderSignedBy)
	_, err := verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.MissingHeader("versia-signed-by"))

	req = sign(t, signer, body)
	req.Header.Set(HeaderSignedBy, "https://192.0.2.10/users/bob")
	_, err = verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.ErrUntrustedSigner)

	assert.Zero(t, resolver.calls)
}

func TestUnknownSignerIsUnableToObtainKey(t *testing.T) {
	signer, resolver := setup(t)
	signer.Identity = "https://b.example/users/carol"
	body := []byte(`{}`)
	req := sign(t, signer, body)

	_, err := verifierAt(resolver, t0).VerifyRequest(context.Background(), requestFor(req, body), nil)
	assert.ErrorIs(t, err, domain.ErrUnableToObtainKey)
}

func TestCanonicalStringDiffersFromLegacy(t *testing.T) {
	got := CanonicalString("POST", "/inbox", 1714564800, BodyDigest([]byte("{}")))
	assert.Equal(t, "post /inbox 1714564800 RBNvo1WzZ4oRRq0W9+hknpT7T8If536DEMBg9hyq/4o=", got)
}
