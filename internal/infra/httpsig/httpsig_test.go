package httpsig

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"

	gofed "github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	remoteKeyID = "https://b.example/users/bob#main-key"
	remoteActor = "https://b.example/users/bob"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type staticResolver struct {
	actors map[string]*domain.Actor
	calls  int
}

func newStaticResolver(t *testing.T, key keys.PrivateKey) *staticResolver {
	t.Helper()
	pub, err := key.Public().PEM()
	require.NoError(t, err)
	return &staticResolver{actors: map[string]*domain.Actor{
		remoteKeyID: {
			URI:    remoteActor,
			Domain: "b.example",
			Key:    domain.ActorKey{ID: remoteKeyID, Owner: remoteActor, PEM: pub},
		},
	}}
}

func (r *staticResolver) ResolveKey(_ context.Context, keyID string, _ domain.RequestSigner) (*domain.Actor, error) {
	r.calls++
	actor, ok := r.actors[keyID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copyActor := *actor
	return &copyActor, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func signedRequest(t *testing.T, key keys.PrivateKey, method, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	signer := &Signer{ID: remoteKeyID, Key: key, Now: fixedClock(t0)}
	require.NoError(t, signer.SignRequest(req, body))
	return req
}

func newVerifier(resolver KeyResolver, now time.Time) *Verifier {
	return &Verifier{Keys: resolver, Window: DefaultWindow, Now: fixedClock(now)}
}

func generate(t *testing.T, alg domain.Algorithm) keys.PrivateKey {
	t.Helper()
	key, err := keys.Generate(alg)
	require.NoError(t, err)
	return key
}

func TestLegacyHappyPathGetUsersAlice(t *testing.T) {
	key := generate(t, domain.RsaSha256)
	req := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice", nil)

	sig, err := ParseSignatureHeader(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, sig.Headers)
	assert.Equal(t, domain.RsaSha256, sig.Algorithm)
	assert.Empty(t, req.Header.Get(HeaderDigest))

	principal, err := newVerifier(newStaticResolver(t, key), t0).VerifyGet(context.Background(), req.Header, "/users/alice", nil)
	require.NoError(t, err)
	assert.Equal(t, remoteActor, principal.Owner)
	assert.Equal(t, "b.example", principal.Domain)
}

func TestRoundTripBothAlgorithms(t *testing.T) {
	body := []byte(`{"type":"Follow","actor":"https://b.example/users/bob"}`)
	for _, alg := range domain.Algorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			key := generate(t, alg)
			verifier := newVerifier(newStaticResolver(t, key), t0)

			get := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice?page=2", nil)
			_, err := verifier.VerifyGet(context.Background(), get.Header, "/users/alice?page=2", nil)
			require.NoError(t, err)

			post := signedRequest(t, key, http.MethodPost, "https://a.example/inbox", body)
			assert.True(t, strings.HasPrefix(post.Header.Get(HeaderDigest), alg.DigestName()+"="))
			_, err = verifier.VerifyPost(context.Background(), post.Header, body, "/inbox", nil)
			require.NoError(t, err)
		})
	}
}

func TestTamperedBodyFailsDigest(t *testing.T) {
	key := generate(t, domain.Hs2019)
	body := []byte(`{"type":"Create"}`)
	req := signedRequest(t, key, http.MethodPost, "https://a.example/inbox", body)

	tampered := append([]byte(nil), body...)
	tampered[3] ^= 0x01
	_, err := newVerifier(newStaticResolver(t, key), t0).VerifyPost(context.Background(), req.Header, tampered, "/inbox", nil)
	assert.ErrorIs(t, err, domain.ErrDigestMismatch)
}

func TestTamperedSignatureFails(t *testing.T) {
	for _, alg := range domain.Algorithms() {
		key := generate(t, alg)
		req := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice", nil)

		sig, err := ParseSignatureHeader(req.Header.Get(HeaderSignature))
		require.NoError(t, err)
		sig.Signature[0] ^= 0x01
		req.Header.Set(HeaderSignature, sig.String())

		_, err = newVerifier(newStaticResolver(t, key), t0).VerifyGet(context.Background(), req.Header, "/users/alice", nil)
		assert.ErrorIs(t, err, domain.ErrSignatureVerificationFailure, alg.String())
	}
}

func TestFreshnessWindowIsSymmetricAndInclusive(t *testing.T) {
	key := generate(t, domain.Hs2019)
	req := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice", nil)
	resolver := newStaticResolver(t, key)

	for _, tc := range []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"past boundary", t0.Add(DefaultWindow), true},
		{"future boundary", t0.Add(-DefaultWindow), true},
		{"past beyond", t0.Add(DefaultWindow + time.Second), false},
		{"future beyond", t0.Add(-DefaultWindow - time.Second), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newVerifier(resolver, tc.now).VerifyGet(context.Background(), req.Header, "/users/alice", nil)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrTooOld)
		})
	}
}

func TestUnparsableDateIsInvalidTimestamp(t *testing.T) {
	key := generate(t, domain.Hs2019)
	headers := http.Header{}
	headers.Set(HeaderHost, "a.example")
	headers.Set(HeaderDate, "yesterday-ish")
	covered := []string{RequestTarget, "host", "date"}
	canonical, err := CanonicalString(http.MethodGet, "/users/alice", headers, covered)
	require.NoError(t, err)
	sig, err := key.Sign([]byte(canonical))
	require.NoError(t, err)
	headers.Set(HeaderSignature, SignatureHeader{KeyID: remoteKeyID, Algorithm: domain.Hs2019, Headers: covered}.formatWith(sig))

	_, err = newVerifier(newStaticResolver(t, key), t0).VerifyGet(context.Background(), headers, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTimestamp)
}

func TestUncoveredAndAbsentDigestIsMissingHeader(t *testing.T) {
	key := generate(t, domain.RsaSha256)
	body := []byte(`{"type":"Delete"}`)
	req := signedRequest(t, key, http.MethodPost, "https://a.example/inbox", body)

	sig, err := ParseSignatureHeader(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	sig.Headers = []string{RequestTarget, "host", "date"}
	req.Header.Set(HeaderSignature, sig.String())
	req.Header.Del(HeaderDigest)

	resolver := newStaticResolver(t, key)
	_, err = newVerifier(resolver, t0).VerifyPost(context.Background(), req.Header, body, "/inbox", nil)
	assert.ErrorIs(t, err, domain.MissingHeader("digest"))
	assert.NotErrorIs(t, err, domain.ErrSignatureVerificationFailure)
	assert.Zero(t, resolver.calls)
}

func TestUncoveredDigestIsMalformed(t *testing.T) {
	key := generate(t, domain.RsaSha256)
	body := []byte(`{}`)
	req := signedRequest(t, key, http.MethodPost, "https://a.example/inbox", body)

	sig, err := ParseSignatureHeader(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	sig.Headers = []string{RequestTarget, "host", "date"}
	req.Header.Set(HeaderSignature, sig.String())

	_, err = newVerifier(newStaticResolver(t, key), t0).VerifyPost(context.Background(), req.Header, body, "/inbox", nil)
	assert.ErrorIs(t, err, domain.ErrMalformedHeader)
}

func TestHeaderFailuresPrecedeCrypto(t *testing.T) {
	key := generate(t, domain.Hs2019)
	resolver := newStaticResolver(t, key)
	verifier := newVerifier(resolver, t0)

	_, err := verifier.VerifyGet(context.Background(), http.Header{}, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.MissingHeader("signature"))

	headers := http.Header{}
	headers.Set(HeaderSignature, `keyId="`+remoteKeyID+`",algorithm="hs2019",signature="AAAA"`)
	_, err = verifier.VerifyGet(context.Background(), headers, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.ErrMalformedHeader)

	headers.Set(HeaderSignature, `keyId="`+remoteKeyID+`",algorithm="hmac-sha1",headers="(request-target) host date",signature="AAAA"`)
	_, err = verifier.VerifyGet(context.Background(), headers, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.ErrMalformedHeader)

	headers.Set(HeaderSignature, `keyId="`+remoteKeyID+`",algorithm="hs2019",headers="(request-target) host date x-extra",signature="AAAA"`)
	headers.Set(HeaderHost, "a.example")
	headers.Set(HeaderDate, t0.Format(http.TimeFormat))
	_, err = verifier.VerifyGet(context.Background(), headers, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.MissingHeader("x-extra"))

	assert.Zero(t, resolver.calls)
}

func TestUnknownKeyIsUnableToObtainKey(t *testing.T) {
	key := generate(t, domain.Hs2019)
	req := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice", nil)

	_, err := newVerifier(&staticResolver{actors: map[string]*domain.Actor{}}, t0).VerifyGet(context.Background(), req.Header, "/users/alice", nil)
	assert.ErrorIs(t, err, domain.ErrUnableToObtainKey)
	var verr *domain.VerifyError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, verr.Err, domain.ErrNotFound)
}

func TestKeyTypeDrivesVerification(t *testing.T) {
	// Mastodon labels RSA signatures hs2019; the resolved key decides.
	key := generate(t, domain.RsaSha256)
	req := signedRequest(t, key, http.MethodGet, "https://a.example/users/alice", nil)
	sig, err := ParseSignatureHeader(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	sig.Algorithm = domain.Hs2019
	req.Header.Set(HeaderSignature, sig.String())

	_, err = newVerifier(newStaticResolver(t, key), t0).VerifyGet(context.Background(), req.Header, "/users/alice", nil)
	assert.NoError(t, err)
}

func TestParseSignatureHeaderToleratesCommasInValues(t *testing.T) {
	value := `keyId="https://b.example/users/bob,1#main-key", algorithm="rsa-sha256",headers="(request-target) Host Date",signature="` +
		base64.StdEncoding.EncodeToString([]byte("sig")) + `"`
	sig, err := ParseSignatureHeader(value)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/users/bob,1#main-key", sig.KeyID)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, sig.Headers)
	assert.Equal(t, []byte("sig"), sig.Signature)

	_, err = ParseSignatureHeader(`keyId="x",keyId="y",algorithm="hs2019",headers="date",signature="AA=="`)
	assert.Error(t, err)
}

func TestCanonicalStringJoinsMultiValuedHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Add("Cache-Control", " max-age=60 ")
	headers.Add("Cache-Control", "must-revalidate")
	headers.Set(HeaderHost, "a.example")

	got, err := CanonicalString("POST", "/inbox?x=1", headers, []string{RequestTarget, "host", "cache-control"})
	require.NoError(t, err)
	assert.Equal(t, "(request-target): post /inbox?x=1\nhost: a.example\ncache-control: max-age=60, must-revalidate", got)

	_, err = CanonicalString("GET", "/", headers, []string{"date"})
	assert.ErrorIs(t, err, domain.MissingHeader("date"))
}

func TestRequestHeadersRestoresHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://a.example/users/alice", nil)
	req.Header.Del(HeaderHost)
	headers := RequestHeaders(req)
	assert.Equal(t, "a.example", headers.Get(HeaderHost))
	assert.Empty(t, req.Header.Get(HeaderHost))
}

func TestSignerInteropWithGoFedVerifier(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := &Signer{ID: remoteKeyID, Key: keys.NewRSA(raw), Now: fixedClock(t0)}

	req := httptest.NewRequest(http.MethodGet, "https://a.example/users/alice", nil)
	require.NoError(t, signer.SignRequest(req, nil))

	verifier, err := gofed.NewVerifier(req)
	require.NoError(t, err)
	assert.Equal(t, remoteKeyID, verifier.KeyId())
	assert.NoError(t, verifier.Verify(&raw.PublicKey, gofed.RSA_SHA256))

	body := []byte(`{"type":"Accept"}`)
	post := httptest.NewRequest(http.MethodPost, "https://a.example/inbox", bytes.NewReader(body))
	require.NoError(t, signer.SignRequest(post, body))
	verifier, err = gofed.NewVerifier(post)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(&raw.PublicKey, gofed.RSA_SHA256))
}
