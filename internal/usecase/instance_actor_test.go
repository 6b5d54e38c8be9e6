package usecase_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bayou/internal/domain"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/keys"
	"bayou/internal/infra/memstore"
	"bayou/internal/usecase"
)

func countingGenerator(calls *atomic.Int64) usecase.KeyGenerator {
	return func(alg domain.Algorithm) (string, string, error) {
		calls.Add(1)
		return keys.GeneratePEM(alg)
	}
}

func TestInstanceActorIsCreatedOnce(t *testing.T) {
	store := memstore.New()
	var calls atomic.Int64
	svc := usecase.NewInstanceActorService(store.InstanceActors(), countingGenerator(&calls), httpsig.NewRequestSigner, localDomain, nil)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, domain.RsaSha256)
	require.NoError(t, err)
	second, err := svc.GetOrCreate(ctx, domain.RsaSha256)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, domain.RsaSha256, first.Algorithm)
	assert.Equal(t, int64(1), calls.Load())

	// A restarted process reads the stored pair instead of generating.
	restarted := usecase.NewInstanceActorService(store.InstanceActors(), countingGenerator(&calls), httpsig.NewRequestSigner, localDomain, nil)
	third, err := restarted.GetOrCreate(ctx, domain.RsaSha256)
	require.NoError(t, err)
	assert.Equal(t, first.PrivateKeyPEM, third.PrivateKeyPEM)
	assert.Equal(t, int64(1), calls.Load())

	ed, err := svc.GetOrCreate(ctx, domain.Hs2019)
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKeyPEM, ed.PublicKeyPEM)
}

func TestInstanceActorConcurrentCreatorsConverge(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	const creators = 6
	pems := make([]string, creators)
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := usecase.NewInstanceActorService(store.InstanceActors(), keys.GeneratePEM, httpsig.NewRequestSigner, localDomain, nil)
			actor, err := svc.GetOrCreate(ctx, domain.Hs2019)
			if err == nil {
				pems[i] = actor.PublicKeyPEM
			}
		}(i)
	}
	wg.Wait()
	for i := 1; i < creators; i++ {
		assert.Equal(t, pems[0], pems[i])
	}
	assert.NotEmpty(t, pems[0])
}

func TestInstanceActorSigner(t *testing.T) {
	store := memstore.New()
	svc := usecase.NewInstanceActorService(store.InstanceActors(), keys.GeneratePEM, httpsig.NewRequestSigner, localDomain, nil)

	signer, err := svc.Signer(context.Background(), domain.RsaSha256)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/actor#main-key", signer.KeyID())

	req, err := http.NewRequest(http.MethodGet, "https://b.example/users/bob", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, nil))
	parsed, err := httpsig.ParseSignatureHeader(req.Header.Get("Signature"))
	require.NoError(t, err)
	assert.Equal(t, domain.RsaSha256, parsed.Algorithm)
}

func TestInstanceActorMalformedKey(t *testing.T) {
	store := memstore.New()
	_, err := store.InstanceActors().Create(context.Background(), domain.InstanceActor{
		Algorithm:     domain.Hs2019,
		PrivateKeyPEM: "not a key",
		PublicKeyPEM:  "not a key",
	})
	require.NoError(t, err)
	svc := usecase.NewInstanceActorService(store.InstanceActors(), keys.GeneratePEM, httpsig.NewRequestSigner, localDomain, nil)

	_, err = svc.Signer(context.Background(), domain.Hs2019)
	assert.ErrorIs(t, err, domain.ErrMalformedKey)
}
