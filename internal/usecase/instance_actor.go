package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bayou/internal/domain"
)

// InstanceActorService hands out this server's signing identity. The key
// pair for an algorithm is generated on first use and read thereafter.
type InstanceActorService struct {
	Repo      InstanceActorRepository
	Generate  KeyGenerator
	NewSigner SignerFactory
	Domain    string
	Clock     Clock

	loaded sync.Map // domain.Algorithm -> domain.InstanceActor
}

func NewInstanceActorService(repo InstanceActorRepository, generate KeyGenerator, newSigner SignerFactory, host string, clock Clock) *InstanceActorService {
	return &InstanceActorService{
		Repo:      repo,
		Generate:  generate,
		NewSigner: newSigner,
		Domain:    host,
		Clock:     clock,
	}
}

func (s *InstanceActorService) GetOrCreate(ctx context.Context, alg domain.Algorithm) (domain.InstanceActor, error) {
	if cached, ok := s.loaded.Load(alg); ok {
		return cached.(domain.InstanceActor), nil
	}
	if s.Repo == nil {
		return domain.InstanceActor{}, errors.New("instance actor repository is required")
	}
	if !alg.Valid() {
		return domain.InstanceActor{}, fmt.Errorf("unsupported algorithm %s", alg)
	}

	actor, err := s.Repo.Get(ctx, alg)
	if errors.Is(err, domain.ErrNotFound) {
		actor, err = s.create(ctx, alg)
	}
	if err != nil {
		return domain.InstanceActor{}, err
	}
	s.loaded.Store(alg, *actor)
	return *actor, nil
}

// create stores a fresh pair and re-reads, so concurrent creators all end
// up with whichever row won.
func (s *InstanceActorService) create(ctx context.Context, alg domain.Algorithm) (*domain.InstanceActor, error) {
	if s.Generate == nil {
		return nil, errors.New("key generator is required")
	}
	privatePEM, publicPEM, err := s.Generate(alg)
	if err != nil {
		return nil, err
	}
	if _, err := s.Repo.Create(ctx, domain.InstanceActor{
		Algorithm:     alg,
		PrivateKeyPEM: privatePEM,
		PublicKeyPEM:  publicPEM,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		return nil, err
	}
	return s.Repo.Get(ctx, alg)
}

func (s *InstanceActorService) KeyID() string {
	return domain.InstanceActorKeyID(s.Domain)
}

// Signer returns a request signer for the instance actor. Key material that
// does not parse is reported as domain.ErrMalformedKey.
func (s *InstanceActorService) Signer(ctx context.Context, alg domain.Algorithm) (domain.RequestSigner, error) {
	if s.NewSigner == nil {
		return nil, errors.New("signer factory is required")
	}
	actor, err := s.GetOrCreate(ctx, alg)
	if err != nil {
		return nil, err
	}
	return s.NewSigner(s.KeyID(), actor.PrivateKeyPEM)
}

func (s *InstanceActorService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}
