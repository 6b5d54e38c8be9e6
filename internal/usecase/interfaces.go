package usecase

import (
	"context"
	"time"

	"bayou/internal/domain"
)

type Clock func() time.Time

type ActorRepository interface {
	GetByKeyID(ctx context.Context, keyID string) (*domain.Actor, error)
	GetByURI(ctx context.Context, uri string) (*domain.Actor, error)
	GetByUsername(ctx context.Context, username string, origin domain.EntityOrigin) (*domain.Actor, error)
	// Insert reports false when a record for the same URI already exists.
	Insert(ctx context.Context, actor domain.Actor) (bool, error)
	ReplacePublicKey(ctx context.Context, actorURI string, key domain.ActorKey) error
	UpdateProfile(ctx context.Context, actorURI string, profile domain.Profile, fetchedAt time.Time) error
	Delete(ctx context.Context, actorURI string) error
	WithTx(ctx context.Context, fn func(repo ActorRepository) error) error
}

type InstanceRepository interface {
	Get(ctx context.Context, host string) (*domain.Instance, error)
	IsAuthoritative(ctx context.Context, host string) (bool, error)
	// Upsert registers an instance or refreshes its protocol and software.
	// Authority and block flags of an existing row are left untouched.
	Upsert(ctx context.Context, inst domain.Instance) (*domain.Instance, error)
	List(ctx context.Context) ([]domain.Instance, error)
}

type InstanceActorRepository interface {
	Get(ctx context.Context, alg domain.Algorithm) (*domain.InstanceActor, error)
	// Create stores actor unless one already exists for its algorithm.
	Create(ctx context.Context, actor domain.InstanceActor) (bool, error)
}

type FollowerRepository interface {
	ListFollowerEndpoints(ctx context.Context, actorURI string) ([]domain.FollowerEndpoint, error)
	AddFollower(ctx context.Context, actorURI, followerURI string) error
	RemoveFollower(ctx context.Context, actorURI, followerURI string) error
}

type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, uri string, protocol domain.Protocol, signer domain.RequestSigner) (*domain.Actor, error)
}

type Discoverer interface {
	Discover(ctx context.Context, username, host string) (string, error)
}

type InstanceProbe interface {
	DetectProtocol(ctx context.Context, host string) (domain.Instance, error)
}

type Poster interface {
	Post(ctx context.Context, inbox string, body []byte, signer domain.RequestSigner) error
}

type DocumentValidator interface {
	ValidateActor(actor *domain.Actor, requestedURI, expectedDomain, keyID string) error
}

type Enqueuer interface {
	Enqueue(job EnrichmentJob) bool
}

// KeyGenerator returns a new key pair as private and public PEM text.
type KeyGenerator func(alg domain.Algorithm) (privatePEM, publicPEM string, err error)

// SignerFactory builds a request signer from stored key material.
type SignerFactory func(keyID, privateKeyPEM string) (domain.RequestSigner, error)
