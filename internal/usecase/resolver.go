package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bayou/internal/domain"
)

const (
	DefaultFetchTimeout    = 10 * time.Second
	DefaultRefreshInterval = time.Minute
)

// IdentityRef names an identity to resolve. Exactly one of KeyID, ActorURI
// or Username is expected; Domain is derived from the URI forms.
type IdentityRef struct {
	KeyID    string
	ActorURI string
	Username string
	Domain   string
}

func (r IdentityRef) String() string {
	switch {
	case r.KeyID != "":
		return r.KeyID
	case r.ActorURI != "":
		return r.ActorURI
	default:
		return r.Username + "@" + r.Domain
	}
}

func (r IdentityRef) normalize() (IdentityRef, error) {
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	var uri string
	switch {
	case r.KeyID != "":
		uri = r.KeyID
	case r.ActorURI != "":
		uri = r.ActorURI
	case r.Username != "" && r.Domain != "":
		return r, nil
	default:
		return r, fmt.Errorf("%w: empty identity reference", domain.ErrDiscovery)
	}
	host, err := domain.DomainOf(uri)
	if err != nil {
		return r, err
	}
	if r.Domain != "" && r.Domain != host {
		return r, fmt.Errorf("%w: %s is not on %s", domain.ErrInvalidDocument, uri, r.Domain)
	}
	r.Domain = host
	return r, nil
}

// Resolver returns the local record for an identity, backfilling it from
// the network on first contact.
type Resolver struct {
	Actors    ActorRepository
	Instances InstanceRepository
	Domains   *DomainBackfiller
	Discovery Discoverer
	Fetcher   IdentityFetcher
	Validator DocumentValidator
	Enricher  Enqueuer
	Clock     Clock
	Timeout   time.Duration
	// RefreshInterval spaces out refetches of one actor after a signature
	// failed against its stored key.
	RefreshInterval time.Duration

	inflight singleflight.Group

	mu        sync.Mutex
	refreshed map[string]time.Time
}

func (r *Resolver) ResolveKey(ctx context.Context, keyID string, local domain.RequestSigner) (*domain.Actor, error) {
	return r.Resolve(ctx, IdentityRef{KeyID: keyID}, local)
}

func (r *Resolver) ResolveSigner(ctx context.Context, signer domain.Signer, local domain.RequestSigner) (*domain.Actor, error) {
	return r.Resolve(ctx, IdentityRef{ActorURI: signer.Identity, Domain: signer.Domain}, local)
}

// RefreshKey refetches the actor owning keyID. It is called after a
// signature failed against the stored key, so a rotated remote key can be
// picked up.
func (r *Resolver) RefreshKey(ctx context.Context, keyID string, local domain.RequestSigner) (*domain.Actor, error) {
	return r.Refresh(ctx, IdentityRef{KeyID: keyID}, local)
}

func (r *Resolver) RefreshSigner(ctx context.Context, signer domain.Signer, local domain.RequestSigner) (*domain.Actor, error) {
	return r.Refresh(ctx, IdentityRef{ActorURI: signer.Identity, Domain: signer.Domain}, local)
}

func (r *Resolver) ResolveHandle(ctx context.Context, username, host string, local domain.RequestSigner) (*domain.Actor, error) {
	return r.Resolve(ctx, IdentityRef{Username: username, Domain: host}, local)
}

// Resolve never contacts the network for a domain this server is
// authoritative over. Concurrent backfills of the same identity share one
// fetch and one insert.
func (r *Resolver) Resolve(ctx context.Context, ref IdentityRef, local domain.RequestSigner) (*domain.Actor, error) {
	if r.Actors == nil || r.Instances == nil {
		return nil, errors.New("resolver repositories are required")
	}
	ref, err := ref.normalize()
	if err != nil {
		return nil, err
	}

	actor, err := r.lookup(ctx, r.Actors, ref, domain.IrrelevantOrigin(ref.Domain))
	if err == nil {
		if err := r.admit(ctx, actor); err != nil {
			return nil, err
		}
		return actor, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	authoritative, err := r.Instances.IsAuthoritative(ctx, ref.Domain)
	if err != nil {
		return nil, err
	}
	if authoritative {
		return nil, fmt.Errorf("%w: %s", domain.ErrAuthoritativeMiss, ref)
	}

	v, err, _ := r.inflight.Do(ref.String(), func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
		defer cancel()
		return r.backfill(bctx, ref, local)
	})
	if err != nil {
		return nil, err
	}
	shared := *v.(*domain.Actor)
	return &shared, nil
}

func (r *Resolver) backfill(ctx context.Context, ref IdentityRef, local domain.RequestSigner) (*domain.Actor, error) {
	if r.Domains == nil || r.Fetcher == nil {
		return nil, fmt.Errorf("%w: backfill is not configured", domain.ErrDomainBackfill)
	}
	inst, err := r.Domains.Backfill(ctx, ref.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrDomainBackfill) || errors.Is(err, domain.ErrDomainBlocked) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDomainBackfill, err)
	}

	uri, err := r.ownerURI(ctx, ref)
	if err != nil {
		return nil, err
	}

	fetched, err := r.Fetcher.FetchIdentity(ctx, uri, inst.Protocol, local)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetch, err)
	}
	if r.Validator != nil {
		if err := r.Validator.ValidateActor(fetched, uri, ref.Domain, ref.KeyID); err != nil {
			return nil, err
		}
	}
	if ref.Username != "" && !strings.EqualFold(fetched.Username, ref.Username) {
		return nil, fmt.Errorf("%w: %s answered as %q", domain.ErrInvalidDocument, uri, fetched.Username)
	}

	record := *fetched
	record.Local = false
	record.PrivateKeyPEM = ""
	record.Domain = ref.Domain
	if record.Protocol == "" {
		record.Protocol = inst.Protocol
	}
	record.FetchedAt = r.now().UTC()

	err = r.Actors.WithTx(ctx, func(repo ActorRepository) error {
		existing, err := repo.GetByURI(ctx, record.URI)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			_, err := repo.Insert(ctx, record)
			return err
		case err != nil:
			return err
		case existing.Local:
			return nil
		}
		_, err = syncActor(ctx, repo, existing, &record, record.FetchedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	stored, err := r.lookup(ctx, r.Actors, ref, domain.FederatedOrigin(ref.Domain))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not reachable through %s", domain.ErrInvalidDocument, ref, record.URI)
		}
		return nil, err
	}

	if r.Enricher != nil {
		r.Enricher.Enqueue(EnrichmentJob{ActorURI: stored.URI, Protocol: stored.Protocol, Signer: local})
	}
	return stored, nil
}

// Refresh refetches a stored remote actor and swaps in a changed key. One
// actor is refetched at most once per RefreshInterval; inside the interval
// the stored record is returned as is.
func (r *Resolver) Refresh(ctx context.Context, ref IdentityRef, local domain.RequestSigner) (*domain.Actor, error) {
	if r.Actors == nil || r.Instances == nil || r.Fetcher == nil {
		return nil, errors.New("resolver is not configured for refresh")
	}
	ref, err := ref.normalize()
	if err != nil {
		return nil, err
	}
	actor, err := r.lookup(ctx, r.Actors, ref, domain.IrrelevantOrigin(ref.Domain))
	if err != nil {
		return nil, err
	}
	if actor.Local {
		return actor, nil
	}
	if err := r.admit(ctx, actor); err != nil {
		return nil, err
	}
	if !r.dueForRefresh(actor) {
		return actor, nil
	}

	v, err, _ := r.inflight.Do("refresh:"+actor.URI, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
		defer cancel()
		return r.refetch(rctx, actor, local)
	})
	if err != nil {
		return nil, err
	}
	refreshed := *v.(*domain.Actor)
	if ref.KeyID != "" && refreshed.Key.ID != ref.KeyID {
		return nil, fmt.Errorf("%w: %s no longer publishes %s", domain.ErrNotFound, refreshed.URI, ref.KeyID)
	}
	return &refreshed, nil
}

func (r *Resolver) dueForRefresh(actor *domain.Actor) bool {
	interval := r.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	last := actor.FetchedAt
	if at, ok := r.refreshed[actor.URI]; ok && at.After(last) {
		last = at
	}
	if !last.IsZero() && now.Sub(last) < interval {
		return false
	}
	if r.refreshed == nil {
		r.refreshed = make(map[string]time.Time)
	}
	r.refreshed[actor.URI] = now
	return true
}

func (r *Resolver) refetch(ctx context.Context, existing *domain.Actor, local domain.RequestSigner) (*domain.Actor, error) {
	fetched, err := r.Fetcher.FetchIdentity(ctx, existing.URI, existing.Protocol, local)
	if errors.Is(err, domain.ErrTombstone) {
		if derr := r.Actors.Delete(ctx, existing.URI); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			return nil, derr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetch, err)
	}
	if r.Validator != nil {
		if err := r.Validator.ValidateActor(fetched, existing.URI, existing.Domain, ""); err != nil {
			return nil, err
		}
	}
	err = r.Actors.WithTx(ctx, func(repo ActorRepository) error {
		current, err := repo.GetByURI(ctx, existing.URI)
		if err != nil {
			return err
		}
		_, err = syncActor(ctx, repo, current, fetched, r.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.Actors.GetByURI(ctx, existing.URI)
}

// admit rejects stored remote actors whose domain has since been blocked or
// denied by policy.
func (r *Resolver) admit(ctx context.Context, actor *domain.Actor) error {
	if actor.Local {
		return nil
	}
	inst, err := r.Instances.Get(ctx, actor.Domain)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Domains != nil {
		return r.Domains.Admit(ctx, *inst)
	}
	if inst.Blocked {
		return fmt.Errorf("%w: %s: %s", domain.ErrDomainBlocked, inst.Domain, inst.Reason)
	}
	return nil
}

func (r *Resolver) ownerURI(ctx context.Context, ref IdentityRef) (string, error) {
	switch {
	case ref.KeyID != "":
		return domain.KeyOwner(ref.KeyID), nil
	case ref.ActorURI != "":
		return ref.ActorURI, nil
	}
	if r.Discovery == nil {
		return "", fmt.Errorf("%w: no discovery configured", domain.ErrDiscovery)
	}
	uri, err := r.Discovery.Discover(ctx, ref.Username, ref.Domain)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrDiscovery, ref, err)
	}
	host, err := domain.DomainOf(uri)
	if err != nil || host != ref.Domain {
		return "", fmt.Errorf("%w: %s discovered off-domain uri %q", domain.ErrDiscovery, ref, uri)
	}
	return uri, nil
}

func (r *Resolver) lookup(ctx context.Context, repo ActorRepository, ref IdentityRef, origin domain.EntityOrigin) (*domain.Actor, error) {
	var (
		actor *domain.Actor
		err   error
	)
	switch {
	case ref.KeyID != "":
		actor, err = repo.GetByKeyID(ctx, ref.KeyID)
	case ref.ActorURI != "":
		actor, err = repo.GetByURI(ctx, ref.ActorURI)
	default:
		return repo.GetByUsername(ctx, ref.Username, origin)
	}
	if err != nil {
		return nil, err
	}
	if origin.Kind() == domain.OriginFederated && actor.Local {
		return nil, domain.ErrNotFound
	}
	return actor, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultFetchTimeout
}

func (r *Resolver) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}
