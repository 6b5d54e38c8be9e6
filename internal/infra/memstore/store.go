// Package memstore keeps federation state in process memory. It backs the
// server when no database is configured and the usecase tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bayou/internal/domain"
	"bayou/internal/usecase"
)

type Store struct {
	mu             sync.RWMutex
	txMu           sync.Mutex
	actors         map[string]domain.Actor // by URI
	instances      map[string]domain.Instance
	instanceActors map[domain.Algorithm]domain.InstanceActor
	followers      map[string]map[string]time.Time // followed URI -> follower URI

	inserts int
}

func New() *Store {
	return &Store{
		actors:         make(map[string]domain.Actor),
		instances:      make(map[string]domain.Instance),
		instanceActors: make(map[domain.Algorithm]domain.InstanceActor),
		followers:      make(map[string]map[string]time.Time),
	}
}

// Init registers the primary authoritative domain.
func (s *Store) Init(ctx context.Context, primary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	primary = strings.ToLower(primary)
	inst := s.instances[primary]
	inst.Domain = primary
	inst.IsAuthoritative = true
	inst.IsPrimary = true
	inst.Protocol = domain.ProtocolActivityPub
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	s.instances[primary] = inst
	return nil
}

// Inserts counts successful actor inserts.
func (s *Store) Inserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts
}

type ActorRepo struct{ s *Store }

func (s *Store) Actors() *ActorRepo { return &ActorRepo{s: s} }

func (r *ActorRepo) GetByKeyID(ctx context.Context, keyID string) (*domain.Actor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, actor := range r.s.actors {
		if actor.Key.ID == keyID {
			return &actor, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *ActorRepo) GetByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	actor, ok := r.s.actors[uri]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &actor, nil
}

func (r *ActorRepo) GetByUsername(ctx context.Context, username string, origin domain.EntityOrigin) (*domain.Actor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, actor := range r.s.actors {
		if !strings.EqualFold(actor.Username, username) || actor.Domain != origin.Domain() {
			continue
		}
		switch origin.Kind() {
		case domain.OriginLocal:
			if !actor.Local {
				continue
			}
		case domain.OriginFederated:
			if actor.Local {
				continue
			}
		}
		return &actor, nil
	}
	return nil, domain.ErrNotFound
}

func (r *ActorRepo) Insert(ctx context.Context, actor domain.Actor) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.actors[actor.URI]; ok {
		return false, nil
	}
	for _, existing := range r.s.actors {
		if actor.Key.ID != "" && existing.Key.ID == actor.Key.ID {
			return false, nil
		}
	}
	now := time.Now().UTC()
	if actor.CreatedAt.IsZero() {
		actor.CreatedAt = now
	}
	actor.UpdatedAt = now
	actor.ID = actor.URI
	r.s.actors[actor.URI] = actor
	r.s.inserts++
	return true, nil
}

func (r *ActorRepo) ReplacePublicKey(ctx context.Context, actorURI string, key domain.ActorKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	actor, ok := r.s.actors[actorURI]
	if !ok {
		return domain.ErrNotFound
	}
	actor.Key = key
	actor.UpdatedAt = time.Now().UTC()
	r.s.actors[actorURI] = actor
	return nil
}

func (r *ActorRepo) UpdateProfile(ctx context.Context, actorURI string, profile domain.Profile, fetchedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	actor, ok := r.s.actors[actorURI]
	if !ok {
		return domain.ErrNotFound
	}
	actor.DisplayName = profile.DisplayName
	actor.Summary = profile.Summary
	actor.Outbox = profile.Outbox
	actor.Followers = profile.Followers
	actor.Following = profile.Following
	actor.SharedInbox = profile.SharedInbox
	actor.FetchedAt = fetchedAt
	actor.UpdatedAt = time.Now().UTC()
	r.s.actors[actorURI] = actor
	return nil
}

func (r *ActorRepo) Delete(ctx context.Context, actorURI string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.actors[actorURI]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.actors, actorURI)
	delete(r.s.followers, actorURI)
	for _, followers := range r.s.followers {
		delete(followers, actorURI)
	}
	return nil
}

// WithTx serialises transactions against each other, which is enough for
// the lookup-or-create pattern used by callers.
func (r *ActorRepo) WithTx(ctx context.Context, fn func(repo usecase.ActorRepository) error) error {
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()
	return fn(r)
}

type InstanceRepo struct{ s *Store }

func (s *Store) Instances() *InstanceRepo { return &InstanceRepo{s: s} }

func (r *InstanceRepo) Get(ctx context.Context, host string) (*domain.Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	inst, ok := r.s.instances[strings.ToLower(host)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &inst, nil
}

func (r *InstanceRepo) IsAuthoritative(ctx context.Context, host string) (bool, error) {
	inst, err := r.Get(ctx, host)
	if err != nil {
		return false, nil
	}
	return inst.IsAuthoritative, nil
}

func (r *InstanceRepo) Upsert(ctx context.Context, inst domain.Instance) (*domain.Instance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	host := strings.ToLower(inst.Domain)
	existing, ok := r.s.instances[host]
	if !ok {
		inst.Domain = host
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = time.Now().UTC()
		}
		r.s.instances[host] = inst
		return &inst, nil
	}
	existing.Protocol = inst.Protocol
	existing.Software = inst.Software
	r.s.instances[host] = existing
	return &existing, nil
}

// Block marks host as blocked, registering it when unknown.
func (r *InstanceRepo) Block(ctx context.Context, host, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	host = strings.ToLower(host)
	inst := r.s.instances[host]
	r.register(&inst, host)
	inst.Blocked = true
	inst.Reason = reason
	r.s.instances[host] = inst
	return nil
}

// Allowlist exempts host from suffix denial, registering it when unknown.
func (r *InstanceRepo) Allowlist(ctx context.Context, host string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	host = strings.ToLower(host)
	inst := r.s.instances[host]
	r.register(&inst, host)
	inst.Allowlisted = true
	r.s.instances[host] = inst
	return nil
}

// register fills the defaults of a row created by an operator before any
// contact with the domain.
func (r *InstanceRepo) register(inst *domain.Instance, host string) {
	if inst.Domain != "" {
		return
	}
	inst.Domain = host
	inst.Protocol = domain.ProtocolActivityPub
	inst.CreatedAt = time.Now().UTC()
}

func (r *InstanceRepo) List(ctx context.Context) ([]domain.Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Instance, 0, len(r.s.instances))
	for _, inst := range r.s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

type InstanceActorRepo struct{ s *Store }

func (s *Store) InstanceActors() *InstanceActorRepo { return &InstanceActorRepo{s: s} }

func (r *InstanceActorRepo) Get(ctx context.Context, alg domain.Algorithm) (*domain.InstanceActor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	actor, ok := r.s.instanceActors[alg]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &actor, nil
}

func (r *InstanceActorRepo) Create(ctx context.Context, actor domain.InstanceActor) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.instanceActors[actor.Algorithm]; ok {
		return false, nil
	}
	r.s.instanceActors[actor.Algorithm] = actor
	return true, nil
}

var (
	_ usecase.ActorRepository         = (*ActorRepo)(nil)
	_ usecase.InstanceRepository      = (*InstanceRepo)(nil)
	_ usecase.InstanceActorRepository = (*InstanceActorRepo)(nil)
	_ usecase.FollowerRepository      = (*FollowerRepo)(nil)
)

type FollowerRepo struct{ s *Store }

func (s *Store) Followers() *FollowerRepo { return &FollowerRepo{s: s} }

func (r *FollowerRepo) ListFollowerEndpoints(ctx context.Context, actorURI string) ([]domain.FollowerEndpoint, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	uris := make([]string, 0, len(r.s.followers[actorURI]))
	for uri := range r.s.followers[actorURI] {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	out := make([]domain.FollowerEndpoint, 0, len(uris))
	for _, uri := range uris {
		actor, ok := r.s.actors[uri]
		if !ok {
			continue
		}
		out = append(out, domain.FollowerEndpoint{
			ActorURI:    actor.URI,
			Domain:      actor.Domain,
			Inbox:       actor.Inbox,
			SharedInbox: actor.SharedInbox,
			Protocol:    actor.Protocol,
		})
	}
	return out, nil
}

func (r *FollowerRepo) AddFollower(ctx context.Context, actorURI, followerURI string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.actors[actorURI]; !ok {
		return domain.ErrNotFound
	}
	if _, ok := r.s.actors[followerURI]; !ok {
		return domain.ErrNotFound
	}
	if r.s.followers[actorURI] == nil {
		r.s.followers[actorURI] = make(map[string]time.Time)
	}
	if _, ok := r.s.followers[actorURI][followerURI]; !ok {
		r.s.followers[actorURI][followerURI] = time.Now().UTC()
	}
	return nil
}

func (r *FollowerRepo) RemoveFollower(ctx context.Context, actorURI, followerURI string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.followers[actorURI], followerURI)
	return nil
}
