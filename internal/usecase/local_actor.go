package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bayou/internal/domain"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.-]{0,63}$`)

// LocalActorService manages the accounts this server is authoritative for.
type LocalActorService struct {
	Actors    ActorRepository
	Instances InstanceRepository
	Generate  KeyGenerator
	NewSigner SignerFactory
	Domain    string
	Algorithm domain.Algorithm
	Clock     Clock
}

func (s *LocalActorService) Create(ctx context.Context, username string) (*domain.Actor, error) {
	if s.Actors == nil || s.Generate == nil {
		return nil, errors.New("local actor service is not configured")
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) || username == domain.InstanceActorUsername {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	privatePEM, publicPEM, err := s.Generate(s.Algorithm)
	if err != nil {
		return nil, err
	}
	uri := domain.LocalActorURI(s.Domain, username)
	now := s.now().UTC()
	actor := domain.Actor{
		URI:         uri,
		Username:    username,
		Domain:      s.Domain,
		Protocol:    domain.ProtocolActivityPub,
		Local:       true,
		Inbox:       uri + "/inbox",
		SharedInbox: "https://" + s.Domain + "/inbox",
		Outbox:      uri + "/outbox",
		Followers:   uri + "/followers",
		Following:   uri + "/following",
		Key: domain.ActorKey{
			ID:    domain.LocalActorKeyID(s.Domain, username),
			Owner: uri,
			PEM:   publicPEM,
		},
		PrivateKeyPEM: privatePEM,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.Actors.Insert(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", domain.ErrConflict, username)
	}
	return s.Actors.GetByURI(ctx, uri)
}

// Get only exposes a local account once this server is confirmed to be
// authoritative for its domain.
func (s *LocalActorService) Get(ctx context.Context, username string) (*domain.Actor, error) {
	if s.Actors == nil {
		return nil, errors.New("actor repository is required")
	}
	if s.Instances != nil {
		authoritative, err := s.Instances.IsAuthoritative(ctx, s.Domain)
		if err != nil {
			return nil, err
		}
		if !authoritative {
			return nil, domain.ErrNotFound
		}
	}
	return s.Actors.GetByUsername(ctx, strings.ToLower(username), domain.LocalOrigin(s.Domain))
}

func (s *LocalActorService) Signer(actor *domain.Actor) (domain.RequestSigner, error) {
	if s.NewSigner == nil {
		return nil, errors.New("signer factory is required")
	}
	if actor == nil || !actor.Local || actor.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("%w: actor has no local key", domain.ErrMalformedKey)
	}
	return s.NewSigner(actor.Key.ID, actor.PrivateKeyPEM)
}

func (s *LocalActorService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}
