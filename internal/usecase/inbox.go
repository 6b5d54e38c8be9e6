package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bayou/internal/domain"
)

type ActorResolver interface {
	Resolve(ctx context.Context, ref IdentityRef, local domain.RequestSigner) (*domain.Actor, error)
}

// InboxService applies verified inbound activities. Follows are recorded
// and accepted, Undo{Follow} removes the follower and an actor deleting
// itself removes its stored record.
type InboxService struct {
	Actors      ActorRepository
	Followers   FollowerRepository
	Resolver    ActorResolver
	LocalActors *LocalActorService
	Delivery    *Delivery
}

// Handle rejects activities whose actor lives on a different domain than
// the verified signer.
func (s *InboxService) Handle(ctx context.Context, from domain.Signer, activity domain.Activity, local domain.RequestSigner) error {
	host, err := domain.DomainOf(activity.Actor)
	if err != nil {
		return domain.NewVerifyError(domain.VerifyAuthorMismatch, err)
	}
	if host != from.Domain {
		return domain.NewVerifyError(domain.VerifyAuthorMismatch, fmt.Errorf("actor %s signed by %s", activity.Actor, from.Domain))
	}

	switch activity.Type {
	case domain.ActivityFollow:
		return s.follow(ctx, activity, local)
	case domain.ActivityUndo:
		if activity.ObjectType != domain.ActivityFollow {
			return nil
		}
		if activity.ObjectActor != "" && activity.ObjectActor != activity.Actor {
			return domain.NewVerifyError(domain.VerifyAuthorMismatch, fmt.Errorf("undo of a follow by %s", activity.ObjectActor))
		}
		if s.Followers == nil {
			return errors.New("follower repository is required")
		}
		return s.Followers.RemoveFollower(ctx, activity.ObjectTarget, activity.Actor)
	case domain.ActivityDelete:
		if activity.ObjectID != activity.Actor {
			return nil
		}
		existing, err := s.Actors.GetByURI(ctx, activity.Actor)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Local {
			return nil
		}
		return s.Actors.Delete(ctx, existing.URI)
	}
	return nil
}

func (s *InboxService) follow(ctx context.Context, activity domain.Activity, local domain.RequestSigner) error {
	if s.Followers == nil || s.Resolver == nil {
		return errors.New("inbox service is not configured")
	}
	target, err := s.Actors.GetByURI(ctx, activity.ObjectID)
	if err != nil {
		return err
	}
	if !target.Local {
		return fmt.Errorf("%w: %s is not a local actor", domain.ErrNotFound, activity.ObjectID)
	}
	follower, err := s.Resolver.Resolve(ctx, IdentityRef{ActorURI: activity.Actor}, local)
	if err != nil {
		return err
	}
	if err := s.Followers.AddFollower(ctx, target.URI, follower.URI); err != nil {
		return err
	}
	if s.Delivery == nil || s.LocalActors == nil {
		return nil
	}
	return s.accept(ctx, target, follower, activity)
}

func (s *InboxService) accept(ctx context.Context, target, follower *domain.Actor, follow domain.Activity) error {
	signer, err := s.LocalActors.Signer(target)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       target.URI + "#accepts/" + follow.ID,
		"type":     domain.ActivityAccept,
		"actor":    target.URI,
		"object": map[string]string{
			"id":     follow.ID,
			"type":   domain.ActivityFollow,
			"actor":  follower.URI,
			"object": target.URI,
		},
	})
	if err != nil {
		return err
	}
	results, err := s.Delivery.Deliver(ctx, body, []domain.FollowerEndpoint{{
		ActorURI: follower.URI,
		Domain:   follower.Domain,
		Inbox:    follower.Inbox,
		Protocol: follower.Protocol,
	}}, signer)
	if err != nil {
		return err
	}
	for _, result := range results {
		if result.Err != nil {
			return result.Err
		}
	}
	return nil
}
