package usecase

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"bayou/internal/domain"
)

const DefaultDeliveryConcurrency = 8

type DeliveryResult struct {
	Inbox string
	Err   error
}

// Delivery posts signed activities to remote inboxes. It never retries.
type Delivery struct {
	Instances   InstanceRepository
	Followers   FollowerRepository
	Poster      Poster
	Concurrency int
}

func NewDelivery(instances InstanceRepository, followers FollowerRepository, poster Poster, concurrency int) *Delivery {
	return &Delivery{
		Instances:   instances,
		Followers:   followers,
		Poster:      poster,
		Concurrency: concurrency,
	}
}

// Deliver sends activity once per distinct inbox, preferring shared inboxes.
// Recipients on domains this server is authoritative over are skipped.
func (d *Delivery) Deliver(ctx context.Context, activity []byte, recipients []domain.FollowerEndpoint, signer domain.RequestSigner) ([]DeliveryResult, error) {
	if d.Poster == nil {
		return nil, errors.New("poster is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	inboxes, err := d.targets(ctx, recipients)
	if err != nil {
		return nil, err
	}

	results := make([]DeliveryResult, len(inboxes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency())
	for i, inbox := range inboxes {
		g.Go(func() error {
			results[i] = DeliveryResult{Inbox: inbox, Err: d.Poster.Post(gctx, inbox, activity, signer)}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// NotifyFollowers delivers activity to every follower of actorURI.
func (d *Delivery) NotifyFollowers(ctx context.Context, actorURI string, activity []byte, signer domain.RequestSigner) ([]DeliveryResult, error) {
	if d.Followers == nil {
		return nil, errors.New("follower repository is required")
	}
	recipients, err := d.Followers.ListFollowerEndpoints(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return d.Deliver(ctx, activity, recipients, signer)
}

func (d *Delivery) targets(ctx context.Context, recipients []domain.FollowerEndpoint) ([]string, error) {
	seen := make(map[string]bool, len(recipients))
	authority := make(map[string]bool)
	inboxes := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		inbox := recipient.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		host := strings.ToLower(recipient.Domain)
		if host == "" {
			parsed, err := domain.DomainOf(inbox)
			if err != nil {
				continue
			}
			host = parsed
		}
		local, ok := authority[host]
		if !ok && d.Instances != nil {
			var err error
			local, err = d.Instances.IsAuthoritative(ctx, host)
			if err != nil {
				return nil, err
			}
			authority[host] = local
		}
		if local {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}

func (d *Delivery) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return DefaultDeliveryConcurrency
}
