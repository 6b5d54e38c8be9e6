package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"bayou/internal/config"
	"bayou/internal/domain"
	"bayou/internal/infra/db"
	"bayou/internal/infra/federation"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/keys"
	"bayou/internal/infra/memstore"
	"bayou/internal/infra/policyopa"
	"bayou/internal/infra/webfinger"
	"bayou/internal/usecase"
)

// domainAdmin is the operator surface over instance rows.
type domainAdmin interface {
	Block(ctx context.Context, host, reason string) error
	Allowlist(ctx context.Context, host string) error
}

// app holds the services shared by every sub-command.
type app struct {
	cfg       config.Config
	algorithm domain.Algorithm
	mode      string

	actors         usecase.ActorRepository
	instances      usecase.InstanceRepository
	instanceActors usecase.InstanceActorRepository
	followers      usecase.FollowerRepository
	admin          domainAdmin

	client   *federation.Client
	policy   *policyopa.Engine
	instance *usecase.InstanceActorService
	resolver *usecase.Resolver
	locals   *usecase.LocalActorService
	delivery *usecase.Delivery
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	alg, err := cfg.Algorithm()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, algorithm: alg}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.FederationPolicyPath != "" {
		a.policy, err = policyopa.NewEngineFromBundlePath(ctx, cfg.FederationPolicyPath, cfg.DeniedDomainSuffixes)
	} else {
		a.policy, err = policyopa.NewEngine(ctx, cfg.DeniedDomainSuffixes)
	}
	if err != nil {
		return nil, fmt.Errorf("load federation policy: %w", err)
	}
	logrus.WithField("bundle_hash", a.policy.BundleHash()).Info("federation policy loaded")

	a.client = federation.NewClient(&http.Client{}, cfg.FetchTimeout())
	a.instance = usecase.NewInstanceActorService(a.instanceActors, keys.GeneratePEM, httpsig.NewRequestSigner, cfg.InstanceDomain, nil)
	a.resolver = &usecase.Resolver{
		Actors:          a.actors,
		Instances:       a.instances,
		Domains:         usecase.NewDomainBackfiller(a.instances, a.client, a.policy, nil),
		Discovery:       webfinger.NewClient(a.client),
		Fetcher:         a.client,
		Validator:       federation.Validator{},
		Timeout:         cfg.FetchTimeout(),
		RefreshInterval: cfg.KeyRefreshInterval(),
	}
	a.locals = &usecase.LocalActorService{
		Actors:    a.actors,
		Instances: a.instances,
		Generate:  keys.GeneratePEM,
		NewSigner: httpsig.NewRequestSigner,
		Domain:    cfg.InstanceDomain,
		Algorithm: alg,
	}
	a.delivery = usecase.NewDelivery(a.instances, a.followers, a.client, cfg.DeliveryConcurrency)
	return a, nil
}

// openStore uses postgres when POSTGRES_DSN is set and the in-memory store
// otherwise. Either way the primary instance row is seeded.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.PostgresDSN == "" {
		store := memstore.New()
		if err := store.Init(ctx, a.cfg.InstanceDomain); err != nil {
			return err
		}
		a.mode = "memory"
		a.actors = store.Actors()
		a.instances = store.Instances()
		a.instanceActors = store.InstanceActors()
		a.followers = store.Followers()
		a.admin = store.Instances()
		logrus.Warn("POSTGRES_DSN not set; identities are kept in memory")
		return nil
	}

	store, err := db.NewStore(a.cfg)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := store.Init(ctx, a.cfg.InstanceDomain); err != nil {
		return fmt.Errorf("seed primary instance: %w", err)
	}
	a.mode = "db"
	a.actors = store.Actors()
	a.instances = store.Instances()
	a.instanceActors = store.InstanceActors()
	a.followers = store.Followers()
	a.admin = store.Instances()
	return nil
}

// instanceSigner loads or creates the instance key. Stored key material
// that cannot be parsed is reported as is so callers can refuse to start.
func (a *app) instanceSigner(ctx context.Context) (domain.RequestSigner, error) {
	signer, err := a.instance.Signer(ctx, a.algorithm)
	if errors.Is(err, domain.ErrMalformedKey) {
		return nil, fmt.Errorf("instance actor key for %s: %w", a.algorithm, err)
	}
	return signer, err
}
