package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bayou/internal/domain"
	"bayou/internal/infra/federation"
	"bayou/internal/infra/federation/fedtest"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/keys"
	"bayou/internal/infra/memstore"
	"bayou/internal/infra/webfinger"
	"bayou/internal/usecase"
)

const localDomain = "a.example"

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []usecase.EnrichmentJob
}

func (r *recordingEnqueuer) Enqueue(job usecase.EnrichmentJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return true
}

func (r *recordingEnqueuer) Jobs() []usecase.EnrichmentJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usecase.EnrichmentJob(nil), r.jobs...)
}

type policyFunc func(ctx context.Context, input domain.FederationPolicyInput) (domain.PolicyResult, error)

func (f policyFunc) Evaluate(ctx context.Context, input domain.FederationPolicyInput) (domain.PolicyResult, error) {
	return f(ctx, input)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock     *testClock
	store     *memstore.Store
	router    *fedtest.Router
	client    *federation.Client
	domains   *usecase.DomainBackfiller
	resolver  *usecase.Resolver
	enqueued  *recordingEnqueuer
	instance  *usecase.InstanceActorService
	signer    domain.RequestSigner
	delivery  *usecase.Delivery
	localActs *usecase.LocalActorService
}

func newHarness(t *testing.T, remotes ...*fedtest.Remote) *harness {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Init(ctx, localDomain))

	router := fedtest.NewRouter()
	for _, remote := range remotes {
		router.Handle(remote.Domain, remote)
	}
	client := federation.NewClient(router.Client(), 2*time.Second)
	tc := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	clock := tc.Now

	instance := usecase.NewInstanceActorService(store.InstanceActors(), keys.GeneratePEM, httpsig.NewRequestSigner, localDomain, clock)
	signer, err := instance.Signer(ctx, domain.Hs2019)
	require.NoError(t, err)

	domains := usecase.NewDomainBackfiller(store.Instances(), client, nil, clock)
	enqueued := &recordingEnqueuer{}
	resolver := &usecase.Resolver{
		Actors:    store.Actors(),
		Instances: store.Instances(),
		Domains:   domains,
		Discovery: webfinger.NewClient(client),
		Fetcher:   client,
		Validator: federation.Validator{},
		Enricher:  enqueued,
		Clock:     clock,
		Timeout:   2 * time.Second,
	}
	return &harness{
		clock:    tc,
		store:    store,
		router:   router,
		client:   client,
		domains:  domains,
		resolver: resolver,
		enqueued: enqueued,
		instance: instance,
		signer:   signer,
		delivery: usecase.NewDelivery(store.Instances(), store.Followers(), client, 4),
		localActs: &usecase.LocalActorService{
			Actors:    store.Actors(),
			Instances: store.Instances(),
			Generate:  keys.GeneratePEM,
			NewSigner: httpsig.NewRequestSigner,
			Domain:    localDomain,
			Algorithm: domain.Hs2019,
			Clock:     clock,
		},
	}
}

func remoteWith(t *testing.T, host string, protocol domain.Protocol, users ...string) *fedtest.Remote {
	t.Helper()
	remote := fedtest.NewRemote(t, host, protocol)
	for _, user := range users {
		remote.AddUser(user)
	}
	return remote
}
