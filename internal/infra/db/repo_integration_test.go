//go:build integration
// +build integration

package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bayou/internal/domain"
	"bayou/internal/infra/db/testdb"
	"bayou/internal/usecase"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn, cleanup := testdb.NewDatabase(t)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		cleanup()
		t.Fatalf("open gorm: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
		cleanup()
	})
	store := &Store{DB: gdb}
	if err := store.Init(context.Background(), "a.example"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func remoteActor(host, username string) domain.Actor {
	uri := "https://" + host + "/users/" + username
	return domain.Actor{
		URI:       uri,
		Username:  username,
		Domain:    host,
		Protocol:  domain.ProtocolActivityPub,
		Inbox:     uri + "/inbox",
		Key:       domain.ActorKey{ID: uri + "#main-key", Owner: uri, PEM: "-----BEGIN PUBLIC KEY-----\n-----END PUBLIC KEY-----\n"},
		FetchedAt: time.Now().UTC(),
	}
}

func TestInstanceRepository_InitAndUpsert(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	repo := store.Instances()

	ok, err := repo.IsAuthoritative(ctx, "A.example")
	if err != nil || !ok {
		t.Fatalf("expected a.example authoritative, got %v %v", ok, err)
	}
	ok, err = repo.IsAuthoritative(ctx, "b.example")
	if err != nil || ok {
		t.Fatalf("expected unknown host to be non-authoritative, got %v %v", ok, err)
	}

	inst, err := repo.Upsert(ctx, domain.Instance{Domain: "b.example", Protocol: domain.ProtocolVersia, Software: "versia-server"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if inst.Protocol != domain.ProtocolVersia || inst.IsAuthoritative {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if err := repo.Block(ctx, "b.example", "spam"); err != nil {
		t.Fatalf("block: %v", err)
	}
	inst, err = repo.Upsert(ctx, domain.Instance{Domain: "b.example", Protocol: domain.ProtocolActivityPub})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !inst.Blocked || inst.Reason != "spam" {
		t.Fatalf("expected block to survive upsert, got %+v", inst)
	}
}

func TestActorRepository_ConcurrentInsertOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if _, err := store.Instances().Upsert(ctx, domain.Instance{Domain: "b.example", Protocol: domain.ProtocolActivityPub}); err != nil {
		t.Fatalf("upsert instance: %v", err)
	}
	actor := remoteActor("b.example", "bob")

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Actors().WithTx(ctx, func(repo usecase.ActorRepository) error {
				ok, err := repo.Insert(ctx, actor)
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
				return err
			})
			if err != nil {
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one insert, got %d", created)
	}

	got, err := store.Actors().GetByKeyID(ctx, actor.Key.ID)
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.URI != actor.URI || got.Local || got.PrivateKeyPEM != "" {
		t.Fatalf("unexpected actor %+v", got)
	}
	if _, err := store.Actors().GetByUsername(ctx, "BOB", domain.LocalOrigin("b.example")); err != domain.ErrNotFound {
		t.Fatalf("expected remote row hidden from local origin, got %v", err)
	}
	if _, err := store.Actors().GetByUsername(ctx, "BOB", domain.FederatedOrigin("b.example")); err != nil {
		t.Fatalf("federated lookup: %v", err)
	}
}

func TestActorRepository_UpdatesAndFollowers(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if _, err := store.Instances().Upsert(ctx, domain.Instance{Domain: "b.example", Protocol: domain.ProtocolActivityPub}); err != nil {
		t.Fatalf("upsert instance: %v", err)
	}
	alice := domain.Actor{
		URI:           domain.LocalActorURI("a.example", "alice"),
		Username:      "alice",
		Domain:        "a.example",
		Protocol:      domain.ProtocolActivityPub,
		Local:         true,
		Inbox:         domain.LocalActorURI("a.example", "alice") + "/inbox",
		Key:           domain.ActorKey{ID: domain.LocalActorKeyID("a.example", "alice"), Owner: domain.LocalActorURI("a.example", "alice"), PEM: "pub"},
		PrivateKeyPEM: "priv",
	}
	bob := remoteActor("b.example", "bob")
	bob.SharedInbox = "https://b.example/inbox"
	for _, actor := range []domain.Actor{alice, bob} {
		if _, err := store.Actors().Insert(ctx, actor); err != nil {
			t.Fatalf("insert %s: %v", actor.URI, err)
		}
	}

	if err := store.Actors().UpdateProfile(ctx, bob.URI, domain.Profile{DisplayName: "Bob", SharedInbox: bob.SharedInbox}, time.Now().UTC()); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	rotated := domain.ActorKey{ID: bob.URI + "#key-2", Owner: bob.URI, PEM: "rotated"}
	if err := store.Actors().ReplacePublicKey(ctx, bob.URI, rotated); err != nil {
		t.Fatalf("replace key: %v", err)
	}
	got, err := store.Actors().GetByKeyID(ctx, rotated.ID)
	if err != nil || got.DisplayName != "Bob" || got.Key.PEM != "rotated" {
		t.Fatalf("unexpected actor after updates: %+v %v", got, err)
	}
	if err := store.Actors().UpdateProfile(ctx, "https://b.example/users/nobody", domain.Profile{}, time.Time{}); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	followers := store.Followers()
	if err := followers.AddFollower(ctx, alice.URI, bob.URI); err != nil {
		t.Fatalf("add follower: %v", err)
	}
	if err := followers.AddFollower(ctx, alice.URI, bob.URI); err != nil {
		t.Fatalf("repeat add follower: %v", err)
	}
	if err := followers.AddFollower(ctx, alice.URI, "https://c.example/users/ghost"); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown follower, got %v", err)
	}
	endpoints, err := followers.ListFollowerEndpoints(ctx, alice.URI)
	if err != nil {
		t.Fatalf("list followers: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].DeliveryInbox() != "https://b.example/inbox" {
		t.Fatalf("unexpected endpoints %+v", endpoints)
	}

	if err := store.Actors().Delete(ctx, bob.URI); err != nil {
		t.Fatalf("delete: %v", err)
	}
	endpoints, err = followers.ListFollowerEndpoints(ctx, alice.URI)
	if err != nil || len(endpoints) != 0 {
		t.Fatalf("expected followers to cascade, got %+v %v", endpoints, err)
	}
}

func TestInstanceActorRepository_CreateOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	repo := store.InstanceActors()

	if _, err := repo.Get(ctx, domain.Hs2019); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	created, err := repo.Create(ctx, domain.InstanceActor{Algorithm: domain.Hs2019, PrivateKeyPEM: "first", PublicKeyPEM: "first-pub"})
	if err != nil || !created {
		t.Fatalf("create: %v %v", created, err)
	}
	created, err = repo.Create(ctx, domain.InstanceActor{Algorithm: domain.Hs2019, PrivateKeyPEM: "second", PublicKeyPEM: "second-pub"})
	if err != nil || created {
		t.Fatalf("second create should be a no-op: %v %v", created, err)
	}
	got, err := repo.Get(ctx, domain.Hs2019)
	if err != nil || got.PrivateKeyPEM != "first" {
		t.Fatalf("unexpected instance actor %+v %v", got, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestNoDBModeReportsUnavailable(t *testing.T) {
	store := &Store{}
	if store.Available() {
		t.Fatal("expected no-db store to be unavailable")
	}
	if _, err := store.Actors().GetByURI(context.Background(), "https://b.example/users/bob"); err != errDBUnavailable {
		t.Fatalf("expected errDBUnavailable, got %v", err)
	}
}
