package usecase_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bayou/internal/domain"
	"bayou/internal/usecase"
)

func newInbox(h *harness) *usecase.InboxService {
	return &usecase.InboxService{
		Actors:      h.store.Actors(),
		Followers:   h.store.Followers(),
		Resolver:    h.resolver,
		LocalActors: h.localActs,
		Delivery:    h.delivery,
	}
}

func TestInboxFollowRecordsAndAccepts(t *testing.T) {
	remote := remoteWith(t, "b.example", domain.ProtocolActivityPub, "bob")
	h := newHarness(t, remote)
	ctx := context.Background()
	alice, err := h.localActs.Create(ctx, "alice")
	require.NoError(t, err)

	follow := domain.Activity{
		ID:       "https://b.example/activities/1",
		Type:     domain.ActivityFollow,
		Actor:    remote.ActorURI("bob"),
		ObjectID: alice.URI,
	}
	from := domain.Signer{Identity: remote.ActorURI("bob"), Domain: "b.example"}
	require.NoError(t, newInbox(h).Handle(ctx, from, follow, h.signer))

	followers, err := h.store.Followers().ListFollowerEndpoints(ctx, alice.URI)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, remote.ActorURI("bob"), followers[0].ActorURI)

	deliveries := remote.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "/users/bob/inbox", deliveries[0].Path)
	assert.Contains(t, deliveries[0].Headers.Get("Signature"), alice.Key.ID)
	var accept map[string]any
	require.NoError(t, json.Unmarshal(deliveries[0].Body, &accept))
	assert.Equal(t, "Accept", accept["type"])
	assert.Equal(t, alice.URI, accept["actor"])
}

func TestInboxRejectsCrossDomainActor(t *testing.T) {
	remote := remoteWith(t, "b.example", domain.ProtocolActivityPub, "bob")
	h := newHarness(t, remote)
	ctx := context.Background()
	alice, err := h.localActs.Create(ctx, "alice")
	require.NoError(t, err)

	err = newInbox(h).Handle(ctx, domain.Signer{Identity: "https://c.example/users/mallory", Domain: "c.example"}, domain.Activity{
		Type:     domain.ActivityFollow,
		Actor:    remote.ActorURI("bob"),
		ObjectID: alice.URI,
	}, h.signer)
	assert.ErrorIs(t, err, domain.ErrAuthorMismatch)

	followers, err := h.store.Followers().ListFollowerEndpoints(ctx, alice.URI)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestInboxUndoFollow(t *testing.T) {
	remote := remoteWith(t, "b.example", domain.ProtocolActivityPub, "bob")
	h := newHarness(t, remote)
	ctx := context.Background()
	alice, err := h.localActs.Create(ctx, "alice")
	require.NoError(t, err)
	bob, err := h.resolver.ResolveKey(ctx, remote.KeyID("bob"), h.signer)
	require.NoError(t, err)
	require.NoError(t, h.store.Followers().AddFollower(ctx, alice.URI, bob.URI))

	from := domain.Signer{Identity: bob.URI, Domain: "b.example"}
	err = newInbox(h).Handle(ctx, from, domain.Activity{
		Type:         domain.ActivityUndo,
		Actor:        bob.URI,
		ObjectType:   domain.ActivityFollow,
		ObjectActor:  bob.URI,
		ObjectTarget: alice.URI,
	}, h.signer)
	require.NoError(t, err)

	followers, err := h.store.Followers().ListFollowerEndpoints(ctx, alice.URI)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestInboxSelfDeleteRemovesRemoteActor(t *testing.T) {
	remote := remoteWith(t, "b.example", domain.ProtocolActivityPub, "bob")
	h := newHarness(t, remote)
	ctx := context.Background()
	bob, err := h.resolver.ResolveKey(ctx, remote.KeyID("bob"), h.signer)
	require.NoError(t, err)

	from := domain.Signer{Identity: bob.URI, Domain: "b.example"}
	require.NoError(t, newInbox(h).Handle(ctx, from, domain.Activity{
		Type:     domain.ActivityDelete,
		Actor:    bob.URI,
		ObjectID: bob.URI,
	}, h.signer))
	_, err = h.store.Actors().GetByURI(ctx, bob.URI)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalActors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, err := h.localActs.Create(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Username)
	assert.True(t, alice.Local)
	assert.Equal(t, "https://a.example/users/alice#main-key", alice.Key.ID)
	assert.NotEmpty(t, alice.PrivateKeyPEM)

	_, err = h.localActs.Create(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.localActs.Create(ctx, "no spaces")
	assert.Error(t, err)
	_, err = h.localActs.Create(ctx, domain.InstanceActorUsername)
	assert.Error(t, err)

	got, err := h.localActs.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.URI, got.URI)

	elsewhere := *h.localActs
	elsewhere.Domain = "z.example"
	_, err = elsewhere.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
