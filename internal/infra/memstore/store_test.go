package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bayou/internal/domain"
)

func TestInitSeedsPrimaryInstance(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Init(ctx, "A.Example"))

	auth, err := s.Instances().IsAuthoritative(ctx, "a.example")
	require.NoError(t, err)
	assert.True(t, auth)
	auth, err = s.Instances().IsAuthoritative(ctx, "b.example")
	require.NoError(t, err)
	assert.False(t, auth)
}

func TestUpsertKeepsBlockFlag(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Instances().Block(ctx, "b.example", "spam"))
	got, err := s.Instances().Upsert(ctx, domain.Instance{Domain: "B.example", Protocol: domain.ProtocolVersia, IsAuthoritative: true})
	require.NoError(t, err)
	assert.True(t, got.Blocked)
	assert.False(t, got.IsAuthoritative)
	assert.Equal(t, domain.ProtocolVersia, got.Protocol)
}

func TestAllowlistRegistersUnknownDomain(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Instances().Allowlist(ctx, "B.example"))
	got, err := s.Instances().Get(ctx, "b.example")
	require.NoError(t, err)
	assert.True(t, got.Allowlisted)
	assert.False(t, got.Blocked)
	assert.Equal(t, domain.ProtocolActivityPub, got.Protocol)

	require.NoError(t, s.Instances().Block(ctx, "b.example", "spam"))
	got, err = s.Instances().Get(ctx, "b.example")
	require.NoError(t, err)
	assert.True(t, got.Allowlisted)
	assert.True(t, got.Blocked)
}

func TestInsertIsIdempotentPerURIAndKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	actor := domain.Actor{
		URI:      "https://b.example/users/bob",
		Username: "bob",
		Domain:   "b.example",
		Key:      domain.ActorKey{ID: "https://b.example/users/bob#main-key", Owner: "https://b.example/users/bob"},
	}
	inserted, err := s.Actors().Insert(ctx, actor)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.Actors().Insert(ctx, actor)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := actor
	other.URI = "https://b.example/users/bob2"
	inserted, err = s.Actors().Insert(ctx, other)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, s.Inserts())

	got, err := s.Actors().GetByKeyID(ctx, actor.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, actor.URI, got.URI)

	require.NoError(t, s.Actors().Delete(ctx, actor.URI))
	assert.ErrorIs(t, s.Actors().Delete(ctx, actor.URI), domain.ErrNotFound)
}

func TestFollowersRequireKnownActors(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Followers().AddFollower(ctx, "https://a.example/users/alice", "https://b.example/users/bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInstanceActorCreatedOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	created, err := s.InstanceActors().Create(ctx, domain.InstanceActor{Algorithm: domain.Hs2019, PublicKeyPEM: "first"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.InstanceActors().Create(ctx, domain.InstanceActor{Algorithm: domain.Hs2019, PublicKeyPEM: "second"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.InstanceActors().Get(ctx, domain.Hs2019)
	require.NoError(t, err)
	assert.Equal(t, "first", got.PublicKeyPEM)
	_, err = s.InstanceActors().Get(ctx, domain.RsaSha256)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
