package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

// ErrNoVersiaKey reports an actor whose key cannot be published in a Versia
// document. Versia only carries Ed25519 keys.
var ErrNoVersiaKey = errors.New("actor key is not ed25519")

var activityStreamsContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

type PublicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type EndpointsDocument struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument carries only the ActivityPub actor fields federation needs.
type ActorDocument struct {
	Context           any                `json:"@context,omitempty"`
	ID                string             `json:"id"`
	Type              string             `json:"type"`
	PreferredUsername string             `json:"preferredUsername"`
	Name              string             `json:"name,omitempty"`
	Summary           string             `json:"summary,omitempty"`
	Inbox             string             `json:"inbox"`
	Outbox            string             `json:"outbox,omitempty"`
	Followers         string             `json:"followers,omitempty"`
	Following         string             `json:"following,omitempty"`
	Endpoints         *EndpointsDocument `json:"endpoints,omitempty"`
	PublicKey         PublicKeyDocument  `json:"publicKey"`
}

func NewActorDocument(actor domain.Actor, actorType string) ActorDocument {
	doc := ActorDocument{
		Context:           activityStreamsContext,
		ID:                actor.URI,
		Type:              actorType,
		PreferredUsername: actor.Username,
		Name:              actor.DisplayName,
		Summary:           actor.Summary,
		Inbox:             actor.Inbox,
		Outbox:            actor.Outbox,
		Followers:         actor.Followers,
		Following:         actor.Following,
		PublicKey: PublicKeyDocument{
			ID:           actor.Key.ID,
			Owner:        actor.Key.Owner,
			PublicKeyPem: actor.Key.PEM,
		},
	}
	if actor.SharedInbox != "" {
		doc.Endpoints = &EndpointsDocument{SharedInbox: actor.SharedInbox}
	}
	return doc
}

func (d ActorDocument) ToActor() domain.Actor {
	actor := domain.Actor{
		URI:         d.ID,
		Username:    d.PreferredUsername,
		Protocol:    domain.ProtocolActivityPub,
		DisplayName: d.Name,
		Summary:     d.Summary,
		Inbox:       d.Inbox,
		Outbox:      d.Outbox,
		Followers:   d.Followers,
		Following:   d.Following,
		Key: domain.ActorKey{
			ID:    d.PublicKey.ID,
			Owner: d.PublicKey.Owner,
			PEM:   d.PublicKey.PublicKeyPem,
		},
	}
	if d.Endpoints != nil {
		actor.SharedInbox = d.Endpoints.SharedInbox
	}
	if host, err := domain.DomainOf(d.ID); err == nil {
		actor.Domain = host
	}
	return actor
}

type VersiaPublicKey struct {
	Actor     string `json:"actor"`
	Algorithm string `json:"algorithm"`
	// Key is the base64 SubjectPublicKeyInfo.
	Key string `json:"key"`
}

type VersiaUser struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	URI         string          `json:"uri"`
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name,omitempty"`
	Bio         string          `json:"bio,omitempty"`
	Inbox       string          `json:"inbox"`
	Outbox      string          `json:"outbox,omitempty"`
	Followers   string          `json:"followers,omitempty"`
	Following   string          `json:"following,omitempty"`
	PublicKey   VersiaPublicKey `json:"public_key"`
}

// NewVersiaUser renders a local actor as a Versia user. The key id of a
// Versia user is its URI.
func NewVersiaUser(actor domain.Actor, uri string) (VersiaUser, error) {
	key, err := VersiaKey(uri, actor.Key.PEM)
	if err != nil {
		return VersiaUser{}, err
	}
	return VersiaUser{
		ID:          uri,
		Type:        "User",
		URI:         uri,
		Username:    actor.Username,
		DisplayName: actor.DisplayName,
		Bio:         actor.Summary,
		Inbox:       actor.Inbox,
		Outbox:      actor.Outbox,
		Followers:   actor.Followers,
		Following:   actor.Following,
		PublicKey:   key,
	}, nil
}

// VersiaKey converts a PEM public key owned by owner into its Versia form.
func VersiaKey(owner, publicPEM string) (VersiaPublicKey, error) {
	pub, err := keys.ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return VersiaPublicKey{}, err
	}
	if pub.Algorithm() != domain.Hs2019 {
		return VersiaPublicKey{}, ErrNoVersiaKey
	}
	canonical, err := pub.PEM()
	if err != nil {
		return VersiaPublicKey{}, err
	}
	block, _ := pem.Decode([]byte(canonical))
	if block == nil {
		return VersiaPublicKey{}, fmt.Errorf("%w: public key did not encode", domain.ErrMalformedKey)
	}
	return VersiaPublicKey{
		Actor:     owner,
		Algorithm: "ed25519",
		Key:       base64.StdEncoding.EncodeToString(block.Bytes),
	}, nil
}

func (u VersiaUser) ToActor() (domain.Actor, error) {
	uri := u.URI
	if uri == "" {
		uri = u.ID
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(u.PublicKey.Key))
	if err != nil {
		return domain.Actor{}, err
	}
	actor := domain.Actor{
		URI:         uri,
		Username:    u.Username,
		Protocol:    domain.ProtocolVersia,
		DisplayName: u.DisplayName,
		Summary:     u.Bio,
		Inbox:       u.Inbox,
		Outbox:      u.Outbox,
		Followers:   u.Followers,
		Following:   u.Following,
		Key: domain.ActorKey{
			ID:    uri,
			Owner: u.PublicKey.Actor,
			PEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		},
	}
	if host, err := domain.DomainOf(uri); err == nil {
		actor.Domain = host
	}
	return actor, nil
}

// FetchActor performs an authorized fetch of an ActivityPub actor.
func (c *Client) FetchActor(ctx context.Context, uri string, signer domain.RequestSigner) (*domain.Actor, error) {
	body, err := c.Fetch(ctx, uri, AcceptActivityJSON, signer)
	if err != nil {
		return nil, err
	}
	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, uri, err)
	}
	if doc.ID == "" {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, uri, errors.New("actor has no id"))
	}
	actor := doc.ToActor()
	return &actor, nil
}

// FetchVersiaUser performs an authorized fetch of a Versia user.
func (c *Client) FetchVersiaUser(ctx context.Context, uri string, signer domain.RequestSigner) (*domain.Actor, error) {
	body, err := c.Fetch(ctx, uri, ContentTypeJSON, signer)
	if err != nil {
		return nil, err
	}
	var user VersiaUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, uri, err)
	}
	if user.ID == "" && user.URI == "" {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, uri, errors.New("user has no id"))
	}
	actor, err := user.ToActor()
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, uri, err)
	}
	return &actor, nil
}

// FetchIdentity dispatches on the protocol spoken by the remote domain.
func (c *Client) FetchIdentity(ctx context.Context, uri string, protocol domain.Protocol, signer domain.RequestSigner) (*domain.Actor, error) {
	if protocol == domain.ProtocolVersia {
		return c.FetchVersiaUser(ctx, uri, signer)
	}
	return c.FetchActor(ctx, uri, signer)
}
