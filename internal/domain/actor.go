package domain

import "time"

type Protocol string

const (
	ProtocolActivityPub Protocol = "activitypub"
	ProtocolVersia      Protocol = "versia"
)

type ActorKey struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	PEM   string `json:"public_key_pem"`
}

// Actor is a local or remote identity. PrivateKeyPEM is only populated for
// local actors.
type Actor struct {
	ID            string    `json:"-"`
	URI           string    `json:"id"`
	Username      string    `json:"preferred_username"`
	Domain        string    `json:"domain"`
	Protocol      Protocol  `json:"protocol"`
	Local         bool      `json:"local"`
	DisplayName   string    `json:"name,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Inbox         string    `json:"inbox"`
	SharedInbox   string    `json:"shared_inbox,omitempty"`
	Outbox        string    `json:"outbox,omitempty"`
	Followers     string    `json:"followers,omitempty"`
	Following     string    `json:"following,omitempty"`
	Key           ActorKey  `json:"public_key"`
	PrivateKeyPEM string    `json:"-"`
	FetchedAt     time.Time `json:"fetched_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Profile holds the auxiliary fields refreshed by background enrichment.
type Profile struct {
	DisplayName string
	Summary     string
	Outbox      string
	Followers   string
	Following   string
	SharedInbox string
}

func (a Actor) Profile() Profile {
	return Profile{
		DisplayName: a.DisplayName,
		Summary:     a.Summary,
		Outbox:      a.Outbox,
		Followers:   a.Followers,
		Following:   a.Following,
		SharedInbox: a.SharedInbox,
	}
}

// DeliveryInbox prefers the shared inbox when the remote advertises one.
func (a Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

type FollowerEndpoint struct {
	ActorURI    string
	Domain      string
	Inbox       string
	SharedInbox string
	Protocol    Protocol
}

func (f FollowerEndpoint) DeliveryInbox() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}
