// Package webfinger resolves acct: handles to actor URIs and renders the
// JRD documents served for local accounts.
package webfinger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"bayou/internal/domain"
)

const ContentTypeJRD = "application/jrd+json"

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type JRD struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

type Handle struct {
	Username string
	Domain   string
}

func (h Handle) String() string {
	return "acct:" + h.Username + "@" + h.Domain
}

// ParseHandle accepts "acct:user@domain", "@user@domain" and "user@domain".
func ParseHandle(raw string) (Handle, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "acct:")
	raw = strings.TrimPrefix(raw, "@")
	user, host, ok := strings.Cut(raw, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return Handle{}, fmt.Errorf("invalid handle %q", raw)
	}
	return Handle{Username: user, Domain: strings.ToLower(host)}, nil
}

func ForActor(handle Handle, actorURI string) JRD {
	return JRD{
		Subject: handle.String(),
		Aliases: []string{actorURI},
		Links: []Link{
			{Rel: "self", Type: "application/activity+json", Href: actorURI},
		},
	}
}

// SelfLink picks the ActivityPub or Versia self link.
func (j JRD) SelfLink() (string, bool) {
	for _, link := range j.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		switch link.Type {
		case "application/activity+json", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`, "application/json":
			return link.Href, true
		}
	}
	return "", false
}

// Fetcher is the subset of the federation client used for lookups.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, accept string, signer domain.RequestSigner) ([]byte, error)
}

type Client struct {
	Fetcher Fetcher
}

func NewClient(fetcher Fetcher) *Client {
	return &Client{Fetcher: fetcher}
}

// Lookup returns the actor URI advertised for handle.
func (c *Client) Lookup(ctx context.Context, handle Handle) (string, error) {
	if c == nil || c.Fetcher == nil {
		return "", errors.New("webfinger client is not configured")
	}
	target := "https://" + handle.Domain + "/.well-known/webfinger?resource=" + url.QueryEscape(handle.String())
	body, err := c.Fetcher.Fetch(ctx, target, ContentTypeJRD+", application/json", nil)
	if err != nil {
		return "", err
	}
	var jrd JRD
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", domain.NewFetchError(domain.FetchDeserializationErr, target, err)
	}
	href, ok := jrd.SelfLink()
	if !ok {
		return "", domain.NewFetchError(domain.FetchDeserializationErr, target, errors.New("no self link"))
	}
	return href, nil
}

// Discover maps username@host to an actor URI.
func (c *Client) Discover(ctx context.Context, username, host string) (string, error) {
	return c.Lookup(ctx, Handle{Username: username, Domain: strings.ToLower(host)})
}
