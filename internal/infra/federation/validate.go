package federation

import (
	"fmt"
	"net/url"
	"strings"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

// ValidateActor checks a fetched identity against what was requested. The
// document must live at requestedURI, belong to expectedDomain, own its key,
// and carry a parseable key whose id matches keyID when one is given.
func ValidateActor(actor *domain.Actor, requestedURI, expectedDomain, keyID string) error {
	if actor == nil {
		return fmt.Errorf("%w: empty document", domain.ErrInvalidDocument)
	}
	if stripFragment(actor.URI) != stripFragment(requestedURI) {
		return fmt.Errorf("%w: id %q does not match %q", domain.ErrInvalidDocument, actor.URI, requestedURI)
	}
	host, err := domain.DomainOf(actor.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
	}
	if expectedDomain != "" && host != expectedDomain {
		return fmt.Errorf("%w: actor host %q is not %q", domain.ErrInvalidDocument, host, expectedDomain)
	}
	if actor.Key.PEM == "" {
		return fmt.Errorf("%w: actor has no public key", domain.ErrInvalidDocument)
	}
	if actor.Key.Owner != "" && actor.Key.Owner != actor.URI {
		return fmt.Errorf("%w: key owner %q is not the actor", domain.ErrInvalidDocument, actor.Key.Owner)
	}
	if keyID != "" && actor.Key.ID != keyID {
		return fmt.Errorf("%w: key id %q does not match %q", domain.ErrInvalidDocument, actor.Key.ID, keyID)
	}
	if _, err := keys.ParsePublicKeyPEM(actor.Key.PEM); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
	}
	if err := validateEndpoint(actor.Inbox, host); err != nil {
		return fmt.Errorf("%w: inbox: %v", domain.ErrInvalidDocument, err)
	}
	if actor.SharedInbox != "" {
		if err := validateEndpoint(actor.SharedInbox, host); err != nil {
			return fmt.Errorf("%w: shared inbox: %v", domain.ErrInvalidDocument, err)
		}
	}
	return nil
}

func validateEndpoint(raw, host string) error {
	if raw == "" {
		return fmt.Errorf("missing")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !strings.EqualFold(parsed.Hostname(), host) {
		return fmt.Errorf("host %q is not %q", parsed.Hostname(), host)
	}
	return nil
}

func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// Validator adapts ValidateActor to the resolver's validation hook.
type Validator struct{}

func (Validator) ValidateActor(actor *domain.Actor, requestedURI, expectedDomain, keyID string) error {
	return ValidateActor(actor, requestedURI, expectedDomain, keyID)
}
