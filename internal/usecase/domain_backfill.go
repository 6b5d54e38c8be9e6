package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bayou/internal/domain"
)

// DomainBackfiller makes an unknown domain known before any identity on it
// is trusted. The remote protocol is probed once, the federation policy is
// consulted and the instance row is registered.
type DomainBackfiller struct {
	Instances InstanceRepository
	Probe     InstanceProbe
	Policy    domain.FederationPolicy
	Clock     Clock
}

func NewDomainBackfiller(instances InstanceRepository, probe InstanceProbe, policy domain.FederationPolicy, clock Clock) *DomainBackfiller {
	return &DomainBackfiller{
		Instances: instances,
		Probe:     probe,
		Policy:    policy,
		Clock:     clock,
	}
}

func (b *DomainBackfiller) Backfill(ctx context.Context, host string) (domain.Instance, error) {
	if b.Instances == nil {
		return domain.Instance{}, errors.New("instance repository is required")
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return domain.Instance{}, fmt.Errorf("%w: empty domain", domain.ErrDomainBackfill)
	}

	known, err := b.Instances.Get(ctx, host)
	switch {
	case err == nil:
		if err := b.Admit(ctx, *known); err != nil {
			return domain.Instance{}, err
		}
		return *known, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Instance{}, err
	}

	if b.Probe == nil {
		return domain.Instance{}, fmt.Errorf("%w: %s: no protocol probe configured", domain.ErrDomainBackfill, host)
	}
	info, err := b.Probe.DetectProtocol(ctx, host)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("%w: %s: %w", domain.ErrDomainBackfill, host, err)
	}

	if err := b.evaluate(ctx, domain.FederationPolicyInput{
		Domain:   host,
		Protocol: info.Protocol,
		Software: info.Software,
	}); err != nil {
		return domain.Instance{}, err
	}

	stored, err := b.Instances.Upsert(ctx, domain.Instance{
		Domain:    host,
		Protocol:  info.Protocol,
		Software:  info.Software,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return domain.Instance{}, err
	}
	return *stored, nil
}

// Admit re-checks a registered instance against its block flag and the
// current policy. Records already stored for a domain stop being trusted as
// soon as the domain is blocked or denied.
func (b *DomainBackfiller) Admit(ctx context.Context, inst domain.Instance) error {
	if inst.IsPrimary || inst.IsAuthoritative {
		return nil
	}
	if err := b.evaluate(ctx, domain.FederationPolicyInput{
		Domain:      inst.Domain,
		Protocol:    inst.Protocol,
		Software:    inst.Software,
		Known:       true,
		Blocked:     inst.Blocked,
		Allowlisted: inst.Allowlisted,
	}); err != nil {
		return err
	}
	// A bundle that ignores input.blocked cannot lift an operator block.
	if inst.Blocked {
		return fmt.Errorf("%w: %s: %s", domain.ErrDomainBlocked, inst.Domain, inst.Reason)
	}
	return nil
}

func (b *DomainBackfiller) evaluate(ctx context.Context, input domain.FederationPolicyInput) error {
	if b.Policy == nil {
		return nil
	}
	result, err := b.Policy.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %s: policy: %w", domain.ErrDomainBackfill, input.Domain, err)
	}
	if !result.Allow {
		return fmt.Errorf("%w: %s: %s", domain.ErrDomainBlocked, input.Domain, denyReason(result))
	}
	return nil
}

func (b *DomainBackfiller) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}

func denyReason(result domain.PolicyResult) string {
	if len(result.Deny) == 0 {
		return "denied"
	}
	codes := make([]string, 0, len(result.Deny))
	for _, deny := range result.Deny {
		codes = append(codes, deny.Code)
	}
	return strings.Join(codes, ",")
}
