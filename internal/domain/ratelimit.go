package domain

import (
	"context"
	"strings"
	"time"
)

// RateLimitScope names what a request budget is charged to.
type RateLimitScope string

const (
	// ScopeClientAddr is charged before any signature is checked.
	ScopeClientAddr RateLimitScope = "ip"
	// ScopeSignerDomain is charged once the request signature verified.
	ScopeSignerDomain RateLimitScope = "domain"
)

// RateLimitKey identifies one budget on one route.
type RateLimitKey struct {
	Route string
	Scope RateLimitScope
	Value string
}

func ClientAddrKey(route, addr string) RateLimitKey {
	return RateLimitKey{Route: route, Scope: ScopeClientAddr, Value: addr}
}

func SignerDomainKey(route, host string) RateLimitKey {
	return RateLimitKey{Route: route, Scope: ScopeSignerDomain, Value: strings.ToLower(host)}
}

func (k RateLimitKey) String() string {
	return "endpoint:" + k.Route + ":" + string(k.Scope) + ":" + k.Value
}

// RateLimit allows Requests per fixed Window. A zero limit disables it.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

func (l RateLimit) Disabled() bool {
	return l.Requests <= 0
}

type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, never negative.
func (d RateLimitDecision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type RateLimiter interface {
	Allow(ctx context.Context, key RateLimitKey, limit RateLimit) (RateLimitDecision, error)
}
