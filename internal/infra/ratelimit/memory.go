package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"bayou/internal/domain"
)

const DefaultMaxAddrs = 10000

// ErrCapacityExceeded is returned when every tracked client address still
// has an open window and a new address cannot be admitted.
var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

type window struct {
	count int
	ends  time.Time
}

// MemoryLimiter keeps fixed windows in process memory. Client address
// windows are capped at MaxAddrs; signer domain windows are not capped
// since only verified domains reach them.
type MemoryLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	maxAddrs int
	addrs    map[string]*window
	domains  map[string]*window
}

type MemoryLimiterConfig struct {
	Now      func() time.Time
	MaxAddrs int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAddrs <= 0 {
		cfg.MaxAddrs = DefaultMaxAddrs
	}
	return &MemoryLimiter{
		now:      cfg.Now,
		maxAddrs: cfg.MaxAddrs,
		addrs:    make(map[string]*window),
		domains:  make(map[string]*window),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key domain.RateLimitKey, limit domain.RateLimit) (domain.RateLimitDecision, error) {
	if limit.Disabled() {
		return domain.RateLimitDecision{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	windows := m.addrs
	if key.Scope == domain.ScopeSignerDomain {
		windows = m.domains
	}
	id := key.String()
	w, ok := windows[id]
	if ok && now.After(w.ends) {
		delete(windows, id)
		ok = false
	}
	if !ok {
		if key.Scope != domain.ScopeSignerDomain && len(windows) >= m.maxAddrs {
			expire(windows, now)
			if len(windows) >= m.maxAddrs {
				return domain.RateLimitDecision{}, ErrCapacityExceeded
			}
		}
		w = &window{ends: now.Add(limit.Window)}
		windows[id] = w
	}

	decision := domain.RateLimitDecision{Limit: limit.Requests, ResetAt: w.ends}
	if w.count < limit.Requests {
		w.count++
		decision.Allowed = true
		decision.Remaining = limit.Requests - w.count
	}
	return decision, nil
}

// Tracked reports how many windows are open for scope.
func (m *MemoryLimiter) Tracked(scope domain.RateLimitScope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scope == domain.ScopeSignerDomain {
		return len(m.domains)
	}
	return len(m.addrs)
}

func expire(windows map[string]*window, now time.Time) {
	for id, w := range windows {
		if now.After(w.ends) {
			delete(windows, id)
		}
	}
}

var _ domain.RateLimiter = (*MemoryLimiter)(nil)
