package cachemem

import (
	"crypto/sha256"
	"sync"
	"time"

	"bayou/internal/infra/keys"
)

const (
	defaultTTL        = time.Hour
	defaultMaxEntries = 4096
)

// KeyCache holds parsed public keys keyed by the digest of their PEM text,
// so a rotated remote key never hits a stale entry.
type KeyCache struct {
	mu         sync.Mutex
	entries    map[[sha256.Size]byte]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value     keys.PublicKey
	expiresAt time.Time
}

func New() *KeyCache {
	return NewWithTTL(defaultTTL, defaultMaxEntries)
}

func NewWithTTL(ttl time.Duration, maxEntries int) *KeyCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &KeyCache{
		entries:    make(map[[sha256.Size]byte]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *KeyCache) Get(pem string) (keys.PublicKey, bool) {
	if c == nil {
		return nil, false
	}
	id := sha256.Sum256([]byte(pem))
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, id)
		return nil, false
	}
	return entry.value, true
}

func (c *KeyCache) Put(pem string, key keys.PublicKey) {
	if c == nil || key == nil {
		return
	}
	id := sha256.Sum256([]byte(pem))
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		c.gc(now)
	}
	if len(c.entries) >= c.maxEntries {
		// drop an arbitrary entry
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[id] = cacheEntry{value: key, expiresAt: now.Add(c.ttl)}
}

func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *KeyCache) gc(now time.Time) {
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
}
