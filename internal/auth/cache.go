package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache for authenticated token contexts.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the stale
// value immediately (sub-microsecond) and signals that a background refresh is
// needed. This ensures no request ever blocks on DB + bcrypt after the first
// cold start.
type AuthCache struct {
	store sync.Map      // map[string]*cacheEntry
	ttl   time.Duration // Default: 30s
}

type cacheEntry struct {
	token      *TokenContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Token        *TokenContext
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry is expired and should be refreshed in the background
}

// Get looks up the API token in the cache.
//
// Returns:
//   - Fresh hit:  {Token, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Token, Hit=true,  NeedsRefresh=true}  (serve stale, refresh in background)
//   - Miss:       {nil,   Hit=false, NeedsRefresh=false}
//
// When NeedsRefresh=true, the caller should refresh in a background goroutine.
// The refreshing flag is set atomically so only one goroutine refreshes per key.
func (c *AuthCache) Get(apiToken string) GetResult {
	val, ok := c.store.Load(apiToken)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		// Fresh hit, return immediately.
		return GetResult{Token: entry.token, Hit: true}
	}

	// Stale hit: return the value but signal refresh needed.
	// CompareAndSwap ensures only one goroutine triggers the refresh.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Token:        entry.token,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a token context in the cache with the configured TTL.
func (c *AuthCache) Set(apiToken string, token *TokenContext) {
	c.store.Store(apiToken, &cacheEntry{
		token:     token,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiToken string) {
	c.store.Delete(apiToken)
}
