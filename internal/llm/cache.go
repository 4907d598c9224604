package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternlabs/docmind/internal/config"
)

// handleTTL is how long a cached handle stays usable. After expiry the next
// lookup constructs a replacement; calls already holding the old handle keep
// using it.
const handleTTL = 600 * time.Second

// Endpoint rate limiting, applied per handle: 50 requests per minute with
// small bursts.
const (
	handleRateLimit = 50.0 / 60.0
	handleBurst     = 5
)

// Fingerprint identifies a cached handle: provider, endpoint, and a one-way
// hash of the credential. The raw credential never appears in the key.
type Fingerprint string

// NewFingerprint derives the cache key for a connection.
func NewFingerprint(provider, baseURL string, apiKey config.Secret) Fingerprint {
	sum := sha256.Sum256([]byte(apiKey.Value()))
	return Fingerprint(provider + "|" + baseURL + "|" + hex.EncodeToString(sum[:])[:16])
}

// Handle is a reusable network client bound to one endpoint and credential.
// Handles are owned by the cache; callers obtain them per call and must not
// hold them across calls.
type Handle struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// newHandle sets up a handle. Pure local object construction, no network I/O.
func newHandle(baseURL, apiKey string) *Handle {
	return &Handle{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No global timeout: streaming responses can outlive any fixed cap.
		// Non-streaming attempts bound themselves with a per-request context.
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(handleRateLimit), handleBurst),
	}
}

type cacheEntry struct {
	handle    *Handle
	createdAt time.Time
}

// ClientCache maps connection fingerprints to reusable handles with a
// time-based expiry. Staleness is checked lazily at lookup; there is no
// eviction goroutine.
//
// Concurrent first lookups for the same fingerprint may race and construct
// duplicate handles. Both are functionally equivalent, so the relaxation is
// accepted: construction happens outside the lock and the last insert wins.
// The map itself is always mutated under the mutex, so entries are inserted
// atomically.
type ClientCache struct {
	mu      sync.Mutex
	entries map[Fingerprint]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewClientCache creates an empty cache with the standard TTL.
func NewClientCache() *ClientCache {
	return &ClientCache{
		entries: make(map[Fingerprint]cacheEntry),
		ttl:     handleTTL,
		now:     time.Now,
	}
}

// GetOrCreate returns the cached handle for fp when younger than the TTL,
// otherwise constructs a fresh one via construct and stores it, overwriting
// any stale entry. Construction failures propagate uncached.
func (c *ClientCache) GetOrCreate(fp Fingerprint, construct func() (*Handle, error)) (*Handle, error) {
	c.mu.Lock()
	if entry, ok := c.entries[fp]; ok && c.now().Sub(entry.createdAt) < c.ttl {
		c.mu.Unlock()
		return entry.handle, nil
	}
	c.mu.Unlock()

	handle, err := construct()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[fp] = cacheEntry{handle: handle, createdAt: c.now()}
	c.mu.Unlock()
	return handle, nil
}

// Len reports the number of cached entries, stale ones included.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
