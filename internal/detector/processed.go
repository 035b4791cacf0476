package detector

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/cache"
)

// ProcessedCache is the set of problem ids already handed to remediation.
// Claims go through SetNX so replicas sharing a Valkey provider never
// dispatch the same problem twice.
type ProcessedCache struct {
	provider cache.Provider
	prefix   string
	now      func() time.Time

	mu      sync.Mutex
	ttl     time.Duration
	claimed map[string]time.Time
}

// NewProcessedCache stores claims in provider for ttl; zero keeps them until
// Clear.
func NewProcessedCache(provider cache.Provider, ttl time.Duration, now func() time.Time) *ProcessedCache {
	if provider == nil {
		provider = cache.NewMemoryProvider()
	}
	if now == nil {
		now = time.Now
	}
	return &ProcessedCache{
		provider: provider,
		prefix:   "detector:processed:",
		now:      now,
		ttl:      ttl,
		claimed:  make(map[string]time.Time),
	}
}

func (c *ProcessedCache) key(problemID string) string {
	return c.prefix + problemID
}

// Contains reports whether problemID is currently claimed.
func (c *ProcessedCache) Contains(ctx context.Context, problemID string) (bool, error) {
	_, err := c.provider.Get(ctx, c.key(problemID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Claim marks problemID as processed and reports whether this caller won it.
func (c *ProcessedCache) Claim(ctx context.Context, problemID string) (bool, error) {
	c.mu.Lock()
	ttl := c.ttl
	c.mu.Unlock()

	at := c.now()
	ok, err := c.provider.SetNX(ctx, c.key(problemID), []byte(strconv.FormatInt(at.UnixMilli(), 10)), ttl)
	if err != nil || !ok {
		return false, err
	}
	c.mu.Lock()
	c.claimed[problemID] = at
	c.mu.Unlock()
	return true, nil
}

// Release drops a single claim.
func (c *ProcessedCache) Release(ctx context.Context, problemID string) error {
	c.mu.Lock()
	delete(c.claimed, problemID)
	c.mu.Unlock()
	return c.provider.Del(ctx, c.key(problemID))
}

// Clear drops every claim made through this cache and returns how many were
// dropped.
func (c *ProcessedCache) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.claimed))
	for id := range c.claimed {
		ids = append(ids, id)
	}
	c.claimed = make(map[string]time.Time)
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.provider.Del(ctx, c.key(id)); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}

// IDs lists claimed problem ids that have not yet expired, oldest first.
func (c *ProcessedCache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	ids := make([]string, 0, len(c.claimed))
	for id, at := range c.claimed {
		if c.ttl > 0 && now.Sub(at) >= c.ttl {
			delete(c.claimed, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if !c.claimed[ids[i]].Equal(c.claimed[ids[j]]) {
			return c.claimed[ids[i]].Before(c.claimed[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Len is the number of live claims.
func (c *ProcessedCache) Len() int { return len(c.IDs()) }

// SetTTL changes the TTL applied to future claims.
func (c *ProcessedCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}
