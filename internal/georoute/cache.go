package georoute

import (
	"context"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// CachedProvider memoizes routes keyed by the geohash cells of both endpoints.
// Failures are never cached.
type CachedProvider struct {
	next      Provider
	ttl       time.Duration
	precision uint

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	route   domain.Route
	expires time.Time
}

// NewCachedProvider wraps next. precision is the geohash length (1..12); 0 selects 9 (~5m cells).
func NewCachedProvider(next Provider, ttl time.Duration, precision uint) *CachedProvider {
	if precision == 0 || precision > 12 {
		precision = 9
	}
	return &CachedProvider{next: next, ttl: ttl, precision: precision, store: make(map[string]cacheEntry)}
}

func (c *CachedProvider) key(a, b domain.Location) string {
	return geohash.EncodeWithPrecision(a.Lat, a.Lng, c.precision) + ">" + geohash.EncodeWithPrecision(b.Lat, b.Lng, c.precision)
}

// GetRoute implements Provider.
func (c *CachedProvider) GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	k := c.key(origin, destination)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && now().Before(e.expires) {
		route := e.route
		route.Origin, route.Destination = origin, destination
		return route, nil
	}

	route, err := c.next.GetRoute(ctx, origin, destination)
	if err != nil {
		return domain.Route{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{route: route, expires: now().Add(c.ttl)}
	c.mu.Unlock()
	return route, nil
}

// Purge drops expired entries.
func (c *CachedProvider) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	t := now()
	for k, e := range c.store {
		if !t.Before(e.expires) {
			delete(c.store, k)
			removed++
		}
	}
	return removed
}
