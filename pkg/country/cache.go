package country

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultTableTTL = 10 * time.Minute
	tableCacheKey   = "aliases"
)

type TableLoader interface {
	LoadTable(ctx context.Context) (*Table, error)
}

// CachedTables serves the alias table from a TTL cache so long-running
// processes pick up aliases added by other writers.
type CachedTables struct {
	loader TableLoader
	cache  *ttlcache.Cache[string, *Table]
	mu     sync.Mutex
}

func NewCachedTables(loader TableLoader, ttl time.Duration) *CachedTables {
	if ttl <= 0 {
		ttl = DefaultTableTTL
	}
	return &CachedTables{
		loader: loader,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *Table](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Table](),
		),
	}
}

func (c *CachedTables) Table(ctx context.Context) (*Table, error) {
	if item := c.cache.Get(tableCacheKey); item != nil {
		return item.Value(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.cache.Get(tableCacheKey); item != nil {
		return item.Value(), nil
	}

	t, err := c.loader.LoadTable(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(tableCacheKey, t, ttlcache.DefaultTTL)
	return t, nil
}

// Invalidate drops the cached table; the next call reloads it.
func (c *CachedTables) Invalidate() {
	c.cache.Delete(tableCacheKey)
}

// StaticTables serves a fixed table.
type StaticTables struct{ T *Table }

func (s StaticTables) Table(context.Context) (*Table, error) { return s.T, nil }
