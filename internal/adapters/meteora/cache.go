package meteora

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// Default TTLs per entry class. Active bins move fastest.
const (
	DefaultAllPoolsTTL  = 15 * time.Second
	DefaultPoolTTL      = 10 * time.Second
	DefaultActiveBinTTL = 5 * time.Second
)

const allPoolsKey = "all_pools"

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Coalesced     int64
	StaleServed   int64
	UpstreamCalls int64
	Errors        int64
}

type poolEntry struct {
	pool      domain.Pool
	fetchedAt time.Time
}

type allPoolsEntry struct {
	pools     []domain.Pool
	fetchedAt time.Time
}

type binEntry struct {
	bin      domain.ActiveBin
	cachedAt time.Time
}

// inflightCall coalesces concurrent misses for one key: the first caller
// fetches, everyone else waits on done.
type inflightCall struct {
	done  chan struct{}
	pools []domain.Pool
	pool  *domain.Pool
	err   error
}

// Cache is the process-wide market-data cache. One instance fronts the pool
// API for every bot; construct it once in main and pass it down.
type Cache struct {
	fetcher PoolFetcher

	allPoolsTTL  time.Duration
	poolTTL      time.Duration
	activeBinTTL time.Duration
	now          func() time.Time

	mu       sync.Mutex
	all      *allPoolsEntry
	pools    map[string]*poolEntry
	bins     map[string]*binEntry
	inflight map[string]*inflightCall
	stats    CacheStats
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTLs overrides the per-class TTLs.
func WithTTLs(allPools, pool, activeBin time.Duration) CacheOption {
	return func(c *Cache) {
		c.allPoolsTTL = allPools
		c.poolTTL = pool
		c.activeBinTTL = activeBin
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates the shared cache over the given upstream fetcher.
func NewCache(fetcher PoolFetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		allPoolsTTL:  DefaultAllPoolsTTL,
		poolTTL:      DefaultPoolTTL,
		activeBinTTL: DefaultActiveBinTTL,
		now:          time.Now,
		pools:        make(map[string]*poolEntry),
		bins:         make(map[string]*binEntry),
		inflight:     make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllPools returns the pool universe, fetching at most once per TTL window.
// A successful fetch side-populates the single-pool cache with the same
// timestamp.
func (c *Cache) AllPools(ctx context.Context) ([]domain.Pool, error) {
	c.mu.Lock()
	if c.all != nil && c.now().Sub(c.all.fetchedAt) < c.allPoolsTTL {
		c.stats.Hits++
		pools := c.all.pools
		c.mu.Unlock()
		return pools, nil
	}

	if call, ok := c.inflight[allPoolsKey]; ok {
		c.stats.Coalesced++
		c.mu.Unlock()
		if err := waitCall(ctx, call); err != nil {
			return nil, err
		}
		if call.err != nil {
			return c.staleAllPools(call.err)
		}
		return call.pools, nil
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[allPoolsKey] = call
	c.stats.Misses++
	c.stats.UpstreamCalls++
	c.mu.Unlock()

	// The fetch outlives the initiating caller so coalesced waiters are not
	// failed by one caller's cancellation.
	pools, err := c.fetcher.FetchAllPools(context.WithoutCancel(ctx))

	c.mu.Lock()
	delete(c.inflight, allPoolsKey)
	if err == nil {
		at := c.now()
		c.all = &allPoolsEntry{pools: pools, fetchedAt: at}
		for i := range pools {
			c.pools[pools[i].Address] = &poolEntry{pool: pools[i], fetchedAt: at}
		}
		call.pools = pools
	} else {
		c.stats.Errors++
		call.err = err
	}
	c.mu.Unlock()
	close(call.done)

	if err != nil {
		return c.staleAllPools(err)
	}
	return pools, nil
}

// Pool returns one pool record, coalescing concurrent misses and serving the
// prior value when the upstream fails.
func (c *Cache) Pool(ctx context.Context, address string) (*domain.Pool, error) {
	key := "pool:" + address

	c.mu.Lock()
	if e, ok := c.pools[address]; ok && c.now().Sub(e.fetchedAt) < c.poolTTL {
		c.stats.Hits++
		pool := e.pool
		c.mu.Unlock()
		return &pool, nil
	}

	if call, ok := c.inflight[key]; ok {
		c.stats.Coalesced++
		c.mu.Unlock()
		if err := waitCall(ctx, call); err != nil {
			return nil, err
		}
		if call.err != nil {
			return c.stalePool(address, call.err)
		}
		pool := *call.pool
		return &pool, nil
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.stats.Misses++
	c.stats.UpstreamCalls++
	c.mu.Unlock()

	pool, err := c.fetcher.FetchPool(context.WithoutCancel(ctx), address)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.pools[address] = &poolEntry{pool: *pool, fetchedAt: c.now()}
		call.pool = pool
	} else {
		c.stats.Errors++
		call.err = err
	}
	c.mu.Unlock()
	close(call.done)

	if err != nil {
		return c.stalePool(address, err)
	}
	result := *pool
	return &result, nil
}

// CacheActiveBin stores a bin snapshot. Synthetic bins are cached like real
// ones.
func (c *Cache) CacheActiveBin(address string, bin domain.ActiveBin) {
	c.mu.Lock()
	c.bins[address] = &binEntry{bin: bin, cachedAt: c.now()}
	c.mu.Unlock()
}

// CachedActiveBin returns the bin snapshot if still within its TTL.
func (c *Cache) CachedActiveBin(address string) *domain.ActiveBin {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bins[address]
	if !ok || c.now().Sub(e.cachedAt) >= c.activeBinTTL {
		return nil
	}
	bin := e.bin
	return &bin
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset drops every entry and counter. Test and teardown hook.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = nil
	c.pools = make(map[string]*poolEntry)
	c.bins = make(map[string]*binEntry)
	c.inflight = make(map[string]*inflightCall)
	c.stats = CacheStats{}
}

func waitCall(ctx context.Context, call *inflightCall) error {
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// staleAllPools serves the expired list when the refresh failed.
func (c *Cache) staleAllPools(fetchErr error) ([]domain.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all == nil {
		return nil, fetchErr
	}
	c.stats.StaleServed++
	slog.Warn("pool API unavailable, serving stale pool list",
		"age", c.now().Sub(c.all.fetchedAt), "err", fetchErr)
	return c.all.pools, nil
}

func (c *Cache) stalePool(address string, fetchErr error) (*domain.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pools[address]
	if !ok {
		return nil, fetchErr
	}
	c.stats.StaleServed++
	slog.Warn("pool API unavailable, serving stale pool",
		"pool", address, "age", c.now().Sub(e.fetchedAt), "err", fetchErr)
	pool := e.pool
	return &pool, nil
}
