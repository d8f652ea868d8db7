package cache

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Namespaces of the persistent layout.
const (
	NSMeta     = "meta"
	NSStreams  = "streams"
	NSResolve  = "resolve"
	NSCFCookie = "cf_cookie"
)

const defaultMaxEntries = 2048

// Producer computes a value on cache miss. Returning (nil, nil) caches a
// negative result at a quarter of the positive TTL.
type Producer func(ctx context.Context) ([]byte, error)

// ComputeOptions tunes GetOrCompute per call.
type ComputeOptions struct {
	TTL time.Duration
	// NegativeTTL defaults to TTL/4.
	NegativeTTL time.Duration
	// Merge combines the stale cached value with a background-refresh result.
	// Only consulted during stale-while-revalidate; a nil Merge means the
	// fresh value wins outright.
	Merge func(stale, fresh []byte) []byte
	// SkipRefresh disables stale-while-revalidate for values where replaying
	// the producer is expensive and staleness is fatal anyway.
	SkipRefresh bool
}

type entry struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

type namespace struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Fabric is the two-tier cache with in-flight coalescing. The memory tier
// answers hot paths; the sqlite tier survives restarts. All methods are safe
// for concurrent use.
type Fabric struct {
	store      *Store // nil means memory-only (tests)
	maxEntries int

	mu         sync.Mutex
	namespaces map[string]*namespace

	group singleflight.Group

	refreshWG sync.WaitGroup
}

func NewFabric(store *Store, maxEntriesPerNS int) *Fabric {
	if maxEntriesPerNS <= 0 {
		maxEntriesPerNS = defaultMaxEntries
	}
	return &Fabric{
		store:      store,
		maxEntries: maxEntriesPerNS,
		namespaces: make(map[string]*namespace),
	}
}

// Close waits for in-flight background refreshes and closes the store.
func (f *Fabric) Close() error {
	f.refreshWG.Wait()
	if f.store != nil {
		return f.store.Close()
	}
	return nil
}

func (f *Fabric) ns(name string) *namespace {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.namespaces[name]
	if !ok {
		n = &namespace{entries: make(map[string]entry)}
		f.namespaces[name] = n
	}
	return n
}

// Get returns the cached value and whether a live entry exists in either
// tier. A hit with a nil value is a cached negative result.
func (f *Fabric) Get(ns, key string) ([]byte, bool) {
	n := f.ns(ns)
	n.mu.Lock()
	e, ok := n.entries[key]
	n.mu.Unlock()
	if ok && !e.expired(time.Now()) {
		return e.value, true
	}
	if f.store == nil {
		return nil, false
	}
	value, ok, err := f.store.Get(ns, key)
	if err != nil {
		log.Printf("[cache] store get %s:%s failed: %v", ns, key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	// Promote to the memory tier for the remainder of a conservative TTL.
	f.setMemory(ns, key, value, time.Minute)
	return value, true
}

// Set writes through both tiers.
func (f *Fabric) Set(ns, key string, value []byte, ttl time.Duration) {
	f.setMemory(ns, key, value, ttl)
	if f.store != nil {
		if err := f.store.Put(ns, key, value, ttl); err != nil {
			log.Printf("[cache] store put %s:%s failed: %v", ns, key, err)
		}
	}
}

// Delete removes the entry from both tiers.
func (f *Fabric) Delete(ns, key string) {
	n := f.ns(ns)
	n.mu.Lock()
	delete(n.entries, key)
	n.mu.Unlock()
	if f.store != nil {
		_ = f.store.Delete(ns, key)
	}
}

func (f *Fabric) setMemory(ns, key string, value []byte, ttl time.Duration) {
	n := f.ns(ns)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[key] = entry{value: value, createdAt: time.Now(), ttl: ttl}
	if len(n.entries) > f.maxEntries {
		evictOldest(n.entries, f.maxEntries)
	}
}

// evictOldest drops oldest-by-creation entries until the map is at limit.
func evictOldest(entries map[string]entry, limit int) {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(entries))
	for k, e := range entries {
		all = append(all, aged{k, e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < len(all)-limit; i++ {
		delete(entries, all[i].key)
	}
}

// Size reports live memory-tier entries per namespace.
func (f *Fabric) Size(ns string) int {
	n := f.ns(ns)
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	count := 0
	for _, e := range n.entries {
		if !e.expired(now) {
			count++
		}
	}
	return count
}

// GetOrCompute is the single-flight read-through path. Concurrent callers
// for the same key join one producer. A present-but-stale memory value is
// returned immediately while a background refresh replaces it
// (stale-while-revalidate); the refresh result only overwrites the cached
// value when it is non-empty, after the optional Merge rule.
func (f *Fabric) GetOrCompute(ctx context.Context, ns, key string, opts ComputeOptions, produce Producer) ([]byte, error) {
	now := time.Now()
	n := f.ns(ns)
	n.mu.Lock()
	e, ok := n.entries[key]
	n.mu.Unlock()

	if ok {
		if !e.expired(now) {
			return e.value, nil
		}
		if !opts.SkipRefresh {
			f.refreshInBackground(ns, key, e.value, opts, produce)
			return e.value, nil
		}
	}

	if !ok && f.store != nil {
		if value, hit, err := f.store.Get(ns, key); err == nil && hit {
			f.setMemory(ns, key, value, opts.TTL)
			return value, nil
		}
	}

	value, err, _ := f.group.Do(ns+":"+key, func() (any, error) {
		produced, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		ttl := opts.TTL
		if produced == nil {
			ttl = opts.negativeTTL()
		}
		f.Set(ns, key, produced, ttl)
		return produced, nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return value.([]byte), nil
}

func (o ComputeOptions) negativeTTL() time.Duration {
	if o.NegativeTTL > 0 {
		return o.NegativeTTL
	}
	return o.TTL / 4
}

// refreshInBackground re-runs the producer off the request path. The caller
// already has the stale value; losing the refresh only costs freshness.
func (f *Fabric) refreshInBackground(ns, key string, stale []byte, opts ComputeOptions, produce Producer) {
	f.refreshWG.Add(1)
	go func() {
		defer f.refreshWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		_, _, _ = f.group.Do("refresh:"+ns+":"+key, func() (any, error) {
			fresh, err := produce(ctx)
			if err != nil {
				log.Printf("[cache] background refresh %s:%s failed: %v", ns, key, err)
				return nil, err
			}
			if len(fresh) == 0 {
				// A cold refresh must not destroy still-valid cached links.
				return nil, nil
			}
			if opts.Merge != nil {
				fresh = opts.Merge(stale, fresh)
			}
			f.Set(ns, key, fresh, opts.TTL)
			return fresh, nil
		})
	}()
}

// WaitRefreshes blocks until outstanding background refreshes finish.
// Exposed for deterministic tests and graceful drain.
func (f *Fabric) WaitRefreshes() {
	f.refreshWG.Wait()
}
