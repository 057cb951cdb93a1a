// Package discovery implements Service Discovery: listing healthy
// instances for a service, selecting one via a pluggable strategy, and an
// LRU-bounded cache with TTL and stale-on-error fallback so a transient
// registry read failure doesn't fail an RPC dispatch that could otherwise
// proceed against the last-known instance list.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// SelectionStrategy chooses among a service's healthy instances.
type SelectionStrategy string

const (
	// RoundRobin cycles through instances in a per-service, per-process
	// monotonic order.
	RoundRobin SelectionStrategy = "round_robin"
	// Random picks uniformly at random among healthy instances.
	Random SelectionStrategy = "random"
	// Sticky returns a caller-preferred instance if it is still healthy,
	// otherwise the first healthy instance.
	Sticky SelectionStrategy = "sticky"
)

// DefaultCacheTTL is how long a discovered instance list is served from
// cache before a fresh registry read is attempted.
const DefaultCacheTTL = 5 * time.Second

// DefaultCacheSize bounds the number of distinct (service, only_healthy,
// strategy) cache entries retained.
const DefaultCacheSize = 1024

// cacheKey dedupes by (service, only_healthy, strategy) rather than just
// (service, only_healthy) — see DESIGN.md Open Question 1: ROUND_ROBIN
// keeps its own rotation state cleanly only if entries aren't shared
// across strategies reading the same underlying list at different refresh
// instants.
type cacheKey struct {
	service     types.ServiceName
	onlyHealthy bool
	strategy    SelectionStrategy
}

type cacheEntry struct {
	instances []types.ServiceInstance
	fetchedAt time.Time
}

// Discovery lists and selects healthy instances for a service, backed by
// the Service Registry.
type Discovery struct {
	registry *registry.Registry
	cache    *lru.Cache[cacheKey, *cacheEntry]
	cacheTTL time.Duration
	logger   telemetry.Logger

	rrMu       sync.Mutex
	rrCounters map[types.ServiceName]*uint64
}

// Option configures an optional Discovery setting.
type Option func(*Discovery)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(d time.Duration) Option {
	return func(disc *Discovery) { disc.cacheTTL = d }
}

// WithLogger overrides the no-op default logger.
func WithLogger(l telemetry.Logger) Option {
	return func(disc *Discovery) { disc.logger = l }
}

// New constructs a Discovery over reg, with an LRU cache bounded at
// DefaultCacheSize entries.
func New(reg *registry.Registry, opts ...Option) (*Discovery, error) {
	return NewWithCacheSize(reg, DefaultCacheSize, opts...)
}

// NewWithCacheSize is New with an explicit cache capacity.
func NewWithCacheSize(reg *registry.Registry, cacheSize int, opts ...Option) (*Discovery, error) {
	d := &Discovery{
		registry:   reg,
		cacheTTL:   DefaultCacheTTL,
		logger:     telemetry.NewNoopLogger(),
		rrCounters: make(map[types.ServiceName]*uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	cache, err := lru.New[cacheKey, *cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("discovery: new cache: %w", err)
	}
	d.cache = cache
	return d, nil
}

// DiscoverInstances lists instances for service, filtered to healthy ones
// (spec §3 invariant 5 stale filter) unless onlyHealthy is false.
func (d *Discovery) DiscoverInstances(ctx context.Context, service types.ServiceName, onlyHealthy bool) ([]types.ServiceInstance, error) {
	key := cacheKey{service: service, onlyHealthy: onlyHealthy}
	return d.lookup(ctx, key, func() ([]types.ServiceInstance, error) {
		if onlyHealthy {
			return d.registry.HealthyInstancesForService(ctx, service)
		}
		return d.registry.InstancesForService(ctx, service)
	})
}

// SelectInstance picks one healthy instance of service using strategy.
// preferred, when non-nil, is honored by Sticky. Returns false if no
// healthy instance exists.
func (d *Discovery) SelectInstance(ctx context.Context, service types.ServiceName, strategy SelectionStrategy, preferred *types.InstanceID) (types.ServiceInstance, bool, error) {
	key := cacheKey{service: service, onlyHealthy: true, strategy: strategy}
	instances, err := d.lookup(ctx, key, func() ([]types.ServiceInstance, error) {
		return d.registry.HealthyInstancesForService(ctx, service)
	})
	if err != nil {
		return types.ServiceInstance{}, false, err
	}
	if len(instances) == 0 {
		return types.ServiceInstance{}, false, nil
	}

	switch strategy {
	case Sticky:
		if preferred != nil {
			for _, inst := range instances {
				if inst.InstanceID == *preferred {
					return inst, true, nil
				}
			}
		}
		return instances[0], true, nil
	case Random:
		return instances[rand.Intn(len(instances))], true, nil //nolint:gosec // selection, not security
	case RoundRobin:
		idx := d.nextRoundRobin(service, len(instances))
		return instances[idx], true, nil
	default:
		idx := d.nextRoundRobin(service, len(instances))
		return instances[idx], true, nil
	}
}

// InvalidateCache drops cached entries for the given services, or every
// entry if none are given.
func (d *Discovery) InvalidateCache(services ...types.ServiceName) {
	if len(services) == 0 {
		d.cache.Purge()
		return
	}
	want := make(map[types.ServiceName]struct{}, len(services))
	for _, s := range services {
		want[s] = struct{}{}
	}
	for _, key := range d.cache.Keys() {
		if _, ok := want[key.service]; ok {
			d.cache.Remove(key)
		}
	}
}

// lookup serves key from cache when fresh, otherwise calls fetch. On a
// fetch error, a stale cache entry (if any) is served with a warning log
// instead of surfacing the error — the underlying error only propagates
// when no stale value exists.
func (d *Discovery) lookup(ctx context.Context, key cacheKey, fetch func() ([]types.ServiceInstance, error)) ([]types.ServiceInstance, error) {
	entry, ok := d.cache.Get(key)
	if ok && time.Since(entry.fetchedAt) < d.cacheTTL {
		return entry.instances, nil
	}

	fresh, err := fetch()
	if err != nil {
		if ok {
			d.logger.Warn(ctx, "discovery: refresh failed, serving stale cache", "service", key.service.String(), "err", err)
			return entry.instances, nil
		}
		return nil, err
	}
	d.cache.Add(key, &cacheEntry{instances: fresh, fetchedAt: time.Now()})
	return fresh, nil
}

// nextRoundRobin returns the next index in 0..n-1 for service, advancing a
// per-service monotonic counter shared across cache refreshes.
func (d *Discovery) nextRoundRobin(service types.ServiceName, n int) int {
	d.rrMu.Lock()
	counter, ok := d.rrCounters[service]
	if !ok {
		counter = new(uint64)
		d.rrCounters[service] = counter
	}
	d.rrMu.Unlock()

	val := atomic.AddUint64(counter, 1) - 1
	return int(val % uint64(n))
}
