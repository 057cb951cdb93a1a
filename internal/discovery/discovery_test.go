package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func mustInstance(t *testing.T, service, instance string) types.ServiceInstance {
	t.Helper()
	svc, err := types.NewServiceName(service)
	require.NoError(t, err)
	id, err := types.NewInstanceID(instance)
	require.NoError(t, err)
	return types.ServiceInstance{
		ServiceName:   svc,
		InstanceID:    id,
		Status:        types.StatusActive,
		LastHeartbeat: time.Now().UTC(),
	}
}

func newTestDiscovery(t *testing.T) (*Discovery, *registry.Registry) {
	t.Helper()
	store := kvstore.NewMemoryStore("service_registry")
	reg := registry.New(store)
	disc, err := New(reg, WithCacheTTL(20*time.Millisecond))
	require.NoError(t, err)
	return disc, reg
}

func TestDiscoverInstancesExcludesStale(t *testing.T) {
	disc, reg := newTestDiscovery(t)
	ctx := context.Background()

	fresh := mustInstance(t, "orders", "orders-1")
	require.NoError(t, reg.Register(ctx, fresh, 30*time.Second))

	stale := mustInstance(t, "orders", "orders-2")
	stale.LastHeartbeat = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, reg.Register(ctx, stale, 30*time.Second))

	instances, err := disc.DiscoverInstances(ctx, fresh.ServiceName, true)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, fresh.InstanceID, instances[0].InstanceID)
}

func TestSelectInstanceRoundRobinCyclesDeterministically(t *testing.T) {
	disc, reg := newTestDiscovery(t)
	ctx := context.Background()
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		inst := mustInstance(t, "orders", "orders-"+string(rune('0'+i)))
		require.NoError(t, reg.Register(ctx, inst, 30*time.Second))
	}

	seen := make(map[types.InstanceID]int)
	for i := 0; i < 6; i++ {
		inst, ok, err := disc.SelectInstance(ctx, service, RoundRobin, nil)
		require.NoError(t, err)
		require.True(t, ok)
		seen[inst.InstanceID]++
	}
	for id, count := range seen {
		assert.Equal(t, 2, count, "instance %s should be selected exactly twice over two full cycles", id)
	}
}

func TestSelectInstanceStickyPrefersHealthyPreferred(t *testing.T) {
	disc, reg := newTestDiscovery(t)
	ctx := context.Background()
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)

	a := mustInstance(t, "orders", "orders-a")
	b := mustInstance(t, "orders", "orders-b")
	require.NoError(t, reg.Register(ctx, a, 30*time.Second))
	require.NoError(t, reg.Register(ctx, b, 30*time.Second))

	preferred := b.InstanceID
	inst, ok, err := disc.SelectInstance(ctx, service, Sticky, &preferred)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.InstanceID, inst.InstanceID)
}

func TestSelectInstanceNoHealthyInstancesReturnsFalse(t *testing.T) {
	disc, _ := newTestDiscovery(t)
	ctx := context.Background()
	service, err := types.NewServiceName("ghost")
	require.NoError(t, err)

	_, ok, err := disc.SelectInstance(ctx, service, RoundRobin, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateCacheForcesRefresh(t *testing.T) {
	disc, reg := newTestDiscovery(t)
	ctx := context.Background()

	inst := mustInstance(t, "orders", "orders-1")
	require.NoError(t, reg.Register(ctx, inst, 30*time.Second))

	first, err := disc.DiscoverInstances(ctx, inst.ServiceName, true)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, reg.Deregister(ctx, inst.ServiceName, inst.InstanceID))
	disc.InvalidateCache(inst.ServiceName)

	second, err := disc.DiscoverInstances(ctx, inst.ServiceName, true)
	require.NoError(t, err)
	assert.Empty(t, second)
}
