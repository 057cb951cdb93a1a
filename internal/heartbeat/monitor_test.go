package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func testService(t *testing.T) types.ServiceName {
	t.Helper()
	s, err := types.NewServiceName("orders")
	require.NoError(t, err)
	return s
}

func testGroup(t *testing.T) types.GroupID {
	t.Helper()
	g, err := types.NewGroupID("default")
	require.NoError(t, err)
	return g
}

func putLeader(t *testing.T, store kvstore.Store, group types.GroupID, instanceID types.InstanceID, lastHeartbeat time.Time) {
	t.Helper()
	rec := types.LeaderRecord{InstanceID: instanceID, LastHeartbeat: lastHeartbeat, ElectedAt: lastHeartbeat}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), LeaderKey(group), data, kvstore.PutOptions{})
	require.NoError(t, err)
}

func TestPollEmitsVacantWhenNoLeaderKey(t *testing.T) {
	store := kvstore.NewMemoryStore("election")
	service, group := testService(t), testGroup(t)

	var vacantCalled bool
	mon := NewMonitor(store, service, group, config.FailoverBalanced, time.Second,
		WithOnVacant(func(context.Context) { vacantCalled = true }))

	mon.Poll(context.Background())
	assert.True(t, vacantCalled)
	_, ok := mon.LastSeenLeader()
	assert.False(t, ok)
}

func TestPollEmitsHealthyForFreshLeader(t *testing.T) {
	store := kvstore.NewMemoryStore("election")
	service, group := testService(t), testGroup(t)
	instanceID, err := types.NewInstanceID("orders-1")
	require.NoError(t, err)
	putLeader(t, store, group, instanceID, time.Now().UTC())

	var healthyLeader types.InstanceID
	mon := NewMonitor(store, service, group, config.FailoverBalanced, time.Second,
		WithOnHealthy(func(ctx context.Context, leaderID types.InstanceID) { healthyLeader = leaderID }))

	mon.Poll(context.Background())
	assert.Equal(t, instanceID, healthyLeader)
	got, ok := mon.HealthyLeader()
	require.True(t, ok)
	assert.Equal(t, instanceID, got)
}

func TestPollEmitsSuspectedAfterMissQuorum(t *testing.T) {
	store := kvstore.NewMemoryStore("election")
	service, group := testService(t), testGroup(t)
	instanceID, err := types.NewInstanceID("orders-1")
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour).UTC()
	putLeader(t, store, group, instanceID, stale)

	policy := config.FailoverPolicy{
		Name:               "test",
		DetectionThreshold: 10 * time.Millisecond,
		MissQuorum:         2,
		ElectionDelay:      10 * time.Millisecond,
	}

	var suspectedCount int
	mon := NewMonitor(store, service, group, policy, time.Second,
		WithOnSuspected(func(ctx context.Context, leaderID types.InstanceID) { suspectedCount++ }))

	mon.Poll(context.Background())
	assert.Equal(t, 0, suspectedCount, "first miss should not yet cross quorum")
	mon.Poll(context.Background())
	assert.Equal(t, 1, suspectedCount, "second miss should cross quorum of 2")

	_, healthy := mon.HealthyLeader()
	assert.False(t, healthy)
}

func TestStartStopEndsPollingLoop(t *testing.T) {
	store := kvstore.NewMemoryStore("election")
	service, group := testService(t), testGroup(t)

	mon := NewMonitor(store, service, group, config.FailoverBalanced, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	mon.Stop()
	mon.Stop() // safe to call twice
}
