package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func testPolicy() config.FailoverPolicy {
	return config.FailoverPolicy{
		Name:               "test",
		DetectionThreshold: 50 * time.Millisecond,
		MissQuorum:         1,
		ElectionDelay:      10 * time.Millisecond,
		EnablePreElection:  true,
	}
}

func newTestUseCase(t *testing.T) (*UseCase, *bus.MemoryBus) {
	t.Helper()
	store := kvstore.NewMemoryStore("election")
	b := bus.NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))
	reg := registry.New(kvstore.NewMemoryStore("service_registry"))
	return New(store, b, reg, nil), b
}

func TestStartMonitoringSingleInstanceBecomesActive(t *testing.T) {
	u, b := newTestUseCase(t)
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)
	instance, err := types.NewInstanceID("orders-1")
	require.NoError(t, err)
	group, err := types.NewGroupID("default")
	require.NoError(t, err)

	var won bool
	_, err = b.SubscribeEvent(context.Background(), eventDomain, EventElectionWon, func(ctx context.Context, event types.Event) error {
		won = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, u.StartMonitoring(context.Background(), service, instance, group, testPolicy(), 30*time.Millisecond, 200*time.Millisecond, time.Second))

	require.Eventually(t, func() bool {
		status, err := u.GetStatus(service, instance, group)
		return err == nil && status == StatusActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, won)

	require.NoError(t, u.StopMonitoring(context.Background(), service, instance, group))
}

func TestGetStatusUnknownTripleReturnsError(t *testing.T) {
	u, _ := newTestUseCase(t)
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)
	instance, err := types.NewInstanceID("ghost")
	require.NoError(t, err)
	group, err := types.NewGroupID("default")
	require.NoError(t, err)

	_, err = u.GetStatus(service, instance, group)
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)
}

func TestTriggerManualElectionRefusesWhenLeaderHealthy(t *testing.T) {
	u, _ := newTestUseCase(t)
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)
	a, err := types.NewInstanceID("orders-a")
	require.NoError(t, err)
	group, err := types.NewGroupID("default")
	require.NoError(t, err)

	require.NoError(t, u.StartMonitoring(context.Background(), service, a, group, testPolicy(), 30*time.Millisecond, 200*time.Millisecond, time.Second))
	require.Eventually(t, func() bool {
		status, err := u.GetStatus(service, a, group)
		return err == nil && status == StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	// Poll so the same instance's own monitor observes its leader record as
	// healthy before we attempt the manual trigger against itself.
	require.Eventually(t, func() bool {
		err := u.TriggerManualElection(context.Background(), service, a, group)
		return err == sdkerrors.ErrLeaderHealthy
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, u.StopMonitoring(context.Background(), service, a, group))
}

func TestStopAllMonitoringReleasesLeadership(t *testing.T) {
	u, _ := newTestUseCase(t)
	service, err := types.NewServiceName("orders")
	require.NoError(t, err)
	instance, err := types.NewInstanceID("orders-1")
	require.NoError(t, err)
	group, err := types.NewGroupID("default")
	require.NoError(t, err)

	require.NoError(t, u.StartMonitoring(context.Background(), service, instance, group, testPolicy(), 30*time.Millisecond, 200*time.Millisecond, time.Second))
	require.Eventually(t, func() bool {
		status, err := u.GetStatus(service, instance, group)
		return err == nil && status == StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, u.StopAllMonitoring(context.Background()))

	_, err = u.GetStatus(service, instance, group)
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)
}
