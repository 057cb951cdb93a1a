package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func testCoreConfig() *config.CoreConfig {
	cfg := config.NewCoreConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StaleThreshold = 200 * time.Millisecond
	cfg.RegistryTTL = 500 * time.Millisecond
	cfg.ElectionHeartbeat = 20 * time.Millisecond
	cfg.LeaderTTL = 100 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	return cfg
}

func TestServiceStartRegistersInstanceAndAnswersRPC(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(nil)
	store := kvstore.NewMemoryStore("service_registry")

	serviceName, err := types.NewServiceName("orders")
	require.NoError(t, err)
	method, err := types.NewMethodName("ping")
	require.NoError(t, err)

	svc, err := New(Config{
		Core:    testCoreConfig(),
		Service: serviceName,
		Bus:     b,
		Store:   store,
	})
	require.NoError(t, err)

	require.NoError(t, svc.RegisterRPCHandler(method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: true, Result: "pong"}, nil
	}))

	require.NoError(t, svc.Start(ctx))
	defer func() { require.NoError(t, svc.Stop(ctx)) }()

	assert.True(t, svc.IsActive())

	resp, err := b.CallRPC(ctx, serviceName, method, types.RPCRequest{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pong", resp.Result)
}

func TestServiceRegisterCommandHandlerReportsProgressAndResult(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(nil)
	store := kvstore.NewMemoryStore("service_registry")

	serviceName, err := types.NewServiceName("orders")
	require.NoError(t, err)

	svc, err := New(Config{Core: testCoreConfig(), Service: serviceName, Bus: b, Store: store})
	require.NoError(t, err)

	require.NoError(t, svc.RegisterCommandHandler("reindex", func(ctx context.Context, cmd types.Command, reporter bus.ProgressReporter) error {
		return reporter.Report(ctx, 100, "done")
	}))
	require.NoError(t, svc.Start(ctx))
	defer func() { require.NoError(t, svc.Stop(ctx)) }()

	var progress []types.CommandProgress
	result, err := b.SendCommand(ctx, types.Command{Target: serviceName, Command: "reindex", CommandID: "cmd-1"}, func(_ context.Context, p types.CommandProgress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, progress, 1)
	assert.Equal(t, "done", progress[0].Message)
}

func TestServiceRegisterHandlerAfterStartFails(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(nil)
	store := kvstore.NewMemoryStore("service_registry")
	serviceName, err := types.NewServiceName("orders")
	require.NoError(t, err)
	method, err := types.NewMethodName("ping")
	require.NoError(t, err)

	svc, err := New(Config{Core: testCoreConfig(), Service: serviceName, Bus: b, Store: store})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer func() { require.NoError(t, svc.Stop(ctx)) }()

	err = svc.RegisterRPCHandler(method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{}, nil
	})
	assert.Error(t, err)
}

func TestServiceStopDeregistersInstance(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(nil)
	store := kvstore.NewMemoryStore("service_registry")
	serviceName, err := types.NewServiceName("orders")
	require.NoError(t, err)

	svc, err := New(Config{Core: testCoreConfig(), Service: serviceName, Bus: b, Store: store})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	_, err = svc.registry.GetInstance(ctx, serviceName, svc.InstanceID())
	require.NoError(t, err)

	require.NoError(t, svc.Stop(ctx))

	_, err = svc.registry.GetInstance(ctx, serviceName, svc.InstanceID())
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestServiceHAModeBecomesActiveLeader(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(nil)
	store := kvstore.NewMemoryStore("election")
	serviceName, err := types.NewServiceName("orders")
	require.NoError(t, err)
	group, err := types.NewGroupID("default")
	require.NoError(t, err)

	cfg := testCoreConfig()
	cfg.FailoverPolicy = config.FailoverPolicy{
		Name:               "test",
		DetectionThreshold: 50 * time.Millisecond,
		MissQuorum:         1,
		ElectionDelay:      10 * time.Millisecond,
		EnablePreElection:  true,
	}

	svc, err := New(Config{Core: cfg, Service: serviceName, Group: group, Bus: b, Store: store})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer func() { require.NoError(t, svc.Stop(ctx)) }()

	require.Eventually(t, svc.IsActive, time.Second, 10*time.Millisecond)
}
