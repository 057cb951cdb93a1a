package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func mustServiceName(t *testing.T, s string) types.ServiceName {
	t.Helper()
	n, err := types.NewServiceName(s)
	require.NoError(t, err)
	return n
}

func mustMethodName(t *testing.T, s string) types.MethodName {
	t.Helper()
	m, err := types.NewMethodName(s)
	require.NoError(t, err)
	return m
}

func TestMemoryBusCallRPCBeforeConnectFails(t *testing.T) {
	b := NewMemoryBus(nil)
	_, err := b.CallRPC(context.Background(), mustServiceName(t, "orders"), mustMethodName(t, "create"), types.RPCRequest{})
	assert.ErrorIs(t, err, sdkerrors.ErrNotConnected)
}

func TestMemoryBusRPCRoundTrip(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	method := mustMethodName(t, "create")

	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: true, Result: "created"}, nil
	})
	require.NoError(t, err)

	resp, err := b.CallRPC(context.Background(), service, method, types.RPCRequest{CorrelationID: "c1", Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "created", resp.Result)
}

func TestMemoryBusRPCNoHandlerReturnsNotFound(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.CallRPC(context.Background(), mustServiceName(t, "orders"), mustMethodName(t, "create"), types.RPCRequest{Timeout: time.Second})
	assert.True(t, errors.Is(err, sdkerrors.ErrNotFound))
}

func TestMemoryBusRPCHandlerErrorSurfacesAsUnsuccessfulResponse(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	method := mustMethodName(t, "create")
	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{}, errors.New("not active")
	})
	require.NoError(t, err)

	resp, err := b.CallRPC(context.Background(), service, method, types.RPCRequest{Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "not active", resp.Error)
}

func TestMemoryBusRPCLoadBalancesAcrossHandlers(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	method := mustMethodName(t, "create")

	var hits [2]int
	for i := range hits {
		i := i
		_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
			hits[i]++
			return types.RPCResponse{Success: true}, nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		_, err := b.CallRPC(context.Background(), service, method, types.RPCRequest{Timeout: time.Second})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hits[0])
	assert.Equal(t, 2, hits[1])
}

func TestMemoryBusEventFanOut(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	eventType, err := types.NewEventType("created")
	require.NoError(t, err)

	received := make(chan types.Event, 2)
	for i := 0; i < 2; i++ {
		_, err := b.SubscribeEvent(context.Background(), "orders", eventType, func(ctx context.Context, e types.Event) error {
			received <- e
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.PublishEvent(context.Background(), types.Event{Domain: "orders", EventType: eventType}))

	assert.Len(t, received, 2)
}

func TestMemoryBusCommandDispatch(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	handled := make(chan types.Command, 1)
	_, err := b.RegisterCommandHandler(context.Background(), service, "reindex", func(ctx context.Context, cmd types.Command, reporter ProgressReporter) error {
		require.NoError(t, reporter.Report(ctx, 50, "halfway"))
		handled <- cmd
		return nil
	})
	require.NoError(t, err)

	var progress []types.CommandProgress
	result, err := b.SendCommand(context.Background(), types.Command{Target: service, Command: "reindex", CommandID: "cmd-1"}, func(_ context.Context, p types.CommandProgress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "cmd-1", result.CommandID)
	require.Len(t, progress, 1)
	assert.Equal(t, "halfway", progress[0].Message)

	select {
	case cmd := <-handled:
		assert.Equal(t, "cmd-1", cmd.CommandID)
	case <-time.After(time.Second):
		t.Fatal("command was not dispatched")
	}
}

func TestMemoryBusCommandDispatchHandlerErrorSurfacesInResult(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	_, err := b.RegisterCommandHandler(context.Background(), service, "reindex", func(ctx context.Context, cmd types.Command, reporter ProgressReporter) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	result, err := b.SendCommand(context.Background(), types.Command{Target: service, Command: "reindex", CommandID: "cmd-2"}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
}

func TestMemoryBusHeartbeatFanOut(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	received := make(chan []byte, 1)
	_, err := b.SubscribeHeartbeat(context.Background(), service, func(ctx context.Context, payload []byte) {
		received <- payload
	})
	require.NoError(t, err)

	require.NoError(t, b.SendHeartbeat(context.Background(), service, []byte("alive")))

	select {
	case payload := <-received:
		assert.Equal(t, []byte("alive"), payload)
	case <-time.After(time.Second):
		t.Fatal("heartbeat was not delivered")
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	service := mustServiceName(t, "orders")
	method := mustMethodName(t, "create")
	sub, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{Success: true}, nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = b.CallRPC(context.Background(), service, method, types.RPCRequest{Timeout: time.Second})
	assert.True(t, errors.Is(err, sdkerrors.ErrNotFound))
}
