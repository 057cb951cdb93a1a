package rpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/discovery"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

func setup(t *testing.T) (*CallUseCase, *bus.MemoryBus, types.ServiceName, types.MethodName) {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))

	store := kvstore.NewMemoryStore("service_registry")
	reg := registry.New(store)
	disc, err := discovery.New(reg)
	require.NoError(t, err)

	service, err := types.NewServiceName("orders")
	require.NoError(t, err)
	method, err := types.NewMethodName("create_order")
	require.NoError(t, err)

	id, err := types.NewInstanceID("orders-1")
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), types.ServiceInstance{
		ServiceName:   service,
		InstanceID:    id,
		Status:        types.StatusActive,
		LastHeartbeat: time.Now().UTC(),
	}, 30*time.Second))

	u := New(b, disc, WithRetryPolicy(RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          100 * time.Millisecond,
		JitterFactor:      0,
	}))
	return u, b, service, method
}

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	u, b, service, method := setup(t)
	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: true, Result: "ok"}, nil
	})
	require.NoError(t, err)

	resp, err := u.Call(context.Background(), service, method, types.RPCRequest{CorrelationID: "c1"}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

// TestCallRetriesOnNotActiveThenSucceeds mirrors spec §8 scenario S3: the
// first two calls return NOT_ACTIVE, the third succeeds.
func TestCallRetriesOnNotActiveThenSucceeds(t *testing.T) {
	u, b, service, method := setup(t)
	var calls int32
	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: "NOT_ACTIVE"}, nil
		}
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: true}, nil
	})
	require.NoError(t, err)

	resp, err := u.Call(context.Background(), service, method, types.RPCRequest{CorrelationID: "c1"}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCallExhaustsRetriesAndRaisesAfterNRetries(t *testing.T) {
	u, b, service, method := setup(t)
	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: "NOT_ACTIVE"}, nil
	})
	require.NoError(t, err)

	_, err = u.Call(context.Background(), service, method, types.RPCRequest{CorrelationID: "c1"}, nil)
	require.Error(t, err)
	var exhausted *sdkerrors.AfterNRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestCallBusinessErrorIsNotRetried(t *testing.T) {
	u, b, service, method := setup(t)
	var calls int32
	_, err := b.RegisterRPCHandler(context.Background(), service, method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
		atomic.AddInt32(&calls, 1)
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: "VALIDATION_ERROR"}, nil
	})
	require.NoError(t, err)

	resp, err := u.Call(context.Background(), service, method, types.RPCRequest{CorrelationID: "c1"}, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
