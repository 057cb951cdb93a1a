// Package rpc implements the RPC Call Use Case: a client-side policy layer
// over the Bus that resolves a target via Service Discovery, dispatches the
// request, and retries with backoff on a NOT_ACTIVE response so a client
// pointed at a sticky single-active service transparently follows failover.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/discovery"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// notActive is the wire error string a standby returns for a write-side RPC
// it refuses to handle (spec §4.8, §7 NotActive).
const notActive = "NOT_ACTIVE"

// RetryPolicy tunes NOT_ACTIVE retry behavior.
type RetryPolicy struct {
	// MaxRetries caps the total number of attempts (not additional
	// retries beyond the first), matching spec §8 property 8's "after
	// max_retries attempts the call raises."
	MaxRetries int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// JitterFactor adds +/-JitterFactor*delay randomness to each sleep.
	JitterFactor float64
}

// DefaultRetryPolicy matches spec §8 scenario S3's literal values.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
		JitterFactor:      0.1,
	}
}

// CallUseCase dispatches RPCs through a Bus, resolving targets via
// Discovery and retrying NOT_ACTIVE responses per RetryPolicy.
type CallUseCase struct {
	bus       bus.Bus
	discovery *discovery.Discovery
	policy    RetryPolicy
	strategy  discovery.SelectionStrategy
	metrics   telemetry.Metrics
	logger    telemetry.Logger
}

// Option configures an optional CallUseCase setting.
type Option func(*CallUseCase)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(u *CallUseCase) { u.policy = p }
}

// WithStrategy overrides the default discovery.Sticky selection strategy.
func WithStrategy(s discovery.SelectionStrategy) Option {
	return func(u *CallUseCase) { u.strategy = s }
}

// WithMetrics sets the metrics sink. Defaults to a no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(u *CallUseCase) { u.metrics = m }
}

// WithLogger sets the logger. Defaults to a no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(u *CallUseCase) { u.logger = l }
}

// New constructs a CallUseCase over b and disc.
func New(b bus.Bus, disc *discovery.Discovery, opts ...Option) *CallUseCase {
	u := &CallUseCase{
		bus:       b,
		discovery: disc,
		policy:    DefaultRetryPolicy(),
		strategy:  discovery.Sticky,
		metrics:   telemetry.NewNoopMetrics(),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Call dispatches req to service/method, resolving the target instance via
// discovery (preferred, when non-nil, is honored for sticky targets) and
// retrying on NOT_ACTIVE per the configured RetryPolicy. Timeout applies to
// each attempt individually via req.Timeout, not cumulatively, unless ctx
// itself carries a nearer deadline.
func (u *CallUseCase) Call(ctx context.Context, service types.ServiceName, method types.MethodName, req types.RPCRequest, preferred *types.InstanceID) (types.RPCResponse, error) {
	delay := u.policy.InitialDelay
	var lastErr error

	maxRetries := u.policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			u.discovery.InvalidateCache(service)
		}

		resp, err := u.dispatch(ctx, service, method, req, preferred)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sdkerrors.ErrTimeout) {
				u.record(service, method, "timeout")
			} else {
				u.record(service, method, "error")
			}
			return types.RPCResponse{}, err
		}

		if resp.Success {
			u.record(service, method, "success")
			return resp, nil
		}

		if resp.Error != notActive {
			u.record(service, method, "error")
			return resp, nil
		}

		lastErr = sdkerrors.ErrNotActive
		if attempt == maxRetries-1 {
			break
		}
		u.record(service, method, "retry")
		u.logger.Warn(ctx, "rpc: target not active, retrying", "service", service.String(), "method", method.String(), "attempt", attempt+1)

		sleep := withJitter(delay, u.policy.JitterFactor)
		select {
		case <-ctx.Done():
			return types.RPCResponse{}, ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * u.policy.BackoffMultiplier)
		if delay > u.policy.MaxDelay {
			delay = u.policy.MaxDelay
		}
	}

	return types.RPCResponse{}, &sdkerrors.AfterNRetriesError{Attempts: maxRetries, LastErr: lastErr}
}

// dispatch resolves a target instance and performs one RPC attempt. When no
// healthy instance can be resolved, it synthesizes a NOT_ACTIVE response so
// the caller's retry loop uniformly re-resolves and retries rather than
// special-casing "no instance found" versus "instance said standby."
func (u *CallUseCase) dispatch(ctx context.Context, service types.ServiceName, method types.MethodName, req types.RPCRequest, preferred *types.InstanceID) (types.RPCResponse, error) {
	target, ok, err := u.discovery.SelectInstance(ctx, service, u.strategy, preferred)
	if err != nil {
		return types.RPCResponse{}, fmt.Errorf("rpc: resolve target: %w", err)
	}
	if !ok {
		return types.RPCResponse{Success: false, Error: notActive}, nil
	}
	u.logger.Debug(ctx, "rpc: dispatching", "service", service.String(), "method", method.String(), "target", target.InstanceID.String())

	req.Target = service
	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return u.bus.CallRPC(attemptCtx, service, method, req)
}

func (u *CallUseCase) record(service types.ServiceName, method types.MethodName, kind string) {
	u.metrics.IncCounter(fmt.Sprintf("rpc.client.%s.%s.%s", service.String(), method.String(), kind), 1)
}

// withJitter applies +/-factor*d randomness to d, matching
// runtime/a2a/retry.calculateBackoff's jitter shape.
func withJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	jitter := float64(d) * factor * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	out := float64(d) + jitter
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}
