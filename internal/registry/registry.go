// Package registry implements the Service Registry: a schema and set of
// semantics layered over the generic kvstore.Store abstraction.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// DefaultStaleBuffer is the default stale window. Healthy queries treat an
// instance as stale once its last heartbeat is older than this window alone;
// IsStaleWithTTL adds it to a caller-supplied TTL, tolerating clock skew and
// reap lag.
const DefaultStaleBuffer = 5 * time.Second

// DefaultCleanupInterval is how often the reaper task scans all records.
const DefaultCleanupInterval = 5 * time.Minute

// Registry wraps a kvstore.Store with the service-instance schema: key
// layout, TTL-refreshing heartbeats, and a stale filter independent of the
// underlying store's own expiry.
type Registry struct {
	store  kvstore.Store
	logger telemetry.Logger

	staleBuffer     time.Duration
	cleanupInterval time.Duration

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures optional Registry settings.
type Option func(*Registry)

// WithStaleBuffer overrides DefaultStaleBuffer.
func WithStaleBuffer(d time.Duration) Option {
	return func(r *Registry) { r.staleBuffer = d }
}

// WithCleanupInterval overrides DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) Option {
	return func(r *Registry) { r.cleanupInterval = d }
}

// WithLogger sets the logger used by the reaper task.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New constructs a Registry over store.
func New(store kvstore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		logger:          telemetry.NewNoopLogger(),
		staleBuffer:     DefaultStaleBuffer,
		cleanupInterval: DefaultCleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func instanceKey(service types.ServiceName, instanceID types.InstanceID) string {
	return "service-instances." + service.String() + "." + instanceID.String()
}

// Register writes instance with a TTL of ttl. Overwrite-on-re-register:
// this is never a create-only write, so repeated calls from the same
// instance are idempotent.
func (r *Registry) Register(ctx context.Context, instance types.ServiceInstance, ttl time.Duration) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}
	_, err = r.store.Put(ctx, instanceKey(instance.ServiceName, instance.InstanceID), data, kvstore.PutOptions{TTL: ttl})
	if err != nil {
		return fmt.Errorf("registry: register %s/%s: %w", instance.ServiceName, instance.InstanceID, err)
	}
	return nil
}

// Deregister unconditionally deletes an instance's record.
func (r *Registry) Deregister(ctx context.Context, service types.ServiceName, instanceID types.InstanceID) error {
	if _, err := r.store.Delete(ctx, instanceKey(service, instanceID), 0); err != nil {
		return fmt.Errorf("registry: deregister %s/%s: %w", service, instanceID, err)
	}
	return nil
}

// Heartbeat re-writes the instance record with a refreshed LastHeartbeat and
// extended TTL.
func (r *Registry) Heartbeat(ctx context.Context, service types.ServiceName, instanceID types.InstanceID, ttl time.Duration) error {
	instance, err := r.GetInstance(ctx, service, instanceID)
	if err != nil {
		return err
	}
	instance.LastHeartbeat = time.Now().UTC()
	return r.Register(ctx, instance, ttl)
}

// GetInstance retrieves one instance's record.
func (r *Registry) GetInstance(ctx context.Context, service types.ServiceName, instanceID types.InstanceID) (types.ServiceInstance, error) {
	entry, err := r.store.Get(ctx, instanceKey(service, instanceID))
	if err != nil {
		return types.ServiceInstance{}, err
	}
	var instance types.ServiceInstance
	if err := json.Unmarshal(entry.Value, &instance); err != nil {
		return types.ServiceInstance{}, fmt.Errorf("registry: unmarshal instance %s/%s: %w", service, instanceID, err)
	}
	return instance, nil
}

// ListAllServices returns every live instance grouped by service name,
// applying the stale filter.
func (r *Registry) ListAllServices(ctx context.Context) (map[types.ServiceName][]types.ServiceInstance, error) {
	all, err := r.allInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ServiceName][]types.ServiceInstance)
	for _, inst := range all {
		if r.isStale(inst) {
			continue
		}
		out[inst.ServiceName] = append(out[inst.ServiceName], inst)
	}
	return out, nil
}

// GetInstancesByStatus returns every non-stale instance with the given
// status, across all services.
func (r *Registry) GetInstancesByStatus(ctx context.Context, status types.InstanceStatus) ([]types.ServiceInstance, error) {
	all, err := r.allInstances(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.ServiceInstance
	for _, inst := range all {
		if r.isStale(inst) {
			continue
		}
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

// UpdateStickyStatus re-registers instance with its StickyActiveStatus
// field set and LastHeartbeat refreshed, preserving every other field, and
// writes it with the given ttl (zero leaves the store default). Used by
// the failover monitoring use case to reflect election transitions
// (ACTIVE/STANDBY/ELECTING) onto the registry record.
func (r *Registry) UpdateStickyStatus(ctx context.Context, service types.ServiceName, instanceID types.InstanceID, status types.StickyActiveStatus, ttl time.Duration) error {
	instance, err := r.GetInstance(ctx, service, instanceID)
	if err != nil {
		return err
	}
	instance.StickyActiveStatus = &status
	instance.LastHeartbeat = time.Now().UTC()
	return r.Register(ctx, instance, ttl)
}

// CountActiveInstances returns the number of non-stale instances with
// Status == StatusActive.
func (r *Registry) CountActiveInstances(ctx context.Context) (int, error) {
	active, err := r.GetInstancesByStatus(ctx, types.StatusActive)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// isStale reports whether inst's last heartbeat is older than the stale
// buffer. The registry does not track each instance's original TTL
// independently, so staleness is judged against staleBuffer alone when a
// caller does not supply a specific ttl via IsStaleWithTTL.
func (r *Registry) isStale(inst types.ServiceInstance) bool {
	return time.Since(inst.LastHeartbeat) > r.staleBuffer
}

// IsStaleWithTTL reports whether inst's last heartbeat age exceeds
// ttl+staleBuffer, matching the stale-filter formula exactly when the
// caller tracks each service's configured TTL.
func (r *Registry) IsStaleWithTTL(inst types.ServiceInstance, ttl time.Duration) bool {
	return time.Since(inst.LastHeartbeat) > ttl+r.staleBuffer
}

func (r *Registry) allInstances(ctx context.Context) ([]types.ServiceInstance, error) {
	keys, err := r.store.Keys(ctx, "service-instances.")
	if err != nil {
		return nil, fmt.Errorf("registry: list keys: %w", err)
	}
	out := make([]types.ServiceInstance, 0, len(keys))
	for _, key := range keys {
		entry, err := r.store.Get(ctx, key)
		if err != nil {
			if err == sdkerrors.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("registry: get %q: %w", key, err)
		}
		var inst types.ServiceInstance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			return nil, fmt.Errorf("registry: unmarshal %q: %w", key, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// InstancesForService returns every live (not store-expired) instance for
// service, without the stale-heartbeat filter applied. Used by discovery
// when a caller explicitly asks for unfiltered instances (only_healthy=false).
func (r *Registry) InstancesForService(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error) {
	all, err := r.allInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.ServiceInstance, 0)
	for _, inst := range all {
		if inst.ServiceName == service {
			out = append(out, inst)
		}
	}
	return out, nil
}

// HealthyInstancesForService is InstancesForService filtered by the stale
// heartbeat buffer (spec §3 invariant 5, spec §8 testable property 5).
func (r *Registry) HealthyInstancesForService(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error) {
	all, err := r.InstancesForService(ctx, service)
	if err != nil {
		return nil, err
	}
	out := make([]types.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if r.isStale(inst) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// StartCleanup launches the periodic reaper task: every cleanupInterval it
// scans all records and deletes ones whose last_heartbeat age exceeds
// ttl+buffer, or whose status is UNHEALTHY or SHUTDOWN. Call Stop to end it.
func (r *Registry) StartCleanup(ctx context.Context, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.reap(ctx, ttl)
			}
		}
	}()
}

// Stop ends the reaper task started by StartCleanup.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) reap(ctx context.Context, ttl time.Duration) {
	all, err := r.allInstances(ctx)
	if err != nil {
		r.logger.Error(ctx, "registry cleanup: list instances failed", "err", err)
		return
	}
	for _, inst := range all {
		reap := inst.Status == types.StatusUnhealthy || inst.Status == types.StatusShutdown || r.IsStaleWithTTL(inst, ttl)
		if !reap {
			continue
		}
		if err := r.Deregister(ctx, inst.ServiceName, inst.InstanceID); err != nil {
			r.logger.Error(ctx, "registry cleanup: deregister failed", "service", inst.ServiceName.String(), "instance", inst.InstanceID.String(), "err", err)
			continue
		}
		r.logger.Info(ctx, "registry cleanup: reaped stale instance", "service", inst.ServiceName.String(), "instance", inst.InstanceID.String())
	}
}
