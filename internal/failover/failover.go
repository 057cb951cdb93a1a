// Package failover implements the Failover Monitoring Use Case: it composes
// one heartbeat.Monitor and one election.Coordinator per (service, instance,
// group) triple, wires their callbacks together, reflects state transitions
// onto the Service Registry, and publishes domain events for observers.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/election"
	"github.com/aegis-sdk/aegis-sdk/internal/heartbeat"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// Domain event types published to the bus's "failover" domain. Observers
// subscribe via bus.SubscribeEvent(ctx, "failover", <type>, handler).
const (
	EventElectionWon           types.EventType = "election.won"
	EventElectionLost          types.EventType = "election.lost"
	EventLeaderSteppedDown     types.EventType = "leader.stepped_down"
	EventLeaderExpired         types.EventType = "leader.expired"
	EventLeaderHeartbeatUpdate types.EventType = "leader.heartbeat_updated"

	eventDomain = "failover"
)

// Status is the externally visible state of one monitored election.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusStandby  Status = "STANDBY"
	StatusElecting Status = "ELECTING"
)

// monitorKey identifies one supervised (service, instance, group) triple.
type monitorKey struct {
	service    types.ServiceName
	instanceID types.InstanceID
	group      types.GroupID
}

func (k monitorKey) String() string {
	return k.service.String() + "/" + k.instanceID.String() + "/" + k.group.String()
}

// entry bundles the Monitor/Coordinator pair and the cancel func for their
// shared supervision context.
type entry struct {
	monitor     *heartbeat.Monitor
	coordinator *election.Coordinator
	cancel      context.CancelFunc
}

// UseCase orchestrates failover monitoring across every (service, instance,
// group) triple a process has started. One UseCase is shared process-wide.
type UseCase struct {
	store    kvstore.Store
	bus      bus.Bus
	registry *registry.Registry
	logger   telemetry.Logger

	mu       sync.Mutex
	monitors map[monitorKey]*entry
}

// New constructs a UseCase over store (for election/heartbeat state), b (for
// domain event publication), and reg (for sticky-status reflection).
func New(store kvstore.Store, b bus.Bus, reg *registry.Registry, logger telemetry.Logger) *UseCase {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &UseCase{
		store:    store,
		bus:      b,
		registry: reg,
		logger:   logger,
		monitors: make(map[monitorKey]*entry),
	}
}

// StartMonitoring instantiates a Monitor + Coordinator pair for
// service/instance/group, wires their callbacks, and launches supervision.
// Calling it twice for the same triple is a no-op on the second call.
func (u *UseCase) StartMonitoring(ctx context.Context, service types.ServiceName, instanceID types.InstanceID, group types.GroupID, policy config.FailoverPolicy, heartbeatInterval, leaderTTL, electionTimeout time.Duration) error {
	key := monitorKey{service: service, instanceID: instanceID, group: group}

	u.mu.Lock()
	if _, exists := u.monitors[key]; exists {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	supervisionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	coord := election.New(u.store, service, group, instanceID, heartbeatInterval, leaderTTL, electionTimeout, policy.ElectionDelay,
		election.WithLogger(u.logger),
		election.WithOnElected(func(ctx context.Context) {
			u.onElected(ctx, key)
		}),
		election.WithOnLost(func(ctx context.Context, winner types.InstanceID) {
			u.onLost(ctx, key, winner)
		}),
		election.WithOnSteppedDown(func(ctx context.Context, reason error) {
			u.onSteppedDown(ctx, key, reason)
		}),
		election.WithOnRenewed(func(ctx context.Context) {
			u.onRenewed(ctx, key)
		}),
	)

	mon := heartbeat.NewMonitor(u.store, service, group, policy, heartbeatInterval/2,
		heartbeat.WithLogger(u.logger),
		heartbeat.WithOnVacant(func(ctx context.Context) {
			u.logger.Info(ctx, "failover: leader vacant, campaigning", "key", key.String())
			go func() { _ = coord.Campaign(supervisionCtx) }()
		}),
		heartbeat.WithOnSuspected(func(ctx context.Context, leaderID types.InstanceID) {
			u.onLeaderExpired(ctx, key, leaderID)
			if policy.EnablePreElection {
				u.logger.Info(ctx, "failover: leader suspected, pre-election campaign", "key", key.String(), "suspect", leaderID.String())
				go func() { _ = coord.Campaign(supervisionCtx) }()
			}
		}),
		heartbeat.WithOnHealthy(func(ctx context.Context, leaderID types.InstanceID) {
			coord.NoteHealthyLeader()
		}),
	)

	u.mu.Lock()
	u.monitors[key] = &entry{monitor: mon, coordinator: coord, cancel: cancel}
	u.mu.Unlock()

	mon.Start(supervisionCtx)
	return nil
}

// StopMonitoring cancels the supervision task for service/instance/group and,
// if this instance currently holds leadership, releases it (best-effort
// delete of the leader key CAS-guarded by the last-observed revision).
func (u *UseCase) StopMonitoring(ctx context.Context, service types.ServiceName, instanceID types.InstanceID, group types.GroupID) error {
	key := monitorKey{service: service, instanceID: instanceID, group: group}

	u.mu.Lock()
	e, exists := u.monitors[key]
	if exists {
		delete(u.monitors, key)
	}
	u.mu.Unlock()

	if !exists {
		return nil
	}
	e.monitor.Stop()
	e.cancel()
	return e.coordinator.Release(ctx)
}

// StopAllMonitoring stops every currently supervised triple.
func (u *UseCase) StopAllMonitoring(ctx context.Context) error {
	u.mu.Lock()
	keys := make([]monitorKey, 0, len(u.monitors))
	for k := range u.monitors {
		keys = append(keys, k)
	}
	u.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := u.StopMonitoring(ctx, k.service, k.instanceID, k.group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStatus reports the current election state for service/instance/group.
func (u *UseCase) GetStatus(service types.ServiceName, instanceID types.InstanceID, group types.GroupID) (Status, error) {
	key := monitorKey{service: service, instanceID: instanceID, group: group}
	u.mu.Lock()
	e, exists := u.monitors[key]
	u.mu.Unlock()
	if !exists {
		return "", fmt.Errorf("failover: %w: no monitor for %s", sdkerrors.ErrInstanceNotFound, key.String())
	}
	switch e.coordinator.State() {
	case election.StateActive:
		return StatusActive, nil
	case election.StateElecting:
		return StatusElecting, nil
	default:
		return StatusStandby, nil
	}
}

// TriggerManualElection is for administrative use: it refuses to campaign if
// a healthy leader is already observed, otherwise starts a campaign.
func (u *UseCase) TriggerManualElection(ctx context.Context, service types.ServiceName, instanceID types.InstanceID, group types.GroupID) error {
	key := monitorKey{service: service, instanceID: instanceID, group: group}
	u.mu.Lock()
	e, exists := u.monitors[key]
	u.mu.Unlock()
	if !exists {
		return fmt.Errorf("failover: %w: no monitor for %s", sdkerrors.ErrInstanceNotFound, key.String())
	}

	if _, healthy := e.monitor.HealthyLeader(); healthy {
		return sdkerrors.ErrLeaderHealthy
	}
	return e.coordinator.Campaign(ctx)
}

func (u *UseCase) onElected(ctx context.Context, key monitorKey) {
	if u.registry != nil {
		if err := u.registry.UpdateStickyStatus(ctx, key.service, key.instanceID, types.StickyActive, 0); err != nil {
			u.logger.Error(ctx, "failover: update sticky status on elected failed", "key", key.String(), "err", err)
		}
	}
	u.publish(ctx, key, EventElectionWon, nil)
}

func (u *UseCase) onLost(ctx context.Context, key monitorKey, winner types.InstanceID) {
	if u.registry != nil {
		if err := u.registry.UpdateStickyStatus(ctx, key.service, key.instanceID, types.StickyStandby, 0); err != nil {
			u.logger.Error(ctx, "failover: update sticky status on lost failed", "key", key.String(), "err", err)
		}
	}
	u.publish(ctx, key, EventElectionLost, map[string]interface{}{"winner": winner.String()})
}

func (u *UseCase) onSteppedDown(ctx context.Context, key monitorKey, reason error) {
	if u.registry != nil {
		if err := u.registry.UpdateStickyStatus(ctx, key.service, key.instanceID, types.StickyStandby, 0); err != nil {
			u.logger.Error(ctx, "failover: update sticky status on step-down failed", "key", key.String(), "err", err)
		}
	}
	reasonStr := ""
	if reason != nil {
		reasonStr = reason.Error()
	}
	u.publish(ctx, key, EventLeaderSteppedDown, map[string]interface{}{"reason": reasonStr})
}

func (u *UseCase) onRenewed(ctx context.Context, key monitorKey) {
	u.publish(ctx, key, EventLeaderHeartbeatUpdate, nil)
}

func (u *UseCase) onLeaderExpired(ctx context.Context, key monitorKey, leaderID types.InstanceID) {
	u.publish(ctx, key, EventLeaderExpired, map[string]interface{}{"leader_id": leaderID.String()})
}

func (u *UseCase) publish(ctx context.Context, key monitorKey, eventType types.EventType, payload interface{}) {
	if u.bus == nil {
		return
	}
	event := types.Event{
		Domain:    eventDomain,
		EventType: eventType,
		Payload:   payload,
		Version:   1,
		Source:    key.instanceID,
		Timestamp: time.Now().UTC(),
	}
	if err := u.bus.PublishEvent(ctx, event); err != nil {
		u.logger.Error(ctx, "failover: publish event failed", "key", key.String(), "event_type", eventType.String(), "err", err)
	}
}
