// Package heartbeat implements the Heartbeat Monitor: a per-(service,
// group) watcher that polls a leader key's freshness and emits
// vacant/suspected/healthy transitions for the election coordinator to act
// on.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// LeaderKey returns the key a Monitor and Election Coordinator agree on for
// a given election group within a service's election bucket.
func LeaderKey(group types.GroupID) string {
	return "leader." + group.String()
}

// Monitor watches the current leader's heartbeat freshness for one
// (service, group) pair and reports LeaderVacant, LeaderSuspected, and
// LeaderHealthy transitions via callbacks.
type Monitor struct {
	store   kvstore.Store
	service types.ServiceName
	group   types.GroupID
	policy  config.FailoverPolicy
	tick    time.Duration
	logger  telemetry.Logger

	onVacant    func(ctx context.Context)
	onSuspected func(ctx context.Context, leaderID types.InstanceID)
	onHealthy   func(ctx context.Context, leaderID types.InstanceID)

	mu                sync.Mutex
	lastSeenLeader    *types.InstanceID
	consecutiveMisses int
	suspectedEmitted  bool
	healthyLeader     *types.InstanceID

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures an optional Monitor setting.
type Option func(*Monitor)

// WithLogger overrides the no-op default logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithOnVacant registers the LeaderVacant callback.
func WithOnVacant(fn func(ctx context.Context)) Option {
	return func(m *Monitor) { m.onVacant = fn }
}

// WithOnSuspected registers the LeaderSuspected callback.
func WithOnSuspected(fn func(ctx context.Context, leaderID types.InstanceID)) Option {
	return func(m *Monitor) { m.onSuspected = fn }
}

// WithOnHealthy registers the LeaderHealthy callback.
func WithOnHealthy(fn func(ctx context.Context, leaderID types.InstanceID)) Option {
	return func(m *Monitor) { m.onHealthy = fn }
}

// NewMonitor constructs a Monitor over store for the given service/group,
// polling at tickInterval (the coarse loop spec calls heartbeat_interval/2).
func NewMonitor(store kvstore.Store, service types.ServiceName, group types.GroupID, policy config.FailoverPolicy, tickInterval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		store:       store,
		service:     service,
		group:       group,
		policy:      policy,
		tick:        tickInterval,
		logger:      telemetry.NewNoopLogger(),
		onVacant:    func(context.Context) {},
		onSuspected: func(context.Context, types.InstanceID) {},
		onHealthy:   func(context.Context, types.InstanceID) {},
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the polling loop in a new goroutine. Stop or ctx
// cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop ends the polling loop started by Start. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one observation cycle: read the leader key, classify its
// freshness, and fire the matching callback. Exported so tests and
// pre-election speculative checks can drive it deterministically without
// waiting on the ticker.
func (m *Monitor) Poll(ctx context.Context) {
	entry, err := m.store.Get(ctx, LeaderKey(m.group))
	if errors.Is(err, sdkerrors.ErrNotFound) {
		m.noteVacant(ctx)
		return
	}
	if err != nil {
		m.logger.Error(ctx, "heartbeat monitor: read leader key failed", "service", m.service.String(), "group", m.group.String(), "err", err)
		return
	}

	var rec types.LeaderRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		m.logger.Error(ctx, "heartbeat monitor: decode leader record failed", "service", m.service.String(), "group", m.group.String(), "err", err)
		return
	}

	if time.Since(rec.LastHeartbeat) > m.policy.DetectionThreshold {
		m.noteMiss(ctx, rec.InstanceID)
		return
	}
	m.noteHealthy(ctx, rec.InstanceID)
}

func (m *Monitor) noteVacant(ctx context.Context) {
	m.mu.Lock()
	m.lastSeenLeader = nil
	m.consecutiveMisses = 0
	m.suspectedEmitted = false
	m.healthyLeader = nil
	m.mu.Unlock()
	m.onVacant(ctx)
}

func (m *Monitor) noteMiss(ctx context.Context, leaderID types.InstanceID) {
	m.mu.Lock()
	m.lastSeenLeader = &leaderID
	m.healthyLeader = nil
	m.consecutiveMisses++
	misses := m.consecutiveMisses
	alreadyEmitted := m.suspectedEmitted
	if misses >= m.policy.MissQuorum {
		m.suspectedEmitted = true
	}
	m.mu.Unlock()

	if misses >= m.policy.MissQuorum {
		if !alreadyEmitted {
			m.logger.Warn(ctx, "leader suspected", "service", m.service.String(), "group", m.group.String(), "leader_id", leaderID.String(), "consecutive_misses", misses)
		}
		m.onSuspected(ctx, leaderID)
	}
}

func (m *Monitor) noteHealthy(ctx context.Context, leaderID types.InstanceID) {
	m.mu.Lock()
	m.lastSeenLeader = &leaderID
	m.consecutiveMisses = 0
	m.suspectedEmitted = false
	transitioned := m.healthyLeader == nil || *m.healthyLeader != leaderID
	m.healthyLeader = &leaderID
	m.mu.Unlock()

	if transitioned {
		m.logger.Info(ctx, "leader healthy", "service", m.service.String(), "group", m.group.String(), "leader_id", leaderID.String())
		m.onHealthy(ctx, leaderID)
	}
}

// LastSeenLeader returns the most recently observed leader instance, if
// any, regardless of whether it is currently considered healthy.
func (m *Monitor) LastSeenLeader() (types.InstanceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSeenLeader == nil {
		return types.InstanceID(""), false
	}
	return *m.lastSeenLeader, true
}

// HealthyLeader returns the currently healthy leader instance, if the most
// recent Poll observed one within DetectionThreshold. Used by
// TriggerManualElection to refuse to campaign against a live leader.
func (m *Monitor) HealthyLeader() (types.InstanceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthyLeader == nil {
		return types.InstanceID(""), false
	}
	return *m.healthyLeader, true
}
