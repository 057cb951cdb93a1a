// Package config defines the explicit, dependency-injected configuration
// struct for the AegisSDK core. There is no hidden global state: every
// component receives a *CoreConfig (or a narrower view of it) at
// construction time.
package config

import (
	"fmt"
	"time"

	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
)

// FailoverPolicy bundles the heartbeat-monitor tuning knobs that together
// determine detection latency and false-positive resistance.
type FailoverPolicy struct {
	// Name identifies the preset this policy was built from, if any.
	Name string
	// DetectionThreshold is how stale a leader heartbeat must be before it
	// counts as a miss.
	DetectionThreshold time.Duration
	// MissQuorum is the number of consecutive misses before LeaderSuspected
	// fires.
	MissQuorum int
	// ElectionDelay is the base backoff delay between losing election
	// attempts (before the 2^attempt multiplier and jitter are applied).
	ElectionDelay time.Duration
	// EnablePreElection starts a campaign before the full detection
	// threshold elapses, shortening mean time to recovery.
	EnablePreElection bool
}

// Named FailoverPolicy presets, values taken directly from the failover
// policy table: detection threshold, election delay, and whether
// pre-election is enabled, tuned for a target failover latency.
var (
	FailoverAggressive = FailoverPolicy{
		Name:                "aggressive",
		DetectionThreshold:  500 * time.Millisecond,
		MissQuorum:          1,
		ElectionDelay:       100 * time.Millisecond,
		EnablePreElection:   true,
	}
	FailoverBalanced = FailoverPolicy{
		Name:                "balanced",
		DetectionThreshold:  1500 * time.Millisecond,
		MissQuorum:          2,
		ElectionDelay:       300 * time.Millisecond,
		EnablePreElection:   true,
	}
	FailoverConservative = FailoverPolicy{
		Name:                "conservative",
		DetectionThreshold:  3 * time.Second,
		MissQuorum:          3,
		ElectionDelay:       1 * time.Second,
		EnablePreElection:   false,
	}
)

// FailoverPolicyByName resolves a named preset. Unknown names fall back to
// FailoverBalanced — the conservative choice of doing nothing surprising.
func FailoverPolicyByName(name string) FailoverPolicy {
	switch name {
	case "aggressive":
		return FailoverAggressive
	case "conservative":
		return FailoverConservative
	case "balanced", "":
		return FailoverBalanced
	default:
		return FailoverBalanced
	}
}

// CoreConfig holds every recognized core option plus the injected ambient
// stack. Construct with NewCoreConfig and validate with Validate before
// passing to any component.
type CoreConfig struct {
	// Servers lists transport endpoints. Schemes nats, tls, ws, wss.
	Servers []string
	// PoolSize is the number of connections to maintain per process, 1..10.
	PoolSize int
	// MaxReconnectAttempts caps transport reconnect attempts.
	MaxReconnectAttempts int
	// ReconnectTimeWait is the base delay between transport reconnects. It is
	// validated here; NATSBus does not read it and uses its own fixed 2s
	// doubling schedule.
	ReconnectTimeWait time.Duration
	// UseMsgpack selects MessagePack encoding over JSON for payloads.
	UseMsgpack bool
	// PublishRateLimit caps outbound event/command publishes per second per
	// bus instance, protecting JetStream from a misbehaving caller in a tight
	// publish loop. Zero disables the limiter.
	PublishRateLimit float64
	// PublishBurst is the token-bucket burst size paired with PublishRateLimit.
	PublishBurst int

	// RegistryTTL is the instance record TTL in the service_registry bucket.
	RegistryTTL time.Duration
	// HeartbeatInterval is the service heartbeat cadence.
	HeartbeatInterval time.Duration
	// StaleThreshold is the discovery stale cutoff.
	StaleThreshold time.Duration

	// LeaderTTL is the election key TTL.
	LeaderTTL time.Duration
	// ElectionHeartbeat is the leader renewal cadence; must be < LeaderTTL.
	ElectionHeartbeat time.Duration
	// ElectionTimeout is the hard election cap; must be > LeaderTTL.
	ElectionTimeout time.Duration
	// FailoverPolicy tunes the heartbeat monitor and election coordinator.
	FailoverPolicy FailoverPolicy

	// EnableRegistration skips registry writes for client-only processes.
	EnableRegistration bool
	// GroupID names an election group and must be non-empty. service.Service
	// does not read it: a service's election group is service.Config.Group,
	// and an empty Group disables HA there.
	GroupID string

	// Logger, Metrics, and Tracer are the ambient stack. Nil fields are
	// replaced with no-op implementations by NewCoreConfig.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// NewCoreConfig returns a CoreConfig populated with every default from the
// external interfaces table. Callers mutate fields before calling Validate.
func NewCoreConfig() *CoreConfig {
	return &CoreConfig{
		Servers:               []string{"nats://localhost:4222"},
		PoolSize:              1,
		MaxReconnectAttempts:  10,
		ReconnectTimeWait:     2 * time.Second,
		UseMsgpack:            true,
		PublishRateLimit:      500,
		PublishBurst:          100,
		RegistryTTL:           30 * time.Second,
		HeartbeatInterval:     10 * time.Second,
		StaleThreshold:        35 * time.Second,
		LeaderTTL:             5 * time.Second,
		ElectionHeartbeat:     2 * time.Second,
		ElectionTimeout:       10 * time.Second,
		FailoverPolicy:        FailoverBalanced,
		EnableRegistration:    true,
		GroupID:               "default",
		Logger:                telemetry.NewNoopLogger(),
		Metrics:               telemetry.NewNoopMetrics(),
		Tracer:                telemetry.NewNoopTracer(),
	}
}

// Validate checks range constraints and the timing inequalities the election
// coordinator depends on: election_heartbeat < leader_ttl < election_timeout,
// and stale_threshold_seconds > heartbeat_interval.
func (c *CoreConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: servers must not be empty")
	}
	if c.PoolSize < 1 || c.PoolSize > 10 {
		return fmt.Errorf("config: pool_size must be in 1..10, got %d", c.PoolSize)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: max_reconnect_attempts must be non-negative, got %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectTimeWait <= 0 {
		return fmt.Errorf("config: reconnect_time_wait must be positive, got %s", c.ReconnectTimeWait)
	}
	if c.PublishRateLimit < 0 {
		return fmt.Errorf("config: publish_rate_limit must be non-negative, got %f", c.PublishRateLimit)
	}
	if c.PublishRateLimit > 0 && c.PublishBurst <= 0 {
		return fmt.Errorf("config: publish_burst must be positive when publish_rate_limit is set, got %d", c.PublishBurst)
	}
	if c.RegistryTTL <= 0 {
		return fmt.Errorf("config: registry_ttl must be positive, got %s", c.RegistryTTL)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("config: stale_threshold_seconds (%s) must exceed heartbeat_interval (%s)", c.StaleThreshold, c.HeartbeatInterval)
	}
	if c.LeaderTTL <= 0 {
		return fmt.Errorf("config: leader_ttl must be positive, got %s", c.LeaderTTL)
	}
	if c.ElectionHeartbeat <= 0 || c.ElectionHeartbeat >= c.LeaderTTL {
		return fmt.Errorf("config: election_heartbeat (%s) must be positive and less than leader_ttl (%s)", c.ElectionHeartbeat, c.LeaderTTL)
	}
	if c.ElectionTimeout <= c.LeaderTTL {
		return fmt.Errorf("config: election_timeout (%s) must exceed leader_ttl (%s)", c.ElectionTimeout, c.LeaderTTL)
	}
	if c.GroupID == "" {
		return fmt.Errorf("config: group_id must not be empty")
	}
	if c.Logger == nil || c.Metrics == nil || c.Tracer == nil {
		return fmt.Errorf("config: logger, metrics, and tracer must not be nil")
	}
	return nil
}
