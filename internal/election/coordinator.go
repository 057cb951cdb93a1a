// Package election implements the Election Coordinator: a
// STANDBY -> ELECTING -> ACTIVE -> STANDBY finite state machine that
// contends for a single leader key using the kvstore's create-only CAS
// write, renews it while leader, and steps down when renewal fails.
//
// Mutual exclusion follows directly from the store's create-only write: at
// most one Put with CreateOnly can succeed for a given key between two
// deletes of it. A partitioned ex-leader whose renewal fails cannot
// reacquire the key without a fresh create, and the key's TTL guarantees
// eventual vacancy even if the ex-leader crashed mid-renewal. This module
// does not add a distributed lock on top of that guarantee: callers whose
// state changes matter during the brief window where two processes might
// both believe they are leader (a crash between a successful renewal and
// its visibility to the ex-leader) must gate those changes on the leader
// record's revision, or make them idempotent.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-sdk/aegis-sdk/internal/heartbeat"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// State is a position in the coordinator's finite state machine.
type State int

const (
	StateStandby State = iota
	StateElecting
	StateActive
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "STANDBY"
	case StateElecting:
		return "ELECTING"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// MaxBackoff caps the election backoff delay regardless of attempt count.
const MaxBackoff = 30 * time.Second

// Coordinator contends for the leader key of one (service, group) pair.
// Not safe to share across services/groups; callers construct one per
// election the way internal/failover does.
type Coordinator struct {
	store             kvstore.Store
	service           types.ServiceName
	group             types.GroupID
	instanceID        types.InstanceID
	metadata          map[string]interface{}
	heartbeatInterval time.Duration
	leaderTTL         time.Duration
	electionTimeout   time.Duration
	electionDelay     time.Duration
	logger            telemetry.Logger

	onElected     func(ctx context.Context)
	onLost        func(ctx context.Context, winner types.InstanceID)
	onSteppedDown func(ctx context.Context, reason error)
	onRenewed     func(ctx context.Context)

	mu               sync.Mutex
	state            State
	revision         uint64
	electedAt        time.Time
	attempt          int
	standbySince     time.Time
	renewalCancel    context.CancelFunc
	renewalStopped   chan struct{}
}

// Option configures an optional Coordinator setting.
type Option func(*Coordinator)

// WithLogger overrides the no-op default logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetadata sets the metadata carried in this instance's LeaderRecord
// whenever it wins.
func WithMetadata(md map[string]interface{}) Option {
	return func(c *Coordinator) { c.metadata = md }
}

// WithOnElected registers the ELECTING -> ACTIVE callback.
func WithOnElected(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) { c.onElected = fn }
}

// WithOnLost registers the ELECTING -> STANDBY callback, invoked with the
// winning instance's id.
func WithOnLost(fn func(ctx context.Context, winner types.InstanceID)) Option {
	return func(c *Coordinator) { c.onLost = fn }
}

// WithOnSteppedDown registers the ACTIVE -> STANDBY callback, invoked with
// the reason renewal failed.
func WithOnSteppedDown(fn func(ctx context.Context, reason error)) Option {
	return func(c *Coordinator) { c.onSteppedDown = fn }
}

// WithOnRenewed registers a callback fired after every successful renewal
// of the leader record, used by internal/failover to publish
// leader.heartbeat_updated.
func WithOnRenewed(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) { c.onRenewed = fn }
}

// New constructs a Coordinator for one (service, group), racing for
// leadership as instanceID. electionDelay is the base backoff between
// losing attempts (spec's FailoverPolicy.ElectionDelay).
func New(store kvstore.Store, service types.ServiceName, group types.GroupID, instanceID types.InstanceID, heartbeatInterval, leaderTTL, electionTimeout, electionDelay time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:             store,
		service:           service,
		group:             group,
		instanceID:        instanceID,
		heartbeatInterval: heartbeatInterval,
		leaderTTL:         leaderTTL,
		electionTimeout:   electionTimeout,
		electionDelay:     electionDelay,
		logger:            telemetry.NewNoopLogger(),
		state:             StateStandby,
		standbySince:      time.Now(),
		onElected:         func(context.Context) {},
		onLost:            func(context.Context, types.InstanceID) {},
		onSteppedDown:     func(context.Context, error) {},
		onRenewed:         func(context.Context) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) leaderKey() string {
	return heartbeat.LeaderKey(c.group)
}

// State reports the coordinator's current FSM state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NoteHealthyLeader lets a caller (usually the heartbeat Monitor's
// onHealthy callback) tell the coordinator a leader was observed healthy,
// so the backoff attempt counter resets once STANDBY has been stable for
// 2*heartbeat_interval with a healthy leader observed, per spec §4.5.
func (c *Coordinator) NoteHealthyLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStandby {
		return
	}
	if time.Since(c.standbySince) >= 2*c.heartbeatInterval {
		c.attempt = 0
	}
}

// Campaign runs a full election campaign: it repeatedly attempts a
// create-only write of the leader key, backing off between losing
// attempts, until it wins, the election_timeout deadline elapses, or ctx
// is canceled. On a win it starts the renewal task and invokes onElected.
// On a definitive loss (deadline elapsed) it returns an error and leaves
// the coordinator in STANDBY, ready for a future vacancy/suspicion signal
// to trigger another Campaign.
func (c *Coordinator) Campaign(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateElecting
	c.mu.Unlock()

	deadline := time.Now().Add(c.electionTimeout)
	for {
		won, winner, err := c.attemptCreate(ctx)
		if err != nil {
			c.logger.Error(ctx, "election: create attempt failed", "service", c.service.String(), "group", c.group.String(), "err", err)
		} else if won {
			c.becomeActive(ctx)
			return nil
		} else {
			c.mu.Lock()
			c.state = StateStandby
			c.standbySince = time.Now()
			c.attempt++
			c.mu.Unlock()
			c.logger.Info(ctx, "election: lost to existing leader", "service", c.service.String(), "group", c.group.String(), "winner", winner.String())
			c.onLost(ctx, winner)
		}

		if time.Now().After(deadline) {
			c.mu.Lock()
			c.state = StateStandby
			c.mu.Unlock()
			return errElectionTimedOut
		}

		c.mu.Lock()
		attempt := c.attempt
		c.mu.Unlock()
		delay := backoff(c.electionDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.mu.Lock()
		c.state = StateElecting
		c.mu.Unlock()
	}
}

// errElectionTimedOut is returned by Campaign when election_timeout
// elapses without a win.
var errElectionTimedOut = errors.New("aegis-sdk: election timed out")

// attemptCreate performs one create-only write attempt. won=true means
// this process is now (momentarily, pending becomeActive) the leader;
// won=false with a nil error means another process holds the key, and
// winner identifies it.
func (c *Coordinator) attemptCreate(ctx context.Context) (won bool, winner types.InstanceID, err error) {
	now := time.Now().UTC()
	record := types.LeaderRecord{
		InstanceID:    c.instanceID,
		ElectedAt:     now,
		LastHeartbeat: now,
		Metadata:      c.metadata,
	}
	data, merr := json.Marshal(record)
	if merr != nil {
		return false, types.InstanceID(""), merr
	}

	rev, putErr := c.store.Put(ctx, c.leaderKey(), data, kvstore.PutOptions{CreateOnly: true, TTL: c.leaderTTL})
	if putErr == nil {
		c.mu.Lock()
		c.revision = rev
		c.electedAt = now
		c.mu.Unlock()
		return true, types.InstanceID(""), nil
	}
	if !errors.Is(putErr, sdkerrors.ErrAlreadyExists) {
		return false, types.InstanceID(""), putErr
	}

	entry, getErr := c.store.Get(ctx, c.leaderKey())
	if getErr != nil {
		// The winner's key vanished between the failed create and our
		// read (TTL expiry or step-down); treat as a loss this round and
		// let the next attempt retry the create.
		return false, types.InstanceID(""), nil
	}
	var existing types.LeaderRecord
	if err := json.Unmarshal(entry.Value, &existing); err != nil {
		return false, types.InstanceID(""), err
	}
	return false, existing.InstanceID, nil
}

// becomeActive transitions to ACTIVE and starts the renewal task.
func (c *Coordinator) becomeActive(ctx context.Context) {
	c.mu.Lock()
	c.state = StateActive
	c.attempt = 0
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.renewalCancel = cancel
	c.renewalStopped = make(chan struct{})
	stopped := c.renewalStopped
	c.mu.Unlock()

	c.logger.Info(ctx, "election: won", "service", c.service.String(), "group", c.group.String())
	go c.renewalLoop(renewCtx, stopped)
	c.onElected(ctx)
}

// renewalLoop refreshes the LeaderRecord's LastHeartbeat every
// heartbeat_interval using CAS on the last-observed revision, matching
// spec §4.5's renewal task. A RevisionMismatch steps down immediately;
// transport errors are retried up to ceil(leader_ttl/heartbeat_interval)-1
// times before stepping down.
func (c *Coordinator) renewalLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	maxRetries := int(math.Ceil(float64(c.leaderTTL)/float64(c.heartbeatInterval))) - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	transportFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.renewOnce(ctx); err != nil {
				var mismatch *sdkerrors.RevisionMismatchError
				if errors.As(err, &mismatch) || errors.Is(err, sdkerrors.ErrNotFound) {
					c.stepDown(ctx, err)
					return
				}
				transportFailures++
				c.logger.Warn(ctx, "election: renewal transport error", "service", c.service.String(), "group", c.group.String(), "err", err, "failures", transportFailures)
				if transportFailures > maxRetries {
					c.stepDown(ctx, err)
					return
				}
				continue
			}
			transportFailures = 0
			c.onRenewed(ctx)
		}
	}
}

func (c *Coordinator) renewOnce(ctx context.Context) error {
	c.mu.Lock()
	rev := c.revision
	electedAt := c.electedAt
	c.mu.Unlock()

	record := types.LeaderRecord{
		InstanceID:    c.instanceID,
		ElectedAt:     electedAt,
		LastHeartbeat: time.Now().UTC(),
		Metadata:      c.metadata,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	newRev, err := c.store.Put(ctx, c.leaderKey(), data, kvstore.PutOptions{Revision: rev})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.revision = newRev
	c.mu.Unlock()
	return nil
}

// stepDown transitions ACTIVE -> STANDBY and invokes onSteppedDown. Safe to
// call from the renewal goroutine itself.
func (c *Coordinator) stepDown(ctx context.Context, reason error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateStandby
	c.standbySince = time.Now()
	c.mu.Unlock()

	c.logger.Warn(ctx, "election: stepped down", "service", c.service.String(), "group", c.group.String(), "reason", reason)
	c.onSteppedDown(ctx, reason)
}

// Release stops the renewal task and, if currently ACTIVE, best-effort
// deletes the leader key CAS-guarded by the last-observed revision. Used
// by internal/failover on graceful shutdown.
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	wasActive := c.state == StateActive
	rev := c.revision
	cancel := c.renewalCancel
	stopped := c.renewalStopped
	c.state = StateStandby
	c.standbySince = time.Now()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
	if !wasActive {
		return nil
	}
	_, err := c.store.Delete(ctx, c.leaderKey(), rev)
	return err
}

// backoff computes election_delay * 2^attempt with +/-25% jitter, capped at
// MaxBackoff, matching spec §4.5's thundering-herd avoidance formula.
func backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	jitter := d * 0.25 * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	d += jitter
	if d > float64(MaxBackoff) {
		d = float64(MaxBackoff)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
