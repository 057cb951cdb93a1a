// Package service binds every other component into the unit an application
// actually constructs: Service Lifecycle. It registers the instance, installs
// handlers on the bus, runs the heartbeat loop, and — in HA mode — starts
// failover monitoring so the instance contends for single-active leadership.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sdk/aegis-sdk/internal/bus"
	"github.com/aegis-sdk/aegis-sdk/internal/discovery"
	"github.com/aegis-sdk/aegis-sdk/internal/failover"
	"github.com/aegis-sdk/aegis-sdk/internal/kvstore"
	"github.com/aegis-sdk/aegis-sdk/internal/registry"
	"github.com/aegis-sdk/aegis-sdk/internal/rpc"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// DefaultShutdownGrace is how long Stop waits for in-flight handlers to
// finish before deregistering and closing the bus.
const DefaultShutdownGrace = 10 * time.Second

// Handler answers one RPC request.
type Handler func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error)

// EventHandler handles one delivered domain event.
type EventHandler func(ctx context.Context, event types.Event) error

// CommandHandler handles one delivered command. reporter publishes progress
// updates back to the caller; the framework reports the terminal result
// itself once the handler returns.
type CommandHandler func(ctx context.Context, cmd types.Command, reporter bus.ProgressReporter) error

// Config describes one Service instance. Core holds the ambient/timing
// knobs shared with every other component; Bus and Store are injected
// already-constructed so callers choose in-process fakes for tests or a
// real NATS/JetStream stack for production (see bus.NewNATSBus,
// kvstore.OpenJetStreamStore).
type Config struct {
	Core       *config.CoreConfig
	Service    types.ServiceName
	InstanceID types.InstanceID // generated via uuid if empty
	Version    string
	Group      types.GroupID // empty disables HA/failover monitoring
	Bus        bus.Bus
	Store      kvstore.Store
}

func (c *Config) validate() error {
	if c.Core == nil {
		return fmt.Errorf("service: config.Core must not be nil")
	}
	if err := c.Core.Validate(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if c.Service == "" {
		return fmt.Errorf("service: config.Service must not be empty")
	}
	if c.Bus == nil {
		return fmt.Errorf("service: config.Bus must not be nil")
	}
	if c.Store == nil {
		return fmt.Errorf("service: config.Store must not be nil")
	}
	return nil
}

type eventHandlerReg struct {
	eventType types.EventType
	handler   EventHandler
}

type commandHandlerReg struct {
	command string
	handler CommandHandler
}

type rpcHandlerReg struct {
	method  types.MethodName
	handler Handler
}

// Service binds the Message Bus, Service Registry, (optional) Election
// Coordinator/Failover Monitoring, Service Discovery, and RPC Call Use Case
// into the single object an application constructs.
type Service struct {
	cfg        Config
	instanceID types.InstanceID
	logger     telemetry.Logger

	registry  *registry.Registry
	discovery *discovery.Discovery
	caller    *rpc.CallUseCase
	failover  *failover.UseCase
	haEnabled bool

	mu          sync.Mutex
	started     bool
	stopping    bool
	rpcRegs     []rpcHandlerReg
	eventRegs   []eventHandlerReg
	commandRegs []commandHandlerReg
	subs        []bus.Subscription

	inflight sync.WaitGroup

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// New validates cfg and constructs a Service. Handlers registered after
// construction accumulate until Start freezes the set.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		id, err := types.NewInstanceID(uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("service: generate instance id: %w", err)
		}
		cfg.InstanceID = id
	}

	logger := cfg.Core.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	reg := registry.New(cfg.Store, registry.WithLogger(logger), registry.WithStaleBuffer(cfg.Core.StaleThreshold))
	disc, err := discovery.New(reg, discovery.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("service: new discovery: %w", err)
	}
	caller := rpc.New(cfg.Bus, disc, rpc.WithMetrics(cfg.Core.Metrics), rpc.WithLogger(logger))

	s := &Service{
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		logger:     logger,
		registry:   reg,
		discovery:  disc,
		caller:     caller,
		haEnabled:  cfg.Group != "",
	}
	if s.haEnabled {
		s.failover = failover.New(cfg.Store, cfg.Bus, reg, logger)
	}
	return s, nil
}

// RegisterRPCHandler accumulates an RPC handler for method. Must be called
// before Start.
func (s *Service) RegisterRPCHandler(method types.MethodName, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: cannot register rpc handler after Start")
	}
	s.rpcRegs = append(s.rpcRegs, rpcHandlerReg{method: method, handler: h})
	return nil
}

// Subscribe accumulates an event handler for eventType. Must be called
// before Start.
func (s *Service) Subscribe(eventType types.EventType, h EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: cannot subscribe after Start")
	}
	s.eventRegs = append(s.eventRegs, eventHandlerReg{eventType: eventType, handler: h})
	return nil
}

// RegisterCommandHandler accumulates a command handler. Must be called
// before Start.
func (s *Service) RegisterCommandHandler(command string, h CommandHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: cannot register command handler after Start")
	}
	s.commandRegs = append(s.commandRegs, commandHandlerReg{command: command, handler: h})
	return nil
}

// InstanceID returns this service's (possibly generated) instance id.
func (s *Service) InstanceID() types.InstanceID { return s.instanceID }

// Discovery exposes the Service Discovery component for callers that want to
// resolve other services from this process.
func (s *Service) Discovery() *discovery.Discovery { return s.discovery }

// Call dispatches an RPC to another service via the RPC Call Use Case.
func (s *Service) Call(ctx context.Context, target types.ServiceName, method types.MethodName, req types.RPCRequest, preferred *types.InstanceID) (types.RPCResponse, error) {
	return s.caller.Call(ctx, target, method, req, preferred)
}

// Start freezes the handler set, connects the bus, installs every
// registered handler, registers the instance in the Service Registry,
// starts the heartbeat loop, and — in HA mode — starts failover monitoring.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service: already started")
	}
	s.started = true
	s.mu.Unlock()

	if !s.cfg.Bus.IsConnected() {
		if err := s.cfg.Bus.Connect(ctx); err != nil {
			return fmt.Errorf("service: connect bus: %w", err)
		}
	}

	if err := s.installHandlers(ctx); err != nil {
		return err
	}

	if s.cfg.Core.EnableRegistration {
		instance := types.ServiceInstance{
			ServiceName:   s.cfg.Service,
			InstanceID:    s.instanceID,
			Version:       s.cfg.Version,
			Status:        types.StatusActive,
			LastHeartbeat: time.Now().UTC(),
		}
		if err := s.registry.Register(ctx, instance, s.cfg.Core.RegistryTTL); err != nil {
			return fmt.Errorf("service: register instance: %w", err)
		}
	}

	s.startHeartbeatLoop(ctx)

	if s.haEnabled {
		if err := s.failover.StartMonitoring(ctx, s.cfg.Service, s.instanceID, s.cfg.Group, s.cfg.Core.FailoverPolicy, s.cfg.Core.ElectionHeartbeat, s.cfg.Core.LeaderTTL, s.cfg.Core.ElectionTimeout); err != nil {
			return fmt.Errorf("service: start failover monitoring: %w", err)
		}
	}

	s.logger.Info(ctx, "service started", "service", s.cfg.Service.String(), "instance", s.instanceID.String(), "ha", s.haEnabled)
	return nil
}

func (s *Service) installHandlers(ctx context.Context) error {
	s.mu.Lock()
	rpcRegs := append([]rpcHandlerReg(nil), s.rpcRegs...)
	eventRegs := append([]eventHandlerReg(nil), s.eventRegs...)
	commandRegs := append([]commandHandlerReg(nil), s.commandRegs...)
	s.mu.Unlock()

	for _, reg := range rpcRegs {
		handler := reg.handler
		sub, err := s.cfg.Bus.RegisterRPCHandler(ctx, s.cfg.Service, reg.method, func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error) {
			return s.guard(ctx, req, handler)
		})
		if err != nil {
			return fmt.Errorf("service: register rpc handler %q: %w", reg.method, err)
		}
		s.subs = append(s.subs, sub)
	}
	for _, reg := range eventRegs {
		handler := reg.handler
		sub, err := s.cfg.Bus.SubscribeEvent(ctx, s.cfg.Service.String(), reg.eventType, func(ctx context.Context, event types.Event) error {
			return s.guardEvent(ctx, event, handler)
		})
		if err != nil {
			return fmt.Errorf("service: subscribe event %q: %w", reg.eventType, err)
		}
		s.subs = append(s.subs, sub)
	}
	for _, reg := range commandRegs {
		handler := reg.handler
		sub, err := s.cfg.Bus.RegisterCommandHandler(ctx, s.cfg.Service, reg.command, func(ctx context.Context, cmd types.Command, reporter bus.ProgressReporter) error {
			return s.guardCommand(ctx, cmd, reporter, handler)
		})
		if err != nil {
			return fmt.Errorf("service: register command handler %q: %w", reg.command, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// guard rejects new handler invocations once Stop has begun draining, and
// tracks in-flight handlers via inflight so Stop can wait on the grace
// period before deregistering.
func (s *Service) guard(ctx context.Context, req types.RPCRequest, h Handler) (types.RPCResponse, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: "NOT_ACTIVE"}, nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	return h(ctx, req)
}

func (s *Service) guardEvent(ctx context.Context, event types.Event, h EventHandler) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	return h(ctx, event)
}

func (s *Service) guardCommand(ctx context.Context, cmd types.Command, reporter bus.ProgressReporter, h CommandHandler) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("service: %w: draining", sdkerrors.ErrNotActive)
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	return h(ctx, cmd, reporter)
}

func (s *Service) startHeartbeatLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})

	go func() {
		defer close(s.heartbeatDone)
		ticker := time.NewTicker(s.cfg.Core.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if !s.cfg.Core.EnableRegistration {
					continue
				}
				if err := s.registry.Heartbeat(loopCtx, s.cfg.Service, s.instanceID, s.cfg.Core.RegistryTTL); err != nil {
					s.logger.Warn(loopCtx, "service: heartbeat failed", "service", s.cfg.Service.String(), "instance", s.instanceID.String(), "err", err)
				}
			}
		}
	}()
}

// IsActive reports whether this instance is currently the sticky-active
// leader for its election group. Non-HA services always report true.
func (s *Service) IsActive() bool {
	if !s.haEnabled {
		return true
	}
	status, err := s.failover.GetStatus(s.cfg.Service, s.instanceID, s.cfg.Group)
	if err != nil {
		return false
	}
	return status == failover.StatusActive
}

// Stop drains in the order spec'd for cancellation & timeout: stop accepting
// new handler invocations, wait out grace for in-flight handlers, release
// leadership if held, deregister, close the bus.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn(ctx, "service: unsubscribe failed", "err", err)
		}
	}

	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		<-s.heartbeatDone
	}

	grace := DefaultShutdownGrace
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn(ctx, "service: shutdown grace period elapsed with handlers still in flight", "service", s.cfg.Service.String())
	}

	if s.haEnabled {
		if err := s.failover.StopMonitoring(ctx, s.cfg.Service, s.instanceID, s.cfg.Group); err != nil {
			s.logger.Warn(ctx, "service: release leadership failed", "err", err)
		}
	}

	if s.cfg.Core.EnableRegistration {
		if err := s.registry.Deregister(ctx, s.cfg.Service, s.instanceID); err != nil {
			s.logger.Warn(ctx, "service: deregister failed", "err", err)
		}
	}

	if err := s.cfg.Bus.Close(ctx); err != nil {
		return fmt.Errorf("service: close bus: %w", err)
	}
	s.logger.Info(ctx, "service stopped", "service", s.cfg.Service.String(), "instance", s.instanceID.String())
	return nil
}
