package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// MemoryBus is an in-process Bus implementation. RPC handlers within a queue
// group are load-balanced round-robin, matching the at-most-one-delivery
// guarantee core NATS queue groups provide; event and heartbeat subscribers
// all receive every publish (fan-out), matching JetStream/core pub-sub. It
// exists so the registry, election, discovery, and RPC call use cases are
// unit-testable without a running NATS server.
type MemoryBus struct {
	mu        sync.Mutex
	connected bool
	logger    telemetry.Logger

	rpcHandlers map[string][]RPCHandlerFunc // keyed by "service.method"
	rpcNext     map[string]int

	eventSubs map[string][]EventHandlerFunc // keyed by "domain.eventType"
	cmdSubs   map[string][]CommandHandlerFunc
	hbSubs    map[string][]HeartbeatHandlerFunc

	progressSubs map[string]ProgressHandlerFunc // keyed by command id
}

// Compile-time check that MemoryBus implements Bus.
var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus constructs a disconnected in-process bus.
func NewMemoryBus(logger telemetry.Logger) *MemoryBus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &MemoryBus{
		logger:       logger,
		rpcHandlers:  make(map[string][]RPCHandlerFunc),
		rpcNext:      make(map[string]int),
		eventSubs:    make(map[string][]EventHandlerFunc),
		cmdSubs:      make(map[string][]CommandHandlerFunc),
		hbSubs:       make(map[string][]HeartbeatHandlerFunc),
		progressSubs: make(map[string]ProgressHandlerFunc),
	}
}

func (b *MemoryBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *MemoryBus) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

type memorySub struct {
	unsub func()
}

func (s *memorySub) Unsubscribe() error {
	s.unsub()
	return nil
}

func rpcKey(service types.ServiceName, method types.MethodName) string {
	return service.String() + "." + method.String()
}

func (b *MemoryBus) RegisterRPCHandler(_ context.Context, service types.ServiceName, method types.MethodName, handler RPCHandlerFunc) (Subscription, error) {
	key := rpcKey(service, method)
	b.mu.Lock()
	b.rpcHandlers[key] = append(b.rpcHandlers[key], handler)
	idx := len(b.rpcHandlers[key]) - 1
	b.mu.Unlock()

	return &memorySub{unsub: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.rpcHandlers[key]
		if idx < len(handlers) {
			b.rpcHandlers[key] = append(handlers[:idx], handlers[idx+1:]...)
		}
	}}, nil
}

func (b *MemoryBus) CallRPC(ctx context.Context, service types.ServiceName, method types.MethodName, req types.RPCRequest) (types.RPCResponse, error) {
	if !b.IsConnected() {
		return types.RPCResponse{}, sdkerrors.ErrNotConnected
	}
	key := rpcKey(service, method)

	b.mu.Lock()
	handlers := b.rpcHandlers[key]
	if len(handlers) == 0 {
		b.mu.Unlock()
		return types.RPCResponse{}, fmt.Errorf("bus: %w: no handler registered for %s", sdkerrors.ErrNotFound, key)
	}
	next := b.rpcNext[key] % len(handlers)
	b.rpcNext[key] = (b.rpcNext[key] + 1) % len(handlers)
	handler := handlers[next]
	b.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp types.RPCResponse
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := handler(callCtx, req)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		return types.RPCResponse{}, sdkerrors.ErrTimeout
	case r := <-resultCh:
		if r.err != nil {
			return types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: r.err.Error()}, nil
		}
		return r.resp, nil
	}
}

func eventKey(domain string, eventType types.EventType) string {
	return domain + "." + eventType.String()
}

func (b *MemoryBus) SubscribeEvent(_ context.Context, domain string, eventType types.EventType, handler EventHandlerFunc) (Subscription, error) {
	key := eventKey(domain, eventType)
	b.mu.Lock()
	b.eventSubs[key] = append(b.eventSubs[key], handler)
	idx := len(b.eventSubs[key]) - 1
	b.mu.Unlock()

	return &memorySub{unsub: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.eventSubs[key]
		if idx < len(subs) {
			b.eventSubs[key] = append(subs[:idx], subs[idx+1:]...)
		}
	}}, nil
}

func (b *MemoryBus) PublishEvent(ctx context.Context, event types.Event) error {
	if !b.IsConnected() {
		return sdkerrors.ErrNotConnected
	}
	key := eventKey(event.Domain, event.EventType)
	b.mu.Lock()
	subs := append([]EventHandlerFunc(nil), b.eventSubs[key]...)
	b.mu.Unlock()

	for _, h := range subs {
		if err := h(ctx, event); err != nil {
			b.logger.Error(ctx, "event handler failed", "domain", event.Domain, "event_type", event.EventType.String(), "err", err)
		}
	}
	return nil
}

func cmdKey(service types.ServiceName, command string) string {
	return service.String() + "." + command
}

func (b *MemoryBus) RegisterCommandHandler(_ context.Context, service types.ServiceName, command string, handler CommandHandlerFunc) (Subscription, error) {
	key := cmdKey(service, command)
	b.mu.Lock()
	b.cmdSubs[key] = append(b.cmdSubs[key], handler)
	idx := len(b.cmdSubs[key]) - 1
	b.mu.Unlock()

	return &memorySub{unsub: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.cmdSubs[key]
		if idx < len(subs) {
			b.cmdSubs[key] = append(subs[:idx], subs[idx+1:]...)
		}
	}}, nil
}

// memoryProgressReporter hands a command handler a way to report progress
// back to SendCommand's caller without going through a wire subject, mirroring
// how NATSBus publishes to commands.progress.<command_id> in process.
type memoryProgressReporter struct {
	bus       *MemoryBus
	commandID string
}

func (r *memoryProgressReporter) Report(ctx context.Context, percent float64, message string) error {
	r.bus.mu.Lock()
	onProgress := r.bus.progressSubs[r.commandID]
	r.bus.mu.Unlock()
	if onProgress == nil {
		return nil
	}
	onProgress(ctx, types.CommandProgress{CommandID: r.commandID, Percent: percent, Message: message, Timestamp: time.Now().UTC()})
	return nil
}

func (b *MemoryBus) SendCommand(ctx context.Context, cmd types.Command, onProgress ProgressHandlerFunc) (types.CommandResult, error) {
	if !b.IsConnected() {
		return types.CommandResult{}, sdkerrors.ErrNotConnected
	}
	key := cmdKey(cmd.Target, cmd.Command)
	b.mu.Lock()
	handlers := b.cmdSubs[key]
	if len(handlers) == 0 {
		b.mu.Unlock()
		return types.CommandResult{}, fmt.Errorf("bus: %w: no handler registered for %s", sdkerrors.ErrNotFound, key)
	}
	handler := handlers[0]
	if onProgress != nil {
		b.progressSubs[cmd.CommandID] = onProgress
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.progressSubs, cmd.CommandID)
		b.mu.Unlock()
	}()

	handlerErr := handler(ctx, cmd, &memoryProgressReporter{bus: b, commandID: cmd.CommandID})
	result := types.CommandResult{CommandID: cmd.CommandID, Success: handlerErr == nil, Timestamp: time.Now().UTC()}
	if handlerErr != nil {
		result.Error = handlerErr.Error()
	}
	return result, nil
}

func (b *MemoryBus) SendHeartbeat(ctx context.Context, service types.ServiceName, payload []byte) error {
	if !b.IsConnected() {
		return sdkerrors.ErrNotConnected
	}
	key := service.String()
	b.mu.Lock()
	subs := append([]HeartbeatHandlerFunc(nil), b.hbSubs[key]...)
	b.mu.Unlock()

	for _, h := range subs {
		h(ctx, payload)
	}
	return nil
}

func (b *MemoryBus) SubscribeHeartbeat(_ context.Context, service types.ServiceName, handler HeartbeatHandlerFunc) (Subscription, error) {
	key := service.String()
	b.mu.Lock()
	b.hbSubs[key] = append(b.hbSubs[key], handler)
	idx := len(b.hbSubs[key]) - 1
	b.mu.Unlock()

	return &memorySub{unsub: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.hbSubs[key]
		if idx < len(subs) {
			b.hbSubs[key] = append(subs[:idx], subs[idx+1:]...)
		}
	}}, nil
}
