// Package bus defines the message bus abstraction AegisSDK's core builds on:
// RPC request/reply over core NATS queue groups, event publish/subscribe over
// a JetStream stream, and command dispatch over a JetStream durable consumer.
// Callers depend on the Bus interface, never on *nats.Conn directly, so tests
// can run against an in-process fake.
package bus

import (
	"context"

	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

// RPCHandlerFunc handles one RPC request and returns the reply to send back.
// A non-nil error is translated into an RPCResponse with Success=false.
type RPCHandlerFunc func(ctx context.Context, req types.RPCRequest) (types.RPCResponse, error)

// EventHandlerFunc handles one delivered domain event.
type EventHandlerFunc func(ctx context.Context, event types.Event) error

// CommandHandlerFunc handles one delivered command. reporter publishes
// progress updates on commands.progress.<command_id>; the bus publishes the
// terminal CommandResult on commands.callback.<command_id> itself once the
// handler returns.
type CommandHandlerFunc func(ctx context.Context, cmd types.Command, reporter ProgressReporter) error

// ProgressReporter lets a command handler publish an in-flight progress
// update back to the caller.
type ProgressReporter interface {
	Report(ctx context.Context, percent float64, message string) error
}

// ProgressHandlerFunc observes one progress update for a command sent via
// SendCommand.
type ProgressHandlerFunc func(ctx context.Context, progress types.CommandProgress)

// HeartbeatHandlerFunc handles one delivered heartbeat payload.
type HeartbeatHandlerFunc func(ctx context.Context, payload []byte)

// Subscription is a live subscription that can be torn down independently of
// the bus it came from.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport abstraction used by the registry, election, discovery,
// and RPC call use cases. Implementations must be safe for concurrent use.
type Bus interface {
	// Connect establishes the underlying transport connection(s).
	Connect(ctx context.Context) error
	// Close drains in-flight work and releases the transport connection(s).
	Close(ctx context.Context) error
	// IsConnected reports whether the bus currently has a healthy transport
	// connection.
	IsConnected() bool

	// RegisterRPCHandler binds handler to rpc.<service>.<method> under the
	// queue group rpc.<service>, so exactly one registered handler among all
	// instances of service receives any given request.
	RegisterRPCHandler(ctx context.Context, service types.ServiceName, method types.MethodName, handler RPCHandlerFunc) (Subscription, error)
	// CallRPC dispatches req to service/method and waits for a reply, bounded
	// by req.Timeout (or ctx's deadline if nearer).
	CallRPC(ctx context.Context, service types.ServiceName, method types.MethodName, req types.RPCRequest) (types.RPCResponse, error)

	// SubscribeEvent binds handler to events.<domain>.<eventType> on the
	// EVENTS JetStream stream via a durable consumer. Every subscriber
	// receives every event (fan-out), unlike RPC's queue-group load
	// balancing.
	SubscribeEvent(ctx context.Context, domain string, eventType types.EventType, handler EventHandlerFunc) (Subscription, error)
	// PublishEvent publishes event to events.<domain>.<event_type>.
	PublishEvent(ctx context.Context, event types.Event) error

	// RegisterCommandHandler binds handler to commands.<service>.<command>
	// on the COMMANDS JetStream stream via the durable consumer
	// <service>-<command>.
	RegisterCommandHandler(ctx context.Context, service types.ServiceName, command string, handler CommandHandlerFunc) (Subscription, error)
	// SendCommand dispatches cmd to its target service/command and waits for
	// the terminal result on commands.callback.<command_id>, bounded by
	// cmd.Timeout (or ctx's deadline if nearer). onProgress, if non-nil, is
	// invoked for every update observed on commands.progress.<command_id>
	// before the terminal result arrives.
	SendCommand(ctx context.Context, cmd types.Command, onProgress ProgressHandlerFunc) (types.CommandResult, error)

	// SendHeartbeat publishes payload to internal.heartbeat.<service>.
	SendHeartbeat(ctx context.Context, service types.ServiceName, payload []byte) error
	// SubscribeHeartbeat observes heartbeats published for service. Every
	// subscriber receives every heartbeat.
	SubscribeHeartbeat(ctx context.Context, service types.ServiceName, handler HeartbeatHandlerFunc) (Subscription, error)
}

// Subjects centralizes the wire subject templates so every caller builds
// subjects identically.
type Subjects struct{}

// RPC returns the subject for an RPC request: rpc.<service>.<method>.
func (Subjects) RPC(service types.ServiceName, method types.MethodName) string {
	return "rpc." + service.String() + "." + method.String()
}

// RPCQueueGroup returns the queue group RPC handlers for service join.
func (Subjects) RPCQueueGroup(service types.ServiceName) string {
	return "rpc." + service.String()
}

// Event returns the subject for a domain event: events.<domain>.<eventType>.
func (Subjects) Event(domain string, eventType types.EventType) string {
	return "events." + domain + "." + eventType.String()
}

// Command returns the subject for a command request:
// commands.<service>.<command>.
func (Subjects) Command(service types.ServiceName, command string) string {
	return "commands." + service.String() + "." + command
}

// CommandDurable returns the durable consumer name for a command handler:
// <service>-<command>.
func (Subjects) CommandDurable(service types.ServiceName, command string) string {
	return service.String() + "-" + command
}

// CommandProgress returns the subject commands publish progress updates to.
func (Subjects) CommandProgress(commandID string) string {
	return "commands.progress." + commandID
}

// CommandCallback returns the subject commands publish terminal results to.
func (Subjects) CommandCallback(commandID string) string {
	return "commands.callback." + commandID
}

// Heartbeat returns the subject a service publishes heartbeats to:
// internal.heartbeat.<service>.
func (Subjects) Heartbeat(service types.ServiceName) string {
	return "internal.heartbeat." + service.String()
}

// RegistryRegister is the subject for registry registration notifications.
const RegistryRegister = "internal.registry.register"

// RegistryUnregister is the subject for registry deregistration notifications.
const RegistryUnregister = "internal.registry.unregister"
