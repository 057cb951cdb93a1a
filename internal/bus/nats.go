package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/aegis-sdk/aegis-sdk/internal/wire"
	"github.com/aegis-sdk/aegis-sdk/pkg/config"
	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
	"github.com/aegis-sdk/aegis-sdk/pkg/telemetry"
	"github.com/aegis-sdk/aegis-sdk/pkg/types"
)

const (
	eventsStreamName   = "EVENTS"
	commandsStreamName = "COMMANDS"
	// defaultMaxConcurrentHandlers bounds worker-pool width for JetStream
	// consume loops (events, commands) when the caller does not specify one.
	defaultMaxConcurrentHandlers = 64
	// maxPublishAttempts bounds retries of a single JetStream publish before
	// it is raised as a PublishFailedError.
	maxPublishAttempts = 3

	// reconnectBaseDelay, reconnectMultiplier, and reconnectCapAttempt
	// describe the custom reconnect backoff schedule: 2s, 4s, 8s, ...,
	// doubling each attempt up to the 10th, after which the delay no longer
	// grows.
	reconnectBaseDelay    = 2 * time.Second
	reconnectMultiplier   = 2.0
	reconnectCapAttempt   = 10
	defaultRPCCallTimeout = 30 * time.Second
)

// NATSBus implements Bus over a pool of real NATS connections: RPC via core
// NATS request/reply with queue groups, events and commands via JetStream
// durable consumers, command progress/callback over core NATS pub/sub.
//
// Connections are pooled per cfg.PoolSize. Outbound operations pick a
// connection via an atomically-incremented round-robin index, skipping any
// connection that has gone unhealthy; if every pool member is unhealthy the
// operation fails with ErrNotConnected.
type NATSBus struct {
	cfg     *config.CoreConfig
	codec   *wire.Codec
	logger  telemetry.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	conns   []*nats.Conn
	jsConns []jetstream.JetStream
	next    uint64

	subjects Subjects
}

// Compile-time check that NATSBus implements Bus.
var _ Bus = (*NATSBus)(nil)

// NewNATSBus constructs a disconnected NATSBus from cfg. Call Connect before
// use.
func NewNATSBus(cfg *config.CoreConfig) *NATSBus {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var limiter *rate.Limiter
	if cfg.PublishRateLimit > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRateLimit), burst)
	}

	return &NATSBus{
		cfg:     cfg,
		codec:   wire.NewCodec(cfg.UseMsgpack),
		logger:  logger,
		limiter: limiter,
	}
}

// waitPublishBudget blocks until the publish token bucket has room, or ctx is
// canceled. A nil limiter (PublishRateLimit == 0) never blocks.
func (b *NATSBus) waitPublishBudget(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// reconnectDelay implements nats.ReconnectDelayHandler: an exponential
// backoff starting at reconnectBaseDelay, doubling each attempt, that stops
// growing past reconnectCapAttempt.
func reconnectDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > reconnectCapAttempt {
		attempts = reconnectCapAttempt
	}
	delay := float64(reconnectBaseDelay)
	for i := 1; i < attempts; i++ {
		delay *= reconnectMultiplier
	}
	return time.Duration(delay)
}

// Connect dials a pool of cfg.PoolSize connections, bootstraps a JetStream
// context per connection, and ensures the EVENTS and COMMANDS streams exist.
func (b *NATSBus) Connect(ctx context.Context) error {
	poolSize := b.cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	conns := make([]*nats.Conn, 0, poolSize)
	jsConns := make([]jetstream.JetStream, 0, poolSize)
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	for i := 0; i < poolSize; i++ {
		opts := []nats.Option{
			nats.MaxReconnects(b.cfg.MaxReconnectAttempts),
			nats.CustomReconnectDelay(reconnectDelay),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					b.logger.Warn(ctx, "nats disconnected", "err", err)
				}
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				b.logger.Info(ctx, "nats reconnected")
			}),
		}
		conn, err := nats.Connect(natsServersURL(b.cfg.Servers), opts...)
		if err != nil {
			closeAll()
			return fmt.Errorf("bus: connect pool member %d/%d: %w", i+1, poolSize, err)
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			closeAll()
			return fmt.Errorf("bus: jetstream context for pool member %d/%d: %w", i+1, poolSize, err)
		}
		conns = append(conns, conn)
		jsConns = append(jsConns, js)
	}

	if _, err := jsConns[0].CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     eventsStreamName,
		Subjects: []string{"events.>"},
	}); err != nil {
		closeAll()
		return fmt.Errorf("bus: create %s stream: %w", eventsStreamName, err)
	}
	if _, err := jsConns[0].CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     commandsStreamName,
		Subjects: []string{"commands.>"},
	}); err != nil {
		closeAll()
		return fmt.Errorf("bus: create %s stream: %w", commandsStreamName, err)
	}

	b.mu.Lock()
	b.conns = conns
	b.jsConns = jsConns
	b.mu.Unlock()
	return nil
}

// Close drains and closes every pooled connection.
func (b *NATSBus) Close(context.Context) error {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.jsConns = nil
	b.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Drain(); err != nil {
			conn.Close()
			if firstErr == nil {
				firstErr = fmt.Errorf("bus: drain: %w", err)
			}
		}
	}
	return firstErr
}

// IsConnected reports whether at least one pooled connection is healthy.
func (b *NATSBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		if conn.IsConnected() {
			return true
		}
	}
	return false
}

// pick returns a healthy (connection, JetStream context) pair, scanning the
// pool round-robin from an atomically-advanced starting index and skipping
// any connection that has gone unhealthy. It fails with ErrNotConnected only
// when every pool member is unhealthy.
func (b *NATSBus) pick() (*nats.Conn, jetstream.JetStream, error) {
	b.mu.Lock()
	conns := b.conns
	jsConns := b.jsConns
	b.mu.Unlock()

	n := len(conns)
	if n == 0 {
		return nil, nil, sdkerrors.ErrNotConnected
	}
	start := int(atomic.AddUint64(&b.next, 1) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if conns[idx].IsConnected() {
			return conns[idx], jsConns[idx], nil
		}
	}
	return nil, nil, sdkerrors.ErrNotConnected
}

func (b *NATSBus) connOrErr() (*nats.Conn, error) {
	conn, _, err := b.pick()
	return conn, err
}

func (b *NATSBus) jsOrErr() (jetstream.JetStream, error) {
	_, js, err := b.pick()
	return js, err
}

// publishWithRetry publishes data to subject on the EVENTS/COMMANDS stream,
// retrying up to maxPublishAttempts times before raising PublishFailedError.
// Each retry re-picks a pool connection, so a single unhealthy member does
// not exhaust the attempt budget.
func (b *NATSBus) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		js, err := b.jsOrErr()
		if err != nil {
			lastErr = err
		} else if _, err := js.Publish(ctx, subject, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &sdkerrors.PublishFailedError{Subject: subject, Err: lastErr}
}

// RegisterRPCHandler subscribes to rpc.<service>.<method> within the queue
// group rpc.<service>, so exactly one instance of service answers any given
// request. Handler invocations run inline on nats.go's per-subscription
// dispatch goroutine; CallRPC callers are expected to bound their own
// timeout via req.Timeout.
func (b *NATSBus) RegisterRPCHandler(_ context.Context, service types.ServiceName, method types.MethodName, handler RPCHandlerFunc) (Subscription, error) {
	conn, err := b.connOrErr()
	if err != nil {
		return nil, err
	}
	subject := b.subjects.RPC(service, method)
	queue := b.subjects.RPCQueueGroup(service)

	sub, err := conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var req types.RPCRequest
		if err := b.codec.Decode(msg.Data, &req); err != nil {
			b.logger.Error(context.Background(), "decode rpc request failed", "subject", subject, "err", err)
			return
		}
		ctx := context.Background()
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		resp, err := handler(ctx, req)
		if err != nil {
			resp = types.RPCResponse{CorrelationID: req.CorrelationID, Success: false, Error: err.Error()}
		}
		data, encErr := b.codec.Encode(resp)
		if encErr != nil {
			b.logger.Error(ctx, "encode rpc response failed", "subject", subject, "err", encErr)
			return
		}
		if replyErr := msg.Respond(data); replyErr != nil {
			b.logger.Error(ctx, "respond rpc failed", "subject", subject, "err", replyErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %q queue %q: %w", subject, queue, err)
	}
	return &natsSub{sub: sub}, nil
}

// CallRPC sends req to service/method and waits for a reply.
func (b *NATSBus) CallRPC(ctx context.Context, service types.ServiceName, method types.MethodName, req types.RPCRequest) (types.RPCResponse, error) {
	conn, err := b.connOrErr()
	if err != nil {
		return types.RPCResponse{}, err
	}
	subject := b.subjects.RPC(service, method)

	data, err := b.codec.Encode(req)
	if err != nil {
		return types.RPCResponse{}, fmt.Errorf("bus: encode rpc request: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRPCCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := conn.RequestWithContext(callCtx, subject, data)
	if err != nil {
		if callCtx.Err() != nil {
			return types.RPCResponse{}, sdkerrors.ErrTimeout
		}
		return types.RPCResponse{}, fmt.Errorf("bus: rpc request %q: %w", subject, err)
	}

	var resp types.RPCResponse
	if err := b.codec.Decode(msg.Data, &resp); err != nil {
		return types.RPCResponse{}, fmt.Errorf("bus: decode rpc response: %w", err)
	}
	return resp, nil
}

// SubscribeEvent binds handler to a durable JetStream consumer on the
// EVENTS stream filtered to events.<domain>.<eventType>. Dispatch runs
// through a bounded worker pool so a slow handler cannot stall the consume
// loop.
func (b *NATSBus) SubscribeEvent(ctx context.Context, domain string, eventType types.EventType, handler EventHandlerFunc) (Subscription, error) {
	js, err := b.jsOrErr()
	if err != nil {
		return nil, err
	}
	subject := b.subjects.Event(domain, eventType)
	stream, err := js.Stream(ctx, eventsStreamName)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s stream: %w", eventsStreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer for %q: %w", subject, err)
	}

	consumeCtx, err := dispatchConsume(consumer, defaultMaxConcurrentHandlers, b.logger, func(ctx context.Context, data []byte) error {
		var event types.Event
		if err := b.codec.Decode(data, &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		return handler(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return &consumeSub{cc: consumeCtx}, nil
}

// PublishEvent publishes event to events.<domain>.<event_type> on the
// EVENTS stream, retrying transient publish failures up to
// maxPublishAttempts times before raising PublishFailedError.
func (b *NATSBus) PublishEvent(ctx context.Context, event types.Event) error {
	if _, err := b.jsOrErr(); err != nil {
		return err
	}
	if err := b.waitPublishBudget(ctx); err != nil {
		return fmt.Errorf("bus: publish rate limit: %w", err)
	}
	data, err := b.codec.Encode(event)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	return b.publishWithRetry(ctx, event.Subject(), data)
}

// RegisterCommandHandler binds handler to the durable consumer
// <service>-<command> on the COMMANDS stream, filtered to
// commands.<service>.<command>. Once handler returns, the bus publishes the
// terminal CommandResult to commands.callback.<command_id> on core NATS
// regardless of success, matching the at-least-once command delivery model:
// the JetStream message is only acked on a nil handler error, so a failed
// handler still gets redelivered even though its caller already observed a
// failure callback.
func (b *NATSBus) RegisterCommandHandler(ctx context.Context, service types.ServiceName, command string, handler CommandHandlerFunc) (Subscription, error) {
	js, err := b.jsOrErr()
	if err != nil {
		return nil, err
	}
	subject := b.subjects.Command(service, command)
	stream, err := js.Stream(ctx, commandsStreamName)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s stream: %w", commandsStreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.subjects.CommandDurable(service, command),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer for %q: %w", subject, err)
	}

	consumeCtx, err := dispatchConsume(consumer, defaultMaxConcurrentHandlers, b.logger, func(ctx context.Context, data []byte) error {
		var cmd types.Command
		if err := b.codec.Decode(data, &cmd); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		handlerErr := handler(ctx, cmd, &natsProgressReporter{bus: b, commandID: cmd.CommandID})
		result := types.CommandResult{CommandID: cmd.CommandID, Success: handlerErr == nil, Timestamp: time.Now().UTC()}
		if handlerErr != nil {
			result.Error = handlerErr.Error()
		}
		if pubErr := b.publishCommandCallback(cmd.CommandID, result); pubErr != nil {
			b.logger.Error(ctx, "publish command callback failed", "command_id", cmd.CommandID, "err", pubErr)
		}
		return handlerErr
	})
	if err != nil {
		return nil, err
	}
	return &consumeSub{cc: consumeCtx}, nil
}

// natsProgressReporter publishes progress updates to
// commands.progress.<command_id> over core NATS (no durability: a missed
// progress update is superseded by the next one, or by the terminal
// callback).
type natsProgressReporter struct {
	bus       *NATSBus
	commandID string
}

func (r *natsProgressReporter) Report(ctx context.Context, percent float64, message string) error {
	conn, err := r.bus.connOrErr()
	if err != nil {
		return err
	}
	data, err := r.bus.codec.Encode(types.CommandProgress{
		CommandID: r.commandID,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("bus: encode command progress: %w", err)
	}
	if err := conn.Publish(r.bus.subjects.CommandProgress(r.commandID), data); err != nil {
		return &sdkerrors.PublishFailedError{Subject: r.bus.subjects.CommandProgress(r.commandID), Err: err}
	}
	return nil
}

func (b *NATSBus) publishCommandCallback(commandID string, result types.CommandResult) error {
	conn, err := b.connOrErr()
	if err != nil {
		return err
	}
	data, err := b.codec.Encode(result)
	if err != nil {
		return fmt.Errorf("bus: encode command result: %w", err)
	}
	subject := b.subjects.CommandCallback(commandID)
	if err := conn.Publish(subject, data); err != nil {
		return &sdkerrors.PublishFailedError{Subject: subject, Err: err}
	}
	return nil
}

// SendCommand publishes cmd to commands.<service>.<command> on the COMMANDS
// stream, having first subscribed to cmd's progress and callback subjects so
// it can relay progress to onProgress and return the terminal result.
func (b *NATSBus) SendCommand(ctx context.Context, cmd types.Command, onProgress ProgressHandlerFunc) (types.CommandResult, error) {
	if _, err := b.jsOrErr(); err != nil {
		return types.CommandResult{}, err
	}
	conn, err := b.connOrErr()
	if err != nil {
		return types.CommandResult{}, err
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}

	resultCh := make(chan types.CommandResult, 1)
	progressSub, err := conn.Subscribe(b.subjects.CommandProgress(cmd.CommandID), func(msg *nats.Msg) {
		if onProgress == nil {
			return
		}
		var progress types.CommandProgress
		if err := b.codec.Decode(msg.Data, &progress); err != nil {
			b.logger.Error(ctx, "decode command progress failed", "command_id", cmd.CommandID, "err", err)
			return
		}
		onProgress(ctx, progress)
	})
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("bus: subscribe command progress %q: %w", cmd.CommandID, err)
	}
	defer progressSub.Unsubscribe()

	callbackSub, err := conn.Subscribe(b.subjects.CommandCallback(cmd.CommandID), func(msg *nats.Msg) {
		var result types.CommandResult
		if err := b.codec.Decode(msg.Data, &result); err != nil {
			b.logger.Error(ctx, "decode command callback failed", "command_id", cmd.CommandID, "err", err)
			return
		}
		select {
		case resultCh <- result:
		default:
		}
	})
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("bus: subscribe command callback %q: %w", cmd.CommandID, err)
	}
	defer callbackSub.Unsubscribe()

	if err := b.waitPublishBudget(ctx); err != nil {
		return types.CommandResult{}, fmt.Errorf("bus: publish rate limit: %w", err)
	}
	subject := b.subjects.Command(cmd.Target, cmd.Command)
	data, err := b.codec.Encode(cmd)
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("bus: encode command: %w", err)
	}
	if err := b.publishWithRetry(ctx, subject, data); err != nil {
		return types.CommandResult{}, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultRPCCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case result := <-resultCh:
		return result, nil
	case <-callCtx.Done():
		return types.CommandResult{}, sdkerrors.ErrTimeout
	}
}

// SendHeartbeat publishes payload to internal.heartbeat.<service> on core
// NATS (no durability: heartbeats are superseded by the next tick).
func (b *NATSBus) SendHeartbeat(_ context.Context, service types.ServiceName, payload []byte) error {
	conn, err := b.connOrErr()
	if err != nil {
		return err
	}
	if err := conn.Publish(b.subjects.Heartbeat(service), payload); err != nil {
		return &sdkerrors.PublishFailedError{Subject: b.subjects.Heartbeat(service), Err: err}
	}
	return nil
}

// SubscribeHeartbeat observes heartbeats for service via a plain core NATS
// subscription (every subscriber sees every heartbeat; auto-ack, no
// durability required for a liveness signal).
func (b *NATSBus) SubscribeHeartbeat(_ context.Context, service types.ServiceName, handler HeartbeatHandlerFunc) (Subscription, error) {
	conn, err := b.connOrErr()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(b.subjects.Heartbeat(service), func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe heartbeat %q: %w", service, err)
	}
	return &natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

type consumeSub struct {
	cc jetstream.ConsumeContext
}

func (s *consumeSub) Unsubscribe() error {
	s.cc.Stop()
	return nil
}

// dispatchConsume starts a bounded worker-pool consumer on consumer,
// decoding and handling each delivered message via process. At most
// maxConcurrent messages are handled at once; handler failures leave the
// message unacked so JetStream redelivers it after the consumer's ack wait.
func dispatchConsume(consumer jetstream.Consumer, maxConcurrent int, logger telemetry.Logger, process func(ctx context.Context, data []byte) error) (jetstream.ConsumeContext, error) {
	sem := make(chan struct{}, maxConcurrent)
	return consumer.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			ctx := context.Background()
			if err := process(ctx, msg.Data()); err != nil {
				logger.Error(ctx, "message handler failed", "err", err)
				return
			}
			if err := msg.Ack(); err != nil {
				logger.Error(ctx, "ack message failed", "err", err)
			}
		}()
	})
}

func durableName(subject string) string {
	out := make([]byte, 0, len(subject))
	for _, r := range subject {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func natsServersURL(servers []string) string {
	url := ""
	for i, s := range servers {
		if i > 0 {
			url += ","
		}
		url += s
	}
	return url
}
