package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/metrics"
)

// Transport moves envelopes between contexts
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive() <-chan Envelope
	Close() error
}

// Handler serves one message type. The returned value is sent back as the
// reply data when the message is a request; it is ignored for notifications.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Options tunes request bookkeeping
type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type result struct {
	env Envelope
	err error
}

type pending struct {
	ch      chan result
	expires time.Time
	msgType string
}

// messageCounter is shared by every bus in the process
var messageCounter atomic.Uint64

// Bus is one context's endpoint: request/response with timeouts plus
// fire-and-forget notifications. Replies are resolved on the receive loop;
// other messages are handled one at a time in arrival order.
type Bus struct {
	name      string
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	sweep     time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	hmu      sync.RWMutex
	handlers map[string]Handler

	inbox chan Envelope
}

// New creates a bus for the named context on top of transport
func New(name string, transport Transport, logger *slog.Logger, opts Options) *Bus {
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Bus{
		name:      name,
		transport: transport,
		logger:    logger.With(slog.String("context", name)),
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		sweep:     opts.SweepInterval,
		now:       opts.Now,
		pending:   make(map[string]*pending),
		handlers:  make(map[string]Handler),
		inbox:     make(chan Envelope, 256),
	}
}

// Name returns the context name
func (b *Bus) Name() string {
	return b.name
}

// Handle registers h for msgType, replacing any previous handler
func (b *Bus) Handle(msgType string, h Handler) {
	b.hmu.Lock()
	b.handlers[msgType] = h
	b.hmu.Unlock()
}

// Request sends a message and waits for the reply, the request timeout
// (enforced by the sweep) or ctx, whichever comes first.
func (b *Bus) Request(ctx context.Context, target, msgType string, data any) (json.RawMessage, error) {
	return b.RequestTimeout(ctx, target, msgType, data, b.timeout)
}

// RequestTimeout is Request with a per-call timeout
func (b *Bus) RequestTimeout(ctx context.Context, target, msgType string, data any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := encode(data)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%s-%d", b.name, messageCounter.Add(1))
	p := &pending{
		ch:      make(chan result, 1),
		expires: b.now().Add(timeout),
		msgType: msgType,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[id] = p
	count := len(b.pending)
	b.mu.Unlock()

	b.metrics.RecordBusRequest()
	b.metrics.SetBusPending(b.name, count)

	env := Envelope{
		Type:      msgType,
		Data:      raw,
		MessageID: id,
		Source:    b.name,
		Target:    target,
	}
	if err := b.transport.Send(ctx, env); err != nil {
		b.forget(id)
		return nil, fmt.Errorf("failed to send %s to %s: %w", msgType, target, err)
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.env.Error != "" {
			return nil, &RemoteError{Source: r.env.Source, Type: msgType, Message: r.env.Error}
		}
		return r.env.Data, nil
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget message
func (b *Bus) Notify(ctx context.Context, target, msgType string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}

	env := Envelope{
		Type:   msgType,
		Data:   raw,
		Source: b.name,
		Target: target,
	}
	if err := b.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to notify %s of %s: %w", target, msgType, err)
	}
	return nil
}

// Sweep rejects every pending request past its expiration and returns how
// many were expired.
func (b *Bus) Sweep() int {
	now := b.now()

	b.mu.Lock()
	var expired []*pending
	for id, p := range b.pending {
		if !now.Before(p.expires) {
			expired = append(expired, p)
			delete(b.pending, id)
		}
	}
	count := len(b.pending)
	b.mu.Unlock()

	for _, p := range expired {
		p.ch <- result{err: fmt.Errorf("%w: %s", ErrTimeout, p.msgType)}
	}

	if len(expired) > 0 {
		b.logger.Debug("Expired pending requests", slog.Int("expired", len(expired)))
		b.metrics.RecordBusTimeouts(len(expired))
		b.metrics.SetBusPending(b.name, count)
	}
	return len(expired)
}

// Pending returns the number of outstanding requests
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run receives from the transport until ctx is done or the transport closes.
// It also runs the dispatcher and the expiration sweep.
func (b *Bus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		b.sweepLoop(ctx)
	}()
	defer wg.Wait()

	incoming := b.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-incoming:
			if !ok {
				b.logger.Debug("Transport closed")
				return nil
			}
			if env.Reply {
				b.resolve(env)
				continue
			}
			select {
			case b.inbox <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close rejects every pending request and closes the transport
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	outstanding := b.pending
	b.pending = make(map[string]*pending)
	b.mu.Unlock()

	for _, p := range outstanding {
		p.ch <- result{err: ErrClosed}
	}
	return b.transport.Close()
}

func (b *Bus) resolve(env Envelope) {
	b.mu.Lock()
	p, ok := b.pending[env.MessageID]
	if ok {
		delete(b.pending, env.MessageID)
	}
	count := len(b.pending)
	b.mu.Unlock()

	if !ok {
		// Late reply to a request that already timed out
		b.logger.Debug("Dropping unmatched reply",
			slog.String("message_id", env.MessageID),
			slog.String("type", env.Type),
		)
		return
	}
	b.metrics.SetBusPending(b.name, count)
	p.ch <- result{env: env}
}

func (b *Bus) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	count := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetBusPending(b.name, count)
}

func (b *Bus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.inbox:
			b.dispatch(ctx, env)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, env Envelope) {
	b.hmu.RLock()
	h, ok := b.handlers[env.Type]
	b.hmu.RUnlock()

	var (
		data any
		err  error
	)
	if ok {
		data, err = b.safeCall(ctx, h, env)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, env.Type)
	}

	if !env.IsRequest() {
		if err != nil && !errors.Is(err, ErrNoHandler) {
			b.logger.Warn("Notification handler failed",
				slog.String("type", env.Type),
				slog.String("from", env.Source),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	reply := Envelope{
		Type:      env.Type,
		MessageID: env.MessageID,
		Source:    b.name,
		Target:    env.Source,
		Reply:     true,
	}
	if err != nil {
		reply.Error = err.Error()
	} else if raw, encErr := encode(data); encErr != nil {
		reply.Error = encErr.Error()
	} else {
		reply.Data = raw
	}

	if sendErr := b.transport.Send(ctx, reply); sendErr != nil {
		b.logger.Warn("Failed to send reply",
			slog.String("type", env.Type),
			slog.String("to", env.Source),
			slog.String("error", sendErr.Error()),
		)
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, env Envelope) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
