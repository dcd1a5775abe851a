package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Hub routes envelopes between the contexts of one process. A context that
// does not exist yet can be created on demand by a registered factory.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	factories map[string]func() error

	lazyMu sync.Mutex
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		endpoints: make(map[string]*endpoint),
		factories: make(map[string]func() error),
	}
}

// Endpoint returns the transport of the named context, creating it if needed
func (h *Hub) Endpoint(name string) Transport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[name]; ok {
		return ep
	}
	ep := &endpoint{
		hub:   h,
		name:  name,
		inbox: make(chan Envelope, 256),
		done:  make(chan struct{}),
	}
	h.endpoints[name] = ep
	return ep
}

// Lazy registers a factory that creates the named context the first time a
// message is addressed to it. The factory must call Endpoint(name).
func (h *Hub) Lazy(name string, factory func() error) {
	h.mu.Lock()
	h.factories[name] = factory
	h.mu.Unlock()
}

// Exists reports whether the named context is live
func (h *Hub) Exists(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.endpoints[name]
	return ok
}

// Contexts returns the names of live contexts
func (h *Hub) Contexts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.endpoints))
	for name := range h.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) route(ctx context.Context, env Envelope) error {
	if env.Target == Broadcast {
		h.mu.RLock()
		targets := make([]*endpoint, 0, len(h.endpoints))
		for name, ep := range h.endpoints {
			if name != env.Source {
				targets = append(targets, ep)
			}
		}
		h.mu.RUnlock()

		for _, ep := range targets {
			if err := ep.deliver(ctx, env); err != nil {
				h.logger.Debug("Broadcast delivery skipped",
					slog.String("target", ep.name),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}

	ep, err := h.lookup(env.Target)
	if err != nil {
		return err
	}
	return ep.deliver(ctx, env)
}

func (h *Hub) lookup(name string) (*endpoint, error) {
	h.mu.RLock()
	ep, ok := h.endpoints[name]
	factory := h.factories[name]
	h.mu.RUnlock()

	if ok {
		return ep, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoReceiver, name)
	}

	h.lazyMu.Lock()
	defer h.lazyMu.Unlock()

	// Another sender may have created it while we waited
	h.mu.RLock()
	ep, ok = h.endpoints[name]
	h.mu.RUnlock()
	if ok {
		return ep, nil
	}

	h.logger.Info("Creating context on demand", slog.String("context", name))
	if err := factory(); err != nil {
		return nil, fmt.Errorf("failed to create context %s: %w", name, err)
	}

	h.mu.RLock()
	ep, ok = h.endpoints[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (factory did not register it)", ErrNoReceiver, name)
	}
	return ep, nil
}

func (h *Hub) remove(ep *endpoint) {
	h.mu.Lock()
	if h.endpoints[ep.name] == ep {
		delete(h.endpoints, ep.name)
	}
	h.mu.Unlock()
}

type endpoint struct {
	hub   *Hub
	name  string
	inbox chan Envelope

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func (e *endpoint) Send(ctx context.Context, env Envelope) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if env.Source == "" {
		env.Source = e.name
	}
	return e.hub.route(ctx, env)
}

func (e *endpoint) Receive() <-chan Envelope {
	return e.inbox
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.hub.remove(e)

		e.mu.Lock()
		e.closed = true
		close(e.inbox)
		e.mu.Unlock()
	})
	return nil
}

func (e *endpoint) deliver(ctx context.Context, env Envelope) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return fmt.Errorf("%w: %s", ErrNoReceiver, e.name)
	}

	select {
	case e.inbox <- env:
		return nil
	case <-e.done:
		return fmt.Errorf("%w: %s", ErrNoReceiver, e.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}
