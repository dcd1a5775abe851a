package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport carries envelopes between processes. Each context listens
// on "<prefix>.<context>"; broadcasts go to "<prefix>.broadcast".
type NATSTransport struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	prefix string
	logger *slog.Logger

	inbox     chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// DialNATS connects to url and subscribes to the subjects of the listed
// contexts. Include Broadcast to receive broadcasts.
func DialNATS(url, prefix string, listen []string, logger *slog.Logger) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("meet-audio-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	t := &NATSTransport{
		nc:     nc,
		prefix: prefix,
		logger: logger,
		inbox:  make(chan Envelope, 256),
		done:   make(chan struct{}),
	}

	for _, name := range listen {
		subject := t.subject(name)
		sub, err := nc.Subscribe(subject, t.onMessage)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}

	logger.Info("NATS transport connected",
		slog.String("url", url),
		slog.String("prefix", prefix),
		slog.Int("subscriptions", len(t.subs)),
	)
	return t, nil
}

// Send publishes env on the subject of its target
func (t *NATSTransport) Send(_ context.Context, env Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := t.nc.Publish(t.subject(env.Target), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.subject(env.Target), err)
	}
	return nil
}

// Receive returns the inbound envelope channel
func (t *NATSTransport) Receive() <-chan Envelope {
	return t.inbox
}

// Close unsubscribes and closes the connection
func (t *NATSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		for _, sub := range t.subs {
			sub.Unsubscribe()
		}
		t.nc.Close()

		t.mu.Lock()
		close(t.inbox)
		t.mu.Unlock()
	})
	return nil
}

func (t *NATSTransport) subject(target string) string {
	if target == Broadcast || target == "" {
		return t.prefix + ".broadcast"
	}
	return t.prefix + "." + target
}

func (t *NATSTransport) onMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.logger.Warn("Dropping malformed envelope",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	select {
	case <-t.done:
	case t.inbox <- env:
	}
}
