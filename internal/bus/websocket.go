package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 8 * 1024 * 1024
)

// WSTransport carries envelopes over a websocket connection, one JSON text
// frame per envelope.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbox     chan Envelope
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSTransport starts the read and write pumps on conn
func NewWSTransport(conn *websocket.Conn, logger *slog.Logger) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		logger: logger,
		inbox:  make(chan Envelope, 256),
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

// DialWS connects to a websocket bridge
func DialWS(ctx context.Context, url string, logger *slog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSTransport(conn, logger), nil
}

// Send queues env for the write pump
func (t *WSTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	select {
	case <-t.done:
		return ErrClosed
	case t.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the inbound envelope channel; it is closed when the
// connection goes away.
func (t *WSTransport) Receive() <-chan Envelope {
	return t.inbox
}

// Done is closed once the transport has shut down
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

// Close sends a close frame and tears the connection down
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		t.conn.Close()
	})
	return nil
}

func (t *WSTransport) readPump() {
	defer close(t.inbox)
	defer t.Close()

	t.conn.SetReadLimit(wsMaxMessage)
	t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("Websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			t.logger.Warn("Dropping malformed envelope", slog.String("error", err.Error()))
			continue
		}

		select {
		case t.inbox <- env:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.logger.Warn("Websocket write error", slog.String("error", err.Error()))
				t.Close()
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close()
				return
			}
		}
	}
}
