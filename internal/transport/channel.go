package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time assertion that Channel satisfies Conn.
var _ Conn = (*Channel)(nil)

// inboundBuffer bounds how many undelivered inbound messages a channel holds
// before the read loop exerts backpressure on the socket.
const inboundBuffer = 64

// Channel is the WebSocket implementation of [Conn]. It owns one established
// connection: a single read loop goroutine decodes wire messages onto the
// inbound channel, and Send writes binary frames from whichever goroutine
// calls it (the websocket library serialises concurrent writers).
type Channel struct {
	conn    *websocket.Conn
	inbound chan Message
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	errVal    error
	closed    bool
	closeOnce sync.Once
}

// Dial establishes a WebSocket connection to endpoint and starts its read
// loop. It is the production [DialFunc].
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return newChannel(conn, slog.Default()), nil
}

// newChannel wraps an accepted or dialled websocket connection.
func newChannel(conn *websocket.Conn, logger *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:    conn,
		inbound: make(chan Message, inboundBuffer),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.receiveLoop()
	return c
}

// Send implements [Conn]. The payload is written as one binary message.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		c.setErr(err)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Inbound implements [Conn].
func (c *Channel) Inbound() <-chan Message { return c.inbound }

// Close implements [Conn]. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "channel closed")
	})
	return nil
}

// Err returns the first read or write error observed on the connection, or
// nil after a clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// receiveLoop reads wire messages and dispatches them onto the inbound
// channel. It owns inbound: it closes it when it exits, which is how the
// supervisor learns the connection died.
func (c *Channel) receiveLoop() {
	defer close(c.inbound)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}

		var msg Message
		switch typ {
		case websocket.MessageBinary:
			msg = Message{Kind: KindAudio, Audio: data}
		case websocket.MessageText:
			var ctrl ControlEvent
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type == "" {
				c.logger.Warn("dropping unparseable control message", "error", err)
				continue
			}
			msg = Message{Kind: KindControl, Control: ctrl}
		default:
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}
