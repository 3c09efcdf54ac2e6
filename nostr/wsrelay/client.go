// Package wsrelay is the concrete nostr.RelayClient adapter: one
// gorilla/websocket connection per relay, feeding inbound frames to a
// buffered channel for nostr.Relay to consume (spec.md 4.10).
package wsrelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// inboxSize bounds how many unread frames a relay connection buffers
// before Receive's consumer must catch up.
const inboxSize = 64

// Client is a gorilla/websocket-backed nostr.RelayClient.
type Client struct {
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	in   chan []byte
	done chan struct{}
}

// New constructs a Client using websocket.DefaultDialer.
func New() *Client {
	return &Client{dialer: websocket.DefaultDialer}
}

// Connect dials url, replacing any previous connection.
func (c *Client) Connect(ctx context.Context, url string) error {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("wsrelay: dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.in = make(chan []byte, inboxSize)
	c.done = make(chan struct{})
	done := c.done
	in := c.in
	c.mu.Unlock()

	go c.readLoop(conn, in, done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, in chan []byte, done chan struct{}) {
	defer close(in)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case in <- data:
		case <-done:
			return
		}
	}
}

// Send writes raw as a single text frame.
func (c *Client) Send(raw []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsrelay: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("wsrelay: write: %w", err)
	}
	return nil
}

// Receive returns the channel of inbound frames. It is closed when the
// connection's read loop exits.
func (c *Client) Receive() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in
}

// Close tears down the active connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("wsrelay: close: %w", err)
	}
	return nil
}
