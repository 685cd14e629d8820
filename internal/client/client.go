// Package client is the websocket transport a negotiator session talks
// through. It owns the connection pumps; envelope semantics live in the
// negotiator.
package client

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// Client manages one websocket connection to the relay endpoint.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	incoming  chan signal.Envelope
	outgoing  chan signal.Envelope
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

func New(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		incoming:  make(chan signal.Envelope, 32),
		outgoing:  make(chan signal.Envelope, 32),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay and starts the pumps. The incoming channel is
// closed when the transport is lost, which lets the consumer treat
// transport loss the same as a leave.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.incoming)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := signal.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping malformed envelope")
			continue
		}
		c.incoming <- env
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			b, err := signal.Encode(env)
			if err != nil {
				log.Error().Err(err).Str("module", "client").Msg("encode envelope")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an envelope for delivery. It never blocks; a full buffer
// is reported as an error since signaling volume is tiny and a stuck
// transport should surface fast.
func (c *Client) Send(env signal.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	default:
		return fmt.Errorf("outgoing signal buffer full")
	}
}

// Incoming returns the channel of decoded relay envelopes.
func (c *Client) Incoming() <-chan signal.Envelope {
	return c.incoming
}

// Close shuts the transport down. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
