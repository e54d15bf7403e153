package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/metrics"
)

// Client owns one websocket connection: a read pump feeding the session
// and a write pump draining Send.
type Client struct {
	Conn   *websocket.Conn
	ConnID string
	Send   chan []byte // Buffered outbound frames
	cfg    config.WebsocketConfig

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, cfg config.WebsocketConfig) *Client {
	return &Client{
		Conn:   conn,
		ConnID: uuid.NewString(),
		Send:   make(chan []byte, cfg.SendBuffer),
		cfg:    cfg,
	}
}

// Deliver queues frame without blocking. It reports false when the queue
// is full or the client is gone.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the underlying connection, ending the read pump.
func (c *Client) Close() error {
	return c.Conn.Close()
}

// shutdown stops further deliveries and lets the write pump flush and exit.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// HandleRead reads frames from the connection and hands them to the session
// until the socket closes or the session ends.
func (c *Client) HandleRead(ctx context.Context, session *Session) {
	defer logger.Debug("ws_reader_closed", "conn", c.ConnID)
	pongWait := c.cfg.PongWait.Duration()
	c.Conn.SetReadLimit(c.cfg.MaxMessageSize.Int64())
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("ws_read_error", "conn", c.ConnID, "error", err)
			} else {
				logger.Debug("ws_closed", "conn", c.ConnID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		if err := session.Handle(ctx, frame); errors.Is(err, ErrClosed) {
			return
		}
		if session.State() == StateClosed {
			return
		}
	}
}

// HandleWrite writes queued frames and keeps the connection alive with
// pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(c.cfg.PingPeriod.Duration())
	writeWait := c.cfg.WriteWait.Duration()
	defer func() {
		ticker.Stop()
		logger.Debug("ws_writer_closed", "conn", c.ConnID)
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("ws_write_error", "conn", c.ConnID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ws_ping_error", "conn", c.ConnID, "error", err)
				return
			}
		}
	}
}

// TokenFromRequest extracts the session token from the upgrade request: the
// token query parameter, or an Authorization bearer header.
func TokenFromRequest(query, authorization string) string {
	if t := strings.TrimSpace(query); t != "" {
		return t
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authorization), "Bearer "))
}

// HandleWebSocket manages the lifecycle of a websocket connection. The
// token is read by the upgrade middleware and stored in the "token" local.
func HandleWebSocket(c *websocket.Conn, router *Router, cfg config.WebsocketConfig) {
	client := NewClient(c, cfg)
	metrics.Connections.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		client.HandleWrite()
		close(writerDone)
	}()

	defer func() {
		client.shutdown()
		<-writerDone
		c.Close()
		metrics.Connections.Dec()
		logger.Debug("ws_cleaned_up", "conn", client.ConnID)
	}()

	token, _ := c.Locals("token").(string)
	session, err := router.Open(ctx, client.ConnID, token, client)
	if err != nil {
		logger.Info("ws_rejected", "conn", client.ConnID, "error", err)
		return
	}
	defer session.Close()

	client.HandleRead(ctx, session)
}
