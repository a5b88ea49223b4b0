package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phonectl/relay/internal/config"
	"github.com/phonectl/relay/internal/router"
)

// Errors
var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn wraps one websocket connection. It implements registry.Conn.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    config.ServerConfig
	logger *slog.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, cfg config.ServerConfig, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: logger.With("conn_id", id),
		send:   make(chan []byte, cfg.SendBufferSize),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Ready reports whether Send can currently deliver.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send queues one message for the write pump. It never blocks: a full
// buffer or a closed connection fails immediately, and slow consumers
// lose messages rather than stalling their partner.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

// Close tears the connection down. Safe to call more than once; the
// registry closes evicted connections while the server closes the rest.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	return c.ws.Close()
}

// run starts the write pump and blocks on the read pump until the
// connection ends, then reports the disconnect to the session.
func (c *Conn) run(session *router.Session) {
	go c.writePump()
	c.readPump(session)

	session.HandleDisconnect()
	c.Close()
}

// readPump reads frames from the websocket and feeds the session.
func (c *Conn) readPump(session *router.Session) {
	defer c.ws.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		// Reset read deadline on activity
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		session.HandleMessage(data)
	}
}

// writePump writes frames and pings to the websocket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
