package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

const maxMessageSize = 1024

// ClientConfig tunes one websocket session.
type ClientConfig struct {
	SendBufferSize int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

// Client is a single authenticated websocket session.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	userID string
	role   models.UserRole

	writeTimeout time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
}

// NewClient attaches a connection to the hub and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, role models.UserRole, cfg ClientConfig) *Client {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	c := &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, cfg.SendBufferSize),
		done:         make(chan struct{}),
		userID:       userID,
		role:         role,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
	hub.register(c)
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump consumes client frames. Clients send nothing meaningful after
// the authenticated connect (the join handshake is implicit), so frames
// are read only to keep pong handling alive and to detect closure.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	deadline := c.pingInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
