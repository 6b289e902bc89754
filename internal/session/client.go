package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one websocket connection attached to a room, together with the
// authenticated agent behind it. ID is an ephemeral per-connection client id;
// it is random and collision-tolerant, not globally unique.
type Client struct {
	AgentID string
	ID      uint32

	mu   sync.Mutex
	conn *websocket.Conn
	hook func([]byte)
}

func NewClient(conn *websocket.Conn, agentID string) *Client {
	return &Client{
		AgentID: agentID,
		ID:      uuid.New().ID(),
		conn:    conn,
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func([]byte)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send writes one binary frame. Write errors are ignored here; a broken
// connection surfaces on its own read loop and detaches normally.
func (c *Client) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return
	}
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Ping sends a control ping to keep the connection alive.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close sends a close frame and tears the connection down. Used when the
// process drains on shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
