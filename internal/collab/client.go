package collab

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"peerprep/utils"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one duplex connection of a user to a session. A user may hold
// several at once, e.g. two browser tabs.
type Client struct {
	ID        string
	UserID    string
	SessionID string

	send      chan []byte
	closeOnce sync.Once
	conn      *websocket.Conn
}

func NewClient(sessionID, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:        utils.ConnectionID(userID),
		UserID:    userID,
		SessionID: sessionID,
		send:      make(chan []byte, buffer),
	}
}

// Send exposes the outbound queue for callers that drive the client without a socket.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// enqueue never blocks; a full buffer means the connection is too slow to keep.
// Callers hold the session lock, which also guards against a concurrent close.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Serve attaches conn and runs both pumps until the connection goes away.
// It blocks in the read pump.
func (c *Client) Serve(ctx context.Context, hub *Hub, conn *websocket.Conn) {
	c.conn = conn
	go c.writePump()
	c.readPump(ctx, hub)
}

func (c *Client) readPump(ctx context.Context, hub *Hub) {
	defer func() {
		hub.Leave(context.WithoutCancel(ctx), c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("collab connection closed", "client_id", c.ID, "session_id", c.SessionID, "error", err)
			}
			return
		}
		hub.Handle(ctx, c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
