package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"astro_chat/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection of a participant.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	UserID string
	Role   domain.Role
	ConnID string

	send    chan []byte
	ready   chan struct{}
	limiter *rate.Limiter

	mu   sync.Mutex
	pair *domain.Pair
}

func newClient(hub *Hub, conn *websocket.Conn, id domain.Identity, limit rate.Limit, burst int) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		UserID:  id.UserID,
		Role:    id.Role,
		ConnID:  uuid.NewString(),
		send:    make(chan []byte, sendBuffer),
		ready:   make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *Client) setPair(p domain.Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = &p
}

func (c *Client) joined() (domain.Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pair == nil {
		return domain.Pair{}, false
	}
	return *c.pair, true
}

// ReadPump decodes frames and hands them to the hub until the connection
// fails. It unregisters the client on exit.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
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
				c.hub.logger.Warn("Unexpected close", "user_id", c.UserID, "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.fail(c, "bad_frame", err.Error())
			continue
		}
		c.hub.dispatch(ctx, c, env)
	}
}

// WritePump is the only writer of conn.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
