package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

// Client is a websocket connection owned by one authenticated actor.
type Client struct {
	id      string
	actor   *models.User
	conn    *websocket.Conn
	gateway *Gateway
	logger  *zap.Logger

	mu        sync.Mutex
	send      chan Event
	closed    bool
	closeOnce sync.Once
}

func newClient(id string, actor *models.User, conn *websocket.Conn, g *Gateway) *Client {
	return &Client{
		id:      id,
		actor:   actor,
		conn:    conn,
		gateway: g,
		logger:  g.logger.With(zap.String("connection_id", id), zap.String("user_id", actor.ID)),
		send:    make(chan Event, g.config.SendBuffer),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// ActorID returns the authenticated user id.
func (c *Client) ActorID() string { return c.actor.ID }

// Send queues an event for the write pump without blocking.
func (c *Client) Send(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Close stops the write pump and tears the socket down. The read pump then
// fails and detaches the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.closeConn()
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// readPump decodes inbound frames until the peer goes away.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.Detach(c)
		c.Close()
	}()

	cfg := c.gateway.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Name == "" {
			c.Send(Event{Name: EventError, Data: ErrorPayload{Message: "malformed event", Code: "VALIDATION_ERROR"}})
			continue
		}
		c.gateway.Dispatch(ctx, c, c.actor, frame)
	}
}

// writePump serialises queued events and keeps the connection alive with pings.
func (c *Client) writePump() {
	cfg := c.gateway.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
