package ws

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

// CloseLagging is the application close code sent to clients dropped
// because their send buffer overflowed.
const CloseLagging = 4000

// Origin validation is the reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket peer. The protocol is server-push
// only: the read pump exists to detect disconnects and handle pongs.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Event
	topics []string // read-only after construction
	lagged atomic.Bool
	logger *slog.Logger
}

// NewClient upgrades the HTTP connection and prepares a client subscribed
// to topics.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *slog.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Event, sendBufferSize),
		topics: topics,
		logger: logger.With("remote_addr", r.RemoteAddr),
	}, nil
}

// Run registers the client and pumps until the connection closes.
func (c *Client) Run() {
	c.hub.subscribe(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected websocket close", "error", err)
			}
			return
		}
	}
}

// writePump is the only goroutine writing to conn; gorilla connections do
// not allow concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if c.lagged.Load() {
					code, reason = CloseLagging, "lag"
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
