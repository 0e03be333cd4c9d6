package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/supportchat/internal/errs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Client frames are small subscription requests.
	maxMessageSize = 4096

	sendBufferSize = 256

	joinTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client is one websocket connection. Its subscriptions live exactly as
// long as the connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int

	// guarded by hub.mu
	rooms      map[string]struct{}
	registered bool

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID int) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		rooms:  make(map[string]struct{}),
		send:   make(chan []byte, sendBufferSize),
	}
}

func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply answers a frame. A client whose queue cannot take the answer is
// dropped, since the peer would otherwise wait for it forever.
func (c *Client) reply(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if !c.enqueue(msg) {
		c.hub.log.Warn().Int("user_id", c.userID).Str("type", ev.Type).Msg("dropping client that cannot take a reply")
		c.hub.Unregister(c)
	}
}

func (c *Client) handleFrame(ctx context.Context, f Frame) {
	switch f.Type {
	case "join":
		ctx, cancel := context.WithTimeout(ctx, joinTimeout)
		defer cancel()
		if err := c.hub.Join(ctx, c, f.ConversationID); err != nil {
			c.reply(Event{Type: EventError, ConversationID: f.ConversationID, Code: errs.CodeOf(err), Error: err.Error()})
			return
		}
		c.reply(Event{Type: EventJoined, ConversationID: f.ConversationID})
	case "leave":
		c.hub.Leave(c, f.ConversationID)
		c.reply(Event{Type: EventLeft, ConversationID: f.ConversationID})
	default:
		c.reply(Event{Type: EventError, ConversationID: f.ConversationID, Code: errs.CodeInvalidArgument, Error: "unknown frame type"})
	}
}

// readPump processes subscription frames until the connection fails. The
// client is unregistered on the way out, which ends writePump too.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Int("user_id", c.userID).Msg("websocket read")
			}
			return
		}
		c.handleFrame(ctx, f)
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
				// The hub closed the channel.
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

// ServeWs upgrades the request and serves the connection until it closes.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(hub, conn, userID)
	hub.Register(client)
	go client.writePump()
	client.readPump(ctx)
}
