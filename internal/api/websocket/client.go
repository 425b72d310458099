package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KevinKickass/EstateHub/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	authWait = 10 * time.Second

	maxMessageSize = 4096

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live-view connection. It joins the hub only after its first
// message authenticated it.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
}

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (c *Client) readPump() {
	defer func() {
		if !c.authenticated {
			// writePump flushes the auth reply, then closes the connection.
			close(c.send)
			return
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}

		if c.authenticated {
			c.logger.Debug("Ignoring client message", zap.String("type", msg.Type))
			continue
		}

		if msg.Type != "auth" || msg.Token == "" {
			c.reply("auth_failed", "First message must be authentication")
			return
		}
		if !auth.TokenMatches(msg.Token, c.hub.tokenHash) {
			c.logger.Warn("WebSocket authentication failed",
				zap.String("remote_addr", c.conn.RemoteAddr().String()))
			c.reply("auth_failed", "Invalid token")
			return
		}

		c.authenticated = true
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		c.reply("auth_success", "")
		select {
		case c.hub.register <- c:
		case <-c.hub.done:
			c.authenticated = false
			return
		}
	}
}

func (c *Client) reply(msgType, reason string) {
	msg := map[string]any{
		"type":      msgType,
		"timestamp": time.Now().UTC(),
	}
	if reason != "" {
		msg["reason"] = reason
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
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

// ServeWs upgrades the request and starts the client pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
