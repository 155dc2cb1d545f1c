package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBuffer = 256

type ClientConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 512 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	return c
}

// Client is one WebSocket connection of an authenticated user. A user may
// hold several.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan Message

	cfg    ClientConfig
	sendMu sync.RWMutex
	closed bool
	logger *zap.Logger

	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

func NewClient(id, userID string, conn *websocket.Conn, cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan Message, sendBuffer),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ReadPump decodes frames until the connection fails, then runs
// OnDisconnect exactly once. A frame that is not a valid envelope is
// answered with an error event and the connection stays open.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error",
					zap.String("conn_id", c.ID),
					zap.String("user_id", c.UserID),
					zap.Error(err),
				)
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.SendError(400, "malformed message")
			continue
		}
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Debug("Failed to write message",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues message without blocking. It is dropped if the client
// is closed or its buffer is full.
func (c *Client) SendMessage(message Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("conn_id", c.ID),
			zap.String("type", string(message.Type)),
		)
	}
}

func (c *Client) SendError(code int, msg string) {
	message, err := newMessage(EventError, ErrorData{Code: code, Message: msg})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}
	c.SendMessage(message)
}
