package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openctemio/sast-triage/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	maxSubscriptionsPerClient = 50
)

// Client represents a single WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	ID      string
	Subject string

	subscriptions map[string]bool
	subMu         sync.Mutex

	// mu guards closed and sends on send.
	closed bool
	mu     sync.Mutex
}

// NewClient creates a new WebSocket client. subject is the authenticated caller, if any.
func NewClient(hub *Hub, conn *websocket.Conn, subject string, log *logger.Logger) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		logger:        log,
		ID:            uuid.NewString(),
		Subject:       subject,
		subscriptions: make(map[string]bool),
	}
}

// Subscribe records a channel subscription.
// Returns false if already subscribed or over the subscription limit.
func (c *Client) Subscribe(channel string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscriptions[channel] {
		return false
	}
	if len(c.subscriptions) >= maxSubscriptionsPerClient {
		c.logger.Warn("subscription limit exceeded", "client_id", c.ID, "max", maxSubscriptionsPerClient)
		return false
	}
	c.subscriptions[channel] = true
	return true
}

// Unsubscribe removes a channel subscription.
func (c *Client) Unsubscribe(channel string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.subscriptions[channel] {
		return false
	}
	delete(c.subscriptions, channel)
	return true
}

// SendMessage queues a message. Messages to slow or closed clients are dropped.
func (c *Client) SendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message", "client_id", c.ID)
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.conn.Close()
}

// ReadPump reads client messages until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "client_id", c.ID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("INVALID_MESSAGE", "Invalid message format", "")
			continue
		}
		c.handleMessage(&msg)
	}
}

// WritePump writes queued messages and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		req := c.subscribeRequest(msg)
		if req.Channel == "" {
			c.sendError("INVALID_CHANNEL", "Channel is required", req.RequestID)
			return
		}
		if !authorize(req.Channel) {
			c.sendError("FORBIDDEN", "Unknown channel", req.RequestID)
			return
		}
		if c.Subscribe(req.Channel) {
			c.hub.subscribe(c, req.Channel)
		}
		c.SendMessage(NewMessage(MessageTypeSubscribed).WithChannel(req.Channel).WithRequestID(req.RequestID))

	case MessageTypeUnsubscribe:
		req := c.subscribeRequest(msg)
		if req.Channel == "" {
			c.sendError("INVALID_CHANNEL", "Channel is required", req.RequestID)
			return
		}
		if c.Unsubscribe(req.Channel) {
			c.hub.unsubscribe(c, req.Channel)
		}
		c.SendMessage(NewMessage(MessageTypeUnsubscribed).WithChannel(req.Channel).WithRequestID(req.RequestID))

	case MessageTypePing:
		c.SendMessage(NewMessage(MessageTypePong).WithRequestID(msg.RequestID))

	default:
		c.sendError("UNKNOWN_MESSAGE_TYPE", "Unknown message type: "+string(msg.Type), msg.RequestID)
	}
}

// subscribeRequest reads the channel from the data payload, falling back to the envelope.
func (c *Client) subscribeRequest(msg *Message) SubscribeRequest {
	var req SubscribeRequest
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &req)
	}
	if req.Channel == "" {
		req.Channel = msg.Channel
	}
	if req.RequestID == "" {
		req.RequestID = msg.RequestID
	}
	return req
}

func (c *Client) sendError(code, message, requestID string) {
	c.SendMessage(NewMessage(MessageTypeError).
		WithData(ErrorData{Code: code, Message: message}).
		WithRequestID(requestID))
}
