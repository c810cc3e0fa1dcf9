package hub

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second // per-frame write deadline
	maxFrameSize = 4096             // inbound frames are small control messages
	sendBuffer   = 256              // outbound channel slots per client
)

// client is one WebSocket connection. writePump owns all writes to the
// connection, readPump owns all reads; everything else talks to the client
// through trySend and closeWith.
type client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// Set exactly once before done is closed.
	closeCode   int
	closeReason string

	mu       sync.Mutex
	authed   bool
	topics   map[string]bool
	isAlive  bool
	buffered int // bytes currently queued in send

	maxQueueBytes int
	authTimer     *time.Timer
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	c := &client{
		hub:           h,
		id:            uuid.NewString()[:8],
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		topics:        make(map[string]bool),
		isAlive:       true,
		maxQueueBytes: h.cfg.MaxQueueKB * 1024,
	}
	c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() {
		if c.isAuthed() {
			return
		}
		c.sendError(protocol.CloseAuthRequired, "auth required")
		c.closeWith(protocol.CloseAuthRequired, "auth required")
	})
	return c
}

// run starts the write pump and reads frames until the connection ends.
func (c *client) run() {
	go c.writePump()
	c.readPump()
}

// closeWith records the close code and wakes the write pump to deliver the
// close frame. First caller wins; later calls are no-ops.
func (c *client) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.authTimer.Stop()
		close(c.done)
	})
}

// trySend queues a frame for delivery. Returns false and drops the frame
// when the client's byte budget or channel is full, or the client is
// closing. Never blocks.
func (c *client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	c.mu.Lock()
	if c.buffered+len(frame) > c.maxQueueBytes {
		c.mu.Unlock()
		return false
	}
	c.buffered += len(frame)
	c.mu.Unlock()

	select {
	case c.send <- frame:
		return true
	default:
		c.mu.Lock()
		c.buffered -= len(frame)
		c.mu.Unlock()
		return false
	}
}

// writePump is the only goroutine writing to the connection. It exits after
// delivering the close frame or on the first write error, then tears the
// connection down.
func (c *client) writePump() {
	defer func() {
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case frame := <-c.send:
			c.mu.Lock()
			c.buffered -= len(frame)
			c.mu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			// Flush queued frames (an error frame usually precedes the
			// close) before the close frame itself.
			c.drainQueued()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

func (c *client) drainQueued() {
	for {
		select {
		case frame := <-c.send:
			c.mu.Lock()
			c.buffered -= len(frame)
			c.mu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump is the only goroutine reading from the connection.
func (c *client) readPump() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(payload)
	}
}

func (c *client) handleFrame(payload []byte) {
	var f protocol.ControlFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		c.sendError(400, "malformed frame")
		return
	}

	switch f.Type {
	case protocol.FramePing:
		pong, _ := json.Marshal(protocol.PingFrame{Type: protocol.FramePong})
		c.trySend(pong)
	case protocol.FramePong:
		c.setAlive(true)
	case protocol.FrameAuth:
		c.handleAuth(f.Token)
	case protocol.FrameSubscribe:
		c.handleSubscribe(f.Topics)
	default:
		c.sendError(400, "unknown frame type")
	}
}

func (c *client) handleAuth(token string) {
	if c.isAuthed() {
		return
	}
	if c.hub.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(c.hub.token)) != 1 {
		slog.Warn("websocket auth failed", "client", c.id)
		c.sendError(protocol.CloseAuthFailed, "auth failed")
		c.closeWith(protocol.CloseAuthFailed, "auth failed")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.authTimer.Stop()

	frame, _ := json.Marshal(protocol.AuthOKFrame{
		Type:     protocol.FrameAuthOK,
		ClientID: c.id,
		TS:       c.hub.now().UTC().Format(time.RFC3339),
	})
	c.trySend(frame)
	slog.Debug("websocket client authenticated", "client", c.id)
}

func (c *client) handleSubscribe(topics []string) {
	if !c.isAuthed() {
		c.sendError(protocol.CloseAuthRequired, "auth required")
		c.closeWith(protocol.CloseAuthRequired, "auth required")
		return
	}

	var accepted []string
	seen := make(map[string]bool)
	for _, topic := range topics {
		if !protocol.ValidTopic(topic) || seen[topic] {
			continue
		}
		seen[topic] = true
		accepted = append(accepted, topic)
	}
	if len(accepted) == 0 {
		c.sendError(protocol.CloseInvalidSub, "no valid topics")
		c.closeWith(protocol.CloseInvalidSub, "invalid subscription")
		return
	}

	c.mu.Lock()
	for _, topic := range accepted {
		c.topics[topic] = true
	}
	c.mu.Unlock()

	frame, _ := json.Marshal(protocol.SubscribedFrame{
		Type:   protocol.FrameSubscribed,
		Topics: accepted,
		TS:     c.hub.now().UTC().Format(time.RFC3339),
	})
	c.trySend(frame)
	c.hub.notifySubscribe(c.id, accepted)
}

func (c *client) sendError(code int, msg string) {
	frame, _ := json.Marshal(protocol.ErrorFrame{
		Type:    protocol.FrameError,
		Code:    code,
		Message: msg,
		TS:      c.hub.now().UTC().Format(time.RFC3339),
	})
	c.trySend(frame)
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	return out
}

func (c *client) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}

func (c *client) setAlive(v bool) {
	c.mu.Lock()
	c.isAlive = v
	c.mu.Unlock()
}
