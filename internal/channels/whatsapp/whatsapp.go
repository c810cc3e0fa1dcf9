// Package whatsapp connects the runtime to a WhatsApp bridge process over
// WebSocket. The bridge (whatsapp-web.js based) speaks the actual WhatsApp
// protocol; this adapter exchanges JSON frames with it and keeps the
// connection alive across bridge restarts.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/channels"
	"github.com/twinclawhq/twinclaw/internal/config"
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 30 * time.Second
	rawPreviewLen    = 512
)

// bridgeMessage is one JSON frame from the bridge.
type bridgeMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Chat      string `json:"chat"`
	Content   string `json:"content"`
	VoicePath string `json:"voice_path"`
	ID        string `json:"id"`
	FromName  string `json:"from_name"`
}

// Adapter is the WhatsApp channel adapter.
type Adapter struct {
	cfg  config.WhatsAppConfig
	sink chan<- bus.InboundMessage

	mu   sync.Mutex
	conn *websocket.Conn

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a WhatsApp adapter. A bridge URL is required; the connection
// itself is established on Start.
func New(cfg config.WhatsAppConfig, sink chan<- bus.InboundMessage) (*Adapter, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Adapter{cfg: cfg, sink: sink}, nil
}

// Platform returns "whatsapp".
func (a *Adapter) Platform() string { return bus.PlatformWhatsApp }

// Running reports whether the listen loop is active.
func (a *Adapter) Running() bool { return a.running.Load() }

// Start connects to the bridge and begins listening. An unreachable bridge
// is not fatal; the listen loop keeps retrying with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting whatsapp adapter", "bridge_url", a.cfg.BridgeURL)

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	if err := a.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	a.running.Store(true)
	go a.listenLoop()
	return nil
}

// Stop closes the bridge connection and waits for the listen loop to exit.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp adapter")
	a.running.Store(false)

	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			slog.Warn("whatsapp listen loop did not exit within timeout")
		}
	}
	return nil
}

// SendText delivers one text message through the bridge.
func (a *Adapter) SendText(_ context.Context, chatID, text string) error {
	return a.write(map[string]any{
		"type":    "message",
		"to":      chatID,
		"content": text,
	})
}

// SendVoice asks the bridge to deliver a local audio file as a voice note.
// The bridge runs on the same host, so the path is meaningful to it.
func (a *Adapter) SendVoice(_ context.Context, chatID, path string) error {
	return a.write(map[string]any{
		"type": "voice",
		"to":   chatID,
		"path": path,
	})
}

func (a *Adapter) write(payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (a *Adapter) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.Dial(a.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", a.cfg.BridgeURL, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", a.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (a *Adapter) listenLoop() {
	defer close(a.done)
	backoff := reconnectBase

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := a.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, reconnectMax)
				continue
			}
			backoff = reconnectBase
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close()
				a.conn = nil
			}
			a.mu.Unlock()
			continue
		}

		var msg bridgeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if msg.Type == "message" {
			a.handleIncoming(msg, raw)
		}
	}
}

// handleIncoming normalizes one bridge frame onto the inbound sink.
func (a *Adapter) handleIncoming(msg bridgeMessage, raw []byte) {
	in, ok := normalize(msg, raw)
	if !ok {
		return
	}

	slog.Debug("whatsapp message received",
		"sender_id", in.SenderID,
		"chat_id", in.ChatID,
		"preview", channels.Truncate(in.Text, 50),
	)

	select {
	case a.sink <- in:
	case <-a.ctx.Done():
	}
}

// normalize maps a bridge frame onto the platform-neutral shape. Frames
// without a sender, or with neither content nor voice audio, are dropped.
// Direct chats omit the chat field; the sender id doubles as chat id.
func normalize(msg bridgeMessage, raw []byte) (bus.InboundMessage, bool) {
	if msg.From == "" {
		return bus.InboundMessage{}, false
	}
	if msg.Content == "" && msg.VoicePath == "" {
		return bus.InboundMessage{}, false
	}
	chatID := msg.Chat
	if chatID == "" {
		chatID = msg.From
	}
	return bus.InboundMessage{
		Platform:   bus.PlatformWhatsApp,
		SenderID:   msg.From,
		ChatID:     chatID,
		Text:       msg.Content,
		AudioPath:  msg.VoicePath,
		RawPayload: channels.Truncate(string(raw), rawPreviewLen),
		ReceivedAt: time.Now().UTC(),
	}, true
}
